// Package dnscheck verifies that a sending domain publishes the records
// receivers use to authenticate campaign mail.
package dnscheck

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
)

// ErrInvalidDomain is returned for malformed domain names
var ErrInvalidDomain = errors.New("invalid domain name")

var (
	domainRegex   = regexp.MustCompile(`^(?i)[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)*$`)
	selectorRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)
)

// Status of one check
type Status string

const (
	StatusOK       Status = "ok"
	StatusWarning  Status = "warning"
	StatusError    Status = "error"
	StatusNotFound Status = "not_found"
)

// Result is the outcome of one record check
type Result struct {
	Record  string `json:"record"`
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Value   string `json:"value,omitempty"`
	Message string `json:"message,omitempty"`
}

// Report collects the checks for one sending domain
type Report struct {
	Domain  string   `json:"domain"`
	Results []Result `json:"results"`
}

// Ready reports whether no check failed outright. Missing SPF or DMARC
// records are warnings; a missing or mismatched DKIM key is an error.
func (r *Report) Ready() bool {
	for _, res := range r.Results {
		if res.Status == StatusError {
			return false
		}
	}
	return true
}

// Resolver looks up TXT records
type Resolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// Options selects the DKIM key to compare against
type Options struct {
	Selector string
	// PublicKey, when set, must match the published p= value
	PublicKey *rsa.PublicKey
}

// Checker runs the sender domain checks
type Checker struct {
	resolver Resolver
}

// New creates a checker; a nil resolver uses the system resolver
func New(resolver Resolver) *Checker {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Checker{resolver: resolver}
}

// ValidateDomain checks domain name syntax
func ValidateDomain(domain string) error {
	if domain == "" || len(domain) > 253 || !domainRegex.MatchString(domain) {
		return ErrInvalidDomain
	}
	return nil
}

// DomainOf returns the domain part of an address
func DomainOf(address string) string {
	at := strings.LastIndex(address, "@")
	if at < 0 {
		return ""
	}
	return strings.ToLower(strings.TrimSuffix(address[at+1:], ">"))
}

// Check looks up SPF, DKIM (when a selector is given) and DMARC for domain
func (c *Checker) Check(ctx context.Context, domain string, opts Options) (*Report, error) {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	if err := ValidateDomain(domain); err != nil {
		return nil, err
	}
	if opts.Selector != "" && (len(opts.Selector) > 63 || !selectorRegex.MatchString(opts.Selector)) {
		return nil, fmt.Errorf("invalid DKIM selector %q", opts.Selector)
	}

	report := &Report{Domain: domain}
	report.Results = append(report.Results, c.checkSPF(ctx, domain))
	if opts.Selector != "" {
		report.Results = append(report.Results, c.checkDKIM(ctx, domain, opts))
	}
	report.Results = append(report.Results, c.checkDMARC(ctx, domain))
	return report, nil
}

// lookup returns the TXT records of name. found is false for NXDOMAIN or
// an empty answer.
func (c *Checker) lookup(ctx context.Context, name string) (records []string, found bool, err error) {
	records, err = c.resolver.LookupTXT(ctx, name)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	return records, len(records) > 0, nil
}

func (c *Checker) checkSPF(ctx context.Context, domain string) Result {
	res := Result{Record: "SPF", Name: domain}

	records, found, err := c.lookup(ctx, domain)
	if err != nil {
		return failed(res, err)
	}

	var spf []string
	if found {
		for _, txt := range records {
			if strings.HasPrefix(strings.ToLower(txt), "v=spf1") {
				spf = append(spf, txt)
			}
		}
	}

	switch {
	case len(spf) == 0:
		res.Status = StatusNotFound
		res.Message = "no SPF record, receivers cannot verify the relay is allowed to send"
	case len(spf) > 1:
		res.Status = StatusError
		res.Value = strings.Join(spf, " | ")
		res.Message = "multiple SPF records, receivers treat this as a permanent error"
	default:
		res.Value = spf[0]
		res.Status = StatusOK
		switch {
		case strings.Contains(spf[0], "+all"):
			res.Status = StatusWarning
			res.Message = "+all allows any host to send for this domain"
		case strings.Contains(spf[0], "?all"):
			res.Status = StatusWarning
			res.Message = "neutral policy (?all) gives receivers no guidance"
		}
	}
	return res
}

func (c *Checker) checkDKIM(ctx context.Context, domain string, opts Options) Result {
	name := fmt.Sprintf("%s._domainkey.%s", opts.Selector, domain)
	res := Result{Record: "DKIM", Name: name}

	records, found, err := c.lookup(ctx, name)
	if err != nil {
		return failed(res, err)
	}
	if !found {
		res.Status = StatusError
		res.Message = "no DKIM key published for the configured selector, signed mail will fail verification"
		return res
	}

	// Long keys are split into several strings
	record := strings.Join(records, "")
	res.Value = truncate(record, 80)

	tags := parseTags(record)
	if v, ok := tags["v"]; ok && v != "DKIM1" {
		res.Status = StatusError
		res.Message = fmt.Sprintf("unexpected version %q", v)
		return res
	}
	published := strings.Join(strings.Fields(tags["p"]), "")
	if published == "" {
		res.Status = StatusError
		res.Message = "key is revoked (empty p=)"
		return res
	}

	if opts.PublicKey != nil {
		der, err := x509.MarshalPKIXPublicKey(opts.PublicKey)
		if err != nil {
			return failed(res, err)
		}
		if published != base64.StdEncoding.EncodeToString(der) {
			res.Status = StatusError
			res.Message = "published key does not match the configured private key"
			return res
		}
		res.Message = "published key matches the signing key"
	}

	res.Status = StatusOK
	return res
}

func (c *Checker) checkDMARC(ctx context.Context, domain string) Result {
	name := "_dmarc." + domain
	res := Result{Record: "DMARC", Name: name}

	records, found, err := c.lookup(ctx, name)
	if err != nil {
		return failed(res, err)
	}

	record := ""
	for _, txt := range records {
		if strings.HasPrefix(strings.ToUpper(txt), "V=DMARC1") {
			record = txt
			break
		}
	}
	if !found || record == "" {
		res.Status = StatusNotFound
		res.Message = "no DMARC policy, several large mailbox providers require one for bulk senders"
		return res
	}

	res.Value = record
	switch strings.ToLower(parseTags(record)["p"]) {
	case "reject", "quarantine":
		res.Status = StatusOK
	case "none":
		res.Status = StatusWarning
		res.Message = "policy p=none only monitors"
	default:
		res.Status = StatusWarning
		res.Message = "record has no valid p= policy"
	}
	return res
}

func failed(res Result, err error) Result {
	res.Status = StatusError
	res.Message = fmt.Sprintf("lookup failed: %v", err)
	return res
}

// parseTags splits a tag=value; list as used by DKIM and DMARC records
func parseTags(record string) map[string]string {
	tags := make(map[string]string)
	for _, part := range strings.Split(record, ";") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		tags[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return tags
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
