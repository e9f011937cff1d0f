package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailpace/internal/dkim"
	"github.com/foxzi/mailpace/internal/dnscheck"
)

var (
	checkDomain  string
	checkTimeout time.Duration
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Pre-flight checks for the sending setup",
}

var checkSenderCmd = &cobra.Command{
	Use:   "sender",
	Short: "Check SPF, DKIM and DMARC records of the sender domain",
	Long: `Look up the DNS records receivers use to authenticate mail from the
configured sender address. When DKIM is enabled the published key is compared
with the configured private key.`,
	RunE: runCheckSender,
}

func init() {
	checkSenderCmd.Flags().StringVar(&checkDomain, "domain", "", "Domain to check (default: sender address domain)")
	checkSenderCmd.Flags().DurationVar(&checkTimeout, "timeout", 10*time.Second, "DNS lookup timeout")

	checkCmd.AddCommand(checkSenderCmd)
	rootCmd.AddCommand(checkCmd)
}

func runCheckSender(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	domain := checkDomain
	if domain == "" {
		domain = dnscheck.DomainOf(cfg.Sender.Address)
	}
	if domain == "" {
		return fmt.Errorf("no sender domain: set sender.address or pass --domain")
	}

	var opts dnscheck.Options
	if cfg.DKIM.Enabled {
		key, err := dkim.LoadPrivateKey(cfg.DKIM.KeyFile)
		if err != nil {
			return fmt.Errorf("failed to load DKIM key: %w", err)
		}
		opts.Selector = cfg.DKIM.Selector
		opts.PublicKey = &key.PublicKey
		if checkDomain == "" && cfg.DKIM.Domain != "" {
			// Signatures are published under the signing domain
			domain = cfg.DKIM.Domain
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()

	report, err := dnscheck.New(nil).Check(ctx, domain, opts)
	if err != nil {
		return err
	}

	fmt.Printf("Domain: %s\n\n", report.Domain)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RECORD\tSTATUS\tNAME\tMESSAGE")
	for _, r := range report.Results {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Record, r.Status, r.Name, r.Message)
	}
	w.Flush()

	if !report.Ready() {
		return fmt.Errorf("sender domain %s is not ready for sending", report.Domain)
	}
	return nil
}
