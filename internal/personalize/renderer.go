package personalize

import (
	"bytes"
	"fmt"
	"html"
	"regexp"
	"strings"
	"sync"

	"github.com/osteele/liquid"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/foxzi/mailpace/internal/campaign"
)

// MissingFieldError is returned when a template outputs a field the
// recipient row does not have and no default filter covers it
type MissingFieldError struct {
	Template string
	Field    string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("%s template references missing field %q", e.Template, e.Field)
}

// Rendered is a personalized message ready for the transport
type Rendered struct {
	Subject string
	Text    string
	HTML    string
}

// Preview is one rendered sample of a campaign
type Preview struct {
	Row      int       `json:"row"`
	Email    string    `json:"email"`
	Rendered *Rendered `json:"rendered,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// outputVarPattern matches {{ var }}, {{ var | filter }} and {{ var.nested }}
var outputVarPattern = regexp.MustCompile(`\{\{-?\s*([a-zA-Z_][a-zA-Z0-9_.]*)\s*(\|[^}]*)?-?\}\}`)

// defaultFilterPattern matches a default filter inside a filter chain
var defaultFilterPattern = regexp.MustCompile(`\|\s*default\s*:`)

// Renderer renders campaign templates for one recipient
type Renderer struct {
	engine *liquid.Engine
	md     goldmark.Markdown
	cache  sync.Map // template source -> *liquid.Template
}

// NewRenderer creates a renderer with the liquid engine and markdown support
func NewRenderer() *Renderer {
	r := &Renderer{
		engine: liquid.NewEngine(),
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
		),
	}

	// Treat empty strings like nil: {{ name | default: "there" }}
	r.engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		if s := fmt.Sprintf("%v", value); s == "" || s == "<nil>" {
			return defaultVal
		}
		return value
	})

	return r
}

// Validate checks template syntax for a campaign before it is saved
func (r *Renderer) Validate(c *campaign.Campaign) error {
	if _, err := r.parse(c.SubjectTemplate); err != nil {
		return &campaign.ValidationError{Field: "subject_template", Message: err.Error()}
	}
	if _, err := r.parse(c.BodyTemplate); err != nil {
		return &campaign.ValidationError{Field: "body_template", Message: err.Error()}
	}
	return nil
}

// Render personalizes subject and body for one recipient
func (r *Renderer) Render(c *campaign.Campaign, rcpt *campaign.Recipient) (*Rendered, error) {
	bindings := Bindings(c, rcpt)

	subject, err := r.renderString("subject", c.SubjectTemplate, bindings)
	if err != nil {
		return nil, err
	}
	// Header values must stay on one line
	subject = strings.Join(strings.Fields(subject), " ")

	out := &Rendered{Subject: subject}

	switch c.BodyType {
	case campaign.BodyHTML:
		body, err := r.renderString("body", c.BodyTemplate, escapeBindings(bindings))
		if err != nil {
			return nil, err
		}
		out.HTML = body
		out.Text = HTMLToText(body)

	case campaign.BodyMarkdown:
		body, err := r.renderString("body", c.BodyTemplate, bindings)
		if err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		if err := r.md.Convert([]byte(body), &buf); err != nil {
			return nil, fmt.Errorf("failed to convert markdown: %w", err)
		}
		out.HTML = buf.String()
		out.Text = body

	default:
		body, err := r.renderString("body", c.BodyTemplate, bindings)
		if err != nil {
			return nil, err
		}
		out.Text = body
	}

	return out, nil
}

// Preview renders the first n rows so templates can be checked before a run
func (r *Renderer) Preview(c *campaign.Campaign, recipients []*campaign.Recipient, n int) []Preview {
	if n <= 0 || n > len(recipients) {
		n = len(recipients)
	}

	previews := make([]Preview, 0, n)
	for _, rcpt := range recipients[:n] {
		p := Preview{Row: int(rcpt.ID), Email: rcpt.Email}
		rendered, err := r.Render(c, rcpt)
		if err != nil {
			p.Error = err.Error()
		} else {
			p.Rendered = rendered
		}
		previews = append(previews, p)
	}
	return previews
}

// Bindings builds the template variables for one recipient.
// Row fields come first so built-ins cannot be shadowed by a column.
func Bindings(c *campaign.Campaign, rcpt *campaign.Recipient) map[string]interface{} {
	b := make(map[string]interface{}, len(rcpt.Fields)+4)
	for k, v := range rcpt.Fields {
		b[k] = v
	}
	b["email"] = rcpt.Email
	b["sender_name"] = c.SenderName
	b["reply_to"] = c.ReplyTo
	b["campaign_name"] = c.Name
	return b
}

func (r *Renderer) renderString(name, source string, bindings map[string]interface{}) (string, error) {
	if err := checkFields(name, source, bindings); err != nil {
		return "", err
	}

	tpl, err := r.parse(source)
	if err != nil {
		return "", fmt.Errorf("failed to parse %s template: %w", name, err)
	}

	out, serr := tpl.RenderString(bindings)
	if serr != nil {
		return "", fmt.Errorf("failed to render %s template: %w", name, serr)
	}
	return out, nil
}

func (r *Renderer) parse(source string) (*liquid.Template, error) {
	if cached, ok := r.cache.Load(source); ok {
		return cached.(*liquid.Template), nil
	}

	tpl, err := r.engine.ParseString(source)
	if err != nil {
		return nil, err
	}

	r.cache.Store(source, tpl)
	return tpl, nil
}

// checkFields rejects output tags whose variable is absent from bindings
// unless the tag carries a default filter
func checkFields(name, source string, bindings map[string]interface{}) error {
	for _, match := range outputVarPattern.FindAllStringSubmatch(source, -1) {
		if defaultFilterPattern.MatchString(match[2]) || strings.HasPrefix(match[1], "forloop.") {
			continue
		}
		if !variableExists(match[1], bindings) {
			return &MissingFieldError{Template: name, Field: match[1]}
		}
	}
	return nil
}

func variableExists(path string, bindings map[string]interface{}) bool {
	var current interface{} = bindings
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return false
		}
		current, ok = m[part]
		if !ok {
			return false
		}
	}
	return true
}

func escapeBindings(b map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(b))
	for k, v := range b {
		if s, ok := v.(string); ok {
			out[k] = html.EscapeString(s)
			continue
		}
		out[k] = v
	}
	return out
}
