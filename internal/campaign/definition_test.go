package campaign

import (
	"encoding/json"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDefinitionYAML(t *testing.T) {
	src := `
name: spring
subject: "Hello {{ name }}"
body: "Hi {{ name }}"
body_type: markdown
batch_delay: 2s
base_delay: 30s
max_retries: 0
recipients:
  - email: ann@example.com
    name: Ann
`
	var d Definition
	if err := yaml.Unmarshal([]byte(src), &d); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	c, set := d.Campaign()
	if !set || c.MaxRetries != 0 {
		t.Errorf("explicit zero retries lost: set=%v retries=%d", set, c.MaxRetries)
	}
	if c.BatchDelay != 2*time.Second || c.BaseDelay != 30*time.Second {
		t.Errorf("durations not parsed: %v %v", c.BatchDelay, c.BaseDelay)
	}
	if c.BodyType != BodyMarkdown || c.SubjectTemplate != "Hello {{ name }}" {
		t.Errorf("unexpected campaign: %+v", c)
	}
	if len(d.Recipients) != 1 || d.Recipients[0]["name"] != "Ann" {
		t.Errorf("unexpected recipients: %v", d.Recipients)
	}
	if d.Column() != DefaultEmailColumn {
		t.Errorf("unexpected column: %s", d.Column())
	}
}

func TestDefinitionJSON(t *testing.T) {
	src := `{"name":"spring","subject_template":"Hi","body_template":"Body","max_delay":"10m","email_column":"mail"}`

	var d Definition
	if err := json.Unmarshal([]byte(src), &d); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	c, set := d.Campaign()
	if set {
		t.Error("max_retries reported as set")
	}
	if c.MaxDelay != 10*time.Minute {
		t.Errorf("MaxDelay = %v, want 10m", c.MaxDelay)
	}
	if d.Column() != "mail" {
		t.Errorf("Column = %s, want mail", d.Column())
	}

	if err := json.Unmarshal([]byte(`{"batch_delay":"soon"}`), &d); err == nil {
		t.Error("expected error for invalid duration")
	}
}
