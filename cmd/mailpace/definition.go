package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/foxzi/mailpace/internal/campaign"
)

// loadDefinition reads a campaign file. body_file, attachments and
// recipients_file are resolved relative to the file's directory;
// recipientsPath overrides recipients_file when set.
func loadDefinition(path, recipientsPath string) (*campaign.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read campaign file: %w", err)
	}

	var def campaign.Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse campaign file: %w", err)
	}

	dir := filepath.Dir(path)
	resolve := func(p string) string {
		if filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}

	if def.BodyFile != "" {
		body, err := os.ReadFile(resolve(def.BodyFile))
		if err != nil {
			return nil, fmt.Errorf("failed to read body file: %w", err)
		}
		def.BodyTemplate = string(body)
		if def.BodyType == "" {
			def.BodyType = bodyTypeFor(def.BodyFile)
		}
	}

	for _, name := range def.AttachmentFiles {
		content, err := os.ReadFile(resolve(name))
		if err != nil {
			return nil, fmt.Errorf("failed to read attachment: %w", err)
		}
		def.Attachments = append(def.Attachments, campaign.Attachment{
			Filename:    filepath.Base(name),
			ContentType: mime.TypeByExtension(filepath.Ext(name)),
			Data:        content,
		})
	}

	if recipientsPath == "" && def.RecipientsFile != "" {
		recipientsPath = resolve(def.RecipientsFile)
	}
	if recipientsPath != "" {
		rows, err := readRecipientsFile(recipientsPath)
		if err != nil {
			return nil, err
		}
		def.Recipients = append(def.Recipients, rows...)
	}

	return &def, nil
}

func bodyTypeFor(name string) campaign.BodyType {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".html", ".htm":
		return campaign.BodyHTML
	case ".md", ".markdown":
		return campaign.BodyMarkdown
	default:
		return campaign.BodyPlain
	}
}

func readRecipientsFile(path string) ([]campaign.Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open recipients file: %w", err)
	}
	defer f.Close()

	rows, err := readRecipients(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rows, nil
}

// readRecipients reads a CSV table whose first line names the columns.
// Column names are trimmed and lowercased; empty lines are skipped.
func readRecipients(r io.Reader) ([]campaign.Row, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("recipients file is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	for i, name := range header {
		name = strings.TrimPrefix(name, "\ufeff")
		header[i] = strings.ToLower(strings.TrimSpace(name))
	}

	var rows []campaign.Row
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read recipients: %w", err)
		}

		row := make(campaign.Row, len(header))
		for i, value := range record {
			if i < len(header) && header[i] != "" {
				row[header[i]] = strings.TrimSpace(value)
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}
