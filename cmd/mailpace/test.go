package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailpace/internal/app"
	"github.com/foxzi/mailpace/internal/dkim"
	"github.com/foxzi/mailpace/internal/smtp"
)

var (
	testSendTo      string
	testSendSubject string
	testSendBody    string
	testSMTPTimeout time.Duration
)

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Testing and debugging commands",
}

var testSMTPCmd = &cobra.Command{
	Use:   "smtp",
	Short: "Check the configured relay",
	Long: `Connect to the configured relay, negotiate TLS and authenticate.
With --to, also send one test message through the session.`,
	RunE: runTestSMTP,
}

func init() {
	testSMTPCmd.Flags().StringVar(&testSendTo, "to", "", "Send a test message to this address")
	testSMTPCmd.Flags().StringVar(&testSendSubject, "subject", "Test message from mailpace", "Email subject")
	testSMTPCmd.Flags().StringVar(&testSendBody, "body", "This is a test message sent by mailpace.", "Email body")
	testSMTPCmd.Flags().DurationVar(&testSMTPTimeout, "timeout", 30*time.Second, "Overall timeout")

	testCmd.AddCommand(testSMTPCmd)
	rootCmd.AddCommand(testCmd)
}

func runTestSMTP(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.SMTP.DryRun {
		return fmt.Errorf("smtp.dry_run is enabled, there is no relay to test")
	}

	signer, err := dkim.FromConfig(cfg.DKIM)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), testSMTPTimeout)
	defer cancel()

	logCfg := cfg.Logging
	logCfg.Format = "text"
	dialer := smtp.NewDialer(app.SMTPOptions(cfg, signer), app.NewLogger(logCfg))

	fmt.Printf("Connecting to %s:%d (%s, auth %s)...\n", cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Security, cfg.SMTP.Auth)
	start := time.Now()

	session, err := dialer.Open(ctx)
	if err != nil {
		fmt.Printf("FAILED: %v\n", err)
		return err
	}
	defer session.Close()
	fmt.Printf("Session: OK (%s)\n", time.Since(start).Round(time.Millisecond))

	if testSendTo == "" {
		return nil
	}

	msg := &smtp.Message{
		FromName: cfg.Sender.Name,
		From:     cfg.Sender.Address,
		To:       testSendTo,
		ReplyTo:  cfg.Sender.ReplyTo,
		Subject:  testSendSubject,
		Text:     testSendBody,
	}

	fmt.Printf("Sending test message to %s...\n", testSendTo)
	if err := session.Send(ctx, msg); err != nil {
		class, code := smtp.Classify(err)
		fmt.Printf("FAILED (%s, code %d): %v\n", class, code, err)
		return err
	}

	fmt.Printf("Message accepted: %s\n", msg.MessageID)
	if signer != nil && signer.Covers(msg.From) {
		fmt.Printf("DKIM: signed for %s (selector %s)\n", signer.Domain(), signer.Selector())
	}
	return nil
}
