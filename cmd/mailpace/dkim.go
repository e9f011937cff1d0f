package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailpace/internal/dkim"
)

var (
	dkimDomain   string
	dkimSelector string
	dkimKeyFile  string
	dkimOutDir   string
	dkimBits     int
)

var dkimCmd = &cobra.Command{
	Use:   "dkim",
	Short: "DKIM key management commands",
}

var dkimGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new DKIM key pair",
	Long:  `Generate an RSA DKIM key pair for the sending domain and print the DNS record to publish.`,
	RunE:  runDKIMGenerate,
}

var dkimShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show DKIM DNS record from existing key",
	RunE:  runDKIMShow,
}

func init() {
	dkimGenerateCmd.Flags().StringVar(&dkimDomain, "domain", "", "Domain name (required)")
	dkimGenerateCmd.Flags().StringVar(&dkimSelector, "selector", "mailpace", "DKIM selector")
	dkimGenerateCmd.Flags().StringVar(&dkimOutDir, "out", ".", "Output directory for key file")
	dkimGenerateCmd.Flags().IntVar(&dkimBits, "bits", dkim.DefaultKeyBits, "RSA key size")
	dkimGenerateCmd.MarkFlagRequired("domain")

	dkimShowCmd.Flags().StringVar(&dkimKeyFile, "key", "", "Path to private key file (required)")
	dkimShowCmd.Flags().StringVar(&dkimDomain, "domain", "", "Domain name (required)")
	dkimShowCmd.Flags().StringVar(&dkimSelector, "selector", "mailpace", "DKIM selector")
	dkimShowCmd.MarkFlagRequired("key")
	dkimShowCmd.MarkFlagRequired("domain")

	dkimCmd.AddCommand(dkimGenerateCmd, dkimShowCmd)
	rootCmd.AddCommand(dkimCmd)
}

func runDKIMGenerate(cmd *cobra.Command, args []string) error {
	kp, err := dkim.GenerateKey(dkimDomain, dkimSelector, dkimBits)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}

	keyPath := filepath.Join(dkimOutDir, fmt.Sprintf("%s.%s.key", dkimDomain, dkimSelector))
	if err := kp.SavePrivateKey(keyPath); err != nil {
		return fmt.Errorf("failed to save private key: %w", err)
	}

	fmt.Printf("DKIM key generated successfully\n\n")
	fmt.Printf("Private key saved to: %s\n\n", keyPath)
	if err := printDNSRecord(kp); err != nil {
		return err
	}

	fmt.Printf("\nConfiguration:\n")
	fmt.Printf("  dkim:\n")
	fmt.Printf("    enabled: true\n")
	fmt.Printf("    domain: %s\n", dkimDomain)
	fmt.Printf("    selector: %s\n", dkimSelector)
	fmt.Printf("    key_file: %s\n", keyPath)
	return nil
}

func runDKIMShow(cmd *cobra.Command, args []string) error {
	privateKey, err := dkim.LoadPrivateKey(dkimKeyFile)
	if err != nil {
		return fmt.Errorf("failed to parse private key: %w", err)
	}

	return printDNSRecord(&dkim.KeyPair{PrivateKey: privateKey, Domain: dkimDomain, Selector: dkimSelector})
}

func printDNSRecord(kp *dkim.KeyPair) error {
	record, err := kp.DNSRecord()
	if err != nil {
		return err
	}

	fmt.Printf("DNS Record:\n")
	fmt.Printf("  Name: %s\n", kp.DNSName())
	fmt.Printf("  Type: TXT\n")
	fmt.Printf("  Value: %s\n", record)
	return nil
}
