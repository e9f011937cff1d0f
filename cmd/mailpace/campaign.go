package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailpace/internal/app"
	"github.com/foxzi/mailpace/internal/campaign"
	"github.com/foxzi/mailpace/internal/config"
	"github.com/foxzi/mailpace/internal/engine"
	"github.com/foxzi/mailpace/internal/events"
	"github.com/foxzi/mailpace/internal/personalize"
	"github.com/foxzi/mailpace/internal/store"
)

var (
	campaignFile        string
	campaignRecipients  string
	campaignListStatus  string
	campaignListLimit   int
	campaignRcptStatus  string
	campaignRcptLimit   int
	campaignPreviewRows int
	campaignRunRetry    bool
	campaignResumeRetry bool
	campaignExportOut   string
)

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Campaign management commands",
}

var campaignCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a draft campaign from a campaign file",
	RunE:  runCampaignCreate,
}

var campaignListCmd = &cobra.Command{
	Use:   "list",
	Short: "List campaigns",
	RunE:  runCampaignList,
}

var campaignShowCmd = &cobra.Command{
	Use:   "show <campaign_id>",
	Short: "Show campaign details and progress",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignShow,
}

var campaignRecipientsCmd = &cobra.Command{
	Use:   "recipients <campaign_id>",
	Short: "List campaign recipients",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignRecipients,
}

var campaignPreviewCmd = &cobra.Command{
	Use:   "preview [campaign_id]",
	Short: "Render the first recipients of a campaign file or a stored campaign",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCampaignPreview,
}

var campaignRunCmd = &cobra.Command{
	Use:   "run <campaign_id>",
	Short: "Run a campaign in the foreground",
	Long: `Run a draft campaign, or continue a started one, printing progress until
it completes, pauses or is interrupted. Ctrl-C finishes the in-flight send and
leaves the campaign resumable.`,
	Args: cobra.ExactArgs(1),
	RunE: runCampaignRun,
}

var campaignResumeCmd = &cobra.Command{
	Use:   "resume <campaign_id>",
	Short: "Resume a paused, interrupted or failed campaign in the foreground",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignResume,
}

var campaignExportCmd = &cobra.Command{
	Use:   "export <campaign_id>",
	Short: "Export failed recipients as CSV",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignExport,
}

var campaignDeleteCmd = &cobra.Command{
	Use:   "delete <campaign_id>",
	Short: "Delete a campaign and its recipients",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignDelete,
}

func init() {
	for _, cmd := range []*cobra.Command{campaignCreateCmd, campaignPreviewCmd} {
		cmd.Flags().StringVarP(&campaignFile, "file", "f", "", "Campaign file (YAML)")
		cmd.Flags().StringVar(&campaignRecipients, "recipients", "", "Recipients CSV, overrides recipients_file")
	}
	campaignCreateCmd.MarkFlagRequired("file")

	campaignListCmd.Flags().StringVar(&campaignListStatus, "status", "", "Filter by status (draft, running, paused, completed, failed)")
	campaignListCmd.Flags().IntVar(&campaignListLimit, "limit", 50, "Maximum number of campaigns to show")

	campaignRecipientsCmd.Flags().StringVar(&campaignRcptStatus, "status", "", "Comma-separated statuses to show")
	campaignRecipientsCmd.Flags().IntVar(&campaignRcptLimit, "limit", 100, "Maximum number of recipients to show")

	campaignPreviewCmd.Flags().IntVarP(&campaignPreviewRows, "rows", "n", 3, "Number of recipients to render")

	campaignRunCmd.Flags().BoolVar(&campaignRunRetry, "retry-failed", false, "Requeue failed recipients when continuing a started campaign")
	campaignResumeCmd.Flags().BoolVar(&campaignResumeRetry, "retry-failed", true, "Requeue recipients whose retries were exhausted")

	campaignExportCmd.Flags().StringVarP(&campaignExportOut, "output", "o", "", "Output file (default: stdout)")

	campaignCmd.AddCommand(
		campaignCreateCmd, campaignListCmd, campaignShowCmd, campaignRecipientsCmd,
		campaignPreviewCmd, campaignRunCmd, campaignResumeCmd, campaignExportCmd, campaignDeleteCmd,
	)
	rootCmd.AddCommand(campaignCmd)
}

// openStore opens campaign storage for commands that do not send
func openStore(ctx context.Context) (*config.Config, store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	st, err := app.OpenStore(ctx, cfg.Storage)
	if err != nil {
		return nil, nil, err
	}
	return cfg, st, nil
}

func runCampaignCreate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	def, err := loadDefinition(campaignFile, campaignRecipients)
	if err != nil {
		return err
	}
	if len(def.Recipients) == 0 {
		return fmt.Errorf("campaign has no recipients (set recipients, recipients_file or --recipients)")
	}

	cfg, st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	c, maxRetriesSet := def.Campaign()
	cfg.ApplyDefaults(c, maxRetriesSet)

	if err := personalize.NewRenderer().Validate(c); err != nil {
		return err
	}
	if err := st.CreateCampaign(ctx, c, def.Recipients, def.Column()); err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}

	fmt.Printf("Campaign created\n")
	fmt.Printf("  ID: %s\n", c.ID)
	fmt.Printf("  Name: %s\n", c.Name)
	fmt.Printf("  Recipients: %d\n", c.Counts.Total)
	fmt.Printf("  Rate: %d/min, batch %d\n", c.RatePerMinute, c.BatchSize)
	fmt.Printf("\nStart it with: mailpace campaign run %s\n", c.ID)
	return nil
}

func runCampaignList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	_, st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	campaigns, err := st.ListCampaigns(ctx, store.CampaignFilter{
		Status: campaign.Status(campaignListStatus),
		Limit:  campaignListLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list campaigns: %w", err)
	}
	if len(campaigns) == 0 {
		fmt.Println("No campaigns")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tSENT\tFAILED\tPENDING\tTOTAL\tCREATED")
	fmt.Fprintln(w, "--\t----\t------\t----\t------\t-------\t-----\t-------")
	for _, c := range campaigns {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			c.ID,
			truncate(c.Name, 30),
			c.Status,
			c.Counts.Sent,
			c.Counts.Failed+c.Counts.PermanentlyFailed,
			c.Counts.Pending+c.Counts.Sending,
			c.Counts.Total,
			c.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	return w.Flush()
}

func runCampaignShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	_, st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	c, err := st.GetCampaign(ctx, args[0])
	if err != nil {
		return err
	}
	printCampaign(os.Stdout, c)
	return nil
}

func printCampaign(w io.Writer, c *campaign.Campaign) {
	p := campaign.NewProgress(c.Counts, c.RatePerMinute)

	fmt.Fprintf(w, "Campaign: %s\n", c.ID)
	fmt.Fprintf(w, "  Name:      %s\n", c.Name)
	fmt.Fprintf(w, "  Status:    %s\n", c.Status)
	if c.LastError != "" {
		fmt.Fprintf(w, "  Reason:    %s\n", c.LastError)
	}
	fmt.Fprintf(w, "  Sender:    %s\n", formatSender(c.SenderName, c.SenderAddress))
	fmt.Fprintf(w, "  Subject:   %s\n", c.SubjectTemplate)
	fmt.Fprintf(w, "  Body type: %s\n", c.BodyType)
	fmt.Fprintf(w, "  Rate:      %d/min, batch %d, delay %s\n", c.RatePerMinute, c.BatchSize, c.BatchDelay)
	fmt.Fprintf(w, "  Retries:   %d (base %s, max %s)\n", c.MaxRetries, c.BaseDelay, c.MaxDelay)
	fmt.Fprintf(w, "\nProgress: %.1f%%", p.Percentage)
	if p.ETA > 0 && !c.Finished() {
		fmt.Fprintf(w, ", ETA %s", p.ETA.Round(time.Second))
	}
	fmt.Fprintln(w)
	printCounts(w, c.Counts)

	fmt.Fprintf(w, "\nCreated:   %s\n", c.CreatedAt.Format(time.RFC3339))
	if !c.StartedAt.IsZero() {
		fmt.Fprintf(w, "Started:   %s\n", c.StartedAt.Format(time.RFC3339))
	}
	if !c.CompletedAt.IsZero() {
		fmt.Fprintf(w, "Finished:  %s\n", c.CompletedAt.Format(time.RFC3339))
	}
}

func printCounts(w io.Writer, counts campaign.Counts) {
	fmt.Fprintf(w, "  Sent:               %d\n", counts.Sent)
	fmt.Fprintf(w, "  Pending:            %d\n", counts.Pending)
	if counts.Sending > 0 {
		fmt.Fprintf(w, "  Sending:            %d\n", counts.Sending)
	}
	fmt.Fprintf(w, "  Failed:             %d\n", counts.Failed)
	fmt.Fprintf(w, "  Permanently failed: %d\n", counts.PermanentlyFailed)
	fmt.Fprintf(w, "  Total:              %d\n", counts.Total)
}

func formatSender(name, address string) string {
	if name == "" {
		return address
	}
	return fmt.Sprintf("%s <%s>", name, address)
}

func runCampaignRecipients(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	_, st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	filter := store.RecipientFilter{Limit: campaignRcptLimit}
	if campaignRcptStatus != "" {
		for _, part := range strings.Split(campaignRcptStatus, ",") {
			status, err := campaign.ParseRecipientStatus(strings.TrimSpace(part))
			if err != nil {
				return err
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}

	if _, err := st.GetCampaign(ctx, args[0]); err != nil {
		return err
	}
	recipients, err := st.ListRecipients(ctx, args[0], filter)
	if err != nil {
		return fmt.Errorf("failed to list recipients: %w", err)
	}
	if len(recipients) == 0 {
		fmt.Println("No recipients")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tEMAIL\tSTATUS\tATTEMPTS\tLAST ERROR")
	fmt.Fprintln(w, "--\t-----\t------\t--------\t----------")
	for _, r := range recipients {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n", r.ID, r.Email, r.Status, r.Attempts, truncate(r.LastError, 60))
	}
	return w.Flush()
}

func runCampaignPreview(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	renderer := personalize.NewRenderer()

	var (
		c          *campaign.Campaign
		recipients []*campaign.Recipient
	)

	switch {
	case len(args) == 1:
		_, st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if c, err = st.GetCampaign(ctx, args[0]); err != nil {
			return err
		}
		if recipients, err = st.ListRecipients(ctx, c.ID, store.RecipientFilter{Limit: campaignPreviewRows}); err != nil {
			return fmt.Errorf("failed to list recipients: %w", err)
		}

	case campaignFile != "":
		def, err := loadDefinition(campaignFile, campaignRecipients)
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		var maxRetriesSet bool
		c, maxRetriesSet = def.Campaign()
		cfg.ApplyDefaults(c, maxRetriesSet)
		c.SetDefaults()
		if err := renderer.Validate(c); err != nil {
			return err
		}
		if recipients, err = campaign.NewRecipients("preview", def.Recipients, def.Column()); err != nil {
			return err
		}

	default:
		return fmt.Errorf("either a campaign id or -f is required")
	}

	previews := renderer.Preview(c, recipients, campaignPreviewRows)
	if len(previews) == 0 {
		fmt.Println("No recipients to preview")
		return nil
	}

	for i, p := range previews {
		if i > 0 {
			fmt.Println()
		}
		fmt.Printf("--- #%d %s\n", p.Row, p.Email)
		if p.Error != "" {
			fmt.Printf("ERROR: %s\n", p.Error)
			continue
		}
		fmt.Printf("Subject: %s\n\n%s\n", p.Rendered.Subject, strings.TrimRight(p.Rendered.Text, "\n"))
		if p.Rendered.HTML != "" {
			fmt.Printf("\n(HTML part: %d bytes)\n", len(p.Rendered.HTML))
		}
	}
	return nil
}

func runCampaignRun(cmd *cobra.Command, args []string) error {
	return runForeground(args[0], func(ctx context.Context, mgr *engine.Manager, c *campaign.Campaign) error {
		if c.Status == campaign.StatusDraft {
			return mgr.Start(ctx, c.ID)
		}
		return mgr.Resume(ctx, c.ID, campaignRunRetry)
	})
}

func runCampaignResume(cmd *cobra.Command, args []string) error {
	return runForeground(args[0], func(ctx context.Context, mgr *engine.Manager, c *campaign.Campaign) error {
		return mgr.Resume(ctx, c.ID, campaignResumeRetry)
	})
}

// runForeground launches a run in this process and prints its progress
// until it ends. The first interrupt cancels the run after the in-flight
// attempt; the campaign stays resumable.
func runForeground(id string, launch func(context.Context, *engine.Manager, *campaign.Campaign) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logCfg := cfg.Logging
	if logCfg.Level == "info" {
		logCfg.Level = "warn"
	}
	logCfg.Format = "text"

	ch := events.NewChannel(256)
	core, err := app.NewCore(context.Background(), cfg, app.NewLogger(logCfg), ch)
	if err != nil {
		return err
	}
	defer core.Close(context.Background())

	c, err := core.Store.GetCampaign(context.Background(), id)
	if err != nil {
		return err
	}
	if err := launch(context.Background(), core.Manager, c); err != nil {
		return err
	}

	fmt.Printf("Running campaign %s (%s), %d recipients at %d/min\n",
		c.ID, c.Name, c.Counts.Total, c.RatePerMinute)

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	type result struct {
		summary *engine.Summary
		err     error
	}
	done := make(chan result, 1)
	go func() {
		sum, err := core.Manager.Wait(context.Background(), id)
		done <- result{sum, err}
	}()

	interrupted := sigCtx.Done()
	for {
		select {
		case e := <-ch.C():
			printEvent(os.Stdout, e)
		case <-interrupted:
			fmt.Println("Interrupted, finishing the current send...")
			if err := core.Manager.Cancel(id); err != nil && !errors.Is(err, engine.ErrNotActive) {
				return err
			}
			interrupted = nil
		case res := <-done:
			for len(ch.C()) > 0 {
				printEvent(os.Stdout, <-ch.C())
			}
			if res.summary != nil {
				printSummary(os.Stdout, res.summary)
			}
			return res.err
		}
	}
}

func printEvent(w io.Writer, e events.Event) {
	switch e.Type {
	case events.TypeStarted:
		fmt.Fprintf(w, "[%s] started, %d pending\n", e.At.Format("15:04:05"), e.Counts.Pending)
	case events.TypeProgress:
		line := fmt.Sprintf("[%s] batch %d: %d/%d sent, %d failed, %.1f%%",
			e.At.Format("15:04:05"), e.Batch, e.Counts.Sent, e.Counts.Total,
			e.Counts.Failed+e.Counts.PermanentlyFailed, e.Percentage)
		if e.ETA > 0 {
			line += fmt.Sprintf(", ETA %s", e.ETA.Round(time.Second))
		}
		fmt.Fprintln(w, line)
	default:
		line := fmt.Sprintf("[%s] %s", e.At.Format("15:04:05"), e.Type)
		if e.Reason != "" {
			line += ": " + e.Reason
		}
		fmt.Fprintln(w, line)
	}
}

func printSummary(w io.Writer, sum *engine.Summary) {
	status := string(sum.Status)
	if sum.Interrupted {
		status = "interrupted (resume with: mailpace campaign resume " + sum.CampaignID + ")"
	}

	fmt.Fprintf(w, "\nCampaign %s: %s\n", sum.CampaignID, status)
	if sum.Reason != "" {
		fmt.Fprintf(w, "  Reason: %s\n", sum.Reason)
	}
	if sum.RetryAfter > 0 {
		fmt.Fprintf(w, "  Quota resets in %s\n", sum.RetryAfter.Round(time.Second))
	}
	printCounts(w, sum.Counts)
	fmt.Fprintf(w, "  Attempts this run:  %d in %d batches, %s\n",
		sum.Attempts, sum.Batches, sum.FinishedAt.Sub(sum.StartedAt).Round(time.Second))
	if n := sum.Counts.Failed + sum.Counts.PermanentlyFailed; n > 0 {
		fmt.Fprintf(w, "\nExport failures with: mailpace campaign export %s\n", sum.CampaignID)
	}
}

func runCampaignExport(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	_, st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	var out io.Writer = os.Stdout
	if campaignExportOut != "" {
		f, err := os.Create(campaignExportOut)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	n, err := engine.ExportFailures(ctx, st, args[0], out)
	if err != nil {
		return err
	}
	if campaignExportOut != "" {
		fmt.Printf("Exported %d failed recipients to %s\n", n, campaignExportOut)
	}
	return nil
}

func runCampaignDelete(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	_, st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.DeleteCampaign(ctx, args[0]); err != nil {
		return fmt.Errorf("failed to delete campaign: %w", err)
	}
	fmt.Printf("Campaign %s deleted\n", args[0])
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
