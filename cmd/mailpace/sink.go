package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/mailpace/internal/app"
	"github.com/foxzi/mailpace/internal/sink"
)

var (
	sinkListen    string
	sinkStorePath string
	sinkListTo    string
	sinkListLimit int
	sinkOlderThan time.Duration
)

var sinkCmd = &cobra.Command{
	Use:   "sink",
	Short: "Run a local SMTP relay that captures messages instead of delivering them",
	Long: `Run a local SMTP relay for rehearsing campaigns. Messages are captured,
never delivered. Rules from the sink section of the config can answer chosen
recipients with 4xx or 5xx replies to exercise retries and rejections.`,
	RunE: runSink,
}

var sinkMessagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "List messages captured by the sink",
	RunE:  runSinkMessages,
}

var sinkClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete captured messages",
	RunE:  runSinkClear,
}

func init() {
	sinkCmd.Flags().StringVar(&sinkListen, "listen", "", "Listen address (default: sink.listen_addr or 127.0.0.1:2525)")
	sinkCmd.PersistentFlags().StringVar(&sinkStorePath, "store", "", "bbolt file keeping captured messages")

	sinkMessagesCmd.Flags().StringVar(&sinkListTo, "to", "", "Filter by recipient")
	sinkMessagesCmd.Flags().IntVar(&sinkListLimit, "limit", 50, "Maximum number of messages to show")

	sinkClearCmd.Flags().DurationVar(&sinkOlderThan, "older-than", 0, "Only delete messages older than this")

	sinkCmd.AddCommand(sinkMessagesCmd, sinkClearCmd)
	rootCmd.AddCommand(sinkCmd)
}

func openSinkStorage() (*bolt.DB, *sink.Storage, error) {
	if sinkStorePath == "" {
		return nil, nil, nil
	}
	db, err := bolt.Open(sinkStorePath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open sink store: %w", err)
	}
	storage, err := sink.NewStorage(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, storage, nil
}

func runSink(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	sinkCfg := cfg.Sink
	if sinkListen != "" {
		sinkCfg.ListenAddr = sinkListen
	}
	if sinkCfg.ListenAddr == "" {
		sinkCfg.ListenAddr = "127.0.0.1:2525"
	}

	db, storage, err := openSinkStorage()
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	logCfg := cfg.Logging
	logCfg.Format = "text"
	server := sink.NewServer(&sinkCfg, storage, app.NewLogger(logCfg))
	if err := server.Listen(); err != nil {
		return err
	}

	fmt.Printf("Sink listening on %s", server.Addr())
	if len(sinkCfg.Rules) > 0 {
		fmt.Printf(" with %d reply rules", len(sinkCfg.Rules))
	}
	fmt.Println()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve() }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		server.Close()
	}

	fmt.Printf("Captured %d messages\n", len(server.Messages()))
	return nil
}

func runSinkMessages(cmd *cobra.Command, args []string) error {
	db, storage, err := openSinkStorage()
	if err != nil {
		return err
	}
	if storage == nil {
		return errors.New("--store is required")
	}
	defer db.Close()

	messages, err := storage.List(context.Background(), sink.ListFilter{To: sinkListTo, Limit: sinkListLimit})
	if err != nil {
		return fmt.Errorf("failed to list messages: %w", err)
	}
	if len(messages) == 0 {
		fmt.Println("No captured messages")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCAPTURED\tFROM\tTO\tSUBJECT")
	fmt.Fprintln(w, "--\t--------\t----\t--\t-------")
	for _, m := range messages {
		to := ""
		if len(m.To) > 0 {
			to = m.To[0]
			if len(m.To) > 1 {
				to += fmt.Sprintf(" (+%d)", len(m.To)-1)
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			m.ID, m.CapturedAt.Format("2006-01-02 15:04:05"), m.From, to, truncate(m.Subject, 50))
	}
	return w.Flush()
}

func runSinkClear(cmd *cobra.Command, args []string) error {
	db, storage, err := openSinkStorage()
	if err != nil {
		return err
	}
	if storage == nil {
		return errors.New("--store is required")
	}
	defer db.Close()

	n, err := storage.Clear(context.Background(), sinkOlderThan)
	if err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}
	fmt.Printf("Deleted %d messages\n", n)
	return nil
}
