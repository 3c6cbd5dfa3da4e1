package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"agendawatch/internal/config"
	"agendawatch/internal/notify"
	"agendawatch/internal/pipeline"
	"agendawatch/internal/server"
	"agendawatch/internal/store"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config

	// exitCode carries the run outcome through cobra back to main.
	exitCode int
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
	os.Exit(exitCode)
}

var rootCmd = &cobra.Command{
	Use:     "agendawatch",
	Short:   "Change notifications for public meeting agendas",
	Long:    "Agendawatch monitors government agenda pages and feeds, detects added, removed, and modified items, and emails matching subscribers.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			log.SetFlags(log.LstdFlags | log.Lshortfile)
		} else {
			log.SetFlags(log.LstdFlags)
		}

		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(subscribersCmd)
	rootCmd.AddCommand(versionCmd)
}

func openStore() (*store.Store, error) {
	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return store.Open(filepath.Join(dataDir, "agendawatch.db"))
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("agendawatch", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/agendawatch/",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		cfgTarget := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(cfgTarget); err == nil {
			fmt.Printf("Config already exists: %s\n", cfgTarget)
		} else {
			if err := os.WriteFile(cfgTarget, config.DefaultConfigYAML, 0o644); err != nil {
				return fmt.Errorf("writing config: %w", err)
			}
			fmt.Printf("Created config: %s\n", cfgTarget)
		}

		subsTarget := filepath.Join(config.ConfigDir(), "subscribers.yaml")
		if _, err := os.Stat(subsTarget); err == nil {
			fmt.Printf("Subscribers file already exists: %s\n", subsTarget)
		} else {
			if err := os.WriteFile(subsTarget, config.DefaultSubscribersYAML, 0o644); err != nil {
				return fmt.Errorf("writing subscribers: %w", err)
			}
			fmt.Printf("Created subscribers file: %s\n", subsTarget)
		}

		fmt.Println("Edit them to configure sources, subscribers, and the mail API.")
		return nil
	},
}

// --- run command ---

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one monitoring cycle: fetch -> parse -> diff -> match -> notify",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		apiKey := os.Getenv(cfg.Email.APIKeyEnv)
		if apiKey == "" && cfg.Email.APIURL != "" {
			fmt.Printf("Warning: %s is not set; sends will likely be rejected\n", cfg.Email.APIKeyEnv)
		}
		sender := notify.NewAPISender(cfg.Email, apiKey)

		pipe := pipeline.New(cfg, st, sender, verbose)
		result, err := pipe.Run(context.Background())
		if err != nil {
			return err
		}

		for i, step := range result.Steps {
			fmt.Printf("\nStep %d/%d: %s\n", i+1, len(result.Steps), step.Name)
			if step.Err != nil {
				fmt.Printf("  Error: %v\n", step.Err)
			} else {
				fmt.Printf("  %s\n", step.Detail)
			}
		}

		fmt.Printf("\nRun %s finished: %s\n", result.RunID, result.Status())
		exitCode = result.ExitCode()
		return nil
	},
}

// --- status command ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database and source status",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		stats, err := st.GetStats()
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}

		fmt.Println("Baseline:")
		fmt.Printf("  Items tracked: %d\n", stats.BaselineItems)
		fmt.Println("\nChanges:")
		fmt.Printf("  Total detected: %d\n", stats.TotalChanges)
		for _, typ := range []string{store.ChangeAdded, store.ChangeRemoved, store.ChangeModified} {
			if n := stats.ChangesByType[typ]; n > 0 {
				fmt.Printf("  %s: %d\n", typ, n)
			}
		}
		fmt.Println("\nNotifications:")
		fmt.Printf("  Sent: %d\n", stats.SentEvents)

		health, err := st.GetSourceHealth()
		if err != nil {
			return fmt.Errorf("getting source health: %w", err)
		}
		fmt.Println("\nSources:")
		if len(health) == 0 {
			fmt.Println("  No sources checked yet")
		}
		for _, h := range health {
			line := fmt.Sprintf("  %s: %s", h.SourceID, h.Status)
			if h.ConsecutiveFailures > 0 {
				line += fmt.Sprintf(" (%d consecutive failures)", h.ConsecutiveFailures)
			}
			fmt.Println(line)
			if h.LastError != nil && *h.LastError != "" {
				fmt.Printf("    last error: %s\n", *h.LastError)
			}
		}

		lastRun, err := st.GetLastRun()
		if err != nil {
			return fmt.Errorf("getting last run: %w", err)
		}
		fmt.Println("\nLast run:")
		if lastRun == nil {
			fmt.Println("  Never")
			return nil
		}
		finished := "in progress"
		if lastRun.FinishedAt != nil {
			finished = *lastRun.FinishedAt
		}
		fmt.Printf("  Started: %s\n", lastRun.StartedAt)
		fmt.Printf("  Finished: %s\n", finished)
		fmt.Printf("  Status: %s\n", lastRun.Status)
		fmt.Printf("  Sources: %d checked, %d failed\n", lastRun.SourcesChecked, lastRun.SourcesFailed)
		fmt.Printf("  Changes: %d, sent: %d, send failures: %d\n", lastRun.ChangesFound, lastRun.Sent, lastRun.SendFailed)
		return nil
	},
}

// --- serve command ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local status server",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		fmt.Printf("Starting server at http://localhost:%d\n", port)
		fmt.Println("Press Ctrl+C to stop")
		return server.Serve(cfg, st, port)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to run server on (defaults to config)")
}

// --- sources command ---

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Manage monitored sources",
}

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("Configured sources:")
		fmt.Println()
		for _, src := range cfg.Sources {
			fmt.Printf("  %s  %s\n", src.ID, src.Name)
			fmt.Printf("        %s (%s)\n", src.URL, src.EffectiveKind())
			if src.Selector != "" {
				fmt.Printf("        selector: %s\n", src.Selector)
			}
			if src.ItemPattern != "" {
				fmt.Printf("        item pattern: %s\n", src.ItemPattern)
			}
		}
		return nil
	},
}

func init() {
	sourcesCmd.AddCommand(sourcesListCmd)
}

// --- subscribers command ---

var subscribersCmd = &cobra.Command{
	Use:   "subscribers",
	Short: "Manage notification subscribers",
}

var subscribersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List subscribers and their filters",
	RunE: func(cmd *cobra.Command, args []string) error {
		subs, err := cfg.LoadSubscribers()
		if err != nil {
			return err
		}

		if len(subs) == 0 {
			fmt.Println("No subscribers configured.")
			return nil
		}

		fmt.Println("Subscribers:")
		fmt.Println()
		for _, sub := range subs {
			marker := " "
			if sub.Status == config.StatusPaused {
				marker = "paused"
			}
			fmt.Printf("  %s <%s> %s\n", sub.ID, sub.Email, marker)
			if len(sub.Keywords) > 0 {
				fmt.Printf("        keywords: %v\n", sub.Keywords)
			} else {
				fmt.Println("        keywords: (all changes)")
			}
			if len(sub.Sources) > 0 {
				fmt.Printf("        sources: %v\n", sub.Sources)
			} else {
				fmt.Println("        sources: (all)")
			}
		}
		return nil
	},
}

func init() {
	subscribersCmd.AddCommand(subscribersListCmd)
}
