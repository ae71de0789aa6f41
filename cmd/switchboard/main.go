package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hivemesh/switchboard/pkg/config"
	"github.com/hivemesh/switchboard/pkg/core"
	"github.com/hivemesh/switchboard/pkg/log"
	"github.com/hivemesh/switchboard/pkg/store"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	flagConfig   string
	flagDataDir  string
	flagLogLevel string
	flagLogJSON  bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "switchboard",
	Short: "Switchboard - coordination substrate for cooperating agents",
	Long: `Switchboard is the message broker and work-coordination engine for a
fleet of cooperating agents: direct and broadcast messaging with
exactly-once claims, a transactional job board with dependency gating,
a voting subsystem, and an agent health registry, all backed by one
embedded SQLite file.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.Init(log.Config{
			Level:      log.Level(flagLogLevel),
			JSONOutput: flagLogJSON,
		})
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Switchboard version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "Data directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&flagLogJSON, "log-json", false, "Log as JSON instead of console output")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(peekCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(voteCmd)
	rootCmd.AddCommand(channelsCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(dlqCmd)
}

// loadConfig merges flags over the config file over the defaults.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagDataDir != "" {
		cfg.DataDir = flagDataDir
	}
	return cfg, nil
}

// openCore builds the engine stack for one command invocation.
func openCore() (*core.Core, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return core.Open(cfg)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a data directory",
	Long: `Create the data directory layout: the database file with its schema
applied, the artifacts directory for out-of-band payloads, the protocol
version file, and the default channels.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := store.Open(cfg.DataDir, store.Options{
			BusyTimeout: cfg.Store.BusyTimeout.Std(),
			MaxRetries:  cfg.Store.MaxRetries,
			RetryBase:   cfg.Store.RetryBase.Std(),
		})
		if err != nil {
			return fmt.Errorf("failed to initialize data dir: %w", err)
		}
		defer st.Close()

		fmt.Printf("Initialized switchboard data directory at %s\n", cfg.DataDir)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the agent fleet and queue depths",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx := cmd.Context()
		fleet, err := c.Registry.Fleet(ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "AGENT\tSTATUS\tLIVENESS\tCURRENT TASK\tLAST HEARTBEAT")
		for _, a := range fleet {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				a.ID, a.Status, a.Liveness, a.CurrentTask,
				a.LastHeartbeat.Format("2006-01-02 15:04:05"))
		}
		w.Flush()

		if len(fleet) == 0 {
			fmt.Println("No agents have registered yet.")
		}
		return nil
	},
}
