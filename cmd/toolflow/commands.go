package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/toolflow/toolflow/internal/app"
	"github.com/toolflow/toolflow/internal/config"
)

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv("TOOLFLOW_CONFIG")
	}
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func buildServeCmd() *cobra.Command {
	var configPath string
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the toolflow server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (or TOOLFLOW_CONFIG)")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}

	slog.Info("starting toolflow server",
		"version", version,
		"commit", commit,
		"addr", cfg.Server.Addr(),
		"storage", cfg.Storage.Driver,
	)

	application, err := app.New(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return application.Run(ctx)
}

func buildCleanupCmd() *cobra.Command {
	var configPath string
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete abandoned tool calls and pipelines once, then exit",
		Long: `cleanup removes pending and processing records created before the
cutoff. Deletion is permanent: no events are published and no
tombstones are left behind.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCleanup(cmd.Context(), configPath, olderThan)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (or TOOLFLOW_CONFIG)")
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Override the configured stale age (e.g. 24h)")
	return cmd
}

func runCleanup(ctx context.Context, configPath string, olderThan time.Duration) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if olderThan > 0 {
		cfg.Sweeper.StaleAfter = olderThan
	}

	application, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer application.Close()

	res, err := application.Sweeper.RunOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d tool calls and %d pipelines in %s\n",
		res.CallsRemoved, res.PipelinesRemoved, res.Duration.Round(time.Millisecond))
	return nil
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("toolflow %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func buildToolsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the configured tool definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			defs := append([]config.ToolDefinitionConfig(nil), cfg.Tools.Definitions...)
			sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
			if len(defs) == 0 {
				fmt.Println("no tools configured; all tool calls run without approval")
				return nil
			}
			for _, def := range defs {
				gate := ""
				if def.RequiresApproval {
					gate = " (requires approval)"
				}
				schema := ""
				if def.ArgsSchema != "" {
					schema = " [schema]"
				}
				fmt.Printf("%s%s%s\n", def.Name, gate, schema)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (or TOOLFLOW_CONFIG)")
	return cmd
}
