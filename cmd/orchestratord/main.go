package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"OpenMCP-Orchestrator/internal/config"
	"OpenMCP-Orchestrator/internal/run"
)

const defaultConfigPath = "configs/orchestrator.yaml"

// main 是编排服务的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "orchestratord: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "orchestratord",
		Short:         "Plan, execute and verify tool-driven tasks",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to the config file (env OPENMCP_CONFIG)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API and job workers",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return serve(cmd.Context(), configPath)
			},
		},
		newRunCommand(&configPath),
		&cobra.Command{
			Use:   "tools",
			Short: "Print the registered tool contracts",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return listTools(cmd, configPath)
			},
		},
	)
	return root
}

func newRunCommand(configPath *string) *cobra.Command {
	var (
		maxRetries  int
		withHistory bool
	)
	cmd := &cobra.Command{
		Use:   "run <task>",
		Short: "Run a single task synchronously and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("max-retries") {
				maxRetries = cfg.DefaultMaxRetries()
			}
			if maxRetries < 0 || maxRetries > cfg.Orchestrator.RetryLimit {
				return fmt.Errorf("--max-retries 必须在 0 到 %d 之间", cfg.Orchestrator.RetryLimit)
			}

			app, err := build(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			out, err := app.orchestrator.Run(cmd.Context(), args[0], maxRetries)
			if err != nil {
				return err
			}
			var payload any = run.NewResponse(*out)
			if withHistory {
				payload = out
			}
			return printJSON(cmd, payload)
		},
	}
	cmd.Flags().IntVar(&maxRetries, "max-retries", 1, "retry budget for the run")
	cmd.Flags().BoolVar(&withHistory, "history", false, "print the full run output including every round")
	return cmd
}

func listTools(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	registry, closeTools, err := buildRegistry(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer closeTools()
	return printJSON(cmd, registry.Contracts())
}

// loadConfig 按 --config、OPENMCP_CONFIG、默认路径的顺序加载配置。
// 默认路径不存在时使用内置默认值。
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv("OPENMCP_CONFIG")
	}
	if path == "" {
		if _, err := os.Stat(defaultConfigPath); err != nil {
			cfg := config.Default()
			return cfg, cfg.Validate()
		}
		path = defaultConfigPath
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func printJSON(cmd *cobra.Command, payload any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}
