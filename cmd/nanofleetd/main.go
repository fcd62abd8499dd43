package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Ademola21/nano-automation-suite/internal/config"
	"github.com/Ademola21/nano-automation-suite/pkg/logger"
)

const appName = "nanofleetd"

// Version is overwritten at build time using -ldflags.
var Version = "dev"

// main 是 nanofleet 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Deposit-wallet fleet supervisor for a self-hosted Nano node",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.Version = Version
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	defaultPath := os.Getenv("NANOFLEET_CONFIG")
	if defaultPath == "" {
		defaultPath = filepath.Join("configs", "nanofleet.json")
	}
	cmd.PersistentFlags().String("config", defaultPath, "path to the JSON configuration file")

	cmd.AddCommand(
		newServeCmd(),
		newConsolidateCmd(),
		newRescueCmd(),
		newWalletCmd(),
	)
	return cmd
}

// loadConfig 读取配置并初始化日志。
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(logger.Config{
		Level:        cfg.Log.Level,
		Format:       cfg.Log.Format,
		Outputs:      cfg.Log.OutputPaths,
		AuditPath:    cfg.Log.AuditPath,
		AuditMaxSize: 50,
		AuditBackups: 5,
	}); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, nil
}
