// Command liaison runs one platform adapter: it bridges a single chat
// platform to the framework's event socket using the settings in a YAML
// config file.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/liaisonhq/liaison/pkg/adapter"
	"github.com/liaisonhq/liaison/pkg/config"
	"github.com/liaisonhq/liaison/pkg/logger"
	"github.com/liaisonhq/liaison/pkg/platform"

	// platform clients register themselves
	_ "github.com/liaisonhq/liaison/pkg/platform/discord"
	_ "github.com/liaisonhq/liaison/pkg/platform/telegram"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:     "liaison",
		Short:   "Chat platform adapter for the agent framework",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the adapter config file")
	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the adapter",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	})
	cmd.AddCommand(platformsCmd())
	return cmd
}

func platformsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "platforms",
		Short: "List the available adapter types",
		Run: func(cmd *cobra.Command, args []string) {
			for _, name := range platform.Registered() {
				fmt.Println(name)
			}
		},
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger.Configure(cfg.Logging.Level, cfg.Logging.Format)

	a, err := adapter.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.InfoCF("main", "Starting adapter", map[string]any{
		"adapter_type": cfg.Adapter.AdapterType,
		"version":      version,
	})
	return a.Run(ctx)
}
