package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/cerebrum/internal/common"
	"github.com/ternarybob/cerebrum/internal/kernel"
)

// configPaths is a custom flag type that allows multiple -config flags
type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	configFiles  configPaths
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")

	config *common.Config
	logger arbor.ILogger
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func main() {
	flag.Parse()

	if *showVersion || *showVersionV {
		fmt.Printf("Cerebrum version %s\n", common.GetVersion())
		os.Exit(0)
	}

	// Auto-discover config file if not specified
	if len(configFiles) == 0 {
		if _, err := os.Stat("cerebrum.toml"); err == nil {
			configFiles = append(configFiles, "cerebrum.toml")
		} else if _, err := os.Stat("deployments/local/cerebrum.toml"); err == nil {
			configFiles = append(configFiles, "deployments/local/cerebrum.toml")
		}
	}

	// Load configuration (defaults -> files -> env), then initialize the
	// logger from the resolved config before anything else logs.
	var err error
	config, err = common.LoadFromFiles(configFiles...)
	if err != nil {
		tempLogger := arbor.NewLogger()
		tempLogger.Fatal().Strs("paths", configFiles).Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}

	logger = common.InitLogger(config)
	common.PrintBanner(common.GetVersion())

	logger.Info().
		Strs("config_files", configFiles).
		Str("environment", config.Environment).
		Str("entity_path", config.Storage.EntityPath).
		Str("queue_path", config.Storage.QueuePath).
		Str("conversation_path", config.Storage.ConversationPath).
		Str("ai_provider", config.AI.DefaultProvider).
		Msg("Configuration loaded")

	k, err := kernel.New(config, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize kernel")
		os.Exit(1)
	}

	if err := k.Start(context.Background()); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start kernel")
		k.Stop(context.Background())
		os.Exit(1)
	}

	logger.Info().Msg("Kernel ready - Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Interrupt signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := k.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("Shutdown finished with errors")
		os.Exit(1)
	}
	logger.Info().Msg("Kernel stopped")
}
