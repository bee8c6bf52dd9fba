// Package main provides the entry point for the seeder.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"

	"github.com/spacedatanetwork/sdn-seeder/internal/config"
	"github.com/spacedatanetwork/sdn-seeder/internal/node"
)

var log = logging.Logger("sdn")

var rootCmd = &cobra.Command{
	Use:   "sdn-seeder",
	Short: "Seed cores, bees, drives and lists on the peer network",
	Long: `sdn-seeder keeps a set of resources available on the peer network.
Resources come from flags, a seeds file or a list; a list is watched and the
seeded set follows its entries.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setLogLevel()
	},
}

var runCmd = &cobra.Command{
	Use:   "run [list-key]",
	Short: "Start seeding",
	Long:  `Start the seeder and track the resources given by flags, file or list.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSeeder,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration",
	RunE:  runInit,
}

var (
	configPath string
	debug      bool
	quiet      bool

	runFlags struct {
		cores, bees, drives, seeders []string
		list, file                   string
		backup, dryRun               bool
		storage, listen, secretKey   string
		interval                     string
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	f := runCmd.Flags()
	f.StringSliceVarP(&runFlags.cores, "core", "c", nil, "core key to seed")
	f.StringSliceVarP(&runFlags.bees, "bee", "b", nil, "bee key to seed")
	f.StringSliceVarP(&runFlags.drives, "drive", "d", nil, "drive key to seed")
	f.StringSliceVarP(&runFlags.seeders, "seeders", "s", nil, "drive key to mirror through its seeders swarm")
	f.StringVarP(&runFlags.list, "list", "l", "", "list key to follow")
	f.StringVarP(&runFlags.file, "file", "f", "", "seeds file with one \"type key\" per line")
	f.BoolVar(&runFlags.backup, "backup", false, "join discovery as a client only")
	f.BoolVar(&runFlags.dryRun, "dry-run", false, "track the list without reconciling it")
	f.StringVar(&runFlags.storage, "storage", "", "override storage path")
	f.StringVar(&runFlags.listen, "listen", "", "override listen address")
	f.StringVar(&runFlags.secretKey, "secret-key", "", "hex ed25519 seed for the node identity")
	f.StringVarP(&runFlags.interval, "interval", "i", "", "status refresh interval")
	f.BoolVar(&quiet, "quiet", false, "do not print the status view")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(listCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setLogLevel() {
	switch {
	case debug:
		logging.SetAllLoggers(logging.LevelDebug)
	case quiet:
		logging.SetAllLoggers(logging.LevelInfo)
	default:
		// keep the status view readable
		logging.SetAllLoggers(logging.LevelWarn)
	}
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if runFlags.storage != "" {
		cfg.Storage.Path = runFlags.storage
	}
	if runFlags.listen != "" {
		cfg.Network.Listen = []string{runFlags.listen}
	}
	if runFlags.secretKey != "" {
		cfg.Network.SecretKey = runFlags.secretKey
	}
	if runFlags.backup {
		cfg.Network.Backup = true
	}
	if runFlags.dryRun {
		cfg.Seeder.DryRun = true
	}
	if runFlags.interval != "" {
		cfg.Seeder.StatusInterval = runFlags.interval
	}

	// seeds given on the command line replace the configured ones
	if cmd.Flags().Changed("file") || cmd.Flags().Changed("list") || len(args) > 0 ||
		len(runFlags.cores)+len(runFlags.bees)+len(runFlags.drives)+len(runFlags.seeders) > 0 {
		cfg.Seeder.SeedsFile = runFlags.file
		cfg.Seeder.List = runFlags.list
		if len(args) > 0 {
			cfg.Seeder.List = args[0]
		}
		cfg.Seeder.Cores = runFlags.cores
		cfg.Seeder.Bees = runFlags.bees
		cfg.Seeder.Drives = runFlags.drives
		cfg.Seeder.Seeders = runFlags.seeders
	}

	return cfg, cfg.Validate()
}

func runSeeder(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}

	n, err := node.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}

	log.Info("Starting seeder...")
	if err := n.Start(ctx); err != nil {
		n.Stop()
		return fmt.Errorf("failed to start node: %w", err)
	}
	log.Infof("Peer ID: %s", n.PeerID())
	for _, addr := range n.Host().Addrs() {
		log.Infof("Listening on: %s", addr)
	}

	if !quiet {
		display := n.Status(os.Stdout, true)
		go display.Run(ctx, cfg.StatusInterval())
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down...")
	cancel()
	return n.Stop()
}

func runInit(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists at %s", path)
	}

	cfg := config.Default()
	if err := config.Save(path, cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	if err := os.MkdirAll(cfg.Storage.Path, 0755); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}

	fmt.Printf("Configuration written to %s\n", path)
	fmt.Printf("Storage directory: %s\n", cfg.Storage.Path)
	return nil
}
