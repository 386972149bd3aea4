package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sonicast-audio/companion/internal/app"
	"github.com/sonicast-audio/companion/internal/config"
	"github.com/sonicast-audio/companion/internal/logging"
)

var (
	version = "0.1.0"
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "sonicast-companion",
	Short: "Sonicast system audio companion",
	Long:  `Sonicast Companion - captures system audio through the native helper and streams it to paired listeners over WebRTC`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the companion",
	Run: func(cmd *cobra.Command, args []string) {
		runCompanion()
	},
}

var permissionsCmd = &cobra.Command{
	Use:   "check-permissions",
	Short: "Check whether audio capture is authorized",
	Run: func(cmd *cobra.Command, args []string) {
		checkPermissions()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Sonicast Companion v%s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the configured endpoints",
	Run: func(cmd *cobra.Command, args []string) {
		showStatus()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/sonicast/companion.yaml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(permissionsCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCompanion() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logging.Init(cfg.LogFormat, cfg.LogLevel, nil)
	log := logging.L("main")

	if cfg.HelperPath == "" {
		fmt.Fprintln(os.Stderr, "No capture helper configured. Set helper_path in the config file.")
		os.Exit(1)
	}

	a, err := app.New(cfg, nil)
	if err != nil {
		log.Error("failed to assemble companion", logging.KeyError, err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		log.Error("failed to start companion", logging.KeyError, err)
		os.Exit(1)
	}
	log.Info("companion running", "version", version, "relay", cfg.SignalAddr)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	log.Info("shutting down")
	a.Stop()
}

func checkPermissions() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.HelperPath == "" {
		fmt.Fprintln(os.Stderr, "No capture helper configured. Set helper_path in the config file.")
		os.Exit(1)
	}

	logging.Init(cfg.LogFormat, "warn", nil)

	a, err := app.New(cfg, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to assemble companion: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	granted, err := a.CheckPermissions(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Permission check failed: %v\n", err)
		os.Exit(1)
	}
	if !granted {
		fmt.Println("Audio capture permission: denied")
		os.Exit(1)
	}
	fmt.Println("Audio capture permission: granted")
}

func showStatus() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Println("Status: Not configured")
		return
	}

	fmt.Printf("Relay address: %s\n", cfg.SignalAddr)
	if cfg.HelperPath == "" {
		fmt.Println("Capture helper: not configured")
	} else {
		fmt.Printf("Capture helper: %s\n", cfg.HelperPath)
	}
	fmt.Printf("Format: %d Hz, %d channels, %d-bit PCM\n", cfg.SampleRate, cfg.Channels, cfg.BitDepth)
}
