package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	walb "github.com/herumi/go-walb"
	"github.com/herumi/go-walb/internal/control"
	"github.com/herumi/go-walb/internal/device"
	"github.com/herumi/go-walb/internal/logging"
)

var opts struct {
	logDevice  string
	dataDevice string
	configPath string
	verbose    bool
}

var rootCmd = &cobra.Command{
	Use:   "walb-attach",
	Short: "Attach a formatted log/data device pair and serve writes until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	rootCmd.Flags().StringVar(&opts.logDevice, "log-device", "", "path to the log device file")
	rootCmd.Flags().StringVar(&opts.dataDevice, "data-device", "", "path to the data device file")
	rootCmd.Flags().StringVar(&opts.configPath, "config", "", "path to a start-parameters YAML file (optional)")
	rootCmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.MarkFlagRequired("log-device")
	rootCmd.MarkFlagRequired("data-device")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "walb-attach: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logConfig := logging.DefaultConfig()
	if opts.verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	start := control.DefaultStartParams()
	if opts.configPath != "" {
		f, err := os.Open(opts.configPath)
		if err != nil {
			return fmt.Errorf("opening --config: %w", err)
		}
		defer f.Close()
		start, err = control.LoadStartParams(f)
		if err != nil {
			return fmt.Errorf("loading --config: %w", err)
		}
	}

	logDev, err := device.OpenFile(opts.logDevice, start.LogicalBS, start.PhysicalBS, start.DirectIO)
	if err != nil {
		return fmt.Errorf("opening log device: %w", err)
	}
	defer logDev.Close()

	dataDev, err := device.OpenFile(opts.dataDevice, start.LogicalBS, start.PhysicalBS, start.DirectIO)
	if err != nil {
		return fmt.Errorf("opening data device: %w", err)
	}
	defer dataDev.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine, err := walb.Attach(ctx, walb.AttachParams{
		LogDevice:  logDev,
		DataDevice: dataDev,
		Start:      start,
	}, &walb.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("attach: %w", err)
	}

	info := engine.Info()
	logger.Info("attached", "uuid", fmt.Sprintf("%x", info.UUID), "name", info.Name,
		"oldest_lsid", info.OldestLsid, "written_lsid", info.WrittenLsid, "log_capacity", info.LogCapacity)
	fmt.Printf("attached %s <-> %s, uuid=%x\nPress Ctrl+C to detach...\n", opts.logDevice, opts.dataDevice, info.UUID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal, detaching")
	detachCtx, detachCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer detachCancel()
	if err := walb.Detach(detachCtx, engine); err != nil {
		return fmt.Errorf("detach: %w", err)
	}
	logger.Info("detached cleanly")
	return nil
}
