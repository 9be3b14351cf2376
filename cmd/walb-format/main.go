package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	walb "github.com/herumi/go-walb"
	"github.com/herumi/go-walb/internal/device"
	"github.com/herumi/go-walb/internal/geometry"
)

var opts struct {
	logDevice  string
	logSize    string
	logicalBS  int
	physicalBS int
	name       string
}

var rootCmd = &cobra.Command{
	Use:   "walb-format",
	Short: "Write a fresh super sector pair to a log device file",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	rootCmd.Flags().StringVar(&opts.logDevice, "log-device", "", "path to the log device file (created if missing)")
	rootCmd.Flags().StringVar(&opts.logSize, "log-size", "64M", "total size of the log device (e.g. 64M, 1G)")
	rootCmd.Flags().IntVar(&opts.logicalBS, "logical-bs", walb.DefaultLogicalBlockSize, "logical block size in bytes")
	rootCmd.Flags().IntVar(&opts.physicalBS, "physical-bs", walb.DefaultPhysicalBlockSize, "physical block size in bytes")
	rootCmd.Flags().StringVar(&opts.name, "name", "", "device name stored in the super sector")
	rootCmd.MarkFlagRequired("log-device")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "walb-format: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	size, err := parseSize(opts.logSize)
	if err != nil {
		return fmt.Errorf("invalid --log-size %q: %w", opts.logSize, err)
	}

	ringBufferOffsetPB := geometry.RingBufferOffset(walb.DefaultSnapshotMetadataSizePB)
	totalPB := uint64(size) / uint64(opts.physicalBS)
	if totalPB <= ringBufferOffsetPB {
		return fmt.Errorf("--log-size %q is too small to hold the super sectors and a ring buffer", opts.logSize)
	}
	ringBufferPB := totalPB - ringBufferOffsetPB

	logDev, err := device.CreateFile(opts.logDevice, size, opts.logicalBS, opts.physicalBS)
	if err != nil {
		return fmt.Errorf("creating log device file: %w", err)
	}
	defer logDev.Close()

	if err := walb.Format(walb.FormatParams{
		LogDevice:    logDev,
		LogicalBS:    opts.logicalBS,
		PhysicalBS:   opts.physicalBS,
		RingBufferPB: ringBufferPB,
		Name:         opts.name,
	}); err != nil {
		return fmt.Errorf("format: %w", err)
	}

	fmt.Printf("formatted %s: ring buffer %d pb (%s), logical_bs=%d physical_bs=%d\n",
		opts.logDevice, ringBufferPB, formatSize(int64(ringBufferPB)*int64(opts.physicalBS)), opts.logicalBS, opts.physicalBS)
	return nil
}

// parseSize parses a size string like "64M", "1G", "512K".
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))

	var multiplier int64 = 1
	numStr := s
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}
	return num * multiplier, nil
}

// formatSize formats a byte count as a human-readable string.
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	units := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}
