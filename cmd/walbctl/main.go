package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	walb "github.com/herumi/go-walb"
	"github.com/herumi/go-walb/internal/control"
	"github.com/herumi/go-walb/internal/device"
	"github.com/herumi/go-walb/internal/geometry"
	"github.com/herumi/go-walb/internal/wlog"
)

var physicalBSGuess int

var rootCmd = &cobra.Command{
	Use:   "walbctl",
	Short: "Inspect and replay wlog streams extracted from a log device",
}

var wlogCmd = &cobra.Command{
	Use:   "wlog",
	Short: "wlog stream operations",
}

var catCmd = &cobra.Command{
	Use:   "cat",
	Short: "Extract a lsid range from a log device into a wlog stream on stdout",
	RunE:  runCat,
}

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "List the logpacks in a wlog stream read from stdin",
	RunE:  runInspect,
}

var redoCmd = &cobra.Command{
	Use:   "redo",
	Short: "Replay a wlog stream read from stdin onto a data device",
	RunE:  runRedo,
}

var catOpts struct {
	logDevice string
	begin     uint64
	end       uint64
}

var redoOpts struct {
	dataDevice string
}

func init() {
	catCmd.Flags().StringVar(&catOpts.logDevice, "log-device", "", "path to the log device file")
	catCmd.Flags().Uint64Var(&catOpts.begin, "begin-lsid", 0, "first lsid to extract (inclusive)")
	catCmd.Flags().Uint64Var(&catOpts.end, "end-lsid", 0, "last lsid to extract (exclusive)")
	catCmd.MarkFlagRequired("log-device")
	catCmd.MarkFlagRequired("end-lsid")

	redoCmd.Flags().StringVar(&redoOpts.dataDevice, "data-device", "", "path to the data device file")
	redoCmd.MarkFlagRequired("data-device")

	rootCmd.PersistentFlags().IntVar(&physicalBSGuess, "physical-bs", walb.DefaultPhysicalBlockSize, "physical block size to assume when locating the super sector")

	wlogCmd.AddCommand(catCmd, inspectCmd, redoCmd)
	rootCmd.AddCommand(wlogCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "walbctl: %v\n", err)
		os.Exit(1)
	}
}

func runCat(cmd *cobra.Command, args []string) error {
	logDev, err := device.OpenFile(catOpts.logDevice, 0, physicalBSGuess, false)
	if err != nil {
		return fmt.Errorf("opening log device: %w", err)
	}
	defer logDev.Close()

	super, _, err := control.LoadSuperSector(logDev, physicalBSGuess)
	if err != nil {
		return fmt.Errorf("reading super sector: %w", err)
	}

	cfg := wlog.SourceConfig{
		LogDevice:        logDev,
		PhysicalBS:       int(super.PhysicalBS),
		LogicalBS:        int(super.LogicalBS),
		Salt:             super.LogChecksumSalt,
		RingBufferOffset: geometry.RingBufferOffset(super.SnapshotMetadataSizePB),
		RingBufferPB:     super.RingBufferSizePB,
		DeviceUUID:       super.UUID,
	}
	return wlog.Extract(cfg, os.Stdout, catOpts.begin, catOpts.end)
}

func runInspect(cmd *cobra.Command, args []string) error {
	summaries, err := wlog.Inspect(os.Stdin, physicalBSGuess)
	if err != nil {
		return fmt.Errorf("inspecting stream: %w", err)
	}
	for _, s := range summaries {
		fmt.Printf("lsid=%d n_records=%d total_io_size=%d\n", s.Lsid, s.NRecords, s.TotalIOSize)
	}
	fmt.Printf("%d logpack(s)\n", len(summaries))
	return nil
}

func runRedo(cmd *cobra.Command, args []string) error {
	dataDev, err := device.OpenFile(redoOpts.dataDevice, 0, physicalBSGuess, false)
	if err != nil {
		return fmt.Errorf("opening data device: %w", err)
	}
	defer dataDev.Close()

	n, err := wlog.Redo(os.Stdin, physicalBSGuess, dataDev)
	if err != nil {
		return fmt.Errorf("replaying stream (after %d logpack(s)): %w", n, err)
	}
	fmt.Printf("replayed %d logpack(s)\n", n)
	return nil
}
