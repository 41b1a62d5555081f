package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var rootCmd = &cobra.Command{
	Use:   "bioswrite",
	Short: "bioswrite reads and writes the BIOS SPI flash",
	Long: `Reads and writes the SPI flash chip holding the system firmware, through
the chipset's SPI controller or an external FT2232H programmer.

The flash must already be unlocked for writing. Doing so is left to the
operator.

WARNING: This tool can permanently brick your machine! Keep an external
programmer at hand to repair the flash chip if a write goes wrong.`,
	SilenceUsage: true,
}

var (
	flagConfig     string
	flagProgrammer string
	flagPowerDown  bool
)

func main() {
	// glog writes to files by default.
	flag.Set("logtostderr", "true")

	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Platform config file (default: first bioswrite/platform.yaml in the XDG config dirs)")
	rootCmd.PersistentFlags().StringVar(&flagProgrammer, "programmer", "ich", "Flash transport, one of 'ich' (chipset SPI controller) or 'ftdi' (external FT2232H)")
	rootCmd.PersistentFlags().BoolVar(&flagPowerDown, "power-down", false, "Put the chip into deep power-down when done (ftdi only)")

	for _, c := range []*cobra.Command{readCmd, writeCmd, eraseCmd} {
		c.Flags().StringVarP(&flagOffset, "offset", "O", "0", "Flash offset to start at")
		c.Flags().StringVarP(&flagLength, "length", "n", "0", "Length in bytes (default: rest of the chip, or the file length for write)")
	}
	writeCmd.Flags().BoolVarP(&flagForce, "force", "f", false, "Write all flash pages, not just the changed ones")
	writeCmd.Flags().BoolVar(&flagVerify, "verify", false, "Read the written range back and compare")
	writeCmd.Flags().BoolVar(&flagIgnoreLayout, "ignore-layout", false, "Write an image whose flash descriptor layout differs from the chip's")
	eraseCmd.Flags().BoolVarP(&flagForce, "force", "f", false, "Erase sectors that are already blank")

	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(eraseCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(layoutCmd)

	err := rootCmd.Execute()
	glog.Flush()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
}

// parseNumber accepts decimal or 0x-prefixed hexadecimal.
func parseNumber(s string) (uint32, error) {
	var err error
	var res uint64
	if strings.HasPrefix(strings.ToLower(s), "0x") {
		res, err = strconv.ParseUint(s[2:], 16, 32)
	} else {
		res, err = strconv.ParseUint(s, 10, 32)
	}
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return uint32(res), nil
}
