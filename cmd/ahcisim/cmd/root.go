// Package cmd provides the command-line interface of ahcisim.
package cmd

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
	"k8s.io/klog/v2"
)

var envFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "ahcisim",
	Short: "ahcisim simulates an AHCI SATA host bus adapter.",
	Long: `ahcisim simulates an AHCI SATA host bus adapter with NCQ. ` +
		`The run command drives a guest workload against simulated disks, ` +
		`the info command describes the emulated controller.`,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return loadEnv(cmd, envFile)
	},
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		atexit.Exit(1)
	}

	atexit.Exit(0)
}

func init() {
	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	rootCmd.PersistentFlags().AddGoFlagSet(klogFlags)

	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env",
		"file with AHCISIM_* defaults")
}

// envFlags maps environment variables to the flags they provide defaults for.
var envFlags = []struct {
	env  string
	flag string
}{
	{"AHCISIM_IMAGE", "image"},
	{"AHCISIM_PORTS", "ports"},
	{"AHCISIM_LATENCY", "latency"},
	{"AHCISIM_ERROR_POLICY", "error-policy"},
	{"AHCISIM_WORKERS", "workers"},
	{"AHCISIM_TRACE", "trace"},
}

// loadEnv reads path into the environment and applies the AHCISIM_*
// variables to the flags of cmd that were not set on the command line. A
// missing file is not an error.
func loadEnv(cmd *cobra.Command, path string) error {
	if path != "" {
		err := godotenv.Load(path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", path, err)
		}
	}

	for _, e := range envFlags {
		v, ok := os.LookupEnv(e.env)
		if !ok {
			continue
		}

		f := cmd.Flags().Lookup(e.flag)
		if f == nil || f.Changed {
			continue
		}

		if err := cmd.Flags().Set(e.flag, v); err != nil {
			return fmt.Errorf("%s: %w", e.env, err)
		}

		klog.V(2).InfoS("flag from environment", "flag", e.flag, "value", v)
	}

	return nil
}
