// Package cmd provides the command-line interface of vmswap.
package cmd

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Environment variables that give the defaults of the run flags. They can be
// set in a .env file in the working directory.
const (
	EnvPolicy   = "VMSWAP_POLICY"
	EnvFrames   = "VMSWAP_FRAMES"
	EnvSwapDir  = "VMSWAP_SWAP_DIR"
	EnvLogLevel = "VMSWAP_LOG_LEVEL"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "vmswap",
		Short: "vmswap replays paging workloads over swap-backed address spaces.",
		Long: `vmswap replays workloads of process memory operations over ` +
			`address spaces that page out to swap stores, and reports the ` +
			`paging statistics of every process.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadEnv()
		},
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newPoliciesCmd())
	root.AddCommand(newReportCmd())

	return root
}

// loadEnv reads the .env file if there is one. Variables already set in the
// environment win.
func loadEnv() error {
	err := godotenv.Load()
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

func newLogger(level string) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	logger.SetLevel(lvl)

	return logger, nil
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
