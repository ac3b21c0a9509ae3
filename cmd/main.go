package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const (
	appName    = "Perfect Menu Print Coordinator"
	appVersion = "2.0.0"
	appAuthor  = "Riboost Studio"
)

var configFlag string

var rootCmd = &cobra.Command{
	Use:           "print-coordinator",
	Short:         "Prints incoming orders on the kitchen printer exactly once",
	Long:          appName + " by " + appAuthor + ". Coordinates receipt printing across the terminals of a location.",
	Version:       appVersion,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "path to config.yaml (default $PRINT_CONFIG or config/config.yaml)")
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newDiscoverCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
