// Package cmd provides the markview command-line interface.
//
// Configuration is resolved from three sources with clear precedence:
//  1. Command-line flags (--port, --dir, ...) - highest priority
//  2. Environment variables with the MARKVIEW_ prefix (MARKVIEW_SERVER_PORT, ...)
//  3. A .markview.yml file in the current directory - lowest priority
package cmd

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "markview",
	Short: "Live markdown document server with caching and change notifications",
	Long: `Markview serves a directory of markdown documents over HTTP, rendering
them on demand through an in-memory cache and pushing ordered change
notifications to websocket subscribers as files change on disk.

Quick Start:
  markview init                   Write a default .markview.yml
  markview serve --dir ./docs     Serve a document directory
  markview version                Print version information`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .markview.yml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// initConfig wires viper's merged sources: an explicit --config file, the
// MARKVIEW_CONFIG_FILE environment variable, or .markview.yml in the
// working directory.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if envConfigFile := os.Getenv("MARKVIEW_CONFIG_FILE"); envConfigFile != "" {
		viper.SetConfigFile(envConfigFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".markview")
	}

	viper.SetEnvPrefix("MARKVIEW")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// A missing config file is fine; defaults and environment cover it.
	_ = viper.ReadInConfig()
}
