package cmd

import (
	"runtime"

	"github.com/spf13/cobra"
)

// Version metadata, injected at build time via -ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("markview %s\n", version)
		cmd.Printf("  commit:  %s\n", commit)
		cmd.Printf("  built:   %s\n", date)
		cmd.Printf("  go:      %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
