package cmd

import (
	"github.com/spf13/cobra"
)

// cacheCmd represents the cache command
var cacheCmd = &cobra.Command{
	Use:   "cache <key|verify>",
	Short: "Inspects the build cache",
	Args:  cobra.MinimumNArgs(1),
}

func init() {
	rootCmd.AddCommand(cacheCmd)
}
