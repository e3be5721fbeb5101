package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gitpod-io/kiln/pkg/kiln"
)

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Prints the version of this kiln build",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(kiln.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
