package cmd

import (
	"github.com/spf13/cobra"
)

// fetchURLCmd represents the fetch url command
var fetchURLCmd = &cobra.Command{
	Use:   "url <url>",
	Short: "Downloads a file and verifies its SHA-256",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		f, err := getStandaloneFetcher(cmd)
		if err != nil {
			fatal(err)
		}
		sum, _ := cmd.Flags().GetString("sha256")
		res, err := f.FetchURL(cmd.Context(), args[0], sum)
		if err != nil {
			fatal(err)
		}
		if err := printFetchResult(cmd, args[0], res); err != nil {
			fatal(err)
		}
	},
}

func init() {
	fetchCmd.AddCommand(fetchURLCmd)
	fetchURLCmd.Flags().String("sha256", "", "expected SHA-256 of the content")
	addPolicyFlags(fetchURLCmd)
	addFormatFlags(fetchURLCmd)
}
