package cmd

import (
	"github.com/spf13/cobra"
)

// fetchGitCmd represents the fetch git command
var fetchGitCmd = &cobra.Command{
	Use:   "git <repo> <ref>",
	Short: "Checks out a git reference and verifies its tree hash",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		f, err := getStandaloneFetcher(cmd)
		if err != nil {
			fatal(err)
		}
		tree, _ := cmd.Flags().GetString("tree")
		res, err := f.FetchGit(cmd.Context(), args[0], args[1], tree)
		if err != nil {
			fatal(err)
		}
		if err := printFetchResult(cmd, args[0]+"@"+args[1], res); err != nil {
			fatal(err)
		}
	},
}

func init() {
	fetchCmd.AddCommand(fetchGitCmd)
	fetchGitCmd.Flags().String("tree", "", "expected h1: tree hash of the checkout")
	addPolicyFlags(fetchGitCmd)
	addFormatFlags(fetchGitCmd)
}
