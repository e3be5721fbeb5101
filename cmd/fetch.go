package cmd

import (
	"github.com/spf13/cobra"

	"github.com/gitpod-io/kiln/pkg/kiln/fetch"
	"github.com/gitpod-io/kiln/pkg/kiln/policy"
)

// fetchCmd represents the fetch command
var fetchCmd = &cobra.Command{
	Use:   "fetch <url|git>",
	Short: "Fetches content into the fetch cache",
	Long: `Fetches content into the content-addressed fetch cache and prints its digest.
Use the digest to pin the fetch in a recipe. Fetches are subject to the policy flags.`,
	Args: cobra.MinimumNArgs(1),
}

func init() {
	rootCmd.AddCommand(fetchCmd)
}

// getStandaloneFetcher builds a fetcher from the policy flags alone
func getStandaloneFetcher(cmd *cobra.Command) (*fetch.Fetcher, error) {
	pol, err := getPolicy(cmd, policy.Policy{})
	if err != nil {
		return nil, err
	}
	return getFetcher(pol), nil
}

func printFetchResult(cmd *cobra.Command, src string, res *fetch.Result) error {
	w := getWriterFromFlags(cmd)
	if w.FormatString == "" {
		w.FormatString = `source:	{{ .Source }}
digest:	{{ .Digest }}
{{- if .Commit }}
commit:	{{ .Commit }}
{{- end }}
path:	{{ .Path }}
cached:	{{ .Cached }}
`
	}
	return w.Write(struct {
		Source  string `json:"source" yaml:"source"`
		Digest  string `json:"digest" yaml:"digest"`
		Commit  string `json:"commit,omitempty" yaml:"commit,omitempty"`
		Path    string `json:"path" yaml:"path"`
		Cached  bool   `json:"cached" yaml:"cached"`
		Mutable bool   `json:"mutable,omitempty" yaml:"mutable,omitempty"`
	}{src, res.Digest, res.Commit, res.Path, res.Cached, res.Mutable})
}
