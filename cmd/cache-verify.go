package cmd

import (
	"github.com/gookit/color"
	"github.com/spf13/cobra"
)

// cacheVerifyCmd represents the cache verify command
var cacheVerifyCmd = &cobra.Command{
	Use:   "verify <key>",
	Short: "Verifies a local build cache entry",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		lc, err := getLocalCache()
		if err != nil {
			fatal(err)
		}
		mf, err := lc.Verify(args[0])
		if err != nil {
			fatal(err)
		}

		w := getWriterFromFlags(cmd)
		if w.FormatString == "" {
			w.FormatString = color.Green.Render("ok") + `	{{ .Key }}
artifact:	{{ .ArtifactSHA256 }}
target:	{{ .Inputs.Target }}
toolchain:	{{ .Inputs.Toolchain }}
`
		}
		if err := w.Write(mf); err != nil {
			fatal(err)
		}
	},
}

func init() {
	cacheCmd.AddCommand(cacheVerifyCmd)
	addFormatFlags(cacheVerifyCmd)
}
