package cmd

import (
	"github.com/spf13/cobra"
)

// describeRecipeCmd represents the describe recipe command
var describeRecipeCmd = &cobra.Command{
	Use:   "recipe",
	Short: "Prints the normalized recipe, its digest and profiles",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		desc, _, err := describeRecipe()
		if err != nil {
			fatal(err)
		}

		w := getWriterFromFlags(cmd)
		if w.FormatString == "" {
			w.FormatString = `Recipe:	{{ .Path }}
Digest:	{{ .Digest }}
Base:	{{ .Recipe.Base }} ({{ .Recipe.Arch }})
Image ID:	{{ .Recipe.ImageID }}
Policy:	mutable refs {{ .Policy.MutableRefs }}, integrity {{ .Policy.Integrity }}, network {{ .Policy.Network }}{{ if .Policy.RequireFrozenLock }}, frozen lock required{{ end }}
Profiles:
{{- range .Profiles }}
	{{ .Name }}{{ if eq .Name $.Recipe.DefaultProfile }} (default){{ end }}	{{ .OutputFormat }}	{{ .Packages }} packages	{{ .Files }} files	{{ .Services }} services	{{ .Hooks }} hooks	{{ .Fetches }} fetches
{{- end }}
`
		}
		if err := w.Write(desc); err != nil {
			fatal(err)
		}
	},
}

func init() {
	describeCmd.AddCommand(describeRecipeCmd)
	addFormatFlags(describeRecipeCmd)
}
