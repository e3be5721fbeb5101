package cmd

import (
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gitpod-io/kiln/pkg/kiln"
)

// describeGitInfoCmd represents the describe git-info command
var describeGitInfoCmd = &cobra.Command{
	Use:   "git-info",
	Short: "Prints the Git info recorded in provenance and build cache keys",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		recipe, err := getRecipe()
		if err != nil {
			fatal(err)
		}
		loc := filepath.Dir(recipe.Path)
		nfo, err := kiln.GetGitInfo(loc)
		if err != nil {
			fatal(err)
		}
		if nfo == nil {
			log.WithField("loc", loc).Fatal("not a Git working copy")
		}

		w := getWriterFromFlags(cmd)
		if w.FormatString == "" {
			w.FormatString = `dirty:	{{ .Dirty }}
origin:	{{ .Origin }}
commit:	{{ .Commit }}
{{- range .DirtyFiles }}
	{{ . }}
{{- end }}
`
		}
		err = w.Write(struct {
			WorkingCopy string   `json:"workingCopy" yaml:"workingCopy"`
			Commit      string   `json:"commit" yaml:"commit"`
			Origin      string   `json:"origin,omitempty" yaml:"origin,omitempty"`
			Dirty       bool     `json:"dirty" yaml:"dirty"`
			DirtyFiles  []string `json:"dirtyFiles,omitempty" yaml:"dirtyFiles,omitempty"`
		}{nfo.WorkingCopyLoc, nfo.Commit, nfo.Origin, nfo.IsDirty(), nfo.DirtyFiles()})
		if err != nil {
			log.WithError(err).Fatal("cannot write git info")
		}
	},
}

func init() {
	describeCmd.AddCommand(describeGitInfoCmd)
	addFormatFlags(describeGitInfoCmd)
}
