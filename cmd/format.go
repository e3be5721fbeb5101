package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/gitpod-io/kiln/pkg/prettyprint"
)

func addFormatFlags(cmd *cobra.Command) {
	cmd.Flags().String("format", string(prettyprint.TemplateFormat), "output format: template, json or yaml")
	cmd.Flags().StringP("format-string", "t", "", "template used with --format=template")
}

func getWriterFromFlags(cmd *cobra.Command) *prettyprint.Writer {
	fs, _ := cmd.Flags().GetString("format")
	formatString, _ := cmd.Flags().GetString("format-string")
	format, err := prettyprint.ParseFormat(fs)
	if err != nil {
		fatal(err)
	}
	return &prettyprint.Writer{
		Out:          os.Stdout,
		Format:       format,
		FormatString: formatString,
	}
}
