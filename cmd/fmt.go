package cmd

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/gitpod-io/kiln/pkg/kiln"
)

// fmtCmd represents the fmt command
var fmtCmd = &cobra.Command{
	Use:   "fmt [files...]",
	Short: "Formats recipe files",
	RunE: func(cmd *cobra.Command, args []string) error {
		fns := args
		if len(fns) == 0 {
			wd, err := os.Getwd()
			if err != nil {
				return err
			}
			fn := recipeFile
			if fn == "" {
				fn, err = kiln.FindRecipe(wd)
				if err != nil {
					return err
				}
			}
			fns = []string{fn}
		}

		inPlace, _ := cmd.Flags().GetBool("in-place")
		for _, fn := range fns {
			err := formatRecipeFile(fn, inPlace)
			if err != nil {
				return err
			}
		}

		return nil
	},
}

func formatRecipeFile(fn string, inPlace bool) error {
	f, err := os.OpenFile(fn, os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	var out io.Writer = os.Stdout
	buf := bytes.NewBuffer(nil)
	if inPlace {
		out = buf
	} else {
		fmt.Printf("---\n# %s\n", fn)
	}

	err = kiln.FormatRecipe(out, f)
	if err != nil {
		return err
	}
	if !inPlace {
		return nil
	}

	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	_, err = io.Copy(f, buf)
	return err
}

func init() {
	rootCmd.AddCommand(fmtCmd)

	fmtCmd.Flags().BoolP("in-place", "i", false, "format file in place rather than printing it to stdout")
}
