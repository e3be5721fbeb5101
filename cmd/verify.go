package cmd

import (
	"fmt"
	"os"

	"github.com/gookit/color"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"github.com/gitpod-io/kiln/pkg/kiln/measure"
	"github.com/gitpod-io/kiln/pkg/prettyprint"
)

// verifyCmd represents the verify command
var verifyCmd = &cobra.Command{
	Use:   "verify <expected> <derived>",
	Short: "Compares derived measurements against expected ones",
	Long: `Compares two measurement files register by register. Both files may use the JSON or the binary format.
Exits non-zero if any register is missing, unexpected or has a different value.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		expected, err := loadMeasurements(args[0])
		if err != nil {
			fatal(err)
		}
		derived, err := loadMeasurements(args[1])
		if err != nil {
			fatal(err)
		}
		if expected.Backend != derived.Backend {
			fatal(xerrors.Errorf("cannot compare %s measurements against %s measurements", expected.Backend, derived.Backend))
		}

		res := measure.Verify(expected.Values, derived.Values)
		if js, _ := cmd.Flags().GetBool("json"); js {
			if err := prettyprint.Write(os.Stdout, res, prettyprint.JSONFormat, ""); err != nil {
				fatal(err)
			}
		} else {
			for _, m := range res.Mismatches {
				fmt.Printf("%s\t%s\texpected %q, got %q\n", color.Red.Render(m.Register), m.Kind, m.Expected, m.Actual)
			}
		}
		if err := res.Err(); err != nil {
			fatal(err)
		}
		if derived.IsFallback() {
			fmt.Println(color.Yellow.Render("measurements match, but were derived without a measurement tool"))
			return
		}
		fmt.Println(color.Green.Render("measurements match"))
	},
}

func loadMeasurements(fn string) (*measure.Measurements, error) {
	fc, err := os.ReadFile(fn)
	if err != nil {
		return nil, err
	}
	m, err := measure.Decode(fc)
	if err != nil {
		return nil, xerrors.Errorf("cannot decode %s: %w", fn, err)
	}
	return m, nil
}

func init() {
	rootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().Bool("json", false, "print the verification result as JSON")
}
