package cmd

import (
	"fmt"

	"github.com/gookit/color"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gitpod-io/kiln/pkg/kiln"
)

// lockCmd represents the lock command
var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Resolves all fetches of a recipe and writes its lockfile",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		recipe, err := getRecipe()
		if err != nil {
			fatal(err)
		}
		pol, err := getPolicy(cmd, recipe.Policy)
		if err != nil {
			fatal(err)
		}

		fn := lockfilePath(cmd, recipe)
		lf, err := kiln.LockRecipe(cmd.Context(), recipe.Builder, getFetcher(pol), fn)
		if err != nil {
			fatal(err)
		}
		log.WithField("path", fn).Debug("lockfile written")

		fmt.Printf("%s %s\n", color.Green.Render("locked"), lf.RecipeDigest)
		for _, f := range lf.Fetches {
			fmt.Printf("  %s\t%s\t%s\n", f.Kind, f.Source, color.Gray.Render(f.Digest))
		}
	},
}

func init() {
	rootCmd.AddCommand(lockCmd)
	lockCmd.Flags().String("lockfile", "", "lockfile location (defaults to kiln.lock next to the recipe)")
	addPolicyFlags(lockCmd)
}
