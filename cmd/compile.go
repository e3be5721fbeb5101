package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/gookit/color"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gitpod-io/kiln/pkg/kiln"
)

// compileCmd represents the compile command
var compileCmd = &cobra.Command{
	Use:   "compile",
	Short: "Compiles a recipe into mkosi build plans",
	Long: `Compiles a recipe into one mkosi build plan per profile. Compiling never touches the network:
fetches are materialized when baking.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		out, _ := cmd.Flags().GetString("output")
		profiles, _ := cmd.Flags().GetStringSlice("profile")
		watch, _ := cmd.Flags().GetBool("watch")

		if !watch {
			_, err := compileRecipe(out, profiles)
			if err != nil {
				fatal(err)
			}
			return
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()
		for {
			files, err := compileRecipe(out, profiles)
			if err != nil {
				log.WithError(err).Error("cannot compile recipe")
			}
			if len(files) == 0 {
				// the recipe could not even be found, hence there's nothing to watch
				fatal(err)
			}

			if !waitForChange(ctx, files) {
				return
			}
			log.Info("recipe changed - recompiling")
		}
	},
}

// compileRecipe compiles the recipe into out and returns the files the recipe was read from
func compileRecipe(out string, profiles []string) (files []string, err error) {
	recipe, err := getRecipe()
	if err != nil {
		if recipeFile != "" {
			files = []string{recipeFile}
		}
		return files, err
	}
	files = append([]string{recipe.Path}, kiln.RecipeSources(recipe.Builder.State())...)

	ir, err := kiln.Normalize(recipe.Builder)
	if err != nil {
		return files, err
	}
	plan, err := kiln.Render(ir, kiln.OnlyProfiles(profiles...))
	if err != nil {
		return files, err
	}
	if err := plan.Write(out); err != nil {
		return files, err
	}

	digest, err := ir.Digest()
	if err != nil {
		return files, err
	}
	fp, err := plan.Fingerprint()
	if err != nil {
		return files, err
	}
	fmt.Printf("%s %s\n", color.Gray.Render("recipe:"), digest)
	fmt.Printf("%s   %s\n", color.Gray.Render("plan:"), fp)
	for _, p := range plan.Profiles() {
		fmt.Printf("  %s -> %s\n", color.Cyan.Render(p), color.Render("<white>"+out+"/"+p+"</>"))
	}
	return files, nil
}

// waitForChange blocks until one of files changes. It returns false if ctx is done.
func waitForChange(ctx context.Context, files []string) bool {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	changed, errchan := kiln.WatchRecipe(wctx, files)
	for {
		select {
		case fn := <-changed:
			log.WithField("file", fn).Debug("change detected")
			return true
		case err := <-errchan:
			log.WithError(err).Warn("recipe watcher failed")
		case <-ctx.Done():
			return false
		}
	}
}

func init() {
	rootCmd.AddCommand(compileCmd)
	compileCmd.Flags().StringP("output", "o", "out", "directory to write the build plans to")
	compileCmd.Flags().StringSliceP("profile", "p", nil, "compile only these profiles")
	compileCmd.Flags().Bool("watch", false, "recompile whenever the recipe or one of its sources changes")
}
