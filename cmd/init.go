package cmd

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gitpod-io/kiln/pkg/kiln"
)

// initCmd represents the init command
var initCmd = &cobra.Command{
	Use:   "init <image-id>",
	Short: "Creates a starter recipe in the current directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		base, _ := cmd.Flags().GetString("base")
		arch, _ := cmd.Flags().GetString("arch")
		profiles, _ := cmd.Flags().GetStringSlice("profile")

		tpl := initRecipe(args[0], base, kiln.Arch(arch), profiles)

		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		_, err = kiln.ParseRecipe(bytes.NewReader(tpl), wd)
		if err != nil {
			log.WithField("template", string(tpl)).Warn("broken recipe template")
			return fmt.Errorf("cannot create recipe: %w", err)
		}

		f, err := os.OpenFile(kiln.RecipeFile, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if os.IsExist(err) {
			return fmt.Errorf("%s exists already", kiln.RecipeFile)
		}
		if err != nil {
			return err
		}
		defer f.Close()

		err = kiln.FormatRecipe(f, bytes.NewReader(tpl))
		if err != nil {
			return err
		}
		log.Infof("created %s - add packages and files, then run kiln compile", kiln.RecipeFile)
		return nil
	},
}

func initRecipe(imageID, base string, arch kiln.Arch, profiles []string) []byte {
	var res strings.Builder
	fmt.Fprintf(&res, "imageId: %s\n", imageID)
	if base != "" {
		fmt.Fprintf(&res, "base: %s\n", base)
	}
	if arch != "" {
		fmt.Fprintf(&res, "arch: %s\n", arch)
	}
	res.WriteString(`policy:
  network: online
  integrity: required
  mutableRefs: warn
all:
  packages:
    - systemd
  kernelCmdline:
    - console=ttyS0
`)
	if len(profiles) > 0 {
		res.WriteString("profiles:\n")
		for _, p := range profiles {
			fmt.Fprintf(&res, "  %s: {}\n", p)
		}
	}
	return []byte(res.String())
}

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().String("base", "", "base distribution of the image, e.g. "+kiln.DefaultBase)
	initCmd.Flags().String("arch", "", "target architecture: x86_64 or aarch64")
	initCmd.Flags().StringSliceP("profile", "p", nil, "profiles the recipe builds besides the default one")
}
