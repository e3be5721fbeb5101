package cmd

import (
	"github.com/spf13/cobra"

	"github.com/gitpod-io/kiln/pkg/kiln"
	"github.com/gitpod-io/kiln/pkg/kiln/policy"
)

// describeCmd represents the describe command
var describeCmd = &cobra.Command{
	Use:   "describe",
	Short: "Describes the recipe",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		describeRecipeCmd.Run(cmd, args)
	},
}

type recipeDescription struct {
	Path     string           `json:"path" yaml:"path"`
	Digest   string           `json:"digest" yaml:"digest"`
	Policy   policy.Policy    `json:"policy" yaml:"policy"`
	Recipe   kiln.Snapshot    `json:"recipe" yaml:"recipe"`
	Profiles []profileSummary `json:"profiles" yaml:"profiles"`
}

type profileSummary struct {
	Name         string            `json:"name" yaml:"name"`
	Packages     int               `json:"packages" yaml:"packages"`
	Files        int               `json:"files" yaml:"files"`
	Services     int               `json:"services" yaml:"services"`
	Hooks        int               `json:"hooks" yaml:"hooks"`
	Fetches      int               `json:"fetches" yaml:"fetches"`
	OutputFormat kiln.OutputFormat `json:"outputFormat" yaml:"outputFormat"`
}

func describeRecipe() (*recipeDescription, *kiln.IR, error) {
	recipe, err := getRecipe()
	if err != nil {
		return nil, nil, err
	}
	ir, err := kiln.Normalize(recipe.Builder)
	if err != nil {
		return nil, nil, err
	}
	digest, err := ir.Digest()
	if err != nil {
		return nil, nil, err
	}

	res := &recipeDescription{
		Path:   recipe.Path,
		Digest: digest,
		Policy: recipe.Policy,
		Recipe: ir.Snapshot(),
	}
	for _, n := range ir.ProfileNames() {
		p, _ := ir.Profile(n)
		res.Profiles = append(res.Profiles, profileSummary{
			Name:         n,
			Packages:     len(p.Packages),
			Files:        len(p.Files) + len(p.Templates),
			Services:     len(p.Services),
			Hooks:        len(p.Hooks),
			Fetches:      len(p.Fetches),
			OutputFormat: p.OutputFormat,
		})
	}
	return res, ir, nil
}

func init() {
	rootCmd.AddCommand(describeCmd)
	addFormatFlags(describeCmd)
}
