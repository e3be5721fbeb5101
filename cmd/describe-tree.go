package cmd

import (
	"fmt"
	"strings"

	"github.com/disiqueira/gotree"
	"github.com/spf13/cobra"

	"github.com/gitpod-io/kiln/pkg/kiln"
)

// describeTreeCmd represents the describe tree command
var describeTreeCmd = &cobra.Command{
	Use:   "tree",
	Short: "Prints the files of the compiled build plans",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		profiles, _ := cmd.Flags().GetStringSlice("profile")

		desc, ir, err := describeRecipe()
		if err != nil {
			fatal(err)
		}
		plan, err := kiln.Render(ir, kiln.OnlyProfiles(profiles...))
		if err != nil {
			fatal(err)
		}

		tree := gotree.New(desc.Path)
		for _, p := range plan.Profiles() {
			t, _ := plan.Tree(p)
			printPlanTree(tree.Add(p), t.Paths())
		}
		if _, err := fmt.Println(tree.Print()); err != nil {
			fatal(err)
		}
	},
}

// printPlanTree adds sorted slash-separated paths to parent, one node per path segment
func printPlanTree(parent gotree.Tree, paths []string) {
	nodes := make(map[string]gotree.Tree)
	for _, p := range paths {
		var (
			node   = parent
			prefix string
		)
		for _, seg := range strings.Split(p, "/") {
			prefix += "/" + seg
			n, ok := nodes[prefix]
			if !ok {
				n = node.Add(seg)
				nodes[prefix] = n
			}
			node = n
		}
	}
}

func init() {
	describeCmd.AddCommand(describeTreeCmd)
	describeTreeCmd.Flags().StringSliceP("profile", "p", nil, "only print these profiles")
}
