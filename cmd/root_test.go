package cmd

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/cobra"

	"github.com/gitpod-io/kiln/pkg/kiln"
	"github.com/gitpod-io/kiln/pkg/kiln/errs"
	"github.com/gitpod-io/kiln/pkg/kiln/policy"
)

func TestGetPolicy(t *testing.T) {
	type Expectation struct {
		Policy policy.Policy
		Code   string
	}
	tests := []struct {
		Name        string
		Recipe      policy.Policy
		Args        []string
		Expectation Expectation
	}{
		{
			Name:        "defaults",
			Expectation: Expectation{Policy: policy.Default()},
		},
		{
			Name:   "recipe policy is kept",
			Recipe: policy.Policy{MutableRefs: policy.MutableRefError},
			Expectation: Expectation{Policy: policy.Policy{
				MutableRefs: policy.MutableRefError,
				Integrity:   policy.IntegrityRequired,
				Network:     policy.NetworkOnline,
			}},
		},
		{
			Name:   "flags override the recipe",
			Recipe: policy.Policy{MutableRefs: policy.MutableRefError},
			Args:   []string{"--offline", "--mutable-refs", "allow", "--allow-unpinned"},
			Expectation: Expectation{Policy: policy.Policy{
				MutableRefs: policy.MutableRefAllow,
				Integrity:   policy.IntegrityOptional,
				Network:     policy.NetworkOffline,
			}},
		},
		{
			Name:        "unknown mutable ref mode",
			Args:        []string{"--mutable-refs", "sometimes"},
			Expectation: Expectation{Code: "validation/invalid_policy"},
		},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			cmd := &cobra.Command{
				Use: "lock",
				Run: func(cmd *cobra.Command, args []string) {},
			}
			addPolicyFlags(cmd)
			cmd.SetArgs(test.Args)
			if err := cmd.Execute(); err != nil {
				t.Fatalf("failed to execute command: %v", err)
			}

			var act Expectation
			pol, err := getPolicy(cmd, test.Recipe)
			if err != nil {
				act.Code = errs.CodeOf(err)
			} else {
				act.Policy = pol
			}

			if diff := cmp.Diff(test.Expectation, act); diff != "" {
				t.Errorf("getPolicy() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLockfilePath(t *testing.T) {
	recipe := &kiln.Recipe{Path: filepath.Join("images", "app", kiln.RecipeFile)}

	cmd := &cobra.Command{Use: "lock", Run: func(cmd *cobra.Command, args []string) {}}
	cmd.Flags().String("lockfile", "", "")
	cmd.SetArgs(nil)
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if act, exp := lockfilePath(cmd, recipe), filepath.Join("images", "app", kiln.LockfileName); act != exp {
		t.Errorf("lockfilePath() = %s, expected %s", act, exp)
	}

	if err := cmd.Flags().Set("lockfile", "custom.lock"); err != nil {
		t.Fatal(err)
	}
	if act := lockfilePath(cmd, recipe); act != "custom.lock" {
		t.Errorf("lockfilePath() = %s, expected custom.lock", act)
	}
}
