package cmd

import (
	"bytes"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/gitpod-io/kiln/pkg/kiln"
)

func TestInitRecipe(t *testing.T) {
	tests := []struct {
		Name     string
		ImageID  string
		Base     string
		Arch     kiln.Arch
		Profiles []string
	}{
		{Name: "minimal", ImageID: "app"},
		{Name: "base and arch", ImageID: "app", Base: "debian/trixie", Arch: kiln.ArchAarch64},
		{Name: "profiles", ImageID: "app", Profiles: []string{"prod", "dev"}},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			tpl := initRecipe(test.ImageID, test.Base, test.Arch, test.Profiles)

			recipe, err := kiln.ParseRecipe(bytes.NewReader(tpl), t.TempDir())
			require.NoError(t, err)
			ir, err := kiln.Normalize(recipe.Builder)
			require.NoError(t, err)

			expectedProfiles := append([]string{kiln.DefaultProfile}, test.Profiles...)
			sort.Strings(expectedProfiles)
			if diff := cmp.Diff(expectedProfiles, ir.ProfileNames()); diff != "" {
				t.Errorf("ProfileNames() mismatch (-want +got):\n%s", diff)
			}
			if test.Base != "" {
				require.Equal(t, test.Base, ir.Base())
			}
		})
	}
}
