package kiln

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/gitpod-io/kiln/pkg/kiln/errs"
)

func TestActiveProfiles(t *testing.T) {
	type Expectation struct {
		Active []string
		Code   string
	}
	tests := []struct {
		Name        string
		Setup       func(b *Builder) error
		Expectation Expectation
	}{
		{
			Name:        "no scope means default profile",
			Setup:       func(b *Builder) error { return nil },
			Expectation: Expectation{Active: []string{"default"}},
		},
		{
			Name:        "single profile",
			Setup:       func(b *Builder) error { return b.EnterScope(ScopeProfile, "dev") },
			Expectation: Expectation{Active: []string{"dev"}},
		},
		{
			Name:        "subset is sorted and deduplicated",
			Setup:       func(b *Builder) error { return b.EnterScope(ScopeSubset, "prod", "dev", "prod") },
			Expectation: Expectation{Active: []string{"dev", "prod"}},
		},
		{
			Name: "all includes profiles declared after entering",
			Setup: func(b *Builder) error {
				if err := b.EnterScope(ScopeAll); err != nil {
					return err
				}
				if err := b.EnterScope(ScopeProfile, "late"); err != nil {
					return err
				}
				return b.ExitScope()
			},
			Expectation: Expectation{Active: []string{"default", "late"}},
		},
		{
			Name: "nested scopes restore on exit",
			Setup: func(b *Builder) error {
				if err := b.EnterScope(ScopeProfile, "outer"); err != nil {
					return err
				}
				if err := b.EnterScope(ScopeProfile, "inner"); err != nil {
					return err
				}
				return b.ExitScope()
			},
			Expectation: Expectation{Active: []string{"outer"}},
		},
		{
			Name:        "profile scope needs exactly one name",
			Setup:       func(b *Builder) error { return b.EnterScope(ScopeProfile, "a", "b") },
			Expectation: Expectation{Active: []string{"default"}, Code: "validation/invalid_scope"},
		},
		{
			Name:        "invalid profile name",
			Setup:       func(b *Builder) error { return b.EnterScope(ScopeProfile, "../x") },
			Expectation: Expectation{Active: []string{"default"}, Code: "validation/invalid_profile"},
		},
		{
			Name:        "exit without scope",
			Setup:       func(b *Builder) error { return b.ExitScope() },
			Expectation: Expectation{Active: []string{"default"}, Code: "validation/invalid_scope"},
		},
	}
	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			b := NewBuilder()
			err := test.Setup(b)
			act := Expectation{Active: b.ActiveProfiles(), Code: errs.CodeOf(err)}
			if diff := cmp.Diff(test.Expectation, act); diff != "" {
				t.Errorf("ActiveProfiles() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestProfileIsolation(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.Install("ca-certificates"))
	require.NoError(t, b.WithProfile("dev", func() error {
		return b.Install("strace")
	}))
	require.NoError(t, b.WithAllProfiles(func() error {
		if err := b.Install("curl"); err != nil {
			return err
		}
		// declared inside the all scope, still reached by later calls
		if err := b.WithProfile("debug", func() error { return nil }); err != nil {
			return err
		}
		return b.Install("jq")
	}))

	ir, err := Normalize(b)
	require.NoError(t, err)

	expected := map[string][]string{
		"debug":   {"jq"},
		"default": {"ca-certificates", "curl", "jq"},
		"dev":     {"curl", "jq", "strace"},
	}
	act := make(map[string][]string)
	for _, n := range ir.ProfileNames() {
		p, _ := ir.Profile(n)
		act[n] = p.Packages
	}
	if diff := cmp.Diff(expected, act); diff != "" {
		t.Errorf("Packages mismatch (-want +got):\n%s", diff)
	}
}

func TestSingleProfile(t *testing.T) {
	b := NewBuilder()

	name, err := b.SingleProfile("deploy")
	require.NoError(t, err)
	require.Equal(t, "default", name)

	err = b.WithProfiles([]string{"a", "b"}, func() error {
		_, err := b.SingleProfile("deploy")
		return err
	})
	require.Equal(t, "validation/ambiguous_profile", errs.CodeOf(err))

	err = b.WithProfiles([]string{"a"}, func() error {
		name, err = b.SingleProfile("deploy")
		return err
	})
	require.NoError(t, err)
	require.Equal(t, "a", name)
}

func TestFrozenBuilder(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.Install("curl"))
	_, err := Normalize(b)
	require.NoError(t, err)
	require.True(t, b.Frozen())

	err = b.Install("jq")
	require.Equal(t, "validation/frozen_recipe", errs.CodeOf(err))
	err = b.EnterScope(ScopeProfile, "dev")
	require.Equal(t, "validation/frozen_recipe", errs.CodeOf(err))
}

func TestNewBuilderDefaultProfile(t *testing.T) {
	b := NewBuilder(WithDefaultProfile("base"))
	require.Equal(t, []string{"base"}, b.State().ProfileNames())
	require.Equal(t, []string{"base"}, b.ActiveProfiles())
}

func TestDebloatValidatesBeforeApplying(t *testing.T) {
	b := NewBuilder()
	err := b.WithProfiles([]string{"a", "b"}, func() error {
		return b.Debloat(func(d *DebloatConfig) {
			d.Paths = append(d.Paths, "relative/path")
		})
	})
	require.Equal(t, "validation/invalid_path", errs.CodeOf(err))
	require.False(t, b.State().Profiles["a"].Debloat.Enabled)
	require.False(t, b.State().Profiles["b"].Debloat.Enabled)
}
