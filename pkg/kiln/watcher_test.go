package kiln

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestRecipeSources(t *testing.T) {
	b := NewBuilder(WithOrigin("/recipes/app"))
	require.NoError(t, b.File(FileSpec{Path: "/etc/motd", Source: "motd"}))
	require.NoError(t, b.File(FileSpec{Path: "/etc/issue", Content: "inline"}))
	require.NoError(t, b.WithProfile("dev", func() error {
		if err := b.Skeleton(FileSpec{Path: "/etc/hosts", Source: "/shared/hosts"}); err != nil {
			return err
		}
		return b.Template(TemplateSpec{Path: "/etc/app.conf", Source: "tpl/../app.tpl"})
	}))
	require.NoError(t, b.WithProfile("prod", func() error {
		return b.File(FileSpec{Path: "/etc/motd", Source: "motd"})
	}))

	expected := []string{"/recipes/app/app.tpl", "/recipes/app/motd", "/shared/hosts"}
	if diff := cmp.Diff(expected, RecipeSources(b.State())); diff != "" {
		t.Errorf("RecipeSources() mismatch (-want +got):\n%s", diff)
	}
}

func TestWatchRecipe(t *testing.T) {
	dir := t.TempDir()
	recipe := filepath.Join(dir, RecipeFile)
	other := filepath.Join(dir, "unrelated.txt")
	require.NoError(t, os.WriteFile(recipe, []byte("all: {}\n"), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changed, errs := WatchRecipe(ctx, []string{recipe})

	require.NoError(t, os.WriteFile(other, []byte("ignored"), 0644))
	require.NoError(t, os.WriteFile(recipe, []byte("all:\n  packages: [curl]\n"), 0644))

	select {
	case fn := <-changed:
		require.Equal(t, recipe, fn)
	case err := <-errs:
		t.Fatalf("unexpected watcher error: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("no change event for recipe")
	}
}
