package doublestar_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/gitpod-io/kiln/pkg/doublestar"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		Pattern string
		Path    string
		Match   bool
	}{
		{"**", "/", true},
		{"**/*.go", "foo.go", true},
		{"**/foo.go", "foo.go", true},
		{"**/kiln.yaml", "images/app/kiln.yaml", true},
		{"**/*.go", "a/b/c/foo.go", true},
		{"**/*.go", "/c/foo.go", true},
		{"**/*.go", "a/b/c/foo.txt", false},
		{"**/*.go", "a/b/c", false},
		{"**/*.go", "/a/b/c", false},
		{"/a/b/**", "/a/b/c", true},
		{"/a/b/**", "/a/b/c/d/e/f/g", true},
		{"/a/b/**", "/a/b", false},
		{"/a/b/**", "a/b/c", false},
		{"/a/b/**/c", "/a/b/c", true},
		{"/a/b/**/c", "/a/b/1/2/3/4/c", true},
		{"/a/b/**/c/*.go", "/a/b/1/2/3/4/c/foo.go", true},
		{"/a/b/**/c/*.go", "/a/b/1/2/3/4/c/foo.txt", false},
		{"/a/b/**/**/c", "/a/b/1/2/3/4/c", true},
		{"/a/b/**/**/c", "/a/b/1/c", true},
		{"/a/b/**/c/**/d", "/a/b/1/c/2/d", true},
		{"/a/b/**/c/**/d", "/a/b/1/c/2", false},
		{"*/*.go", "src/foo.go", true},
		{"*.efi", "EFI/kiln.efi", false},
		{"EFI/*", "EFI/kiln.efi", true},
	}
	for i, test := range tests {
		t.Run(fmt.Sprintf("%03d_%s_%s", i, test.Pattern, test.Path), func(t *testing.T) {
			match, _, err := doublestar.Match(test.Pattern, test.Path)
			if err != nil {
				t.Fatalf("unexpected error: %q", err)
			}
			if match != test.Match {
				t.Errorf("unexpected match: expected %v, got %v", test.Match, match)
			}
		})
	}
}

func TestGlob(t *testing.T) {
	base := t.TempDir()
	for _, fn := range []string{"image.raw", "EFI/kiln.efi", "EFI/boot/bootx64.efi", ".kiln-plan-1/mkosi.conf"} {
		p := filepath.Join(base, fn)
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, nil, 0644); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		Name        string
		Pattern     string
		Ignore      doublestar.IgnoreFunc
		Expectation []string
	}{
		{
			Name:        "all efi binaries",
			Pattern:     "**/*.efi",
			Ignore:      doublestar.IgnoreNone,
			Expectation: []string{"EFI/boot/bootx64.efi", "EFI/kiln.efi"},
		},
		{
			Name:        "top level only",
			Pattern:     "*.raw",
			Ignore:      doublestar.IgnoreNone,
			Expectation: []string{"image.raw"},
		},
		{
			Name:        "hidden entries are ignored",
			Pattern:     "**/*.conf",
			Ignore:      doublestar.IgnoreHidden,
			Expectation: nil,
		},
		{
			Name:        "hidden entries are found otherwise",
			Pattern:     "**/*.conf",
			Ignore:      doublestar.IgnoreNone,
			Expectation: []string{".kiln-plan-1/mkosi.conf"},
		},
	}
	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			matches, err := doublestar.Glob(base, test.Pattern, test.Ignore)
			if err != nil {
				t.Fatal(err)
			}
			var act []string
			for _, m := range matches {
				rel, err := filepath.Rel(base, m)
				if err != nil {
					t.Fatal(err)
				}
				act = append(act, filepath.ToSlash(rel))
			}
			if diff := cmp.Diff(test.Expectation, act); diff != "" {
				t.Errorf("Glob() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
