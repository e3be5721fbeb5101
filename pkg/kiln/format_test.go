package kiln

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFormatRecipe(t *testing.T) {
	tests := []struct {
		Name        string
		Input       string
		Expectation string
	}{
		{
			Name:        "empty recipe",
			Input:       "",
			Expectation: "",
		},
		{
			Name: "reindents",
			Input: `imageId: app
all:
    kernelCmdline:
        - quiet
        - console=ttyS0
`,
			Expectation: `imageId: app
all:
  kernelCmdline:
    - quiet
    - console=ttyS0
`,
		},
		{
			Name: "sorts profiles and package sets",
			Input: `all:
  packages: [strace, curl]
subsets:
  - profiles: [prod, dev]
    buildPackages:
      - make
      - gcc
profiles:
  prod:
    packages: [b, a]
  dev:
    kernelCmdline: [z, a]
`,
			Expectation: `all:
  packages: [curl, strace]
subsets:
  - profiles: [prod, dev]
    buildPackages:
      - gcc
      - make
profiles:
  dev:
    kernelCmdline: [z, a]
  prod:
    packages: [a, b]
`,
		},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			var out bytes.Buffer
			err := FormatRecipe(&out, strings.NewReader(test.Input))
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(test.Expectation, out.String()); diff != "" {
				t.Errorf("FormatRecipe() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
