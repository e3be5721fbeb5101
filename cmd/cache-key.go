package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"github.com/gitpod-io/kiln/pkg/kiln/cache"
)

// cacheKeyCmd represents the cache key command
var cacheKeyCmd = &cobra.Command{
	Use:   "key [inputs.json]",
	Short: "Computes the cache key of a set of build inputs",
	Long: `Reads build inputs as JSON (from the file or stdin) and prints their cache key. The inputs
of an existing entry are found in its manifest.json.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var in io.Reader = os.Stdin
		if len(args) == 1 {
			f, err := os.Open(args[0])
			if err != nil {
				fatal(err)
			}
			defer f.Close()
			in = f
		}

		inputs, err := readCacheInput(in)
		if err != nil {
			fatal(err)
		}
		key, err := cache.Key(*inputs)
		if err != nil {
			fatal(err)
		}
		fmt.Println(key)
	},
}

// readCacheInput accepts bare inputs as well as a cache manifest
func readCacheInput(in io.Reader) (*cache.Input, error) {
	fc, err := io.ReadAll(in)
	if err != nil {
		return nil, err
	}
	var mf struct {
		Inputs *cache.Input `json:"inputs"`
	}
	if err := json.Unmarshal(fc, &mf); err == nil && mf.Inputs != nil {
		return mf.Inputs, nil
	}
	var res cache.Input
	if err := json.Unmarshal(fc, &res); err != nil {
		return nil, xerrors.Errorf("cannot parse build inputs: %w", err)
	}
	return &res, nil
}

func init() {
	cacheCmd.AddCommand(cacheKeyCmd)
}
