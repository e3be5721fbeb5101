package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gookit/color"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"github.com/gitpod-io/kiln/pkg/kiln"
	"github.com/gitpod-io/kiln/pkg/kiln/cache"
	"github.com/gitpod-io/kiln/pkg/kiln/cache/local"
	"github.com/gitpod-io/kiln/pkg/kiln/cache/remote"
	"github.com/gitpod-io/kiln/pkg/kiln/errs"
	"github.com/gitpod-io/kiln/pkg/kiln/fetch"
	"github.com/gitpod-io/kiln/pkg/kiln/policy"
)

const (
	// EnvvarCacheDir names the environment variable pointing to the local build cache
	EnvvarCacheDir = "KILN_CACHE_DIR"

	// EnvvarFetchCacheDir names the environment variable pointing to the fetch cache
	EnvvarFetchCacheDir = "KILN_FETCH_CACHE_DIR"

	// EnvvarBuildDir names the environment variable pointing to the bake work directory
	EnvvarBuildDir = "KILN_BUILD_DIR"

	// EnvvarRemoteCache selects the remote build cache (none or s3)
	EnvvarRemoteCache = "KILN_REMOTE_CACHE"

	// EnvvarRemoteCacheBucket configures the bucket of the remote build cache
	EnvvarRemoteCacheBucket = "KILN_REMOTE_CACHE_BUCKET"

	// EnvvarRemoteCacheRegion configures the region of the remote build cache
	EnvvarRemoteCacheRegion = "KILN_REMOTE_CACHE_REGION"

	// EnvvarMkosi names the mkosi binary
	EnvvarMkosi = "KILN_MKOSI"

	// EnvvarMeasureTool names the tool computing boot-accurate measurements
	EnvvarMeasureTool = "KILN_MEASURE_TOOL"
)

var (
	recipeFile string
	verbose    bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "kiln",
	Short: "A reproducible image recipe compiler for confidential VMs",
	Long: color.Render(`<light_yellow>Kiln compiles declarative image recipes</> into mkosi build plans and bakes them into
reproducible, measured confidential-VM images. It knows three core concepts:
  Recipe:  the recipe declares packages, files, users, services, hooks and fetches. It lives in a kiln.yaml file.
  Profile: a recipe builds one or more profiles. Declarations apply to the profiles of the scope they are made in
           (all, a subset or a single profile). Every recipe has a default profile.
  Plan:    compiling a recipe produces one mkosi build plan per profile. Baking a plan produces the image,
           its measurements and provenance.

<white>Configuration</>
Kiln is configured through the recipe file and environment variables. The following environment variables
have an effect on kiln:
          <light_blue>KILN_CACHE_DIR</>  Location of the local build cache. The directory does not have to exist yet.
    <light_blue>KILN_FETCH_CACHE_DIR</>  Location of the content-addressed fetch cache.
          <light_blue>KILN_BUILD_DIR</>  Working location of bakes. This location sees heavy I/O which makes it advisable
                          to place it on a fast SSD.
       <light_blue>KILN_REMOTE_CACHE</>  Enables a remote build cache. Either "none" (default) or "s3".
<light_blue>KILN_REMOTE_CACHE_BUCKET</>  Bucket of the remote build cache.
<light_blue>KILN_REMOTE_CACHE_REGION</>  Region of the remote build cache bucket.
              <light_blue>KILN_MKOSI</>  mkosi binary used to build images. Defaults to "mkosi" on the PATH.
       <light_blue>KILN_MEASURE_TOOL</>  Tool computing boot-accurate measurements. Without it kiln derives fallback
                          measurements and warns about it.
`),
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			log.SetLevel(log.DebugLevel)
		}
	},
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&recipeFile, "recipe", "r", "", "recipe file (defaults to the kiln.yaml in the working directory or its parents)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enables verbose logging")
}

func getRecipe() (*kiln.Recipe, error) {
	fn := recipeFile
	if fn == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		fn, err = kiln.FindRecipe(wd)
		if err != nil {
			return nil, err
		}
	}
	log.WithField("recipe", fn).Debug("loading recipe")
	return kiln.LoadRecipe(fn)
}

// lockfilePath returns the lockfile next to the recipe unless overridden
func lockfilePath(cmd *cobra.Command, recipe *kiln.Recipe) string {
	if fn, _ := cmd.Flags().GetString("lockfile"); fn != "" {
		return fn
	}
	return filepath.Join(filepath.Dir(recipe.Path), kiln.LockfileName)
}

func addPolicyFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("offline", false, "forbid network access; fetches must be served from the fetch cache")
	cmd.Flags().String("mutable-refs", "", "how to treat mutable git references: allow, warn or error (overrides the recipe)")
	cmd.Flags().Bool("allow-unpinned", false, "permit fetches without an expected digest")
}

// getPolicy applies the policy flags of cmd over the recipe policy
func getPolicy(cmd *cobra.Command, p policy.Policy) (policy.Policy, error) {
	if offline, _ := cmd.Flags().GetBool("offline"); offline {
		p.Network = policy.NetworkOffline
	}
	if mr, _ := cmd.Flags().GetString("mutable-refs"); mr != "" {
		p.MutableRefs = policy.MutableRefMode(mr)
	}
	if unpinned, _ := cmd.Flags().GetBool("allow-unpinned"); unpinned {
		p.Integrity = policy.IntegrityOptional
	}
	return policy.Resolve(p)
}

func getFetcher(p policy.Policy) *fetch.Fetcher {
	loc := os.Getenv(EnvvarFetchCacheDir)
	if loc == "" {
		loc = filepath.Join(os.TempDir(), "kiln", "fetch")
	}
	log.WithField("location", loc).Debug("set up fetch cache")
	return fetch.NewFetcher(p, loc)
}

func getLocalCache() (*local.FilesystemCache, error) {
	loc := os.Getenv(EnvvarCacheDir)
	if loc == "" {
		loc = filepath.Join(os.TempDir(), "kiln", "cache")
	}
	log.WithField("location", loc).Debug("set up local cache")
	return local.NewFilesystemCache(loc)
}

func getRemoteCache() (cache.RemoteCache, error) {
	kind := os.Getenv(EnvvarRemoteCache)
	if kind == "" {
		return remote.NewNoRemoteCache(), nil
	}
	cfg := &cache.RemoteConfig{
		Kind:       cache.RemoteKind(kind),
		BucketName: os.Getenv(EnvvarRemoteCacheBucket),
		Region:     os.Getenv(EnvvarRemoteCacheRegion),
	}
	rc, err := remote.New(cfg)
	if err != nil {
		return nil, xerrors.Errorf("cannot configure remote cache: %w", err)
	}
	return rc, nil
}

// fatal logs err including the hint of kiln errors and exits
func fatal(err error) {
	if e, ok := errs.As(err); ok && e.Hint != "" {
		log.WithField("hint", e.Hint).Fatal(err)
	}
	log.Fatal(err)
}
