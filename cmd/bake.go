package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gookit/color"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"github.com/gitpod-io/kiln/pkg/kiln"
	"github.com/gitpod-io/kiln/pkg/kiln/measure"
)

// bakeCmd represents the bake command
var bakeCmd = &cobra.Command{
	Use:   "bake",
	Short: "Builds and measures the images of a recipe",
	Long: `Compiles the recipe, materializes its fetches and builds one image per profile using mkosi.
Images are cached by their build inputs: unchanged profiles are restored from the build cache.
After each build the image is measured and a provenance statement is written next to it.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		recipe, err := getRecipe()
		if err != nil {
			fatal(err)
		}
		opts, err := getBakeOptions(cmd, recipe)
		if err != nil {
			fatal(err)
		}

		res, err := kiln.Bake(cmd.Context(), recipe.Builder, opts...)
		if err != nil {
			fatal(err)
		}

		if js, _ := cmd.Flags().GetBool("json"); js {
			out, err := kiln.DescribeBake(res)
			if err != nil {
				fatal(err)
			}
			fmt.Println(string(out))
			return
		}
		for _, p := range sortedProfiles(res) {
			pr := res.Profiles[p]
			state := color.Yellow.Render("built ")
			if pr.Cached {
				state = color.Green.Render("cached")
			}
			fmt.Printf("%s %s -> %s\n", state, color.Cyan.Render(p), pr.OutputDir)
			if pr.Measurements != nil {
				for _, reg := range pr.Measurements.Registers() {
					fmt.Printf("         %s\t%s\n", color.Gray.Render(reg), pr.Measurements.Values[reg])
				}
			}
		}
	},
}

func getBakeOptions(cmd *cobra.Command, recipe *kiln.Recipe) ([]kiln.BakeOption, error) {
	pol, err := getPolicy(cmd, recipe.Policy)
	if err != nil {
		return nil, err
	}
	frozen, _ := cmd.Flags().GetBool("frozen")
	profiles, _ := cmd.Flags().GetStringSlice("profile")
	out, _ := cmd.Flags().GetString("output")
	backend, _ := cmd.Flags().GetString("backend")
	prov, _ := cmd.Flags().GetBool("provenance")
	keepPlan, _ := cmd.Flags().GetBool("keep-plan")
	jobs, _ := cmd.Flags().GetInt("jobs")
	envArgs, _ := cmd.Flags().GetStringArray("env")

	env, err := parseEnvArgs(envArgs)
	if err != nil {
		return nil, err
	}
	localCache, err := getLocalCache()
	if err != nil {
		return nil, err
	}
	remoteCache, err := getRemoteCache()
	if err != nil {
		return nil, err
	}
	buildDir := os.Getenv(EnvvarBuildDir)
	if buildDir == "" {
		buildDir = filepath.Join(os.TempDir(), "kiln", "build")
	}
	log.WithField("location", buildDir).Debug("set up build dir")

	opts := []kiln.BakeOption{
		kiln.WithPolicy(pol),
		kiln.WithFrozen(frozen),
		kiln.WithLockfile(lockfilePath(cmd, recipe)),
		kiln.WithBakeProfiles(profiles...),
		kiln.WithOutputDir(out),
		kiln.WithBuildDir(buildDir),
		kiln.WithKeepPlan(keepPlan),
		kiln.WithLocalCache(localCache),
		kiln.WithRemoteCache(remoteCache),
		kiln.WithFetcher(getFetcher(pol)),
		kiln.WithImageBuilder(&kiln.MkosiBuilder{Binary: os.Getenv(EnvvarMkosi)}),
		kiln.WithBakeReporter(kiln.NewConsoleReporter()),
		kiln.WithBuildEnv(env),
		kiln.WithProvenance(prov),
		kiln.WithMaxConcurrency(jobs),
	}
	if backend != "none" {
		opts = append(opts, kiln.WithMeasurement(measure.Backend(backend), os.Getenv(EnvvarMeasureTool)))
	}
	return opts, nil
}

// parseEnvArgs turns KEY=VALUE pairs into a map
func parseEnvArgs(args []string) (map[string]string, error) {
	if len(args) == 0 {
		return nil, nil
	}

	res := make(map[string]string, len(args))
	for _, arg := range args {
		segs := strings.SplitN(arg, "=", 2)
		if len(segs) < 2 || segs[0] == "" {
			return nil, xerrors.Errorf("invalid build environment variable (format is KEY=VALUE): %s", arg)
		}
		res[segs[0]] = segs[1]
	}
	return res, nil
}

func sortedProfiles(res *kiln.BakeResult) []string {
	names := make([]string, 0, len(res.Profiles))
	for n := range res.Profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func init() {
	rootCmd.AddCommand(bakeCmd)
	addBakeFlags(bakeCmd)
	addPolicyFlags(bakeCmd)
}

func addBakeFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("frozen", false, "fail unless the lockfile matches the recipe")
	cmd.Flags().String("lockfile", "", "lockfile location (defaults to kiln.lock next to the recipe)")
	cmd.Flags().StringSliceP("profile", "p", nil, "bake only these profiles")
	cmd.Flags().StringP("output", "o", "out", "directory the images are written to")
	cmd.Flags().String("backend", string(measure.BackendTDX), "measurement backend: tdx, sev-snp, tpm or none")
	cmd.Flags().Bool("provenance", true, "write a provenance statement next to each image")
	cmd.Flags().IntP("jobs", "j", 1, "number of images built at the same time")
	cmd.Flags().StringArrayP("env", "e", nil, "environment variable passed to the image builder (KEY=VALUE), part of the cache key")
	cmd.Flags().Bool("json", false, "print the bake result as JSON")
	cmd.Flags().Bool("keep-plan", false, "keep the plan directory below KILN_BUILD_DIR after a successful bake")
}
