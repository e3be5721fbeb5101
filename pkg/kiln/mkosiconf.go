package kiln

import (
	"fmt"
	"strings"
)

// confIndent is the indentation of continuation lines of multi-valued settings
const confIndent = "        "

type confWriter struct {
	b       strings.Builder
	section bool
}

func (w *confWriter) Section(name string) {
	if w.section {
		w.b.WriteString("\n")
	}
	w.section = true
	fmt.Fprintf(&w.b, "[%s]\n", name)
}

func (w *confWriter) Set(key, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(&w.b, "%s=%s\n", key, value)
}

// List writes one value per line. Empty lists are omitted.
func (w *confWriter) List(key string, values []string) {
	if len(values) == 0 {
		return
	}
	w.b.WriteString(key + "=\n")
	for _, v := range values {
		w.b.WriteString(confIndent + v + "\n")
	}
}

func (w *confWriter) String() string {
	return w.b.String()
}

// renderConf renders the mkosi.conf of a profile. t must hold every other file of the profile.
func renderConf(ir *IR, p ProfileIR, t *Tree, scripts map[Phase][]string) string {
	var hasExtra, hasSkeleton, hasRepart bool
	for _, fn := range t.Paths() {
		switch {
		case strings.HasPrefix(fn, dirExtra+"/"):
			hasExtra = true
		case strings.HasPrefix(fn, dirSkeleton+"/"):
			hasSkeleton = true
		case strings.HasPrefix(fn, dirRepart+"/"):
			hasRepart = true
		}
	}
	// fetched content is placed into the extra tree after rendering
	hasExtra = hasExtra || len(p.Fetches) > 0

	distribution, release, _ := strings.Cut(ir.Base(), "/")

	var w confWriter
	w.b.WriteString(generatedHeader + "\n")
	fmt.Fprintf(&w.b, "# profile: %s\n\n", p.Name)

	w.Section("Distribution")
	w.Set("Distribution", distribution)
	w.Set("Release", release)
	w.Set("Architecture", ir.Arch().mkosi())

	w.Section("Output")
	w.Set("Format", string(p.OutputFormat))
	w.Set("ImageId", ir.ImageID())
	w.Set("Seed", reproducibleSeed)
	if hasRepart {
		w.Set("RepartDirectories", dirRepart)
	}

	w.Section("Content")
	w.List("Packages", p.Packages)
	w.List("BuildPackages", p.BuildPackages)
	w.List("KernelCommandLine", p.KernelCmdline)
	w.Set("SourceDateEpoch", "0")
	if hasSkeleton {
		w.Set("SkeletonTrees", dirSkeleton)
	}
	if hasExtra {
		w.Set("ExtraTrees", dirExtra)
	}
	for _, ph := range Phases {
		w.List(phaseScriptKeys[ph], scripts[ph])
	}
	return w.String()
}
