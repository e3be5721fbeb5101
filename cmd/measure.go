package cmd

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gitpod-io/kiln/pkg/kiln/measure"
)

// measureCmd represents the measure command
var measureCmd = &cobra.Command{
	Use:   "measure <dir>",
	Short: "Derives the measurements of a built image",
	Long: `Derives the register values a confidential VM will report when booting the image in <dir>.
Without a measurement tool (--tool or KILN_MEASURE_TOOL) kiln derives fallback values which are
reproducible but do not predict the values reported by the hardware.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		backendName, _ := cmd.Flags().GetString("backend")
		format, _ := cmd.Flags().GetString("format")
		output, _ := cmd.Flags().GetString("output")
		patterns, _ := cmd.Flags().GetStringSlice("pattern")
		tool, _ := cmd.Flags().GetString("tool")
		if tool == "" {
			tool = os.Getenv(EnvvarMeasureTool)
		}

		backend, err := measure.ParseBackend(backendName)
		if err != nil {
			fatal(err)
		}
		artifacts, err := measure.CollectArtifacts(args[0], patterns...)
		if err != nil {
			fatal(err)
		}
		for _, a := range artifacts {
			log.WithField("artifact", a.Name).WithField("role", measure.Classify(a.Name).String()).Debug("measuring")
		}

		opts := []measure.Option{measure.WithLogger(log.StandardLogger())}
		if tool != "" {
			opts = append(opts, measure.WithTool(tool))
		}
		m, err := measure.Derive(cmd.Context(), backend, artifacts, opts...)
		if err != nil {
			fatal(err)
		}
		out, err := m.Encode(measure.Format(format))
		if err != nil {
			fatal(err)
		}

		if output == "" || output == "-" {
			fmt.Print(string(out))
			return
		}
		if err := os.WriteFile(output, out, 0644); err != nil {
			fatal(err)
		}
	},
}

func init() {
	rootCmd.AddCommand(measureCmd)
	measureCmd.Flags().String("backend", string(measure.BackendTDX), "measurement backend: tdx, sev-snp or tpm")
	measureCmd.Flags().String("format", string(measure.FormatJSON), "output format: json or binary")
	measureCmd.Flags().StringP("output", "o", "", "write the measurements to this file instead of stdout")
	measureCmd.Flags().StringSlice("pattern", nil, "only measure files matching these patterns (supports **)")
	measureCmd.Flags().String("tool", "", "measurement tool producing boot-accurate values")
}
