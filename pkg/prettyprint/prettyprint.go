// Package prettyprint renders command results as JSON, YAML or a text/template with aligned columns.
package prettyprint

import (
	"encoding/json"
	"io"
	"strings"
	"text/tabwriter"
	"text/template"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

// Format is an output format for pretty printing
type Format string

const (
	// TemplateFormat produces text/template-based output
	TemplateFormat Format = "template"
	// JSONFormat produces JSON output
	JSONFormat Format = "json"
	// YAMLFormat produces YAML output
	YAMLFormat Format = "yaml"
)

// ParseFormat validates a format name as given on the command line
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case TemplateFormat, JSONFormat, YAMLFormat:
		return f, nil
	default:
		return "", xerrors.Errorf("unknown format %q: expected template, json or yaml", s)
	}
}

// Writer preconfigures the write function
type Writer struct {
	Out          io.Writer
	Format       Format
	FormatString string
}

// Write prints the input in the preconfigured way
func (w *Writer) Write(in interface{}) error {
	return Write(w.Out, in, w.Format, w.FormatString)
}

// Write prints an input value using the format to the writer
func Write(out io.Writer, in interface{}, format Format, formatString string) error {
	switch format {
	case TemplateFormat:
		return writeTemplate(out, in, formatString)
	case JSONFormat:
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(in)
	case YAMLFormat:
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(in); err != nil {
			return err
		}
		return enc.Close()
	default:
		return xerrors.Errorf("unknown format: %s", format)
	}
}

// templateFuncs are available in format strings
var templateFuncs = template.FuncMap{
	// short abbreviates a hex digest, e.g. for tables
	"short": func(digest string) string {
		if len(digest) > 12 {
			return digest[:12]
		}
		return digest
	},
	"join": strings.Join,
}

func writeTemplate(out io.Writer, in interface{}, tplc string) error {
	tpl, err := template.New("output").Funcs(templateFuncs).Parse(tplc)
	if err != nil {
		return xerrors.Errorf("invalid format string: %w", err)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	if err := tpl.Execute(w, in); err != nil {
		return err
	}
	return w.Flush()
}
