package kiln

import (
	"fmt"
	"strings"
)

const scriptPreamble = "#!/bin/bash\n" + generatedHeader + "\nset -euo pipefail\n"

// phaseScript concatenates the commands of a phase in declaration order
func phaseScript(hooks []Hook, phase Phase) (string, bool) {
	var b strings.Builder
	b.WriteString(scriptPreamble)
	var found bool
	for _, h := range hooks {
		if h.Phase != phase {
			continue
		}
		found = true
		b.WriteString("\n" + h.Command.Render() + "\n")
	}
	return b.String(), found
}

// servicesScript enables every enabled service below $BUILDROOT
func servicesScript(services []ServiceSpec, withInit bool) (string, bool) {
	var units []string
	for _, s := range services {
		if s.Disabled {
			continue
		}
		units = append(units, s.Name+".service")
	}
	if withInit {
		units = append(units, initServiceName+".service")
	}
	if len(units) == 0 {
		return "", false
	}

	var b strings.Builder
	b.WriteString(scriptPreamble + "\n")
	for _, u := range units {
		fmt.Fprintf(&b, "systemctl --root=\"${BUILDROOT:?}\" enable %s\n", u)
	}
	return b.String(), true
}

// debloatScript removes the effective path set and masks units. If keep is non-empty, every
// installed unit outside it is masked as well.
func debloatScript(d DebloatIR, keep []string) (string, bool) {
	if !d.Enabled {
		return "", false
	}

	var b strings.Builder
	b.WriteString(scriptPreamble)
	b.WriteString("shopt -s nullglob\n\nroot=\"${BUILDROOT:?}\"\n")
	if len(d.Paths) > 0 {
		b.WriteString("\n")
		for _, p := range d.Paths {
			// debloat paths are restricted to characters which need no quoting, so globs expand
			fmt.Fprintf(&b, "rm -rf -- \"$root\"%s\n", p)
		}
	}
	if len(d.Units) > 0 {
		b.WriteString("\n")
		for _, u := range d.Units {
			fmt.Fprintf(&b, "systemctl --root=\"$root\" mask %s\n", u)
		}
	}
	if len(keep) > 0 {
		b.WriteString("\nkeep=\" " + strings.Join(keep, " ") + " \"\n")
		b.WriteString("systemctl --root=\"$root\" list-unit-files --no-legend --type=service,socket,timer,path | while read -r unit _; do\n")
		b.WriteString("    case \"$keep\" in\n")
		b.WriteString("        *\" $unit \"*) ;;\n")
		b.WriteString("        *) systemctl --root=\"$root\" mask \"$unit\" ;;\n")
		b.WriteString("    esac\n")
		b.WriteString("done\n")
	}
	return b.String(), true
}

// initScript concatenates init fragments, which are already sorted by priority
func initScript(frags []InitFragment) string {
	var b strings.Builder
	b.WriteString(scriptPreamble)
	for _, f := range frags {
		fmt.Fprintf(&b, "\n# priority %d\n%s\n", f.Priority, strings.TrimRight(f.Script, "\n"))
	}
	return b.String()
}
