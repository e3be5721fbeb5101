package kiln

import (
	"fmt"
	"sort"
	"strings"
)

const generatedHeader = "# Generated by kiln. Do not edit."

// hardeningDirectives are the sandboxing settings each hardening profile adds to a unit
var hardeningDirectives = map[Hardening][]string{
	HardeningStandard: {
		"NoNewPrivileges=yes",
		"PrivateTmp=yes",
		"ProtectSystem=full",
		"ProtectHome=yes",
		"ProtectKernelTunables=yes",
		"ProtectControlGroups=yes",
	},
	HardeningStrict: {
		"NoNewPrivileges=yes",
		"PrivateTmp=yes",
		"ProtectSystem=strict",
		"ProtectHome=yes",
		"ProtectKernelTunables=yes",
		"ProtectKernelModules=yes",
		"ProtectControlGroups=yes",
		"PrivateDevices=yes",
		"RestrictSUIDSGID=yes",
		"RestrictNamespaces=yes",
		"LockPersonality=yes",
		"MemoryDenyWriteExecute=yes",
		"SystemCallArchitectures=native",
	},
}

// renderUnit produces the unit file text of a service
func renderUnit(s ServiceSpec) string {
	var b strings.Builder
	line := func(key, value string) {
		if value != "" {
			fmt.Fprintf(&b, "%s=%s\n", key, value)
		}
	}

	b.WriteString(generatedHeader + "\n")
	b.WriteString("[Unit]\n")
	desc := s.Description
	if desc == "" {
		desc = s.Name
	}
	line("Description", escapeSpecifiers(desc))
	line("After", strings.Join(s.After, " "))
	line("Wants", strings.Join(s.Wants, " "))
	line("Requires", strings.Join(s.Requires, " "))

	b.WriteString("\n[Service]\n")
	typ := s.Type
	if typ == "" {
		typ = "simple"
	}
	line("Type", typ)
	line("User", s.User)
	line("WorkingDirectory", s.WorkingDir)
	keys := make([]string, 0, len(s.Environment))
	for k := range s.Environment {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		line("Environment", systemdQuote(k+"="+s.Environment[k], false))
	}
	args := make([]string, len(s.Exec))
	for i, a := range s.Exec {
		args[i] = systemdQuote(a, true)
	}
	line("ExecStart", strings.Join(args, " "))
	line("Restart", s.Restart)
	if s.RestartSec > 0 {
		line("RestartSec", fmt.Sprint(s.RestartSec))
	}
	line("MemoryMax", s.Limits.MemoryMax)
	line("CPUQuota", s.Limits.CPUQuota)
	line("TasksMax", s.Limits.TasksMax)
	line("LimitNOFILE", s.Limits.LimitNOFILE)
	for _, d := range hardeningDirectives[s.Hardening] {
		b.WriteString(d + "\n")
	}

	b.WriteString("\n[Install]\n")
	wantedBy := s.WantedBy
	if wantedBy == "" {
		wantedBy = "multi-user.target"
	}
	line("WantedBy", wantedBy)
	return b.String()
}

// systemdQuote quotes a value for a unit file. Specifiers are always escaped,
// variable expansion only where systemd performs it.
func systemdQuote(s string, exec bool) string {
	var b strings.Builder
	needsQuotes := s == ""
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		case '%':
			b.WriteString("%%")
		case '$':
			if exec {
				b.WriteString("$$")
			} else {
				b.WriteRune(r)
			}
		case '\n':
			b.WriteString(`\n`)
		case ' ', '\t', '\'', ';':
			needsQuotes = true
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	if needsQuotes || !exec {
		return `"` + b.String() + `"`
	}
	return b.String()
}

func escapeSpecifiers(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "%", "%%"), "\n", " ")
}

const initServiceName = "kiln-init"

func renderInitUnit() string {
	return generatedHeader + `
[Unit]
Description=kiln first boot initialization
ConditionFirstBoot=yes
Wants=network-online.target
After=network-online.target

[Service]
Type=oneshot
RemainAfterExit=yes
ExecStart=/usr/lib/kiln/init.sh

[Install]
WantedBy=multi-user.target
`
}

// renderSysusers produces a sysusers.d configuration for users
func renderSysusers(users []UserSpec) string {
	var b strings.Builder
	b.WriteString(generatedHeader + "\n")
	dash := func(s string) string {
		if s == "" {
			return "-"
		}
		return s
	}
	for _, u := range users {
		desc := "-"
		if u.Description != "" {
			desc = `"` + strings.ReplaceAll(u.Description, `"`, `'`) + `"`
		}
		fmt.Fprintf(&b, "u %s %s %s %s %s\n", u.Name, dash(u.UID), desc, dash(u.Home), dash(u.Shell))
	}
	for _, u := range users {
		for _, g := range u.Groups {
			fmt.Fprintf(&b, "m %s %s\n", u.Name, g)
		}
	}
	return b.String()
}

// renderDeb822 produces an apt sources file for a repository
func renderDeb822(r RepositorySpec) string {
	var b strings.Builder
	b.WriteString(generatedHeader + "\n")
	types := r.Types
	if len(types) == 0 {
		types = []string{"deb"}
	}
	field := func(key string, values []string) {
		if len(values) > 0 {
			fmt.Fprintf(&b, "%s: %s\n", key, strings.Join(values, " "))
		}
	}
	field("Types", types)
	field("URIs", r.URIs)
	field("Suites", r.Suites)
	field("Components", r.Components)
	field("Architectures", r.Architectures)
	if r.SignedBy != "" {
		lines := strings.Split(strings.TrimRight(r.SignedBy, "\n"), "\n")
		if len(lines) == 1 {
			fmt.Fprintf(&b, "Signed-By: %s\n", lines[0])
		} else {
			b.WriteString("Signed-By:\n")
			for _, l := range lines {
				if strings.TrimSpace(l) == "" {
					l = "."
				}
				b.WriteString(" " + l + "\n")
			}
		}
	}
	return b.String()
}

// renderRepart produces a systemd-repart partition definition
func renderRepart(p PartitionSpec) string {
	var b strings.Builder
	b.WriteString(generatedHeader + "\n[Partition]\n")
	line := func(key, value string) {
		if value != "" {
			fmt.Fprintf(&b, "%s=%s\n", key, value)
		}
	}
	line("Type", p.Type)
	line("Format", p.Format)
	line("Label", p.Label)
	line("SizeMinBytes", p.SizeMin)
	line("SizeMaxBytes", p.SizeMax)
	line("MountPoint", p.MountPoint)
	for _, c := range p.CopyFiles {
		line("CopyFiles", c)
	}
	return b.String()
}
