package kiln

import (
	"path"
	"regexp"
	"strconv"
	"strings"

	"mvdan.cc/sh/v3/syntax"

	"github.com/gitpod-io/kiln/pkg/kiln/errs"
)

var (
	profileNameRegexp = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
	packageNameRegexp = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9+.:=~_-]*$`)
	unitNameRegexp    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9:_.@-]*$`)
	userNameRegexp    = regexp.MustCompile(`^[a-z_][a-z0-9_-]*\$?$`)
	identRegexp       = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
	debloatPathRegexp = regexp.MustCompile(`^/[A-Za-z0-9._+@/*?\[\]-]*$`)
	baseRegexp        = regexp.MustCompile(`^[a-z0-9-]+/[a-z0-9.-]+$`)
	sha256HexRegexp   = regexp.MustCompile(`^[a-f0-9]{64}$`)
)

// checkPath ensures p is a clean absolute path within the image
func checkPath(field, p string) error {
	if !strings.HasPrefix(p, "/") || p == "/" {
		return errs.Validation("invalid_path", field, "path must be absolute and not the root", "path", p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return errs.Validation("invalid_path", field, "path must not contain ..", "path", p)
		}
	}
	if path.Clean(p) != p {
		return errs.Validation("invalid_path", field, "path is not clean", "path", p).
			WithHint("use " + path.Clean(p))
	}
	return nil
}

// parseMode parses an octal file mode, defaulting to def
func parseMode(field, mode string, def uint32) (uint32, error) {
	if mode == "" {
		return def, nil
	}
	m, err := strconv.ParseUint(mode, 8, 32)
	if err != nil || m > 07777 {
		return 0, errs.Validation("invalid_mode", field, "file mode must be octal, e.g. 0644", "mode", mode)
	}
	return uint32(m), nil
}

func formatMode(m uint32) string {
	return "0" + strconv.FormatUint(uint64(m), 8)
}

func checkProfileName(name string) error {
	if !profileNameRegexp.MatchString(name) {
		return errs.Validation("invalid_profile", "profile", "profile names may contain letters, digits, '.', '_' and '-'", "profile", name)
	}
	return nil
}

func checkPackages(field string, pkgs []string) error {
	for _, p := range pkgs {
		if !packageNameRegexp.MatchString(p) {
			return errs.Validation("invalid_package", field, "invalid package name", "package", p)
		}
	}
	return nil
}

func checkEnv(field string, env map[string]string) error {
	for k := range env {
		if !envKeyRegexp.MatchString(k) {
			return errs.Validation("invalid_env", field, "environment variable name is invalid", "name", k)
		}
	}
	return nil
}

func checkBash(field, script string) error {
	if _, err := syntax.NewParser(syntax.Variant(syntax.LangBash)).Parse(strings.NewReader(script), ""); err != nil {
		return errs.Validation("invalid_command", field, "script is not valid bash").WithCause(err)
	}
	return nil
}

func checkHook(field string, h Hook) error {
	if err := checkPhase(field+".phase", h.Phase); err != nil {
		return err
	}
	if err := h.Command.validate(field + ".command"); err != nil {
		return err
	}
	if h.Command.After != "" && !h.Command.After.Before(h.Phase) {
		return errs.Validation("phase_order", field+".command.after", "a hook can only run after an earlier phase",
			"phase", string(h.Phase),
			"after", string(h.Command.After),
		)
	}
	return nil
}

func checkFile(field string, f FileSpec) error {
	if err := checkPath(field+".path", f.Path); err != nil {
		return err
	}
	if f.Content != "" && f.Source != "" {
		return errs.Validation("invalid_file", field, "content and source are mutually exclusive", "path", f.Path)
	}
	_, err := parseMode(field+".mode", f.Mode, 0644)
	return err
}

func checkTemplate(field string, t TemplateSpec) error {
	if err := checkPath(field+".path", t.Path); err != nil {
		return err
	}
	if (t.Text == "") == (t.Source == "") {
		return errs.Validation("invalid_template", field, "exactly one of text and source must be set", "path", t.Path)
	}
	_, err := parseMode(field+".mode", t.Mode, 0644)
	return err
}

func checkRepository(field string, r RepositorySpec) error {
	if !identRegexp.MatchString(r.Name) {
		return errs.Validation("invalid_repository", field+".name", "invalid repository name", "name", r.Name)
	}
	if len(r.URIs) == 0 || len(r.Suites) == 0 {
		return errs.Validation("invalid_repository", field, "repositories need at least one URI and one suite", "name", r.Name)
	}
	if r.SignedBy != "" && !strings.HasPrefix(r.SignedBy, "/") && !strings.Contains(r.SignedBy, "BEGIN PGP") {
		return errs.Validation("invalid_repository", field+".signedBy", "signedBy must be an absolute keyring path or an armored key", "name", r.Name)
	}
	return nil
}

func checkUser(field string, u UserSpec) error {
	if !userNameRegexp.MatchString(u.Name) || len(u.Name) > 32 {
		return errs.Validation("invalid_user", field+".name", "invalid user name", "name", u.Name)
	}
	if u.UID != "" && u.UID != "-" {
		if _, err := strconv.ParseUint(u.UID, 10, 32); err != nil {
			return errs.Validation("invalid_user", field+".uid", "uid must be numeric", "name", u.Name, "uid", u.UID)
		}
	}
	if u.Home != "" {
		if err := checkPath(field+".home", u.Home); err != nil {
			return err
		}
	}
	for _, g := range u.Groups {
		if !userNameRegexp.MatchString(g) {
			return errs.Validation("invalid_user", field+".groups", "invalid group name", "name", u.Name, "group", g)
		}
	}
	return nil
}

func checkService(field string, s ServiceSpec) error {
	if !unitNameRegexp.MatchString(s.Name) || strings.HasSuffix(s.Name, ".service") {
		return errs.Validation("invalid_service", field+".name", "invalid service name", "name", s.Name).
			WithHint("name services without the .service suffix")
	}
	if len(s.Exec) == 0 || s.Exec[0] == "" {
		return errs.Validation("invalid_service", field+".exec", "services need a command", "name", s.Name)
	}
	if err := checkEnv(field+".environment", s.Environment); err != nil {
		return err
	}
	if s.WorkingDir != "" {
		if err := checkPath(field+".workingDirectory", s.WorkingDir); err != nil {
			return err
		}
	}
	switch s.Hardening {
	case "", HardeningNone, HardeningStandard, HardeningStrict:
	default:
		return errs.Validation("invalid_service", field+".hardening", "unknown hardening profile", "name", s.Name, "hardening", string(s.Hardening)).
			WithHint("use none, standard or strict")
	}
	switch s.Restart {
	case "", "no", "always", "on-success", "on-failure", "on-abnormal", "on-abort", "on-watchdog":
	default:
		return errs.Validation("invalid_service", field+".restart", "unknown restart policy", "name", s.Name, "restart", s.Restart)
	}
	if s.RestartSec < 0 {
		return errs.Validation("invalid_service", field+".restartSec", "restartSec must not be negative", "name", s.Name)
	}
	for _, deps := range [][]string{s.After, s.Wants, s.Requires} {
		for _, u := range deps {
			if !unitNameRegexp.MatchString(u) {
				return errs.Validation("invalid_service", field, "invalid unit reference", "name", s.Name, "unit", u)
			}
		}
	}
	return nil
}

func checkPartition(field string, p PartitionSpec) error {
	if !identRegexp.MatchString(p.Name) {
		return errs.Validation("invalid_partition", field+".name", "invalid partition name", "name", p.Name)
	}
	if p.Type == "" {
		return errs.Validation("invalid_partition", field+".type", "partitions need a type", "name", p.Name)
	}
	if p.MountPoint != "" && p.MountPoint != "/" {
		if err := checkPath(field+".mountPoint", p.MountPoint); err != nil {
			return err
		}
	}
	return nil
}

func checkSecret(field string, s SecretSpec) error {
	if !identRegexp.MatchString(s.Name) {
		return errs.Validation("invalid_secret", field+".name", "invalid secret name", "name", s.Name)
	}
	if s.Path == "" && s.Env == "" {
		return errs.Validation("invalid_secret", field, "secrets need a path or an environment variable", "name", s.Name)
	}
	if s.Path != "" {
		if err := checkPath(field+".path", s.Path); err != nil {
			return err
		}
	}
	if s.Env != "" && !envKeyRegexp.MatchString(s.Env) {
		return errs.Validation("invalid_env", field+".env", "environment variable name is invalid", "name", s.Env)
	}
	return nil
}

func checkDebloat(field string, d DebloatConfig) error {
	for _, ps := range [][]string{d.Paths, d.SkipPaths} {
		for _, p := range ps {
			if err := checkDebloatPath(field, p); err != nil {
				return err
			}
		}
	}
	for _, ps := range d.ProfileSkipPaths {
		for _, p := range ps {
			if err := checkDebloatPath(field+".profileSkipPaths", p); err != nil {
				return err
			}
		}
	}
	units := [][]string{d.Units, d.SkipUnits, d.KeepUnits}
	for _, us := range d.ProfileSkipUnits {
		units = append(units, us)
	}
	for _, us := range units {
		for _, u := range us {
			if !unitNameRegexp.MatchString(u) {
				return errs.Validation("invalid_unit", field, "invalid unit name", "unit", u)
			}
		}
	}
	return nil
}

func checkDebloatPath(field, p string) error {
	if !debloatPathRegexp.MatchString(p) || p == "/" || strings.Contains(p, "/../") || strings.HasSuffix(p, "/..") {
		return errs.Validation("invalid_path", field, "debloat paths must be absolute and limited to [A-Za-z0-9._+@/*?[]-]", "path", p)
	}
	return nil
}

func checkFetch(field string, f FetchSpec) error {
	if f.URL == "" {
		return errs.Validation("invalid_fetch", field+".url", "fetches need a URL")
	}
	if err := checkPath(field+".dest", f.Dest); err != nil {
		return err
	}
	switch f.Kind {
	case FetchHTTP:
		if f.Ref != "" || f.TreeHash != "" {
			return errs.Validation("invalid_fetch", field, "ref and treeHash only apply to git fetches", "url", f.URL)
		}
		if f.SHA256 != "" && !sha256HexRegexp.MatchString(strings.TrimPrefix(strings.ToLower(f.SHA256), "sha256:")) {
			return errs.Validation("invalid_digest", field+".sha256", "sha256 must be 64 hex characters", "url", f.URL)
		}
	case FetchGit:
		if f.Ref == "" {
			return errs.Validation("invalid_fetch", field+".ref", "git fetches need a ref", "url", f.URL)
		}
		if f.SHA256 != "" {
			return errs.Validation("invalid_fetch", field+".sha256", "git fetches are verified by treeHash", "url", f.URL)
		}
		if f.TreeHash != "" && !strings.HasPrefix(f.TreeHash, "h1:") {
			return errs.Validation("invalid_digest", field+".treeHash", "treeHash must be an h1: tree hash", "url", f.URL)
		}
	default:
		return errs.Validation("invalid_fetch", field+".kind", "unknown fetch kind", "kind", string(f.Kind)).
			WithHint("use http or git")
	}
	_, err := parseMode(field+".mode", f.Mode, 0644)
	return err
}

func checkOutputFormat(field string, f OutputFormat) error {
	switch f {
	case "", OutputDisk, OutputUKI, OutputCPIO, OutputDirectory:
		return nil
	default:
		return errs.Validation("invalid_output_format", field, "unknown output format", "format", string(f)).
			WithHint("use disk, uki, cpio or directory")
	}
}

func checkKernelCmdline(field string, args []string) error {
	for _, a := range args {
		if a == "" || strings.ContainsAny(a, " \t\n") {
			return errs.Validation("invalid_cmdline", field, "kernel command line arguments must be non-empty and contain no whitespace", "argument", a)
		}
	}
	return nil
}
