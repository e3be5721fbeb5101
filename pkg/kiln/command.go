package kiln

import (
	"regexp"
	"sort"
	"strings"

	"mvdan.cc/sh/v3/syntax"

	"github.com/gitpod-io/kiln/pkg/kiln/errs"
)

// Command is an invocation run during a build phase
type Command struct {
	// Argv is the argument vector. For shell commands it holds exactly one element, the script text.
	Argv []string `yaml:"argv,omitempty" json:"argv"`
	// Env are environment overrides for this command
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	// Cwd is the working directory of the command
	Cwd string `yaml:"cwd,omitempty" json:"cwd,omitempty"`
	// Shell marks Argv[0] as bash source rather than a program to execute
	Shell bool `yaml:"shell,omitempty" json:"shell,omitempty"`
	// After names the phase that must have completed before this command runs
	After Phase `yaml:"after,omitempty" json:"after,omitempty"`
}

// Exec produces a command running argv
func Exec(argv ...string) Command {
	return Command{Argv: argv}
}

// Shell produces a command running script with bash
func Shell(script string) Command {
	return Command{Argv: []string{script}, Shell: true}
}

// WithEnv returns a copy of the command with an additional environment variable
func (c Command) WithEnv(key, value string) Command {
	env := make(map[string]string, len(c.Env)+1)
	for k, v := range c.Env {
		env[k] = v
	}
	env[key] = value
	c.Env = env
	return c
}

// In returns a copy of the command running in dir
func (c Command) In(dir string) Command {
	c.Cwd = dir
	return c
}

var envKeyRegexp = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func (c Command) validate(field string) error {
	if len(c.Argv) == 0 || c.Argv[0] == "" {
		return errs.Validation("invalid_command", field, "command is empty")
	}
	if err := checkEnv(field+".env", c.Env); err != nil {
		return err
	}
	if c.After != "" {
		if err := checkPhase(field+".after", c.After); err != nil {
			return err
		}
	}
	if c.Shell {
		if len(c.Argv) != 1 {
			return errs.Validation("invalid_command", field, "shell commands take exactly one script")
		}
		if err := checkBash(field, c.Argv[0]); err != nil {
			return err
		}
		return nil
	}
	for _, a := range c.Argv {
		if _, err := syntax.Quote(a, syntax.LangBash); err != nil {
			return errs.Validation("invalid_command", field, "argument cannot be quoted for bash", "argument", a).WithCause(err)
		}
	}
	return nil
}

// Render produces the bash source of the command. Environment variables are sorted.
func (c Command) Render() string {
	var body string
	if c.Shell {
		body = strings.TrimRight(c.Argv[0], "\n")
	} else {
		args := make([]string, len(c.Argv))
		for i, a := range c.Argv {
			args[i] = quote(a)
		}
		body = strings.Join(args, " ")
	}
	if len(c.Env) == 0 && c.Cwd == "" {
		return body
	}

	var segs []string
	if c.Cwd != "" {
		segs = append(segs, "cd "+quote(c.Cwd))
	}
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		segs = append(segs, "export "+k+"="+quote(c.Env[k]))
	}
	segs = append(segs, body)
	return "( " + strings.Join(segs, " && ") + " )"
}

// quote quotes s for bash. Inputs were checked during validation.
func quote(s string) string {
	q, err := syntax.Quote(s, syntax.LangBash)
	if err != nil {
		return "'" + s + "'"
	}
	return q
}
