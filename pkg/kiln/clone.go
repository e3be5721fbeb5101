package kiln

import (
	"maps"
	"slices"
)

func cloneCommand(c Command) Command {
	c.Argv = slices.Clone(c.Argv)
	c.Env = maps.Clone(c.Env)
	return c
}

func cloneRepository(r RepositorySpec) RepositorySpec {
	r.Types = slices.Clone(r.Types)
	r.URIs = slices.Clone(r.URIs)
	r.Suites = slices.Clone(r.Suites)
	r.Components = slices.Clone(r.Components)
	r.Architectures = slices.Clone(r.Architectures)
	return r
}

func cloneTemplate(t TemplateSpec) TemplateSpec {
	t.Vars = maps.Clone(t.Vars)
	return t
}

func cloneUser(u UserSpec) UserSpec {
	u.Groups = slices.Clone(u.Groups)
	return u
}

func cloneService(s ServiceSpec) ServiceSpec {
	s.Exec = slices.Clone(s.Exec)
	s.Environment = maps.Clone(s.Environment)
	s.After = slices.Clone(s.After)
	s.Wants = slices.Clone(s.Wants)
	s.Requires = slices.Clone(s.Requires)
	return s
}

func clonePartition(p PartitionSpec) PartitionSpec {
	p.CopyFiles = slices.Clone(p.CopyFiles)
	return p
}

func cloneDebloat(d DebloatConfig) DebloatConfig {
	d.Paths = slices.Clone(d.Paths)
	d.Units = slices.Clone(d.Units)
	d.SkipPaths = slices.Clone(d.SkipPaths)
	d.SkipUnits = slices.Clone(d.SkipUnits)
	d.KeepUnits = slices.Clone(d.KeepUnits)
	d.ProfileSkipPaths = cloneListMap(d.ProfileSkipPaths)
	d.ProfileSkipUnits = cloneListMap(d.ProfileSkipUnits)
	return d
}

func cloneListMap(m map[string][]string) map[string][]string {
	if m == nil {
		return nil
	}
	res := make(map[string][]string, len(m))
	for k, v := range m {
		res[k] = slices.Clone(v)
	}
	return res
}

func mapSlice[T any](in []T, fn func(T) T) []T {
	if in == nil {
		return nil
	}
	res := make([]T, len(in))
	for i, v := range in {
		res[i] = fn(v)
	}
	return res
}

func identity[T any](v T) T { return v }
