package kiln

import (
	"io"
	"sort"

	"gopkg.in/yaml.v3"
)

// setFields hold unordered package sets. Formatting sorts them.
var setFields = map[string]struct{}{
	"packages":      {},
	"buildPackages": {},
}

// FormatRecipe re-indents a recipe file, sorts its profiles by name and its package sets
func FormatRecipe(out io.Writer, in io.Reader) error {
	var n yaml.Node
	err := yaml.NewDecoder(in).Decode(&n)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return err
	}
	if len(n.Content) > 0 {
		sortRecipe(n.Content[0])
	}

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(&n); err != nil {
		return err
	}
	return enc.Close()
}

func sortRecipe(root *yaml.Node) {
	if root.Kind != yaml.MappingNode {
		return
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, val := root.Content[i], root.Content[i+1]
		switch key.Value {
		case "all":
			sortDeclarations(val)
		case "subsets":
			for _, s := range val.Content {
				sortDeclarations(s)
			}
		case "profiles":
			sortMapping(val)
			for j := 1; j < len(val.Content); j += 2 {
				sortDeclarations(val.Content[j])
			}
		}
	}
}

func sortDeclarations(n *yaml.Node) {
	if n.Kind != yaml.MappingNode {
		return
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if _, ok := setFields[n.Content[i].Value]; !ok {
			continue
		}
		seq := n.Content[i+1]
		if seq.Kind != yaml.SequenceNode {
			continue
		}
		sort.SliceStable(seq.Content, func(a, b int) bool { return seq.Content[a].Value < seq.Content[b].Value })
	}
}

// sortMapping orders the key/value pairs of a mapping node by key
func sortMapping(n *yaml.Node) {
	if n.Kind != yaml.MappingNode {
		return
	}
	pairs := make([][2]*yaml.Node, 0, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		pairs = append(pairs, [2]*yaml.Node{n.Content[i], n.Content[i+1]})
	}
	sort.SliceStable(pairs, func(a, b int) bool { return pairs[a][0].Value < pairs[b][0].Value })
	content := make([]*yaml.Node, 0, len(n.Content))
	for _, p := range pairs {
		content = append(content, p[0], p[1])
	}
	n.Content = content
}
