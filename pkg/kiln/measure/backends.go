package measure

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
)

var sha256Regexp = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Chain folds digests into a single value: acc starts as 32 zero bytes and every digest
// is absorbed as acc = sha256(acc || digest). No digests yield the zero value.
func Chain(digests []string) string {
	acc := make([]byte, sha256.Size)
	for _, d := range digests {
		raw, _ := hex.DecodeString(d)
		h := sha256.New()
		h.Write(acc)
		h.Write(raw)
		acc = h.Sum(nil)
	}
	return hex.EncodeToString(acc)
}

// byName returns the digests of all artifacts with one of roles, ordered by artifact name
func byName(artifacts []Artifact, roles ...Role) []string {
	sel := make([]Artifact, 0, len(artifacts))
	for _, a := range artifacts {
		r := Classify(a.Name)
		for _, want := range roles {
			if r == want {
				sel = append(sel, a)
				break
			}
		}
	}
	sort.SliceStable(sel, func(i, j int) bool { return sel[i].Name < sel[j].Name })

	res := make([]string, len(sel))
	for i, a := range sel {
		res[i] = a.Digest
	}
	return res
}

var allRoles = []Role{RoleKernel, RoleInitrd, RoleCmdline, RoleOther}

func deriveTDX(artifacts []Artifact) map[string]string {
	return map[string]string{
		"RTMR1": Chain(byName(artifacts, RoleKernel)),
		"RTMR2": Chain(byName(artifacts, RoleInitrd, RoleCmdline)),
		"RTMR3": Chain(byName(artifacts, RoleOther)),
	}
}

func deriveSEVSNP(artifacts []Artifact) map[string]string {
	return map[string]string{
		"MEASUREMENT": Chain(byName(artifacts, allRoles...)),
	}
}

func deriveTPM(artifacts []Artifact) map[string]string {
	all := byName(artifacts, allRoles...)
	sort.Strings(all)
	return map[string]string{
		"PCR4":  Chain(byName(artifacts, RoleKernel)),
		"PCR9":  Chain(byName(artifacts, RoleInitrd, RoleCmdline)),
		"PCR11": Chain(all),
	}
}
