package kiln

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/in-toto/in-toto-golang/in_toto"
	"github.com/in-toto/in-toto-golang/in_toto/slsa_provenance/common"
	slsa "github.com/in-toto/in-toto-golang/in_toto/slsa_provenance/v0.2"
	"golang.org/x/xerrors"
	"sigs.k8s.io/bom/pkg/provenance"

	"github.com/gitpod-io/kiln/pkg/kiln/fetch"
	"github.com/gitpod-io/kiln/pkg/kiln/measure"
)

// ProvenanceInput is everything a provenance statement of a baked profile records
type ProvenanceInput struct {
	Profile      string
	RecipeDigest string
	Git          *GitInfo
	Fetches      []fetch.Record
	Artifacts    []measure.Artifact
	Started      time.Time
	Finished     time.Time
}

// ProduceProvenance produces an unsigned in-toto envelope holding a SLSA v0.2 statement.
// Subjects are the image artifacts, materials the recipe and everything fetched for it.
func ProduceProvenance(in ProvenanceInput) (*provenance.Envelope, error) {
	if len(in.Artifacts) == 0 {
		return nil, xerrors.Errorf("cannot produce provenance for %s: no artifacts", in.Profile)
	}

	subjects := make([]in_toto.Subject, 0, len(in.Artifacts))
	for _, a := range in.Artifacts {
		subjects = append(subjects, in_toto.Subject{
			Name:   a.Name,
			Digest: common.DigestSet{"sha256": a.Digest},
		})
	}

	materials := []common.ProvenanceMaterial{
		{URI: "kiln+recipe:" + in.Profile, Digest: common.DigestSet{"sha256": in.RecipeDigest}},
	}
	if in.Git != nil && in.Git.Origin != "" && in.Git.Commit != "" {
		materials = append(materials, common.ProvenanceMaterial{
			URI:    "git+" + in.Git.Origin,
			Digest: common.DigestSet{"sha1": in.Git.Commit},
		})
	}
	for _, f := range in.Fetches {
		materials = append(materials, fetchMaterial(f))
	}

	pred := provenance.NewSLSAPredicate()
	pred.Materials = materials
	pred.Builder = common.ProvenanceBuilder{
		ID: fmt.Sprintf("%s@%s", provenanceBuilderID, Version),
	}
	started, finished := in.Started, in.Finished
	pred.Metadata = &slsa.ProvenanceMetadata{
		Completeness: slsa.ProvenanceComplete{
			Parameters:  true,
			Environment: false,
			Materials:   true,
		},
		Reproducible:    true,
		BuildStartedOn:  &started,
		BuildFinishedOn: &finished,
	}
	pred.Invocation = slsa.ProvenanceInvocation{
		ConfigSource: slsa.ConfigSource{
			URI:        "kiln+recipe:" + in.Profile,
			Digest:     common.DigestSet{"sha256": in.RecipeDigest},
			EntryPoint: in.Profile,
		},
		Parameters: map[string]interface{}{
			"args": os.Args,
		},
	}

	stmt := provenance.NewSLSAStatement()
	stmt.Subject = subjects
	stmt.PredicateType = slsa.PredicateSLSAProvenance
	stmt.Predicate = pred

	payload, err := json.MarshalIndent(stmt, "", "  ")
	if err != nil {
		return nil, xerrors.Errorf("cannot marshal provenance for %s: %w", in.Profile, err)
	}
	return &provenance.Envelope{
		PayloadType: in_toto.PayloadType,
		Payload:     base64.StdEncoding.EncodeToString(payload),
		Signatures:  []interface{}{},
	}, nil
}

func fetchMaterial(f fetch.Record) common.ProvenanceMaterial {
	switch f.Kind {
	case fetch.KindGit:
		return common.ProvenanceMaterial{URI: "git+" + f.Source, Digest: common.DigestSet{"dirhash": f.Digest}}
	default:
		algo, value := "sha256", f.Digest
		if len(value) > len("sha256:") && value[:len("sha256:")] == "sha256:" {
			value = value[len("sha256:"):]
		}
		return common.ProvenanceMaterial{URI: f.Source, Digest: common.DigestSet{algo: value}}
	}
}

// WriteProvenance writes the envelope as JSON to fn
func WriteProvenance(fn string, env *provenance.Envelope) error {
	fc, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return xerrors.Errorf("cannot marshal provenance: %w", err)
	}
	if err := os.WriteFile(fn, append(fc, '\n'), 0644); err != nil {
		return xerrors.Errorf("cannot write provenance: %w", err)
	}
	return nil
}
