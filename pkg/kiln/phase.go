package kiln

import (
	"github.com/gitpod-io/kiln/pkg/kiln/errs"
)

// Phase is a step of the image build the external builder runs scripts in
type Phase string

const (
	PhaseSync       Phase = "sync"
	PhasePrepare    Phase = "prepare"
	PhaseBuild      Phase = "build"
	PhasePostinst   Phase = "postinst"
	PhaseFinalize   Phase = "finalize"
	PhasePostoutput Phase = "postoutput"
	PhaseClean      Phase = "clean"
)

// Phases lists all phases in the order they run
var Phases = []Phase{
	PhaseSync,
	PhasePrepare,
	PhaseBuild,
	PhasePostinst,
	PhaseFinalize,
	PhasePostoutput,
	PhaseClean,
}

// phaseScriptKeys maps phases to the mkosi.conf setting listing their scripts
var phaseScriptKeys = map[Phase]string{
	PhaseSync:       "SyncScripts",
	PhasePrepare:    "PrepareScripts",
	PhaseBuild:      "BuildScripts",
	PhasePostinst:   "PostInstallationScripts",
	PhaseFinalize:   "FinalizeScripts",
	PhasePostoutput: "PostOutputScripts",
	PhaseClean:      "CleanScripts",
}

// Index returns the position of the phase in the build order or -1 if the phase is unknown
func (p Phase) Index() int {
	for i, v := range Phases {
		if v == p {
			return i
		}
	}
	return -1
}

// Valid returns true if p is a known phase
func (p Phase) Valid() bool {
	return p.Index() >= 0
}

// Before returns true if p runs strictly before other
func (p Phase) Before(other Phase) bool {
	return p.Index() < other.Index()
}

func checkPhase(field string, p Phase) error {
	if !p.Valid() {
		return errs.Validation("unknown_phase", field, "unknown build phase", "phase", string(p)).
			WithHint("use one of sync, prepare, build, postinst, finalize, postoutput or clean")
	}
	return nil
}
