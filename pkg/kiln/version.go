package kiln

// Version is the version of kiln. It is set at link time.
var Version = "dev"

// provenanceBuilderID is the prefix of the builder ID in provenance statements
const provenanceBuilderID = "github.com/gitpod-io/kiln"
