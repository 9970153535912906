package fetch

// State is the state of the run.
type State int

// States of the run. Failed may be reached from any other state.
const (
	StateParsed State = iota
	StateManifestFetched
	StateLayersResolving
	StateExtracting
	StateMetadataWritten
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "Parsed"
	case StateManifestFetched:
		return "ManifestFetched"
	case StateLayersResolving:
		return "LayersResolving"
	case StateExtracting:
		return "Extracting"
	case StateMetadataWritten:
		return "MetadataWritten"
	case StateDone:
		return "Done"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Event reports state transition.
type Event struct {
	State State

	// Layer is the 1-based index of the layer being resolved, 0 if layers are resolved in parallel.
	Layer  int
	Layers int
	Digest string

	// Err is set for StateFailed.
	Err error
}
