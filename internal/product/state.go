package product

import "fmt"

// State is the lifecycle position of a product.
type State int

const (
	StateCreated State = iota
	StateStitched
	StateRegistered
	StateConverted
	StateAtmosphericallyCorrected
	StateBRDFCorrected
	StateSpectrallyAdjusted
	StateTopographicallyCorrected
	StateFused
	StateHandedOff
	StateFailed
)

var stateNames = map[State]string{
	StateCreated:                  "created",
	StateStitched:                 "stitched",
	StateRegistered:               "registered",
	StateConverted:                "converted",
	StateAtmosphericallyCorrected: "atmospherically-corrected",
	StateBRDFCorrected:            "brdf-corrected",
	StateSpectrallyAdjusted:       "spectrally-adjusted",
	StateTopographicallyCorrected: "topographically-corrected",
	StateFused:                    "fused",
	StateHandedOff:                "handed-off",
	StateFailed:                   "failed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// rank orders states for transition checks. Stitching and registration
// share a rank since registration runs first but stitching is the first
// milestone of the lifecycle.
func (s State) rank() int {
	switch s {
	case StateCreated:
		return 0
	case StateStitched, StateRegistered:
		return 1
	case StateFailed:
		return 100
	default:
		return int(s)
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateHandedOff || s == StateFailed }

// completedState maps a stage to the state it moves the product into.
// Stages absent from the map leave the state unchanged.
var completedState = map[StageID]State{
	StageStitching:    StateStitched,
	StageRegistration: StateRegistered,
	StageReflectance:  StateConverted,
	StageAtmospheric:  StateAtmosphericallyCorrected,
	StageNBAR:         StateBRDFCorrected,
	StageSBAF:         StateSpectrallyAdjusted,
	StageTopographic:  StateTopographicallyCorrected,
	StageFusion:       StateFused,
	StageHandoff:      StateHandedOff,
}

// CompletedState returns the state a product reaches when stage s finishes.
func (s StageID) CompletedState() (State, bool) {
	st, ok := completedState[s]
	return st, ok
}
