package product

import (
	"fmt"
	"strings"
)

// StageID enumerates the processing stages in their fixed execution order.
type StageID int

const (
	StageRegistration StageID = iota
	StageStitching
	StageGeometricAssessment
	StageReflectance
	StageInterCalibration
	StageAtmospheric
	StageNBAR
	StageSBAF
	StageTopographic
	StageFusion
	StageHandoff
)

var stageNames = [...]string{
	StageRegistration:        "registration",
	StageStitching:           "stitching",
	StageGeometricAssessment: "geometric-assessment",
	StageReflectance:         "reflectance-conversion",
	StageInterCalibration:    "inter-sensor-calibration",
	StageAtmospheric:         "atmospheric-correction",
	StageNBAR:                "nbar",
	StageSBAF:                "sbaf",
	StageTopographic:         "topographic-correction",
	StageFusion:              "fusion",
	StageHandoff:             "packaging-handoff",
}

// AllStages returns every stage in execution order.
func AllStages() []StageID {
	out := make([]StageID, len(stageNames))
	for i := range stageNames {
		out[i] = StageID(i)
	}
	return out
}

func (s StageID) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// Valid reports whether s is a known stage.
func (s StageID) Valid() bool { return s >= 0 && int(s) < len(stageNames) }

// ParseStageID maps a stage name to its identifier. Matching ignores case
// and treats '_' like '-'. Unknown names are configuration errors.
func ParseStageID(name string) (StageID, error) {
	key := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), "_", "-"))
	for i, n := range stageNames {
		if n == key {
			return StageID(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown stage %q", ErrConfig, name)
}

func (s StageID) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid stage %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *StageID) UnmarshalText(b []byte) error {
	id, err := ParseStageID(string(b))
	if err != nil {
		return err
	}
	*s = id
	return nil
}
