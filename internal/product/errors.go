package product

import (
	"context"
	"errors"
)

// Error classes shared by every stage. Stages wrap one of these with
// fmt.Errorf("%w: ...") so the orchestrator can apply the failure policy.
var (
	// ErrConfig is raised at startup for invalid configuration.
	ErrConfig = errors.New("configuration error")
	// ErrAuxMissing skips the stage that needed the auxiliary input.
	ErrAuxMissing = errors.New("auxiliary data not available")
	// ErrInsufficientCandidates skips stitching or fusion.
	ErrInsufficientCandidates = errors.New("insufficient candidates")
	// ErrRegistrationQuality flags the product but processing continues.
	ErrRegistrationQuality = errors.New("registration quality below threshold")
	// ErrNotApplicable skips a stage that does not apply to this product.
	ErrNotApplicable = errors.New("stage not applicable")
	// ErrFatalIO fails the product.
	ErrFatalIO = errors.New("fatal I/O error")
	// ErrCorruptInput fails the product.
	ErrCorruptInput = errors.New("corrupt input")

	ErrParamsExist       = errors.New("stage parameters already set")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrClosed            = errors.New("product context closed")
	ErrUnknownBand       = errors.New("unknown band")
)

// Severity is how the orchestrator reacts to a stage error.
type Severity int

const (
	Success Severity = iota
	QualityFlag
	RecoverableSkip
	Fatal
)

func (s Severity) String() string {
	switch s {
	case Success:
		return "success"
	case QualityFlag:
		return "quality-flag"
	case RecoverableSkip:
		return "recoverable-skip"
	default:
		return "fatal"
	}
}

// Classify maps an error to its severity. Unclassified errors are fatal.
func Classify(err error) Severity {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Fatal
	case errors.Is(err, ErrFatalIO), errors.Is(err, ErrCorruptInput), errors.Is(err, ErrConfig):
		return Fatal
	case errors.Is(err, ErrRegistrationQuality):
		return QualityFlag
	case errors.Is(err, ErrAuxMissing), errors.Is(err, ErrInsufficientCandidates), errors.Is(err, ErrNotApplicable):
		return RecoverableSkip
	}
	return Fatal
}
