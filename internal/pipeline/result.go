package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/senbox-org/sen2like/internal/product"
)

// Status is the outcome of one stage for one product.
type Status string

const (
	StatusSuccess           Status = "success"
	StatusFlagged           Status = "flagged"
	StatusSkipped           Status = "skipped"
	StatusDependencySkipped Status = "dependency-skipped"
	StatusDisabled          Status = "disabled"
	StatusNotApplicable     Status = "not-applicable"
	StatusFailed            Status = "failed"
	StatusNotRun            Status = "not-run"
)

// Ran reports whether the stage modified the product.
func (s Status) Ran() bool { return s == StatusSuccess || s == StatusFlagged }

// StageOutcome records what happened to one stage.
type StageOutcome struct {
	Stage    product.StageID
	Status   Status
	Err      error
	Duration time.Duration
}

// ProductError identifies the product and step behind a fatal error.
type ProductError struct {
	Tile    string
	Product string
	Step    string
	Err     error
}

func (e *ProductError) Error() string {
	return fmt.Sprintf("%s/%s: %s: %v", e.Tile, e.Product, e.Step, e.Err)
}

func (e *ProductError) Unwrap() error { return e.Err }

// ProductResult is the record of one product of the run.
type ProductResult struct {
	Tile       string
	Product    string
	Mission    product.Mission
	AcquiredAt time.Time
	State      product.State
	Stages     []StageOutcome
	Params     map[product.StageID]any
	QI         map[string]any
	// Err is a *ProductError when the product failed.
	Err error
}

// Outcome returns the outcome recorded for stage id.
func (p ProductResult) Outcome(id product.StageID) (StageOutcome, bool) {
	for _, o := range p.Stages {
		if o.Stage == id {
			return o, true
		}
	}
	return StageOutcome{}, false
}

// TileResult groups the products of one tile. Err is set when the tile's
// candidates could not be listed.
type TileResult struct {
	Tile     string
	Products []ProductResult
	Err      error
}

// RunResult is the record of a whole run.
type RunResult struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Tiles      []TileResult
}

// Err joins every tile and product failure of the run.
func (r *RunResult) Err() error {
	var errs []error
	for _, t := range r.Tiles {
		if t.Err != nil {
			errs = append(errs, t.Err)
		}
		for _, p := range t.Products {
			if p.Err != nil {
				errs = append(errs, p.Err)
			}
		}
	}
	return errors.Join(errs...)
}

// Counts returns the number of products processed and failed.
func (r *RunResult) Counts() (products, failed int) {
	for _, t := range r.Tiles {
		for _, p := range t.Products {
			products++
			if p.Err != nil {
				failed++
			}
		}
	}
	return products, failed
}

// StageReport aggregates one stage over the run.
type StageReport struct {
	Stage    product.StageID
	Statuses map[Status]int
	Total    time.Duration
	Max      time.Duration
}

// Report summarises the stage outcomes of the run in execution order.
func (r *RunResult) Report() []StageReport {
	byStage := make(map[product.StageID]*StageReport)
	for _, t := range r.Tiles {
		for _, p := range t.Products {
			for _, o := range p.Stages {
				sr, ok := byStage[o.Stage]
				if !ok {
					sr = &StageReport{Stage: o.Stage, Statuses: make(map[Status]int)}
					byStage[o.Stage] = sr
				}
				sr.Statuses[o.Status]++
				sr.Total += o.Duration
				if o.Duration > sr.Max {
					sr.Max = o.Duration
				}
			}
		}
	}
	out := make([]StageReport, 0, len(byStage))
	for _, sr := range byStage {
		out = append(out, *sr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stage < out[j].Stage })
	return out
}
