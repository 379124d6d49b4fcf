// Package handoff persists harmonized products: the bands go through a
// raster writer into the archive, the quality indicators into a JSON file
// next to them, and the product is registered in the ledger where later
// runs find it as a fusion candidate.
package handoff

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"time"

	"github.com/senbox-org/sen2like/internal/db"
	"github.com/senbox-org/sen2like/internal/fsutil"
	"github.com/senbox-org/sen2like/internal/product"
	"github.com/senbox-org/sen2like/internal/raster"
	"github.com/senbox-org/sen2like/internal/report"
	"github.com/senbox-org/sen2like/internal/security"
)

// FusionMaskBand is the file name of the fusion auto-check mask.
const FusionMaskBand raster.BandID = "FUSION_MASK"

// QIFile is the quality report written with every product.
const QIFile = "QI.json"

// Recorder registers handed-off products.
type Recorder interface {
	RecordProduct(ctx context.Context, p db.ProductRecord) error
}

// Sink writes products under Root/<tile>/<product>.
type Sink struct {
	Root   string
	RunID  string
	Store  raster.Writer
	FS     fsutil.FileSystem
	Ledger Recorder
	// PlotBand, when set, adds quality plots of that band and of the
	// registration tie points to the product directory.
	PlotBand raster.BandID
}

// NewSink returns a sink writing f32 bands on the OS filesystem.
func NewSink(root, runID string, ledger Recorder) *Sink {
	fs := fsutil.OSFileSystem{}
	return &Sink{Root: root, RunID: runID, Store: raster.NewFileStore(fs), FS: fs, Ledger: ledger}
}

// Report is the content of QIFile.
type Report struct {
	Name       string          `json:"name"`
	Mission    product.Mission `json:"mission"`
	Tile       string          `json:"tile"`
	AcquiredAt time.Time       `json:"acquired_at"`
	Bands      []raster.BandID `json:"bands"`
	QI         map[string]any  `json:"qi"`
}

// Location returns the archive directory of pc.
func (s *Sink) Location(pc *product.Context) (string, error) {
	dir, err := security.JoinWithin(s.Root, security.SanitizeFilename(pc.Tile.ID), security.SanitizeFilename(pc.Name))
	if err != nil {
		return "", fmt.Errorf("%w: %v", product.ErrConfig, err)
	}
	return dir, nil
}

func (s *Sink) Handoff(ctx context.Context, pc *product.Context) error {
	if err := s.FS.MkdirAll(s.Root, 0o755); err != nil {
		return fmt.Errorf("%w: archive root: %v", product.ErrFatalIO, err)
	}
	dir, err := s.Location(pc)
	if err != nil {
		return err
	}

	bands := pc.BandIDs()
	for _, id := range bands {
		b, ok := pc.Band(id)
		if !ok {
			continue
		}
		if err := s.Store.WriteBand(ctx, filepath.Join(dir, string(id)), b); err != nil {
			return fmt.Errorf("%w: writing %s of %s: %v", product.ErrFatalIO, id, pc.Name, err)
		}
	}

	hasMask := false
	if vm := pc.ValidMask(); vm != nil {
		if err := s.Store.WriteBand(ctx, filepath.Join(dir, string(db.MaskBand)), vm.AsBand(db.MaskBand)); err != nil {
			return fmt.Errorf("%w: writing mask of %s: %v", product.ErrFatalIO, pc.Name, err)
		}
		hasMask = true
	}
	if fm := pc.FusionMask(); fm != nil {
		if err := s.Store.WriteBand(ctx, filepath.Join(dir, string(FusionMaskBand)), fm.AsBand(FusionMaskBand)); err != nil {
			return fmt.Errorf("%w: writing fusion mask of %s: %v", product.ErrFatalIO, pc.Name, err)
		}
	}

	qi := finiteQI(pc.QI())
	reportJSON, err := json.MarshalIndent(Report{
		Name:       pc.Name,
		Mission:    pc.Mission,
		Tile:       pc.Tile.ID,
		AcquiredAt: pc.AcquiredAt,
		Bands:      bands,
		QI:         qi,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encoding QI of %s: %v", product.ErrCorruptInput, pc.Name, err)
	}
	if err := s.FS.WriteFile(filepath.Join(dir, QIFile), reportJSON, 0o644); err != nil {
		return fmt.Errorf("%w: writing QI of %s: %v", product.ErrFatalIO, pc.Name, err)
	}

	if s.PlotBand != "" {
		files, err := report.ProductPlots(pc, s.PlotBand, dir)
		if err != nil {
			opsf("%s: quality plots: %v", pc, err)
		}
		diagf("%s: %d quality plot(s)", pc, len(files))
	}

	if s.Ledger != nil {
		rec := db.ProductRecord{
			ID:         pc.ID,
			RunID:      s.RunID,
			Name:       pc.Name,
			Mission:    pc.Mission,
			Tile:       pc.Tile.ID,
			AcquiredAt: pc.AcquiredAt,
			State:      product.StateHandedOff.String(),
			Location:   dir,
			Bands:      bands,
			HasMask:    hasMask,
			QI:         qi,
		}
		if err := s.Ledger.RecordProduct(ctx, rec); err != nil {
			return fmt.Errorf("%w: recording %s: %v", product.ErrFatalIO, pc.Name, err)
		}
	}
	opsf("%s: handed off to %s (%d bands)", pc, dir, len(bands))
	return nil
}

// finiteQI replaces NaN and infinite indicators, which JSON cannot carry,
// with nil.
func finiteQI(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch f := v.(type) {
		case float64:
			if math.IsNaN(f) || math.IsInf(f, 0) {
				tracef("QI %s is %v, dropped", k, f)
				v = nil
			}
		case float32:
			if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
				tracef("QI %s is %v, dropped", k, f)
				v = nil
			}
		}
		out[k] = v
	}
	return out
}
