package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/senbox-org/sen2like/internal/mgrs"
	"github.com/senbox-org/sen2like/internal/product"
	"github.com/senbox-org/sen2like/internal/raster"
)

// MaskBand is the file name of a product validity mask in its location.
const MaskBand raster.BandID = "MASK"

// ProductRecord is one harmonized product written by the handoff.
type ProductRecord struct {
	ID         string          `json:"id"`
	RunID      string          `json:"run_id,omitempty"`
	Name       string          `json:"name"`
	Mission    product.Mission `json:"mission"`
	Tile       string          `json:"tile"`
	AcquiredAt time.Time       `json:"acquired_at"`
	State      string          `json:"state"`
	Location   string          `json:"location"`
	Bands      []raster.BandID `json:"bands"`
	HasMask    bool            `json:"has_mask"`
	QI         map[string]any  `json:"qi,omitempty"`
}

// RecordProduct inserts or replaces a product.
func (db *DB) RecordProduct(ctx context.Context, p ProductRecord) error {
	bands, err := json.Marshal(p.Bands)
	if err != nil {
		return err
	}
	qi, err := json.Marshal(p.QI)
	if err != nil {
		return fmt.Errorf("encoding QI of %s: %w", p.Name, err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT OR REPLACE INTO products (
			product_id, run_id, name, mission, tile, acquired_unix, state,
			location, bands_json, has_mask, qi_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.RunID, p.Name, string(p.Mission), p.Tile, p.AcquiredAt.Unix(), p.State,
		p.Location, string(bands), p.HasMask, string(qi),
	)
	return err
}

const productColumns = `product_id, COALESCE(run_id, ''), name, mission, tile, acquired_unix, state,
	location, bands_json, has_mask, qi_json`

func scanProduct(row interface{ Scan(...any) error }) (ProductRecord, error) {
	var (
		p             ProductRecord
		mission       string
		acquired      int64
		bands, qiJSON string
	)
	if err := row.Scan(&p.ID, &p.RunID, &p.Name, &mission, &p.Tile, &acquired, &p.State,
		&p.Location, &bands, &p.HasMask, &qiJSON); err != nil {
		return ProductRecord{}, err
	}
	p.Mission = product.Mission(mission)
	p.AcquiredAt = time.Unix(acquired, 0).UTC()
	if err := json.Unmarshal([]byte(bands), &p.Bands); err != nil {
		return ProductRecord{}, fmt.Errorf("product %s bands: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(qiJSON), &p.QI); err != nil {
		return ProductRecord{}, fmt.Errorf("product %s QI: %w", p.ID, err)
	}
	return p, nil
}

// Product returns one product by id. ok is false when it does not exist.
func (db *DB) Product(ctx context.Context, id string) (ProductRecord, bool, error) {
	row := db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE product_id = ?`, id)
	p, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ProductRecord{}, false, nil
	}
	if err != nil {
		return ProductRecord{}, false, err
	}
	return p, true, nil
}

// ProductFilter narrows Products. Zero fields do not filter.
type ProductFilter struct {
	Tile     string
	Missions []product.Mission
	Until    time.Time
	Limit    int
}

// Products lists products, most recent acquisition first.
func (db *DB) Products(ctx context.Context, f ProductFilter) ([]ProductRecord, error) {
	q := `SELECT ` + productColumns + ` FROM products WHERE 1 = 1`
	var args []any
	if f.Tile != "" {
		q += ` AND tile = ?`
		args = append(args, f.Tile)
	}
	if !f.Until.IsZero() {
		q += ` AND acquired_unix <= ?`
		args = append(args, f.Until.Unix())
	}
	if len(f.Missions) > 0 {
		q += ` AND mission IN (?` + strings.Repeat(",?", len(f.Missions)-1) + `)`
		for _, m := range f.Missions {
			args = append(args, string(m))
		}
	}
	q += ` ORDER BY acquired_unix DESC, name`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ProductRecord
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Archive serves harmonized Sentinel-2 products of the ledger as fusion
// candidates, loading their bands through Store. Archived products that can
// no longer be read are logged and passed over, so the next older one takes
// their place.
type Archive struct {
	DB    *DB
	Store raster.Reader
}

func (a *Archive) FusionCandidates(ctx context.Context, tile mgrs.Tile, until time.Time, limit int) ([]*product.Context, error) {
	recs, err := a.DB.Products(ctx, ProductFilter{
		Tile:     tile.ID,
		Missions: []product.Mission{product.Sentinel2A, product.Sentinel2B, product.Sentinel2C},
		Until:    until,
	})
	if err != nil {
		return nil, err
	}
	var out []*product.Context
	for _, rec := range recs {
		if limit > 0 && len(out) == limit {
			break
		}
		pc, err := a.load(ctx, tile, rec)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			opsf("fusion archive: %s left out: %v", rec.Name, err)
			continue
		}
		out = append(out, pc)
	}
	diagf("fusion archive: %d candidate(s) for %s until %s", len(out), tile.ID, until.Format(time.DateOnly))
	return out, nil
}

func (a *Archive) load(ctx context.Context, tile mgrs.Tile, rec ProductRecord) (*product.Context, error) {
	pc := product.New(rec.Name, rec.Mission, rec.AcquiredAt, tile)
	pc.ID = rec.ID
	for _, id := range rec.Bands {
		b, err := a.Store.ReadBand(ctx, filepath.Join(rec.Location, string(id)), id)
		if err != nil {
			return nil, fmt.Errorf("archived %s band %s: %w", rec.Name, id, err)
		}
		if err := pc.AddBand(b); err != nil {
			return nil, err
		}
	}
	if rec.HasMask {
		m, err := a.Store.ReadBand(ctx, filepath.Join(rec.Location, string(MaskBand)), MaskBand)
		if err != nil {
			return nil, fmt.Errorf("archived %s mask: %w", rec.Name, err)
		}
		pc.SetValidMask(raster.MaskFromBand(m))
	}
	return pc, nil
}
