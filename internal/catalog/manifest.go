// Package catalog supplies the products of a run from a manifest file. A
// manifest lists the output tiles and, for every input product, its
// acquisition metadata, per-tile coverage and the locations of its bands.
// Locations are read through a raster.Reader and may be local paths or
// s3:// URLs when the reader is an objstore.Reader.
package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/senbox-org/sen2like/internal/mgrs"
	"github.com/senbox-org/sen2like/internal/product"
	"github.com/senbox-org/sen2like/internal/raster"
)

const maxManifestSize = 16 * 1024 * 1024

// Manifest is the decoded manifest file.
type Manifest struct {
	Tiles    []TileSpec `json:"tiles" yaml:"tiles"`
	Products []Record   `json:"products" yaml:"products"`
}

// TileSpec places an output tile in its UTM projection.
type TileSpec struct {
	ID      string  `json:"id" yaml:"id"`
	OriginX float64 `json:"origin_x" yaml:"origin_x"`
	OriginY float64 `json:"origin_y" yaml:"origin_y"`
	// Extent overrides the standard tile size for processing windows.
	Extent float64 `json:"extent,omitempty" yaml:"extent,omitempty"`
}

// Record describes one input product.
type Record struct {
	Name       string    `json:"name" yaml:"name"`
	Mission    string    `json:"mission" yaml:"mission"`
	Level      string    `json:"level,omitempty" yaml:"level,omitempty"`
	AcquiredAt time.Time `json:"acquired_at" yaml:"acquired_at"`
	Path       int       `json:"path,omitempty" yaml:"path,omitempty"`
	Row        int       `json:"row,omitempty" yaml:"row,omitempty"`
	SourceTile string    `json:"source_tile,omitempty" yaml:"source_tile,omitempty"`
	EPSG       int       `json:"epsg,omitempty" yaml:"epsg,omitempty"`
	Refined    bool      `json:"refined,omitempty" yaml:"refined,omitempty"`
	Baseline   float64   `json:"baseline,omitempty" yaml:"baseline,omitempty"`

	// Coverage maps tile ids to the covered fraction of the tile.
	Coverage   map[string]float64       `json:"coverage,omitempty" yaml:"coverage,omitempty"`
	Geometry   GeometrySpec             `json:"geometry" yaml:"geometry"`
	Radiometry RadiometrySpec           `json:"radiometry,omitempty" yaml:"radiometry,omitempty"`
	Bands      map[raster.BandID]string `json:"bands" yaml:"bands"`
	Mask       string                   `json:"mask,omitempty" yaml:"mask,omitempty"`
	Angles     *AngleSpec               `json:"angles,omitempty" yaml:"angles,omitempty"`

	mission product.Mission
}

// GeometrySpec is the acquisition geometry in degrees.
type GeometrySpec struct {
	SunZenith   float64           `json:"sun_zenith" yaml:"sun_zenith"`
	SunAzimuth  float64           `json:"sun_azimuth" yaml:"sun_azimuth"`
	ViewZenith  float64           `json:"view_zenith,omitempty" yaml:"view_zenith,omitempty"`
	ViewAzimuth float64           `json:"view_azimuth,omitempty" yaml:"view_azimuth,omitempty"`
	Center      product.LatLon    `json:"center" yaml:"center"`
	Corners     [4]product.LatLon `json:"corners" yaml:"corners"`
}

// RadiometrySpec carries the calibration of the digital numbers.
type RadiometrySpec struct {
	Gains          map[raster.BandID]float64 `json:"gains,omitempty" yaml:"gains,omitempty"`
	Offsets        map[raster.BandID]float64 `json:"offsets,omitempty" yaml:"offsets,omitempty"`
	Quantification float64                   `json:"quantification,omitempty" yaml:"quantification,omitempty"`
	AddOffsets     map[raster.BandID]float64 `json:"add_offsets,omitempty" yaml:"add_offsets,omitempty"`
}

// AngleSpec locates the per-pixel angle grids.
type AngleSpec struct {
	SunZenith   string `json:"sun_zenith" yaml:"sun_zenith"`
	SunAzimuth  string `json:"sun_azimuth" yaml:"sun_azimuth"`
	ViewZenith  string `json:"view_zenith" yaml:"view_zenith"`
	ViewAzimuth string `json:"view_azimuth" yaml:"view_azimuth"`
}

// MissionID returns the validated mission of the record.
func (r *Record) MissionID() product.Mission { return r.mission }

// CoverageOf returns the covered fraction of tile. Records without a
// coverage map cover their own Sentinel-2 source tile entirely.
func (r *Record) CoverageOf(tile string) float64 {
	if r.Coverage == nil {
		if r.SourceTile != "" && strings.EqualFold(strings.TrimPrefix(r.SourceTile, "T"), tile) {
			return 1
		}
		return 0
	}
	return r.Coverage[tile]
}

// LoadManifest reads and validates a JSON or YAML manifest.
func LoadManifest(path string) (*Manifest, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	fi, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("%w: manifest: %v", product.ErrConfig, err)
	}
	if fi.Size() > maxManifestSize {
		return nil, fmt.Errorf("%w: manifest too large: %d bytes (max %d)", product.ErrConfig, fi.Size(), maxManifestSize)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("%w: manifest: %v", product.ErrConfig, err)
	}
	return ParseManifest(data, ext)
}

// ParseManifest decodes data in the format named by ext and validates it.
func ParseManifest(data []byte, ext string) (*Manifest, error) {
	m := &Manifest{}
	switch strings.ToLower(ext) {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(m); err != nil {
			return nil, fmt.Errorf("%w: parse manifest JSON: %v", product.ErrConfig, err)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(m); err != nil {
			return nil, fmt.Errorf("%w: parse manifest YAML: %v", product.ErrConfig, err)
		}
	default:
		return nil, fmt.Errorf("%w: manifest must be .json or .yaml, got %q", product.ErrConfig, ext)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks tile ids, missions and band lists, and normalises levels.
func (m *Manifest) Validate() error {
	if len(m.Tiles) == 0 {
		return fmt.Errorf("%w: manifest lists no tiles", product.ErrConfig)
	}
	seenTiles := make(map[string]bool)
	for i, ts := range m.Tiles {
		t, err := mgrs.ParseTile(ts.ID)
		if err != nil {
			return fmt.Errorf("%w: tile %d: %v", product.ErrConfig, i, err)
		}
		if seenTiles[t.ID] {
			return fmt.Errorf("%w: tile %s listed twice", product.ErrConfig, t.ID)
		}
		seenTiles[t.ID] = true
		m.Tiles[i].ID = t.ID
	}

	seen := make(map[string]bool)
	for i := range m.Products {
		r := &m.Products[i]
		if r.Name == "" {
			return fmt.Errorf("%w: product %d has no name", product.ErrConfig, i)
		}
		if seen[r.Name] {
			return fmt.Errorf("%w: product %s listed twice", product.ErrConfig, r.Name)
		}
		seen[r.Name] = true

		mission, err := product.ParseMission(r.Mission)
		if err != nil {
			return fmt.Errorf("%w: product %s: %v", product.ErrConfig, r.Name, err)
		}
		r.mission = mission
		switch strings.ToUpper(r.Level) {
		case "", "L1":
			r.Level = "L1"
		case "L2":
			r.Level = "L2"
		default:
			return fmt.Errorf("%w: product %s: unknown level %q", product.ErrConfig, r.Name, r.Level)
		}
		if r.AcquiredAt.IsZero() {
			return fmt.Errorf("%w: product %s has no acquisition time", product.ErrConfig, r.Name)
		}
		r.AcquiredAt = r.AcquiredAt.UTC()
		if len(r.Bands) == 0 {
			return fmt.Errorf("%w: product %s lists no bands", product.ErrConfig, r.Name)
		}
		for id := range r.Bands {
			if _, ok := mission.Band(id); !ok {
				return fmt.Errorf("%w: product %s: %s is not a %s band", product.ErrConfig, r.Name, id, mission)
			}
		}
		for tile, cov := range r.Coverage {
			if cov < 0 || cov > 1 {
				return fmt.Errorf("%w: product %s: coverage of %s out of [0,1]", product.ErrConfig, r.Name, tile)
			}
		}
	}
	return nil
}

// TileList returns the manifest tiles placed at their origins.
func (m *Manifest) TileList() []mgrs.Tile {
	out := make([]mgrs.Tile, 0, len(m.Tiles))
	for _, ts := range m.Tiles {
		t, err := mgrs.ParseTile(ts.ID)
		if err != nil {
			continue
		}
		t = t.WithOrigin(ts.OriginX, ts.OriginY)
		t.Extent = ts.Extent
		out = append(out, t)
	}
	return out
}
