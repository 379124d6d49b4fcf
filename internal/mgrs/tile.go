// Package mgrs describes Military Grid Reference System tiles as used for
// Sentinel-2 style 109.8 km output tiles.
package mgrs

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/senbox-org/sen2like/internal/raster"
)

// TileSize is the side length of an output tile in metres.
const TileSize = 109800.0

// Tile is one MGRS output tile. OriginX/OriginY is the upper-left corner in
// the tile's UTM projection.
type Tile struct {
	ID      string
	OriginX float64
	OriginY float64
	// Extent overrides TileSize, for sub-tile processing windows.
	Extent float64

	zone  int
	north bool
}

// ParseTile validates an MGRS tile identifier such as "31TFJ".
func ParseTile(id string) (Tile, error) {
	id = strings.ToUpper(strings.TrimSpace(strings.TrimPrefix(id, "T")))
	if len(id) != 5 && len(id) != 4 {
		return Tile{}, fmt.Errorf("mgrs: invalid tile id %q", id)
	}
	digits := len(id) - 3
	zone, err := strconv.Atoi(id[:digits])
	if err != nil || zone < 1 || zone > 60 {
		return Tile{}, fmt.Errorf("mgrs: invalid zone in tile id %q", id)
	}
	band := id[digits]
	if band < 'C' || band > 'X' || band == 'I' || band == 'O' {
		return Tile{}, fmt.Errorf("mgrs: invalid latitude band in tile id %q", id)
	}
	for _, ch := range id[digits+1:] {
		if ch < 'A' || ch > 'Z' {
			return Tile{}, fmt.Errorf("mgrs: invalid square in tile id %q", id)
		}
	}
	return Tile{ID: fmt.Sprintf("%02d%s", zone, id[digits:]), zone: zone, north: band >= 'N'}, nil
}

// WithOrigin returns the tile with its upper-left corner set.
func (t Tile) WithOrigin(x, y float64) Tile {
	t.OriginX, t.OriginY = x, y
	return t
}

// Zone returns the UTM zone number.
func (t Tile) Zone() int { return t.zone }

// North reports whether the tile lies in the northern hemisphere.
func (t Tile) North() bool { return t.north }

// EPSG returns the WGS84 / UTM projection code of the tile.
func (t Tile) EPSG() int {
	if t.north {
		return 32600 + t.zone
	}
	return 32700 + t.zone
}

// Grid returns the tile pixel grid at the given resolution.
func (t Tile) Grid(res float64) raster.Grid {
	size := t.Extent
	if size <= 0 {
		size = TileSize
	}
	n := int(size / res)
	return raster.Grid{
		EPSG:    t.EPSG(),
		OriginX: t.OriginX,
		OriginY: t.OriginY,
		Res:     res,
		Width:   n,
		Height:  n,
	}
}

// ZoneOfEPSG extracts the UTM zone from a WGS84 / UTM EPSG code, or 0.
func ZoneOfEPSG(epsg int) int {
	switch {
	case epsg > 32600 && epsg <= 32660:
		return epsg - 32600
	case epsg > 32700 && epsg <= 32760:
		return epsg - 32700
	}
	return 0
}

func (t Tile) String() string { return t.ID }
