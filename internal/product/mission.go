package product

import (
	"fmt"
	"strings"

	"github.com/senbox-org/sen2like/internal/raster"
)

// Mission identifies the platform that acquired a product.
type Mission string

const (
	Landsat8   Mission = "LS8"
	Landsat9   Mission = "LS9"
	Sentinel2A Mission = "S2A"
	Sentinel2B Mission = "S2B"
	Sentinel2C Mission = "S2C"
)

// ParseMission accepts the short codes used in product names as well as the
// long platform names found in metadata.
func ParseMission(s string) (Mission, error) {
	key := strings.ToUpper(strings.NewReplacer("-", "", "_", "", " ", "").Replace(s))
	switch key {
	case "LS8", "L8", "LC08", "LANDSAT8":
		return Landsat8, nil
	case "LS9", "L9", "LC09", "LANDSAT9":
		return Landsat9, nil
	case "S2A", "SENTINEL2A":
		return Sentinel2A, nil
	case "S2B", "SENTINEL2B":
		return Sentinel2B, nil
	case "S2C", "SENTINEL2C":
		return Sentinel2C, nil
	}
	return "", fmt.Errorf("%w: unknown mission %q", ErrConfig, s)
}

func (m Mission) IsLandsat() bool { return m == Landsat8 || m == Landsat9 }

func (m Mission) IsSentinel2() bool {
	return m == Sentinel2A || m == Sentinel2B || m == Sentinel2C
}

// SpectralBand carries the static description of a band.
type SpectralBand struct {
	ID         raster.BandID
	Wavelength float64 // centre wavelength in micrometres
	Res        float64 // native resolution in metres
}

var landsatBands = []SpectralBand{
	{"B01", 0.443, 30}, {"B02", 0.482, 30}, {"B03", 0.562, 30}, {"B04", 0.655, 30},
	{"B05", 0.865, 30}, {"B06", 1.609, 30}, {"B07", 2.201, 30},
}

var sentinel2Bands = []SpectralBand{
	{"B01", 0.443, 60}, {"B02", 0.490, 10}, {"B03", 0.560, 10}, {"B04", 0.665, 10},
	{"B05", 0.705, 20}, {"B06", 0.740, 20}, {"B07", 0.783, 20}, {"B08", 0.842, 10},
	{"B8A", 0.865, 20}, {"B09", 0.945, 60}, {"B10", 1.375, 60}, {"B11", 1.610, 20},
	{"B12", 2.190, 20},
}

// Bands lists the reflective bands of the mission in canonical order.
func (m Mission) Bands() []SpectralBand {
	if m.IsLandsat() {
		return landsatBands
	}
	return sentinel2Bands
}

// Band looks up one band description.
func (m Mission) Band(id raster.BandID) (SpectralBand, bool) {
	for _, b := range m.Bands() {
		if b.ID == id {
			return b, true
		}
	}
	return SpectralBand{}, false
}

// RedNIR returns the band pair used for vegetation indices.
func (m Mission) RedNIR() (red, nir raster.BandID) {
	if m.IsLandsat() {
		return "B04", "B05"
	}
	return "B04", "B8A"
}
