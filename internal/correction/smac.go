package correction

import (
	"context"
	"fmt"
	"math"

	"github.com/senbox-org/sen2like/internal/product"
	"github.com/senbox-org/sen2like/internal/raster"
)

// InternalProvider is a compact radiative-transfer model: Rayleigh and
// aerosol path reflectance, two-way transmittances, spherical albedo and
// gaseous absorption. The inversion TOA -> surface is tabulated on 101
// samples and fitted with a second-order polynomial applied per pixel.
type InternalProvider struct{}

func (InternalProvider) Name() string { return "internal" }

func (InternalProvider) PerBand() bool { return true }

func (p InternalProvider) Correct(ctx context.Context, req Request) (Result, error) {
	pc := req.Product
	out := Result{Bands: make(map[raster.BandID]*raster.Band, len(req.Bands))}
	for _, id := range req.Bands {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		sb, ok := pc.Mission.Band(id)
		if !ok {
			continue
		}
		b, ok := pc.Band(id)
		if !ok {
			continue
		}
		coef, err := inversionPolynomial(sb.Wavelength, pc.Geometry, req.Atmosphere)
		if err != nil {
			return Result{}, err
		}
		corr := raster.New(id, b.Grid)
		for i, v := range b.Data {
			if v <= 0 {
				continue
			}
			corr.Data[i] = float32(evalPolynomial(coef, float64(v)))
		}
		out.Bands[id] = corr
	}
	return out, nil
}

func inversionPolynomial(wavelength float64, g product.Geometry, atm Atmosphere) ([]float64, error) {
	m := newSurfaceModel(wavelength, g, atm)
	const n = 101
	toa := make([]float64, n)
	surf := make([]float64, n)
	for i := range toa {
		toa[i] = float64(i) / float64(n-1)
		surf[i] = m.surface(toa[i])
	}
	coef, err := fitPolynomial(toa, surf, 2)
	if err != nil {
		return nil, fmt.Errorf("atmospheric inversion at %.3fum: %w", wavelength, err)
	}
	return coef, nil
}

type surfaceModel struct {
	gas, path, trans, albedo float64
}

func newSurfaceModel(lambda float64, g product.Geometry, atm Atmosphere) surfaceModel {
	rad := math.Pi / 180
	muS := math.Cos(g.SunZenith * rad)
	muV := math.Cos(g.ViewZenith * rad)
	airMass := 1/muS + 1/muV

	l2 := lambda * lambda
	tauR := 0.008569 / (l2 * l2) * (1 + 0.0113/l2 + 0.00013/(l2*l2)) * atm.Pressure / 1013.25
	tauA := atm.AOD550 * math.Pow(lambda/0.55, -1.3)

	// gaseous absorption: ozone Chappuis band and a broad water-vapour term
	kO3 := 0.085 * math.Exp(-math.Pow((lambda-0.6)/0.08, 2))
	kH2O := 0.002
	switch {
	case lambda > 0.85 && lambda < 1.0:
		kH2O = 0.02
	case lambda > 1.3 && lambda < 1.45:
		kH2O = 0.1
	case lambda > 1.0:
		kH2O = 0.006
	}
	gas := math.Exp(-airMass * (kO3*atm.Ozone + kH2O*math.Pow(atm.WaterVapour, 0.6)))

	cosScat := -muS*muV + math.Sin(g.SunZenith*rad)*math.Sin(g.ViewZenith*rad)*math.Cos((g.SunAzimuth-g.ViewAzimuth)*rad)
	phaseR := 0.75 * (1 + cosScat*cosScat)
	const phaseA, ssa = 0.4, 0.93
	path := (tauR*phaseR + tauA*ssa*phaseA) / (4 * muS * muV)

	td := math.Exp(-(0.52*tauR + 0.16*tauA) / muS)
	tu := math.Exp(-(0.52*tauR + 0.16*tauA) / muV)
	albedo := 0.92*tauR*math.Exp(-tauR) + 0.333*tauA*math.Exp(-tauA)

	return surfaceModel{gas: gas, path: path, trans: td * tu, albedo: albedo}
}

func (m surfaceModel) surface(toa float64) float64 {
	y := toa/m.gas - m.path
	return y / (m.trans + m.albedo*y)
}
