package correction

import "math"

// Kernel weights of the semi-empirical BRDF model
// R = Iso + Geo*Kgeo + Vol*Kvol.
type Kernels struct {
	Iso float64 `json:"iso"`
	Geo float64 `json:"geo"`
	Vol float64 `json:"vol"`
}

func (k Kernels) reflectance(kgeo, kvol float64) float64 {
	return k.Iso + k.Geo*kgeo + k.Vol*kvol
}

const (
	crownShape  = 1.0 // b/r
	crownHeight = 2.0 // h/b
	hotSpotDeg  = 1.5
)

// liSparse is the reciprocal Li-Sparse geometric kernel. Angles in radians,
// phi is the relative azimuth.
func liSparse(sza, vza, phi float64) float64 {
	ts := math.Atan(crownShape * math.Tan(sza))
	tv := math.Atan(crownShape * math.Tan(vza))
	cosXi := math.Cos(ts)*math.Cos(tv) + math.Sin(ts)*math.Sin(tv)*math.Cos(phi)
	secS, secV := 1/math.Cos(ts), 1/math.Cos(tv)
	tanS, tanV := math.Tan(ts), math.Tan(tv)

	d2 := tanS*tanS + tanV*tanV - 2*tanS*tanV*math.Cos(phi)
	cross := tanS * tanV * math.Sin(phi)
	cosT := crownHeight * math.Sqrt(math.Max(d2, 0)+cross*cross) / (secS + secV)
	cosT = math.Max(-1, math.Min(1, cosT))
	t := math.Acos(cosT)
	overlap := (t - math.Sin(t)*cosT) * (secS + secV) / math.Pi
	return overlap - secS - secV + 0.5*(1+cosXi)*secS*secV
}

// rossThick is the Ross-Thick volumetric kernel. With hotSpot set the
// Maignan hot-spot correction is applied.
func rossThick(sza, vza, phi float64, hotSpot bool) float64 {
	cosXi := math.Cos(sza)*math.Cos(vza) + math.Sin(sza)*math.Sin(vza)*math.Cos(phi)
	cosXi = math.Max(-1, math.Min(1, cosXi))
	xi := math.Acos(cosXi)
	k := ((math.Pi/2-xi)*cosXi + math.Sin(xi)) / (math.Cos(sza) + math.Cos(vza))
	if hotSpot {
		xi0 := hotSpotDeg * math.Pi / 180
		k *= 1 + 1/(1+xi/xi0)
	}
	return 4/(3*math.Pi)*k - 1.0/3
}

// normalisationSunZenith returns the solar zenith angle in degrees to which
// reflectances are normalised, as a polynomial of the scene latitude.
func normalisationSunZenith(lat float64) float64 {
	k := [...]float64{31.0076, -0.1272, 0.01187, 2.40e-5, -9.48e-7, -1.95e-9, 6.15e-11}
	v, p := 0.0, 1.0
	for _, c := range k {
		v += c * p
		p *= lat
	}
	return v
}
