// Package correction implements the radiometric stages applied band by band
// to a tile-aligned product: reflectance conversion, inter-calibration,
// atmospheric correction, BRDF normalisation (NBAR), spectral band
// adjustment (SBAF) and topographic correction.
//
// Every stage preserves Nodata: a pixel that held no data before a stage
// holds no data after it, and a valid pixel never becomes Nodata.
package correction
