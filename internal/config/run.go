package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/senbox-org/sen2like/internal/product"
)

// maxFileSize bounds run configuration files.
const maxFileSize = 1 * 1024 * 1024

// RunConfig is the configuration of one harmonization run. Every field is
// optional; the Get* accessors supply defaults, so partial files are safe.
// The same schema is accepted as JSON, TOML or YAML.
type RunConfig struct {
	// Concurrency
	Workers       *int  `json:"workers,omitempty" toml:"workers" yaml:"workers,omitempty"`
	ParallelBands *bool `json:"parallel_bands,omitempty" toml:"parallel_bands" yaml:"parallel_bands,omitempty"`
	BandWorkers   *int  `json:"band_workers,omitempty" toml:"band_workers" yaml:"band_workers,omitempty"`

	// Stage toggles keyed by stage name. Stages not listed run.
	Stages map[string]bool `json:"stages,omitempty" toml:"stages" yaml:"stages,omitempty"`

	// Stitching
	SameUTMOnly     *bool    `json:"same_utm_only,omitempty" toml:"same_utm_only" yaml:"same_utm_only,omitempty"`
	StitchPriority  *string  `json:"stitch_priority,omitempty" toml:"stitch_priority" yaml:"stitch_priority,omitempty"`
	RelatedCoverage *float64 `json:"related_coverage,omitempty" toml:"related_coverage" yaml:"related_coverage,omitempty"`

	// Registration and geometric assessment
	ReferenceBand     *string  `json:"reference_band,omitempty" toml:"reference_band" yaml:"reference_band,omitempty"`
	ForceRegistration *bool    `json:"force_registration,omitempty" toml:"force_registration" yaml:"force_registration,omitempty"`
	ApplyShift        *bool    `json:"apply_shift,omitempty" toml:"apply_shift" yaml:"apply_shift,omitempty"`
	MinTiePoints      *int     `json:"min_tie_points,omitempty" toml:"min_tie_points" yaml:"min_tie_points,omitempty"`
	MaxResidual       *float64 `json:"max_residual,omitempty" toml:"max_residual" yaml:"max_residual,omitempty"`
	MaxShift          *float64 `json:"max_shift,omitempty" toml:"max_shift" yaml:"max_shift,omitempty"`
	AssessmentBands   []string `json:"assessment_bands,omitempty" toml:"assessment_bands" yaml:"assessment_bands,omitempty"`

	// Atmospheric correction
	AtmcorProvider  *string  `json:"atmcor_provider,omitempty" toml:"atmcor_provider" yaml:"atmcor_provider,omitempty"`
	AtmcorCommand   []string `json:"atmcor_command,omitempty" toml:"atmcor_command" yaml:"atmcor_command,omitempty"`
	RequireAtmosAux *bool    `json:"require_atmos_aux,omitempty" toml:"require_atmos_aux" yaml:"require_atmos_aux,omitempty"`
	CAMSMaxHourGap  *int     `json:"cams_max_hour_gap,omitempty" toml:"cams_max_hour_gap" yaml:"cams_max_hour_gap,omitempty"`

	// NBAR, SBAF and topographic correction
	BRDFMethod       *string  `json:"brdf_method,omitempty" toml:"brdf_method" yaml:"brdf_method,omitempty"`
	VJBNDVIMin       *float64 `json:"vjb_ndvi_min,omitempty" toml:"vjb_ndvi_min" yaml:"vjb_ndvi_min,omitempty"`
	VJBNDVIMax       *float64 `json:"vjb_ndvi_max,omitempty" toml:"vjb_ndvi_max" yaml:"vjb_ndvi_max,omitempty"`
	AdaptiveSBAF     *bool    `json:"adaptive_sbaf,omitempty" toml:"adaptive_sbaf" yaml:"adaptive_sbaf,omitempty"`
	AdaptiveBands    []string `json:"adaptive_bands,omitempty" toml:"adaptive_bands" yaml:"adaptive_bands,omitempty"`
	TopoLimiter      *float64 `json:"topo_limiter,omitempty" toml:"topo_limiter" yaml:"topo_limiter,omitempty"`
	TopoUseValidMask *bool    `json:"topo_use_valid_mask,omitempty" toml:"topo_use_valid_mask" yaml:"topo_use_valid_mask,omitempty"`
	DEMDataset       *string  `json:"dem_dataset,omitempty" toml:"dem_dataset" yaml:"dem_dataset,omitempty"`

	// Fusion
	FusionMode          *string  `json:"fusion_mode,omitempty" toml:"fusion_mode" yaml:"fusion_mode,omitempty"`
	PredictNbProducts   *int     `json:"predict_nb_products,omitempty" toml:"predict_nb_products" yaml:"predict_nb_products,omitempty"`
	PredictMethod       *string  `json:"predict_method,omitempty" toml:"predict_method" yaml:"predict_method,omitempty"`
	FallbackToComposite *bool    `json:"fallback_to_composite,omitempty" toml:"fallback_to_composite" yaml:"fallback_to_composite,omitempty"`
	AutoCheckBand       *string  `json:"fusion_auto_check_band,omitempty" toml:"fusion_auto_check_band" yaml:"fusion_auto_check_band,omitempty"`
	AutoCheckThreshold  *float64 `json:"fusion_auto_check_threshold,omitempty" toml:"fusion_auto_check_threshold" yaml:"fusion_auto_check_threshold,omitempty"`

	// Locations
	WorkingDir     *string `json:"working_dir,omitempty" toml:"working_dir" yaml:"working_dir,omitempty"`
	ArchiveDir     *string `json:"archive_dir,omitempty" toml:"archive_dir" yaml:"archive_dir,omitempty"`
	DatabasePath   *string `json:"database_path,omitempty" toml:"database_path" yaml:"database_path,omitempty"`
	DEMDir         *string `json:"dem_dir,omitempty" toml:"dem_dir" yaml:"dem_dir,omitempty"`
	ReferenceDir   *string `json:"reference_dir,omitempty" toml:"reference_dir" yaml:"reference_dir,omitempty"`
	BRDFDir        *string `json:"brdf_dir,omitempty" toml:"brdf_dir" yaml:"brdf_dir,omitempty"`
	CAMSDailyDir   *string `json:"cams_daily_dir,omitempty" toml:"cams_daily_dir" yaml:"cams_daily_dir,omitempty"`
	CAMSHourlyDir  *string `json:"cams_hourly_dir,omitempty" toml:"cams_hourly_dir" yaml:"cams_hourly_dir,omitempty"`
	CAMSMonthlyDir *string `json:"cams_monthly_dir,omitempty" toml:"cams_monthly_dir" yaml:"cams_monthly_dir,omitempty"`
	CAMSClimDir    *string `json:"cams_climatology_dir,omitempty" toml:"cams_climatology_dir" yaml:"cams_climatology_dir,omitempty"`

	// Object store for s3:// band locations. Credentials come from the
	// environment.
	S3Endpoint *string `json:"s3_endpoint,omitempty" toml:"s3_endpoint" yaml:"s3_endpoint,omitempty"`
	S3Secure   *bool   `json:"s3_secure,omitempty" toml:"s3_secure" yaml:"s3_secure,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// DefaultRunConfig returns a config with every field set to its default.
func DefaultRunConfig() *RunConfig {
	return &RunConfig{
		Workers:             ptrInt(1),
		ParallelBands:       ptrBool(false),
		BandWorkers:         ptrInt(4),
		SameUTMOnly:         ptrBool(true),
		StitchPriority:      ptrString("path-row"),
		RelatedCoverage:     ptrFloat64(0.001),
		ReferenceBand:       ptrString("B04"),
		ForceRegistration:   ptrBool(false),
		ApplyShift:          ptrBool(true),
		MinTiePoints:        ptrInt(10),
		MaxResidual:         ptrFloat64(3),
		MaxShift:            ptrFloat64(20),
		AtmcorProvider:      ptrString("internal"),
		RequireAtmosAux:     ptrBool(false),
		CAMSMaxHourGap:      ptrInt(3),
		BRDFMethod:          ptrString("ROY"),
		VJBNDVIMin:          ptrFloat64(-0.1),
		VJBNDVIMax:          ptrFloat64(0.9),
		AdaptiveSBAF:        ptrBool(false),
		TopoLimiter:         ptrFloat64(4),
		TopoUseValidMask:    ptrBool(true),
		DEMDataset:          ptrString("COP-DEM_GLO-90-DGED"),
		FusionMode:          ptrString("predict"),
		PredictNbProducts:   ptrInt(2),
		PredictMethod:       ptrString("linear-temporal"),
		FallbackToComposite: ptrBool(true),
		AutoCheckBand:       ptrString("B04"),
		AutoCheckThreshold:  ptrFloat64(0.1),
		WorkingDir:          ptrString(filepath.Join(os.TempDir(), "harmonize")),
		ArchiveDir:          ptrString("archive"),
		DatabasePath:        ptrString("harmonize.db"),
		S3Secure:            ptrBool(true),
	}
}

// LoadRunConfig reads a run configuration. The decoder follows the file
// extension: .json, .toml, .yaml or .yml.
func LoadRunConfig(path string) (*RunConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	switch ext {
	case ".json", ".toml", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("%w: config file must be .json, .toml or .yaml, got %q", product.ErrConfig, ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("%w: config file too large: %d bytes (max %d)", product.ErrConfig, fileInfo.Size(), maxFileSize)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := ParseRunConfig(data, ext)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ParseRunConfig decodes data in the format named by ext. Unknown keys are
// rejected so typos do not silently fall back to defaults.
func ParseRunConfig(data []byte, ext string) (*RunConfig, error) {
	cfg := &RunConfig{}
	switch strings.ToLower(ext) {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("%w: parse JSON: %v", product.ErrConfig, err)
		}
	case ".toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("%w: parse TOML: %v", product.ErrConfig, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("%w: unknown TOML keys %v", product.ErrConfig, undecoded)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("%w: parse YAML: %v", product.ErrConfig, err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported config format %q", product.ErrConfig, ext)
	}
	return cfg, nil
}

// Validate checks every set field. All errors wrap product.ErrConfig.
func (c *RunConfig) Validate() error {
	if _, err := c.GetStages(); err != nil {
		return err
	}
	if c.Workers != nil && *c.Workers < 1 {
		return fmt.Errorf("%w: workers must be at least 1, got %d", product.ErrConfig, *c.Workers)
	}
	if c.BandWorkers != nil && *c.BandWorkers < 1 {
		return fmt.Errorf("%w: band_workers must be at least 1, got %d", product.ErrConfig, *c.BandWorkers)
	}
	if c.StitchPriority != nil {
		switch *c.StitchPriority {
		case "path-row", "listed", "coverage":
		default:
			return fmt.Errorf("%w: unknown stitch_priority %q", product.ErrConfig, *c.StitchPriority)
		}
	}
	if c.RelatedCoverage != nil && (*c.RelatedCoverage < 0 || *c.RelatedCoverage > 1) {
		return fmt.Errorf("%w: related_coverage must be between 0 and 1, got %f", product.ErrConfig, *c.RelatedCoverage)
	}
	if c.MinTiePoints != nil && *c.MinTiePoints < 1 {
		return fmt.Errorf("%w: min_tie_points must be positive, got %d", product.ErrConfig, *c.MinTiePoints)
	}
	if c.MaxResidual != nil && *c.MaxResidual <= 0 {
		return fmt.Errorf("%w: max_residual must be positive, got %f", product.ErrConfig, *c.MaxResidual)
	}
	if c.MaxShift != nil && *c.MaxShift <= 0 {
		return fmt.Errorf("%w: max_shift must be positive, got %f", product.ErrConfig, *c.MaxShift)
	}
	if c.AtmcorProvider != nil {
		switch *c.AtmcorProvider {
		case "internal":
		case "external":
			if len(c.AtmcorCommand) == 0 {
				return fmt.Errorf("%w: atmcor_provider external needs atmcor_command", product.ErrConfig)
			}
		default:
			return fmt.Errorf("%w: unknown atmcor_provider %q", product.ErrConfig, *c.AtmcorProvider)
		}
	}
	if c.CAMSMaxHourGap != nil && *c.CAMSMaxHourGap < 0 {
		return fmt.Errorf("%w: cams_max_hour_gap must be non-negative, got %d", product.ErrConfig, *c.CAMSMaxHourGap)
	}
	if c.BRDFMethod != nil {
		switch *c.BRDFMethod {
		case "ROY", "VJB":
		default:
			return fmt.Errorf("%w: brdf_method must be ROY or VJB, got %q", product.ErrConfig, *c.BRDFMethod)
		}
	}
	if c.GetVJBNDVIMin() >= c.GetVJBNDVIMax() {
		return fmt.Errorf("%w: vjb_ndvi_min must be below vjb_ndvi_max", product.ErrConfig)
	}
	if c.TopoLimiter != nil && *c.TopoLimiter <= 0 {
		return fmt.Errorf("%w: topo_limiter must be positive, got %f", product.ErrConfig, *c.TopoLimiter)
	}
	if c.FusionMode != nil {
		switch *c.FusionMode {
		case "predict", "composite":
		default:
			return fmt.Errorf("%w: fusion_mode must be predict or composite, got %q", product.ErrConfig, *c.FusionMode)
		}
	}
	if c.PredictNbProducts != nil && *c.PredictNbProducts < 1 {
		return fmt.Errorf("%w: predict_nb_products must be at least 1, got %d", product.ErrConfig, *c.PredictNbProducts)
	}
	if c.PredictMethod != nil {
		switch *c.PredictMethod {
		case "linear-temporal", "ols":
		default:
			return fmt.Errorf("%w: unknown predict_method %q", product.ErrConfig, *c.PredictMethod)
		}
	}
	if c.AutoCheckThreshold != nil && *c.AutoCheckThreshold <= 0 {
		return fmt.Errorf("%w: fusion_auto_check_threshold must be positive, got %f", product.ErrConfig, *c.AutoCheckThreshold)
	}
	for name, bands := range map[string][]string{"assessment_bands": c.AssessmentBands, "adaptive_bands": c.AdaptiveBands} {
		for _, b := range bands {
			if b == "" {
				return fmt.Errorf("%w: %s contains an empty band", product.ErrConfig, name)
			}
		}
	}
	return nil
}

// GetStages returns the configured stage toggles keyed by stage. Unknown
// stage names are configuration errors.
func (c *RunConfig) GetStages() (map[product.StageID]bool, error) {
	names := make([]string, 0, len(c.Stages))
	for name := range c.Stages {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[product.StageID]bool, len(names))
	for _, name := range names {
		id, err := product.ParseStageID(name)
		if err != nil {
			return nil, err
		}
		if _, dup := out[id]; dup {
			return nil, fmt.Errorf("%w: stage %q listed twice", product.ErrConfig, name)
		}
		out[id] = c.Stages[name]
	}
	return out, nil
}

func getInt(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func getFloat(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

func getBool(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func getString(p *string, def string) string {
	if p == nil || *p == "" {
		return def
	}
	return *p
}

func (c *RunConfig) GetWorkers() int             { return getInt(c.Workers, 1) }
func (c *RunConfig) GetParallelBands() bool      { return getBool(c.ParallelBands, false) }
func (c *RunConfig) GetBandWorkers() int         { return getInt(c.BandWorkers, 4) }
func (c *RunConfig) GetSameUTMOnly() bool        { return getBool(c.SameUTMOnly, true) }
func (c *RunConfig) GetStitchPriority() string   { return getString(c.StitchPriority, "path-row") }
func (c *RunConfig) GetRelatedCoverage() float64 { return getFloat(c.RelatedCoverage, 0.001) }

func (c *RunConfig) GetReferenceBand() string   { return getString(c.ReferenceBand, "B04") }
func (c *RunConfig) GetForceRegistration() bool { return getBool(c.ForceRegistration, false) }
func (c *RunConfig) GetApplyShift() bool        { return getBool(c.ApplyShift, true) }
func (c *RunConfig) GetMinTiePoints() int       { return getInt(c.MinTiePoints, 10) }
func (c *RunConfig) GetMaxResidual() float64    { return getFloat(c.MaxResidual, 3) }
func (c *RunConfig) GetMaxShift() float64       { return getFloat(c.MaxShift, 20) }

// GetAtmcorProvider returns "internal" or "external".
func (c *RunConfig) GetAtmcorProvider() string { return getString(c.AtmcorProvider, "internal") }
func (c *RunConfig) GetRequireAtmosAux() bool  { return getBool(c.RequireAtmosAux, false) }
func (c *RunConfig) GetCAMSMaxHourGap() int    { return getInt(c.CAMSMaxHourGap, 3) }

// GetBRDFMethod returns "ROY" or "VJB".
func (c *RunConfig) GetBRDFMethod() string     { return getString(c.BRDFMethod, "ROY") }
func (c *RunConfig) GetVJBNDVIMin() float64    { return getFloat(c.VJBNDVIMin, -0.1) }
func (c *RunConfig) GetVJBNDVIMax() float64    { return getFloat(c.VJBNDVIMax, 0.9) }
func (c *RunConfig) GetAdaptiveSBAF() bool     { return getBool(c.AdaptiveSBAF, false) }
func (c *RunConfig) GetTopoLimiter() float64   { return getFloat(c.TopoLimiter, 4) }
func (c *RunConfig) GetTopoUseValidMask() bool { return getBool(c.TopoUseValidMask, true) }
func (c *RunConfig) GetDEMDataset() string     { return getString(c.DEMDataset, "COP-DEM_GLO-90-DGED") }

func (c *RunConfig) GetFusionMode() string          { return getString(c.FusionMode, "predict") }
func (c *RunConfig) GetPredictNbProducts() int      { return getInt(c.PredictNbProducts, 2) }
func (c *RunConfig) GetPredictMethod() string       { return getString(c.PredictMethod, "linear-temporal") }
func (c *RunConfig) GetFallbackToComposite() bool   { return getBool(c.FallbackToComposite, true) }
func (c *RunConfig) GetAutoCheckBand() string       { return getString(c.AutoCheckBand, "B04") }
func (c *RunConfig) GetAutoCheckThreshold() float64 { return getFloat(c.AutoCheckThreshold, 0.1) }

// GetWorkingDir returns the root under which per-product working
// directories are created.
func (c *RunConfig) GetWorkingDir() string {
	return getString(c.WorkingDir, filepath.Join(os.TempDir(), "harmonize"))
}

func (c *RunConfig) GetArchiveDir() string   { return getString(c.ArchiveDir, "archive") }
func (c *RunConfig) GetDatabasePath() string { return getString(c.DatabasePath, "harmonize.db") }
func (c *RunConfig) GetDEMDir() string       { return getString(c.DEMDir, "") }
func (c *RunConfig) GetReferenceDir() string { return getString(c.ReferenceDir, "") }
func (c *RunConfig) GetBRDFDir() string      { return getString(c.BRDFDir, "") }
func (c *RunConfig) GetS3Endpoint() string   { return getString(c.S3Endpoint, "") }
func (c *RunConfig) GetS3Secure() bool       { return getBool(c.S3Secure, true) }

// GetCAMSDirs returns the daily, hourly, monthly and climatology
// directories. Empty entries are not searched.
func (c *RunConfig) GetCAMSDirs() (daily, hourly, monthly, climatology string) {
	return getString(c.CAMSDailyDir, ""), getString(c.CAMSHourlyDir, ""),
		getString(c.CAMSMonthlyDir, ""), getString(c.CAMSClimDir, "")
}

// GetAssessmentBands defaults to the reference band.
func (c *RunConfig) GetAssessmentBands() []string {
	if len(c.AssessmentBands) == 0 {
		return []string{c.GetReferenceBand()}
	}
	return append([]string(nil), c.AssessmentBands...)
}

func (c *RunConfig) GetAdaptiveBands() []string { return append([]string(nil), c.AdaptiveBands...) }

func (c *RunConfig) GetAtmcorCommand() []string { return append([]string(nil), c.AtmcorCommand...) }

// JSON renders the effective settings for the run ledger.
func (c *RunConfig) JSON() string {
	data, err := json.Marshal(c)
	if err != nil {
		return "{}"
	}
	return string(data)
}
