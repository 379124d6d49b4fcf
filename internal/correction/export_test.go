package correction

import "context"

// SetRunner replaces process execution for tests.
func (p *CommandProvider) SetRunner(run func(ctx context.Context, argv []string) ([]byte, error)) {
	p.run = run
}

var (
	LiSparse               = liSparse
	RossThick              = rossThick
	NormalisationSunZenith = normalisationSunZenith
	FitPolynomial          = fitPolynomial
)
