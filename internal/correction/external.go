package correction

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/senbox-org/sen2like/internal/product"
	"github.com/senbox-org/sen2like/internal/raster"
)

// CommandProvider hands the whole product to an external correction tool.
// Input bands are written to <workdir>/atmcor/in, the command runs with
// {in} and {out} placeholders substituted, and the corrected bands are read
// back from <workdir>/atmcor/out.
type CommandProvider struct {
	Command []string
	Store   raster.ReadWriter

	// run is swapped in tests.
	run func(ctx context.Context, argv []string) ([]byte, error)
}

func NewCommandProvider(command []string, store raster.ReadWriter) *CommandProvider {
	return &CommandProvider{Command: command, Store: store}
}

func (p *CommandProvider) Name() string {
	if len(p.Command) == 0 {
		return "external"
	}
	return "external:" + filepath.Base(p.Command[0])
}

func (p *CommandProvider) PerBand() bool { return false }

func (p *CommandProvider) Correct(ctx context.Context, req Request) (Result, error) {
	if len(p.Command) == 0 {
		return Result{}, fmt.Errorf("%w: external provider has no command", product.ErrConfig)
	}
	pc := req.Product
	dir := pc.WorkDir()
	if dir == "" {
		return Result{}, fmt.Errorf("%w: external provider needs a working directory", product.ErrFatalIO)
	}
	in := filepath.Join(dir, "atmcor", "in")
	out := filepath.Join(dir, "atmcor", "out")

	for _, id := range req.Bands {
		b, ok := pc.Band(id)
		if !ok {
			continue
		}
		if err := p.Store.WriteBand(ctx, filepath.Join(in, string(id)), b); err != nil {
			return Result{}, fmt.Errorf("%w: staging %s: %v", product.ErrFatalIO, id, err)
		}
	}

	argv := make([]string, len(p.Command))
	for i, a := range p.Command {
		argv[i] = strings.NewReplacer("{in}", in, "{out}", out, "{name}", pc.Name).Replace(a)
	}
	run := p.run
	if run == nil {
		run = func(ctx context.Context, argv []string) ([]byte, error) {
			return exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
		}
	}
	output, err := run(ctx, argv)
	if err != nil {
		opsf("%s: external correction failed: %v: %s", pc, err, strings.TrimSpace(string(output)))
		return Result{}, fmt.Errorf("%w: external correction %s: %v", product.ErrAuxMissing, argv[0], err)
	}

	res := Result{Bands: make(map[raster.BandID]*raster.Band, len(req.Bands))}
	for _, id := range req.Bands {
		b, err := p.Store.ReadBand(ctx, filepath.Join(out, string(id)), id)
		if err != nil {
			diagf("%s: external correction produced no %s: %v", pc, id, err)
			continue
		}
		res.Bands[id] = b
	}
	return res, nil
}
