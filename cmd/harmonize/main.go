package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/senbox-org/sen2like/internal/api"
	"github.com/senbox-org/sen2like/internal/auxdata"
	"github.com/senbox-org/sen2like/internal/catalog"
	"github.com/senbox-org/sen2like/internal/config"
	"github.com/senbox-org/sen2like/internal/correction"
	"github.com/senbox-org/sen2like/internal/db"
	"github.com/senbox-org/sen2like/internal/fusion"
	"github.com/senbox-org/sen2like/internal/geometry"
	"github.com/senbox-org/sen2like/internal/handoff"
	"github.com/senbox-org/sen2like/internal/monitoring"
	"github.com/senbox-org/sen2like/internal/objstore"
	"github.com/senbox-org/sen2like/internal/pipeline"
	"github.com/senbox-org/sen2like/internal/report"
	"github.com/senbox-org/sen2like/internal/stitch"
	"github.com/senbox-org/sen2like/internal/version"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "harmonize: %v\n", err)
		os.Exit(1)
	}
}

func printUsage(out io.Writer) {
	fmt.Fprint(out, `harmonize - Landsat 8/9 and Sentinel-2 harmonization on MGRS tiles

Usage: harmonize [global options] <command> [options]

Commands:
  run       Process the products of a manifest
  serve     Serve the run ledger over HTTP with a gRPC health endpoint
  migrate   Manage the ledger schema (up, down, status, force, help)
  version   Print the version

Global options:
  -config  Run configuration (.json, .toml, .yaml)
  -env     Environment file with object store credentials (default .env)
  -v       Verbosity: 0 ops, 1 diag, 2 trace
`)
}

func run(args []string, stdout, stderr io.Writer) error {
	global := flag.NewFlagSet("harmonize", flag.ContinueOnError)
	global.SetOutput(stderr)
	global.Usage = func() { printUsage(stderr) }
	configPath := global.String("config", "", "run configuration file")
	envFile := global.String("env", ".env", "environment file")
	verbosity := global.Int("v", 0, "log verbosity")
	if err := global.Parse(args); err != nil {
		return err
	}
	if global.NArg() < 1 {
		printUsage(stderr)
		return errors.New("missing command")
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", *envFile, err)
	}
	setupLogging(*verbosity, stderr)

	cfg := config.DefaultRunConfig()
	if *configPath != "" {
		loaded, err := config.LoadRunConfig(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	command, rest := global.Arg(0), global.Args()[1:]
	switch command {
	case "run":
		return runCommand(rest, cfg, stdout)
	case "serve":
		return serveCommand(rest, cfg)
	case "migrate":
		return db.RunMigrateCommand(rest, cfg.GetDatabasePath(), stdout)
	case "version":
		fmt.Fprintf(stdout, "harmonize %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return nil
	case "help":
		printUsage(stdout)
		return nil
	}
	printUsage(stderr)
	return fmt.Errorf("unknown command: %s", command)
}

func setupLogging(level int, w io.Writer) {
	monitoring.ForVerbosity(level, w).Apply(
		api.SetLogWriters,
		auxdata.SetLogWriters,
		catalog.SetLogWriters,
		correction.SetLogWriters,
		db.SetLogWriters,
		fusion.SetLogWriters,
		geometry.SetLogWriters,
		handoff.SetLogWriters,
		objstore.SetLogWriters,
		pipeline.SetLogWriters,
		report.SetLogWriters,
		stitch.SetLogWriters,
	)
}

func runCommand(args []string, cfg *config.RunConfig, stdout io.Writer) error {
	fset := flag.NewFlagSet("run", flag.ContinueOnError)
	manifestPath := fset.String("manifest", "", "product manifest (.json, .yaml)")
	reportPath := fset.String("report", "", "write an HTML run summary to this file")
	plotBand := fset.String("plot-band", "", "band to plot next to every handed-off product")
	runID := fset.String("run-id", "", "run identifier (default random)")
	if err := fset.Parse(args); err != nil {
		return err
	}
	if *manifestPath == "" {
		return errors.New("run: -manifest is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manifest, err := catalog.LoadManifest(*manifestPath)
	if err != nil {
		return err
	}

	ledger, err := db.NewDB(cfg.GetDatabasePath())
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer ledger.Close()

	store, err := newBandReader(cfg, filepath.Dir(*manifestPath))
	if err != nil {
		return err
	}
	env, err := newEnvironment(cfg, store, ledger, *runID, *plotBand)
	if err != nil {
		return err
	}
	supplier, err := catalog.NewSupplier(manifest, store, catalog.Options{
		RelatedCoverage: cfg.GetRelatedCoverage(),
		SameUTMOnly:     cfg.GetSameUTMOnly(),
	})
	if err != nil {
		return err
	}

	res, runErr := pipeline.New(env.registry, env.opts).Run(ctx, supplier)
	if res == nil {
		return runErr
	}

	rec, outcomes := ledgerRecords(res, cfg.JSON())
	// The ledger write must survive an interrupted run.
	if err := ledger.RecordRun(context.WithoutCancel(ctx), rec, outcomes); err != nil {
		return fmt.Errorf("recording run %s: %w", rec.ID, err)
	}
	printSummary(stdout, res)

	if *reportPath != "" {
		if err := writeReport(*reportPath, rec, outcomes); err != nil {
			return err
		}
	}
	if runErr != nil {
		return runErr
	}
	if rec.Failed > 0 {
		return fmt.Errorf("%d of %d products failed", rec.Failed, rec.Products)
	}
	return nil
}

func writeReport(path string, rec db.RunRecord, outcomes []db.OutcomeRecord) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating report: %w", err)
	}
	if err := report.RunSummary(f, rec, outcomes); err != nil {
		f.Close()
		return fmt.Errorf("rendering report: %w", err)
	}
	return f.Close()
}

func serveCommand(args []string, cfg *config.RunConfig) error {
	fset := flag.NewFlagSet("serve", flag.ContinueOnError)
	listen := fset.String("listen", ":8080", "HTTP listen address")
	grpcListen := fset.String("grpc-listen", ":9090", "gRPC health listen address (empty disables)")
	admin := fset.Bool("admin", false, "mount the ledger debug console under /debug/")
	if err := fset.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ledger, err := db.NewDB(cfg.GetDatabasePath())
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer ledger.Close()

	srv := api.NewServer(ledger)
	if *admin {
		srv.EnableAdmin()
	}
	handler, err := srv.Router()
	if err != nil {
		return err
	}

	if *grpcListen != "" {
		gs, err := startHealth(*grpcListen)
		if err != nil {
			return err
		}
		defer gs.GracefulStop()
	}

	httpSrv := &http.Server{Addr: *listen, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		monitoring.Logf("serving ledger on %s", *listen)
		errc <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// startHealth serves the standard gRPC health service, reporting SERVING
// until the server stops.
func startHealth(addr string) (*grpc.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("gRPC listen on %s: %w", addr, err)
	}
	gs := grpc.NewServer()
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	go func() {
		if err := gs.Serve(lis); err != nil {
			monitoring.Logf("gRPC health server stopped: %v", err)
		}
	}()
	return gs, nil
}
