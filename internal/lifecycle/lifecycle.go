// Package lifecycle sequences a run end to end: load the workflow (snapshot
// resume or fresh construction), apply configuration, seed the PRNG streams,
// then initialize and run the launcher as far as the dry-run level allows.
// Each phase maps its unrecoverable failures to a distinct process exit code.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/flowctl/internal/config"
	"github.com/danmuck/flowctl/internal/exitcode"
	"github.com/danmuck/flowctl/internal/launcher"
	"github.com/danmuck/flowctl/internal/observability"
	"github.com/danmuck/flowctl/internal/pool"
	"github.com/danmuck/flowctl/internal/prng"
	"github.com/danmuck/flowctl/internal/snapshot"
	"github.com/danmuck/flowctl/internal/workflow"
)

// DryRunLevel is the ordinal gate on how far the lifecycle proceeds.
type DryRunLevel int

const (
	DryLevelNone DryRunLevel = iota
	DryLevelLoad
	DryLevelInit
	DryLevelRun
)

var ErrBadDryRunLevel = errors.New("lifecycle: bad dry-run level")

// ParseDryRunLevel maps the flag spelling onto the ordinal gate. An empty
// value means a full run.
func ParseDryRunLevel(raw string) (DryRunLevel, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "run":
		return DryLevelRun, nil
	case "init":
		return DryLevelInit, nil
	case "load":
		return DryLevelLoad, nil
	case "none":
		return DryLevelNone, nil
	default:
		return DryLevelRun, fmt.Errorf("%w: %q", ErrBadDryRunLevel, raw)
	}
}

// AttrDumpMode selects the unit-attribute dump: off, scalar-only, or full.
type AttrDumpMode int

const (
	DumpOff AttrDumpMode = iota
	DumpBrief
	DumpAll
)

func ParseAttrDumpMode(raw string) (AttrDumpMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "no":
		return DumpOff, nil
	case "brief":
		return DumpBrief, nil
	case "all":
		return DumpAll, nil
	default:
		return DumpOff, fmt.Errorf("lifecycle: bad attribute dump mode %q", raw)
	}
}

// Options is everything the CLI resolved for one run.
type Options struct {
	Workflow   string
	ConfigFile string
	Overrides  []string

	ServerAddr       string
	ListenAddr       string
	Nodes            launcher.NodeList
	SkipStatusServer bool

	DryRun     DryRunLevel
	Optimize   string
	RandomSeed string
	Snapshot   string
	Visualize  bool

	DumpAttrs AttrDumpMode
	GraphPath string

	Args []string
}

// Execute runs the full phase sequence and returns the process exit code.
func Execute(opts Options, root *config.Root) int {
	workers, err := pool.Reset(root.GetInt(config.KeyPoolSize, 0))
	if err != nil {
		log.Error().Err(err).Msg("lifecycle.Execute worker pool construction failed")
		return exitcode.Failure
	}
	// detaching the pool is the guaranteed cleanup step, whatever the run
	// phase did
	defer workers.Shutdown()

	l, err := launcher.New(launcher.Config{
		ServerAddr:       opts.ServerAddr,
		ListenAddr:       opts.ListenAddr,
		Nodes:            opts.Nodes,
		SkipStatusServer: opts.SkipStatusServer,
		Args:             opts.Args,
	}, root)
	if err != nil {
		log.Error().Err(err).Msg("lifecycle.Execute launcher construction failed")
		return exitcode.Failure
	}
	defer l.Stop()

	if opts.DryRun <= DryLevelNone {
		l.Stop()
		return exitcode.Success
	}

	wf, code := loadPhase(opts, root)
	if code != exitcode.Success {
		l.Stop()
		return code
	}
	if opts.DryRun <= DryLevelLoad {
		log.Info().Str("workflow", wf.Name()).Msg("lifecycle.Execute dry run stopping after load")
		l.Stop()
		return exitcode.Success
	}

	if code := applyPhase(opts, root); code != exitcode.Success {
		l.Stop()
		return code
	}
	if code := seedPhase(opts); code != exitcode.Success {
		l.Stop()
		return code
	}

	if err := l.Initialize(wf); err != nil {
		log.Error().Err(err).Msg("lifecycle.Execute initialize failed")
		l.Stop()
		return exitcode.Failure
	}
	if code := inspectPhase(opts, root, wf); code != exitcode.Success {
		l.Stop()
		return code
	}
	if opts.Visualize {
		return visualizePhase(wf)
	}
	if opts.DryRun <= DryLevelInit {
		log.Info().Str("workflow", wf.Name()).Msg("lifecycle.Execute dry run stopping after init")
		l.Stop()
		return exitcode.Success
	}

	return runPhase(opts, root, l, wf)
}

// loadPhase resolves the snapshot (URL download degrades to none) and either
// resumes the serialized workflow or constructs a fresh one.
func loadPhase(opts Options, root *config.Root) (*workflow.Basic, int) {
	snapshotPath := snapshot.Fetch(opts.Snapshot, root.GetString(config.KeySnapshotDir, ""))
	st, err := snapshot.Import(snapshotPath)
	if err != nil {
		log.Error().Err(err).Str("path", snapshotPath).Msg("lifecycle.loadPhase snapshot import failed")
		return nil, exitcode.Failure
	}

	var wf *workflow.Basic
	if st != nil {
		wf, err = workflow.ResumeFromSnapshot(st, opts.Workflow, root)
	} else {
		wf, err = (workflow.Source{Raw: opts.Workflow}).Resolve(root)
	}
	if err != nil {
		log.Error().Err(err).Str("workflow", opts.Workflow).Msg("lifecycle.loadPhase workflow construction failed")
		return nil, exitcode.For(err)
	}
	log.Info().Str("workflow", wf.Name()).Bool("resumed", st != nil).Msg("lifecycle.loadPhase workflow ready")
	return wf, exitcode.Success
}

// applyPhase writes the configuration source and override statements into
// the root. This completes before any worker-pool execution begins.
func applyPhase(opts Options, root *config.Root) int {
	if opts.ConfigFile != "" {
		if err := root.ApplyFile(opts.ConfigFile); err != nil {
			log.Error().Err(err).Str("config", opts.ConfigFile).Msg("lifecycle.applyPhase configuration source failed")
			return exitcode.For(err)
		}
	}
	if len(opts.Overrides) > 0 {
		if err := root.ApplyOverrides(opts.Overrides); err != nil {
			log.Error().Err(err).Msg("lifecycle.applyPhase overrides failed")
			return exitcode.Failure
		}
	}
	return exitcode.Success
}

func seedPhase(opts Options) int {
	baseDir := ""
	if opts.ConfigFile != "" {
		baseDir = filepath.Dir(opts.ConfigFile)
	}
	if err := prng.ApplySpecs(opts.RandomSeed, baseDir); err != nil {
		log.Error().Err(err).Str("spec", opts.RandomSeed).Msg("lifecycle.seedPhase seeding failed")
		return exitcode.For(err)
	}
	return exitcode.Success
}

func inspectPhase(opts Options, root *config.Root, wf *workflow.Basic) int {
	if opts.DumpAttrs != DumpOff {
		if err := workflow.DumpAttrs(wf, os.Stdout, opts.DumpAttrs == DumpAll); err != nil {
			log.Error().Err(err).Msg("lifecycle.inspectPhase attribute dump failed")
			return exitcode.Failure
		}
	}
	if opts.GraphPath != "" {
		background := root.GetString(config.KeyGraphBackground, "white")
		if err := workflow.WriteGraphFile(wf, opts.GraphPath, background); err != nil {
			log.Error().Err(err).Str("path", opts.GraphPath).Msg("lifecycle.inspectPhase graph render failed")
			return exitcode.For(err)
		}
		log.Info().Str("path", opts.GraphPath).Msg("lifecycle.inspectPhase dependency graph written")
	}
	return exitcode.Success
}

// visualizePhase renders the dependency graph and drives the plotting units
// until interrupted; the interrupt is converted into a clean return.
func visualizePhase(wf *workflow.Basic) int {
	if err := workflow.Graph(wf, os.Stdout, "white"); err != nil {
		log.Error().Err(err).Msg("lifecycle.visualizePhase graph render failed")
		return exitcode.Failure
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := workflow.RunPlotters(wf); err != nil {
		log.Error().Err(err).Msg("lifecycle.visualizePhase plotting failed")
		return exitcode.Failure
	}
	<-ctx.Done()
	log.Info().Msg("lifecycle.visualizePhase interrupted, returning cleanly")
	return exitcode.Success
}

func runPhase(opts Options, root *config.Root, l *launcher.Launcher, wf *workflow.Basic) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if code, handled := optimizePhase(ctx, opts, root); handled {
		l.Stop()
		return code
	}

	started := time.Now()
	err := l.Run(ctx)
	outcome := "succeeded"
	if err != nil {
		outcome = "failed"
	}
	observability.RecordWorkflowRun(wf.Name(), l.Mode().String(), outcome, time.Since(started))
	if err != nil {
		log.Error().Err(err).Str("workflow", wf.Name()).Msg("lifecycle.runPhase run failed")
		return exitcode.Failure
	}
	log.Info().Str("workflow", wf.Name()).Dur("elapsed", time.Since(started)).Msg("lifecycle.runPhase run complete")
	return exitcode.Success
}
