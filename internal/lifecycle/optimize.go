package lifecycle

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/flowctl/internal/config"
	"github.com/danmuck/flowctl/internal/exitcode"
	"github.com/danmuck/flowctl/internal/genetics"
	"github.com/danmuck/flowctl/internal/launcher"
	"github.com/danmuck/flowctl/internal/pool"
	"github.com/danmuck/flowctl/internal/workflow"
)

const (
	keyOptimizeGenerations = "optimize.generations"
	tunablePrefix          = "optimize.tunables."
	defaultGenerations     = 5
)

// optimizePhase dispatches the run to the optimization driver when an
// optimization mode was requested. Each evaluated variant re-enters the
// load/apply/run sequence with the variant's overrides applied on top.
func optimizePhase(ctx context.Context, opts Options, root *config.Root) (int, bool) {
	spec, err := genetics.ParseSpec(opts.Optimize)
	if err != nil {
		log.Error().Err(err).Str("spec", opts.Optimize).Msg("lifecycle.optimizePhase bad spec")
		return exitcode.Failure, true
	}
	if spec.Mode == genetics.ModeNone {
		return exitcode.Success, false
	}

	tunables := tunablesFromRoot(root)
	population, err := genetics.NewPopulation(spec, tunables, root)
	if err != nil {
		log.Error().Err(err).Msg("lifecycle.optimizePhase population construction failed")
		return exitcode.Failure, true
	}
	generations := root.GetInt(keyOptimizeGenerations, defaultGenerations)

	best, err := population.Evolve(ctx, generations, func(ctx context.Context, overrides []string) (float64, error) {
		return runVariant(ctx, opts, root, overrides)
	}, pool.Default())
	if err != nil {
		log.Error().Err(err).Msg("lifecycle.optimizePhase search failed")
		return exitcode.Failure, true
	}
	if best != nil {
		log.Info().Str("individual", best.ID).Float64("fitness", best.Fitness).
			Strs("overrides", best.Overrides()).Msg("lifecycle.optimizePhase best variant")
	}
	return exitcode.Success, true
}

// tunablesFromRoot collects "optimize.tunables.<key>.min/.max" pairs from
// the configuration root.
func tunablesFromRoot(root *config.Root) []genetics.Tunable {
	bounds := make(map[string]*genetics.Tunable)
	for _, key := range root.Keys() {
		if !strings.HasPrefix(key, tunablePrefix) {
			continue
		}
		rest := strings.TrimPrefix(key, tunablePrefix)
		name, bound, ok := cutLast(rest, ".")
		if !ok || (bound != "min" && bound != "max") {
			continue
		}
		tn, ok := bounds[name]
		if !ok {
			tn = &genetics.Tunable{Key: name}
			bounds[name] = tn
		}
		value := rootFloat(root, key)
		if bound == "min" {
			tn.Min = value
		} else {
			tn.Max = value
		}
	}
	out := make([]genetics.Tunable, 0, len(bounds))
	for _, tn := range bounds {
		if tn.Max > tn.Min {
			out = append(out, *tn)
		}
	}
	return out
}

func cutLast(s, sep string) (before, after string, found bool) {
	i := strings.LastIndex(s, sep)
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+len(sep):], true
}

func rootFloat(root *config.Root, key string) float64 {
	v, ok := root.Get(key)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	default:
		return 0
	}
}

// runVariant re-runs the load/apply/run sequence for one configuration
// variant and measures its fitness: a workflow may publish a "fitness" unit
// attribute; otherwise faster runs score higher. The overrides go onto a
// private clone of the root so parallel evaluations never read each other's
// configuration.
func runVariant(ctx context.Context, opts Options, root *config.Root, overrides []string) (float64, error) {
	variant := root.Clone()
	if err := variant.ApplyOverrides(overrides); err != nil {
		return 0, err
	}
	wf, err := (workflow.Source{Raw: opts.Workflow}).Resolve(variant)
	if err != nil {
		return 0, err
	}
	l, err := launcher.New(launcher.Config{}, variant)
	if err != nil {
		return 0, err
	}
	defer l.Stop()
	if err := l.Initialize(wf); err != nil {
		return 0, err
	}
	started := time.Now()
	if err := l.Run(ctx); err != nil {
		return 0, err
	}
	elapsed := time.Since(started)
	if fitness, ok := workflowFitness(wf); ok {
		return fitness, nil
	}
	return -elapsed.Seconds(), nil
}

func workflowFitness(wf *workflow.Basic) (float64, bool) {
	for _, u := range wf.Units() {
		if v, ok := u.Attrs["fitness"]; ok {
			switch n := v.(type) {
			case float64:
				return n, true
			case int64:
				return float64(n), true
			}
		}
	}
	return 0, false
}
