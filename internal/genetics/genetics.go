// Package genetics hosts the optimization driver contract: a population of
// configuration-variant individuals evolved against a workflow-running
// callback. The numeric internals of the search are deliberately simple; the
// contract is that the driver owns individual creation and destruction per
// generation and reports the best variant found.
package genetics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/flowctl/internal/config"
	"github.com/danmuck/flowctl/internal/pool"
	"github.com/danmuck/flowctl/internal/prng"
)

const DefaultPopulationSize = 50

var (
	ErrBadSpec    = errors.New("genetics: bad optimization spec")
	ErrNoTunables = errors.New("genetics: no tunable parameters")
)

// Mode selects how individuals are evaluated within a generation.
type Mode int

const (
	// ModeNone disables optimization entirely.
	ModeNone Mode = iota
	// ModeSingle evaluates individuals one at a time on the caller.
	ModeSingle
	// ModeMulti evaluates a generation in parallel on the worker pool.
	ModeMulti
)

func (m Mode) String() string {
	switch m {
	case ModeSingle:
		return "single"
	case ModeMulti:
		return "multi"
	default:
		return "no"
	}
}

// Spec is the parsed "mode[:population_size]" optimization parameter.
type Spec struct {
	Mode Mode
	Size int
}

// ParseSpec accepts "no", "single", "multi", each optionally suffixed with
// ":<population size>". The size defaults to DefaultPopulationSize.
func ParseSpec(raw string) (Spec, error) {
	spec := Spec{Size: DefaultPopulationSize}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return spec, nil
	}
	mode, sizePart, hasSize := strings.Cut(raw, ":")
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "no", "none", "":
		spec.Mode = ModeNone
	case "single":
		spec.Mode = ModeSingle
	case "multi":
		spec.Mode = ModeMulti
	default:
		return Spec{}, fmt.Errorf("%w: unknown mode %q", ErrBadSpec, mode)
	}
	if hasSize {
		n, err := strconv.Atoi(strings.TrimSpace(sizePart))
		if err != nil || n <= 0 {
			return Spec{}, fmt.Errorf("%w: bad population size %q", ErrBadSpec, sizePart)
		}
		spec.Size = n
	}
	return spec, nil
}

// Tunable is one numeric configuration key the search is allowed to vary.
type Tunable struct {
	Key string
	Min float64
	Max float64
}

// Individual is one configuration-root variant with its measured fitness.
type Individual struct {
	ID        string
	Genome    map[string]float64
	Fitness   float64
	Evaluated bool
	Err       error
}

// Overrides renders the genome as configuration override statements in a
// stable key order.
func (ind *Individual) Overrides() []string {
	keys := make([]string, 0, len(ind.Genome))
	for k := range ind.Genome {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s = %v", k, ind.Genome[k]))
	}
	return out
}

// RunFunc evaluates one variant: it applies the overrides, runs the
// workflow, and returns the resulting fitness (higher is better).
type RunFunc func(ctx context.Context, overrides []string) (float64, error)

// Population is the evolving set of individuals.
type Population struct {
	spec     Spec
	tunables []Tunable
	root     *config.Root
	stream   *prng.Stream

	mu          sync.Mutex
	individuals []*Individual
	generation  int
}

// NewPopulation seeds Size random individuals from the deterministic
// second PRNG stream, keeping searches reproducible under --random-seed.
func NewPopulation(spec Spec, tunables []Tunable, root *config.Root) (*Population, error) {
	if len(tunables) == 0 {
		return nil, ErrNoTunables
	}
	p := &Population{
		spec:     spec,
		tunables: tunables,
		root:     root,
		stream:   prng.Get(2),
	}
	for i := 0; i < spec.Size; i++ {
		p.individuals = append(p.individuals, p.randomIndividual())
	}
	return p, nil
}

func (p *Population) Generation() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generation
}

func (p *Population) Individuals() []*Individual {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Individual, len(p.individuals))
	copy(out, p.individuals)
	return out
}

func (p *Population) randomIndividual() *Individual {
	genome := make(map[string]float64, len(p.tunables))
	for _, tn := range p.tunables {
		genome[tn.Key] = tn.Min + p.stream.Float64()*(tn.Max-tn.Min)
	}
	return &Individual{ID: uuid.NewString(), Genome: genome}
}

// Evolve runs the search for the given number of generations and returns
// the fittest individual observed. ModeMulti fans each generation's
// evaluations out over the worker pool; ModeSingle evaluates inline.
func (p *Population) Evolve(ctx context.Context, generations int, run RunFunc, workers *pool.Pool) (*Individual, error) {
	if p.spec.Mode == ModeNone {
		return nil, nil
	}
	var best *Individual
	for g := 0; g < generations; g++ {
		if ctx.Err() != nil {
			return best, ctx.Err()
		}
		if err := p.evaluate(ctx, run, workers); err != nil {
			return best, err
		}
		p.mu.Lock()
		sort.SliceStable(p.individuals, func(i, j int) bool {
			return p.individuals[i].Fitness > p.individuals[j].Fitness
		})
		if best == nil || p.individuals[0].Fitness > best.Fitness {
			best = p.individuals[0]
		}
		p.generation++
		gen := p.generation
		top := p.individuals[0]
		p.mu.Unlock()
		log.Info().Int("generation", gen).Str("best", top.ID).Float64("fitness", top.Fitness).Msg("genetics.Population generation complete")
		if g < generations-1 {
			p.breed()
		}
	}
	return best, nil
}

func (p *Population) evaluate(ctx context.Context, run RunFunc, workers *pool.Pool) error {
	p.mu.Lock()
	todo := make([]*Individual, 0, len(p.individuals))
	for _, ind := range p.individuals {
		if !ind.Evaluated {
			todo = append(todo, ind)
		}
	}
	p.mu.Unlock()

	// Evaluations may themselves defer work onto the pool, so at most half
	// the workers carry evaluations at once.
	if p.spec.Mode == ModeMulti && workers != nil && workers.Cap() >= 2 {
		limit := workers.Cap() / 2
		sem := make(chan struct{}, limit)
		var wg sync.WaitGroup
		for _, ind := range todo {
			ind := ind
			sem <- struct{}{}
			wg.Add(1)
			if err := workers.Submit(func() {
				defer wg.Done()
				defer func() { <-sem }()
				p.evaluateOne(ctx, run, ind)
			}); err != nil {
				<-sem
				wg.Done()
				wg.Wait()
				return err
			}
		}
		wg.Wait()
		return nil
	}
	for _, ind := range todo {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.evaluateOne(ctx, run, ind)
	}
	return nil
}

func (p *Population) evaluateOne(ctx context.Context, run RunFunc, ind *Individual) {
	fitness, err := run(ctx, ind.Overrides())
	if err != nil {
		log.Warn().Err(err).Str("individual", ind.ID).Msg("genetics.Population evaluation failed")
		ind.Err = err
		fitness = 0
	}
	ind.Fitness = fitness
	ind.Evaluated = true
}

// breed keeps the fitter half and refills the population with mutated
// crossovers of surviving parents. Individuals must already be sorted by
// descending fitness.
func (p *Population) breed() {
	p.mu.Lock()
	defer p.mu.Unlock()
	survivors := len(p.individuals) / 2
	if survivors < 1 {
		survivors = 1
	}
	next := make([]*Individual, 0, p.spec.Size)
	next = append(next, p.individuals[:survivors]...)
	for len(next) < p.spec.Size {
		a := p.individuals[p.stream.Intn(survivors)]
		b := p.individuals[p.stream.Intn(survivors)]
		next = append(next, p.crossover(a, b))
	}
	p.individuals = next
}

func (p *Population) crossover(a, b *Individual) *Individual {
	genome := make(map[string]float64, len(p.tunables))
	for _, tn := range p.tunables {
		v := a.Genome[tn.Key]
		if p.stream.Float64() < 0.5 {
			v = b.Genome[tn.Key]
		}
		// small uniform mutation, clamped to the tunable range
		span := tn.Max - tn.Min
		v += (p.stream.Float64() - 0.5) * span * 0.1
		if v < tn.Min {
			v = tn.Min
		}
		if v > tn.Max {
			v = tn.Max
		}
		genome[tn.Key] = v
	}
	return &Individual{ID: uuid.NewString(), Genome: genome}
}
