// Package workflow defines the unit-of-work contract the launcher
// orchestrates. The launcher treats a workflow as opaque beyond its
// load/run/stop hooks; the units inside only matter for attribute dumps and
// dependency-graph rendering.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/flowctl/internal/config"
	"github.com/danmuck/flowctl/internal/snapshot"
)

var (
	ErrUnknownUnitKind = errors.New("workflow: unknown unit kind")
	ErrCycle           = errors.New("workflow: dependency cycle")
)

// Owner is the launcher-side contract a workflow binds to. A workflow
// resumed from a snapshot is rebound to the new owner before use.
type Owner interface {
	IsMaster() bool
	IsSlave() bool
	IsStandalone() bool
	Stop()
}

// Workflow is the unit of work being orchestrated.
type Workflow interface {
	Name() string
	Run(ctx context.Context) error
	Stop()
	Rebind(owner Owner)
	Owner() Owner
	Units() []*Unit
	State() *snapshot.State
}

// Unit is one workflow step. Attrs is the inspectable attribute bag shown by
// the attribute dump; DependsOn orders execution.
type Unit struct {
	Name      string
	Kind      string
	DependsOn []string
	Attrs     map[string]any

	run func(ctx context.Context, u *Unit, root *config.Root) error
}

// IsPlotter reports whether the unit renders plotting output; plotter units
// are re-driven in visualization mode and disabled entirely on slaves.
func (u *Unit) IsPlotter() bool {
	return u.Kind == "plot"
}

// Basic is the concrete workflow produced by definitions and by the built-in
// registry: units executed in dependency order, with plotters skipped when
// the owner is a slave.
type Basic struct {
	name string
	root *config.Root

	mu      sync.Mutex
	owner   Owner
	units   []*Unit
	stopped bool
	cancel  context.CancelFunc

	PlottersEnabled bool
}

func NewBasic(name string, root *config.Root, units []*Unit) *Basic {
	return &Basic{name: name, root: root, units: units, PlottersEnabled: true}
}

func (w *Basic) Name() string { return w.name }

func (w *Basic) Rebind(owner Owner) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.owner = owner
}

func (w *Basic) Owner() Owner {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.owner
}

func (w *Basic) Units() []*Unit {
	return w.units
}

// UnitsInDependencyOrder returns the units topologically sorted, name-stable
// among peers.
func (w *Basic) UnitsInDependencyOrder() ([]*Unit, error) {
	byName := make(map[string]*Unit, len(w.units))
	for _, u := range w.units {
		byName[u.Name] = u
	}
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(w.units))
	var ordered []*Unit

	var visit func(u *Unit) error
	visit = func(u *Unit) error {
		switch state[u.Name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("%w through %q", ErrCycle, u.Name)
		}
		state[u.Name] = visiting
		deps := append([]string(nil), u.DependsOn...)
		sort.Strings(deps)
		for _, dep := range deps {
			d, ok := byName[dep]
			if !ok {
				return fmt.Errorf("workflow: unit %q depends on unknown unit %q", u.Name, dep)
			}
			if err := visit(d); err != nil {
				return err
			}
		}
		state[u.Name] = done
		ordered = append(ordered, u)
		return nil
	}

	names := make([]string, 0, len(w.units))
	for _, u := range w.units {
		names = append(names, u.Name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := visit(byName[name]); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}

func (w *Basic) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		cancel()
		return context.Canceled
	}
	w.cancel = cancel
	skipPlotters := !w.PlottersEnabled || (w.owner != nil && w.owner.IsSlave())
	w.mu.Unlock()
	defer cancel()

	ordered, err := w.UnitsInDependencyOrder()
	if err != nil {
		return err
	}
	for _, u := range ordered {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if u.IsPlotter() && skipPlotters {
			continue
		}
		if u.run == nil {
			continue
		}
		if err := u.run(ctx, u, w.root); err != nil {
			return fmt.Errorf("workflow %q: unit %q: %w", w.name, u.Name, err)
		}
	}
	return nil
}

func (w *Basic) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.cancel != nil {
		w.cancel()
	}
}

// State captures the resumable representation for snapshotting.
func (w *Basic) State() *snapshot.State {
	units := make(map[string]map[string]any, len(w.units))
	for _, u := range w.units {
		attrs := make(map[string]any, len(u.Attrs))
		for k, v := range u.Attrs {
			attrs[k] = v
		}
		units[u.Name] = attrs
	}
	return &snapshot.State{WorkflowName: w.name, Units: units}
}

// Restore overwrites unit attributes from a snapshot; unknown units in the
// snapshot are ignored.
func (w *Basic) Restore(st *snapshot.State) {
	if st == nil {
		return
	}
	for _, u := range w.units {
		saved, ok := st.Units[u.Name]
		if !ok {
			continue
		}
		if u.Attrs == nil {
			u.Attrs = make(map[string]any, len(saved))
		}
		for k, v := range saved {
			u.Attrs[k] = v
		}
	}
}
