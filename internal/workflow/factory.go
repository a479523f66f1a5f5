package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/flowctl/internal/config"
	"github.com/danmuck/flowctl/internal/snapshot"
)

var ErrNotResolved = errors.New("workflow: source not resolved")

// Constructor builds a fresh workflow against the configuration root.
type Constructor func(root *config.Root) (*Basic, error)

var (
	builtinMu sync.RWMutex
	builtins  = make(map[string]Constructor)
)

// Register adds a built-in workflow constructor under a name; it is the
// first strategy Resolve tries.
func Register(name string, ctor Constructor) {
	builtinMu.Lock()
	defer builtinMu.Unlock()
	builtins[name] = ctor
}

func lookupBuiltin(name string) (Constructor, bool) {
	builtinMu.RLock()
	defer builtinMu.RUnlock()
	ctor, ok := builtins[name]
	return ctor, ok
}

// Definition is a workflow described by a TOML source file.
type Definition struct {
	Name  string           `toml:"name"`
	Units []UnitDefinition `toml:"units"`
}

type UnitDefinition struct {
	Name      string         `toml:"name"`
	Kind      string         `toml:"kind"`
	DependsOn []string       `toml:"depends_on"`
	Attrs     map[string]any `toml:"attrs"`
}

// Source resolves a workflow name-or-path with a two-strategy attempt list:
// registry lookup by the raw name first, then the definition file at the
// path. File-access failures keep their classification for exit-code
// mapping.
type Source struct {
	Raw string
}

// Resolve returns the constructor for this source.
func (s Source) Resolve(root *config.Root) (*Basic, error) {
	name := strings.TrimSpace(s.Raw)
	if ctor, ok := lookupBuiltin(name); ok {
		return ctor(root)
	}
	if ctor, ok := lookupBuiltin(strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))); ok {
		log.Debug().Str("workflow", name).Msg("workflow.Resolve matched registry by base name")
		return ctor(root)
	}
	return loadDefinitionFile(name, root)
}

func loadDefinitionFile(path string, root *config.Root) (*Basic, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("workflow: load %q: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("workflow: load %q: %w", path, syscall.EISDIR)
	}
	var def Definition
	if _, err := toml.DecodeFile(path, &def); err != nil {
		return nil, fmt.Errorf("workflow: parse %q: %w", path, err)
	}
	if def.Name == "" {
		def.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return FromDefinition(def, root)
}

// FromDefinition materializes a workflow from its parsed definition.
func FromDefinition(def Definition, root *config.Root) (*Basic, error) {
	units := make([]*Unit, 0, len(def.Units))
	for _, ud := range def.Units {
		kind := strings.TrimSpace(ud.Kind)
		if kind == "" {
			kind = "noop"
		}
		run, ok := unitRunners[kind]
		if !ok {
			return nil, fmt.Errorf("%w: %q (unit %q)", ErrUnknownUnitKind, kind, ud.Name)
		}
		attrs := ud.Attrs
		if attrs == nil {
			attrs = make(map[string]any)
		}
		units = append(units, &Unit{
			Name:      ud.Name,
			Kind:      kind,
			DependsOn: append([]string(nil), ud.DependsOn...),
			Attrs:     attrs,
			run:       run,
		})
	}
	wf := NewBasic(def.Name, root, units)
	if _, err := wf.UnitsInDependencyOrder(); err != nil {
		return nil, err
	}
	return wf, nil
}

// unitRunners maps definition unit kinds to their execution hooks. The
// numeric payload of a real compute unit is an external collaborator; these
// kinds cover orchestration semantics.
var unitRunners = map[string]func(ctx context.Context, u *Unit, root *config.Root) error{
	"noop": func(ctx context.Context, u *Unit, root *config.Root) error {
		return nil
	},
	"sleep": func(ctx context.Context, u *Unit, root *config.Root) error {
		ms := 0
		if v, ok := u.Attrs["duration_ms"]; ok {
			if n, ok := v.(int64); ok {
				ms = int(n)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(ms) * time.Millisecond):
			return nil
		}
	},
	"counter": func(ctx context.Context, u *Unit, root *config.Root) error {
		n := int64(0)
		if v, ok := u.Attrs["count"].(int64); ok {
			n = v
		}
		u.Attrs["count"] = n + 1
		return nil
	},
	"plot": func(ctx context.Context, u *Unit, root *config.Root) error {
		u.Attrs["rendered_at"] = time.Now().UnixMilli()
		return nil
	},
	// measure publishes the numeric configuration value named by the "key"
	// attribute as the workflow's fitness.
	"measure": func(ctx context.Context, u *Unit, root *config.Root) error {
		key, _ := u.Attrs["key"].(string)
		if key == "" {
			return nil
		}
		v, ok := root.Get(key)
		if !ok {
			return nil
		}
		switch n := v.(type) {
		case float64:
			u.Attrs["fitness"] = n
		case int64:
			u.Attrs["fitness"] = float64(n)
		}
		return nil
	},
}

// ResumeFromSnapshot builds the workflow named by the snapshot and restores
// its unit attributes. The caller rebinds the result to the new owner.
func ResumeFromSnapshot(st *snapshot.State, raw string, root *config.Root) (*Basic, error) {
	wf, err := (Source{Raw: raw}).Resolve(root)
	if err != nil {
		return nil, err
	}
	wf.Restore(st)
	return wf, nil
}
