// Package config holds the process-wide configuration root: a tree of
// dotted keys written once during the apply phase and read everywhere after.
// The root is an explicit object passed by reference through the lifecycle,
// and apply always completes before any worker-pool execution begins.
package config

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/BurntSushi/toml"
)

const (
	KeySnapshotDir     = "common.snapshot_dir"
	KeyStatusHost      = "common.status.host"
	KeyStatusPort      = "common.status.port"
	KeyStatusProgram   = "common.status.program"
	KeyPoolSize        = "common.pool.size"
	KeyGraphBackground = "common.graph.background"
	KeyGraphicsProgram = "common.graphics.program"
)

// Root is the configuration tree. Values are stored under dotted keys
// ("common.status.port"); nested TOML tables flatten into dotted paths.
type Root struct {
	mu     sync.RWMutex
	values map[string]any
}

func NewRoot() *Root {
	r := &Root{values: make(map[string]any)}
	r.applyDefaults()
	return r
}

func (r *Root) applyDefaults() {
	r.values[KeySnapshotDir] = defaultSnapshotDir()
	r.values[KeyStatusHost] = "localhost"
	r.values[KeyStatusPort] = int64(8090)
	r.values[KeyPoolSize] = int64(0)
}

func defaultSnapshotDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "snapshots"
	}
	return home + "/.flowctl/snapshots"
}

// ApplyFile decodes a TOML configuration source into the root. File-access
// failures keep their classification (not-found, is-a-directory, permission)
// for the lifecycle's exit-code mapping.
func (r *Root) ApplyFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config: apply %q: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: apply %q: %w", path, syscall.EISDIR)
	}
	var raw map[string]any
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return fmt.Errorf("config: apply %q: %w", path, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	flattenInto(r.values, "", raw)
	return nil
}

// ApplyOverrides applies ordered "key = value" statements on top of the
// applied configuration source. Values use TOML literal syntax.
func (r *Root) ApplyOverrides(statements []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, stmt := range statements {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		key, value, err := parseOverride(stmt)
		if err != nil {
			return err
		}
		r.values[key] = value
	}
	return nil
}

func parseOverride(stmt string) (string, any, error) {
	eq := strings.Index(stmt, "=")
	if eq <= 0 {
		return "", nil, fmt.Errorf("config: invalid override %q", stmt)
	}
	key := strings.TrimSpace(stmt[:eq])
	literal := strings.TrimSpace(stmt[eq+1:])
	if key == "" || literal == "" {
		return "", nil, fmt.Errorf("config: invalid override %q", stmt)
	}
	var holder struct {
		V any `toml:"v"`
	}
	if _, err := toml.Decode("v = "+literal, &holder); err != nil {
		return "", nil, fmt.Errorf("config: invalid override value %q: %w", stmt, err)
	}
	return key, holder.V, nil
}

func flattenInto(dst map[string]any, prefix string, raw map[string]any) {
	for k, v := range raw {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := v.(map[string]any); ok {
			flattenInto(dst, key, sub)
			continue
		}
		dst[key] = v
	}
}

func (r *Root) Get(key string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.values[key]
	return v, ok
}

func (r *Root) Set(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[key] = value
}

func (r *Root) GetString(key, fallback string) string {
	if v, ok := r.Get(key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return fallback
}

func (r *Root) GetInt(key string, fallback int) int {
	if v, ok := r.Get(key); ok {
		switch n := v.(type) {
		case int64:
			return int(n)
		case int:
			return n
		}
	}
	return fallback
}

func (r *Root) GetBool(key string, fallback bool) bool {
	if v, ok := r.Get(key); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return fallback
}

// Keys returns the sorted key set; used by Dump and by override snapshots in
// the optimization driver.
func (r *Root) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.values))
	for k := range r.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns a copy of the current tree, detached from the root.
func (r *Root) Snapshot() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]any, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out
}

// Clone returns an independent root holding a copy of the current tree.
// Writes to the clone are never visible through the original.
func (r *Root) Clone() *Root {
	return &Root{values: r.Snapshot()}
}

// Dump writes the tree as sorted key = value lines.
func (r *Root) Dump(w io.Writer) {
	snapshot := r.Snapshot()
	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s = %v\n", k, snapshot[k])
	}
}
