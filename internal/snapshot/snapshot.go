// Package snapshot persists and restores workflow state. A snapshot source
// is either a local path or an http(s) URL fetched into the snapshot
// directory before use.
package snapshot

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

var ErrBadStatus = errors.New("snapshot: unexpected http status")

// Attribute values cross the gob boundary as interfaces, so the concrete
// types seen in unit attributes must be registered up front.
func init() {
	gob.Register(int(0))
	gob.Register(int64(0))
	gob.Register(float64(0))
	gob.Register("")
	gob.Register(false)
	gob.Register(time.Time{})
	gob.Register([]any(nil))
	gob.Register(map[string]any(nil))
}

// State is the serialized resumable representation of a workflow.
type State struct {
	WorkflowName string
	SavedAt      time.Time
	Units        map[string]map[string]any
	Checkpoint   map[string]any
}

// Fetch resolves a snapshot source to a local file. Local paths pass
// through untouched; http(s) URLs are downloaded into snapshotDir. A failed
// download degrades to "no snapshot" rather than failing the run.
func Fetch(pathOrURL, snapshotDir string) string {
	src := strings.TrimSpace(pathOrURL)
	if src == "" {
		return ""
	}
	if _, err := os.Stat(src); err == nil {
		return src
	}
	u, err := url.Parse(src)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return src
	}

	log.Info().Str("url", src).Msg("snapshot.Fetch downloading")
	local, err := download(src, snapshotDir)
	if err != nil {
		log.Error().Err(err).Str("url", src).Msg("snapshot.Fetch failed, continuing without a snapshot")
		return ""
	}
	return local
}

func download(rawURL, snapshotDir string) (string, error) {
	if err := os.MkdirAll(snapshotDir, 0o755); err != nil {
		return "", err
	}
	resp, err := http.Get(rawURL)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s", ErrBadStatus, resp.Status)
	}

	name := filepath.Base(strings.Split(rawURL, "?")[0])
	if name == "" || name == "." || name == "/" {
		name = "snapshot.gob"
	}
	dst := filepath.Join(snapshotDir, name)
	f, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		os.Remove(dst)
		return "", err
	}
	return dst, nil
}

// Import deserializes a snapshot. A missing file returns (nil, nil); the
// caller falls back to fresh workflow construction. Only a non-empty path
// that cannot be decoded is an error.
func Import(path string) (*State, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Warn().Str("path", path).Msg("snapshot.Import snapshot does not exist")
			return nil, nil
		}
		return nil, fmt.Errorf("snapshot: import %q: %w", path, err)
	}
	defer f.Close()

	var st State
	if err := gob.NewDecoder(f).Decode(&st); err != nil {
		return nil, fmt.Errorf("snapshot: decode %q: %w", path, err)
	}
	return &st, nil
}

// Export serializes workflow state to path, creating parent directories.
func Export(path string, st *State) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("snapshot: export %q: %w", path, err)
	}
	defer f.Close()
	if err := gob.NewEncoder(f).Encode(st); err != nil {
		return fmt.Errorf("snapshot: encode %q: %w", path, err)
	}
	return nil
}
