package prng

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
)

var (
	ErrEmptySeedSpec  = errors.New("prng: seed file name is empty")
	ErrUnknownDtype   = errors.New("prng: unknown seed element type")
	ErrSeedFileEmpty  = errors.New("prng: seed file holds no samples")
	ErrReuseNeverUsed = errors.New("prng: no previous seed to reuse")
)

const (
	defaultSampleCount = 16
	// maxSampleCount keeps count*elementSize far from integer overflow.
	maxSampleCount = 1 << 20
)

// elementSize maps a seed file element type to its byte width.
func elementSize(dtype string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(dtype)) {
	case "", "int32", "uint32", "float32":
		return 4, nil
	case "int8", "uint8":
		return 1, nil
	case "int16", "uint16":
		return 2, nil
	case "int64", "uint64", "float64":
		return 8, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownDtype, dtype)
	}
}

// ApplySpecs seeds each stream from its comma-separated per-stream spec:
// raw hex bytes, the literal "-" to reuse the previous seed, or
// "file[:count[:dtype]]" read as binary sample data. An empty spec for a
// stream past the first derives its file name from stream 1's file name plus
// the stream index; an empty spec for stream 1 is an error. An entirely empty
// spec string leaves every stream on its default source.
func ApplySpecs(raw string, baseDir string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	specs := strings.Split(raw, ",")
	for i, spec := range specs {
		streamNo := i + 1
		if err := applyOne(spec, streamNo, specs, baseDir); err != nil {
			return err
		}
	}
	return nil
}

func applyOne(spec string, streamNo int, specs []string, baseDir string) error {
	spec = strings.TrimSpace(spec)

	if data, err := hex.DecodeString(spec); err == nil && spec != "" {
		Get(streamNo).Seed(data)
		log.Debug().Int("stream", streamNo).Int("bytes", len(data)).Msg("prng.ApplySpecs seeded from hex")
		return nil
	}

	parts := strings.Split(spec, ":")
	fname := strings.TrimSpace(parts[0])
	if fname == "" {
		if streamNo > 1 {
			fname = seedFileBase(specs) + strconv.Itoa(streamNo)
		} else {
			return fmt.Errorf("%w (stream %d): %w", ErrEmptySeedSpec, streamNo, syscall.ENOENT)
		}
	}
	if fname == "-" {
		if !Get(streamNo).SeedLast() {
			return fmt.Errorf("%w (stream %d)", ErrReuseNeverUsed, streamNo)
		}
		log.Debug().Int("stream", streamNo).Msg("prng.ApplySpecs reused previous seed")
		return nil
	}

	resolved, err := resolveSeedFile(fname, baseDir)
	if err != nil {
		return fmt.Errorf("prng: seed stream %d: %w", streamNo, err)
	}

	count := defaultSampleCount
	if len(parts) > 1 && strings.TrimSpace(parts[1]) != "" {
		count, err = strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || count <= 0 || count > maxSampleCount {
			return fmt.Errorf("prng: invalid sample count %q for stream %d", parts[1], streamNo)
		}
	}
	size := 4
	if len(parts) > 2 {
		size, err = elementSize(parts[2])
		if err != nil {
			return fmt.Errorf("prng: seed stream %d: %w", streamNo, err)
		}
	}

	data, err := readSamples(resolved, count*size)
	if err != nil {
		return fmt.Errorf("prng: seed stream %d from %q: %w", streamNo, resolved, err)
	}
	Get(streamNo).Seed(data)
	log.Debug().
		Int("stream", streamNo).
		Str("file", resolved).
		Int("samples", count).
		Int("element_size", size).
		Msg("prng.ApplySpecs seeded from file")
	return nil
}

func seedFileBase(specs []string) string {
	if len(specs) == 0 {
		return ""
	}
	first := strings.Split(strings.TrimSpace(specs[0]), ":")
	return strings.TrimSpace(first[0])
}

// resolveSeedFile tries the path as given (made absolute), then relative to
// the base directory.
func resolveSeedFile(fname, baseDir string) (string, error) {
	if filepath.IsAbs(fname) {
		if _, err := os.Stat(fname); err != nil {
			return "", err
		}
		return fname, nil
	}
	abs, err := filepath.Abs(fname)
	if err == nil {
		if _, statErr := os.Stat(abs); statErr == nil {
			return abs, nil
		}
	}
	if baseDir != "" {
		joined := filepath.Join(baseDir, fname)
		if _, statErr := os.Stat(joined); statErr == nil {
			return joined, nil
		}
	}
	return "", fmt.Errorf("seed file %q not found: %w", fname, syscall.ENOENT)
}

// readSamples reads up to max bytes of binary sample data; a shorter file is
// fine as long as it is not empty.
func readSamples(path string, max int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data := make([]byte, max)
	n, err := io.ReadFull(f, data)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		err = nil
	}
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrSeedFileEmpty
	}
	return data[:n], nil
}
