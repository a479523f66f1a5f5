// Package prng provides the independent deterministic random streams used
// for reproducible runs. Streams are indexed from 1; each remembers its last
// seed so a run can be replayed with the "-" spec.
package prng

import (
	"crypto/sha256"
	"encoding/binary"
	"math/rand"
	"sync"
)

type Stream struct {
	mu       sync.Mutex
	rng      *rand.Rand
	lastSeed []byte
	seeded   bool
}

var (
	registryMu sync.Mutex
	registry   = make(map[int]*Stream)
)

// Get returns the process-wide stream with the given 1-based index,
// creating it unseeded on first use.
func Get(index int) *Stream {
	if index < 1 {
		index = 1
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	s, ok := registry[index]
	if !ok {
		s = &Stream{}
		registry[index] = s
	}
	return s
}

// ResetAll drops every registered stream. Test hook.
func ResetAll() {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = make(map[int]*Stream)
}

// Seed re-seeds the stream deterministically from the given bytes. The bytes
// are folded through SHA-256 so seed material of any size and element type
// yields a stable source.
func (s *Stream) Seed(data []byte) {
	sum := sha256.Sum256(data)
	seed := int64(binary.LittleEndian.Uint64(sum[:8]))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rng = rand.New(rand.NewSource(seed))
	s.lastSeed = append([]byte(nil), data...)
	s.seeded = true
}

// SeedLast re-seeds with the immediately prior seed without reading any
// file. Reports false when the stream has never been seeded.
func (s *Stream) SeedLast() bool {
	s.mu.Lock()
	last := append([]byte(nil), s.lastSeed...)
	seeded := s.seeded
	s.mu.Unlock()
	if !seeded {
		return false
	}
	s.Seed(last)
	return true
}

// LastSeed returns a copy of the bytes used for the most recent Seed.
func (s *Stream) LastSeed() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.lastSeed...)
}

func (s *Stream) source() *rand.Rand {
	if s.rng == nil {
		// Unseeded streams are deterministic too: they behave as if seeded
		// with no material.
		sum := sha256.Sum256(nil)
		s.rng = rand.New(rand.NewSource(int64(binary.LittleEndian.Uint64(sum[:8]))))
	}
	return s.rng
}

func (s *Stream) Int63() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source().Int63()
}

func (s *Stream) Intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source().Intn(n)
}

func (s *Stream) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source().Float64()
}

// Fill writes pseudo-random bytes into p.
func (s *Stream) Fill(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source().Read(p)
}
