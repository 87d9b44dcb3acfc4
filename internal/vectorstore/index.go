package vectorstore

import (
	"fmt"
	"strings"
)

// IndexStrategy selects the approximate nearest-neighbor index.
type IndexStrategy string

const (
	// IndexHNSW is a graph-based index that favors query latency.
	IndexHNSW IndexStrategy = "hnsw"

	// IndexIVFFlat is an inverted-list index; Lists trades recall for
	// build and query cost.
	IndexIVFFlat IndexStrategy = "ivfflat"
)

// IndexSpec is the index configuration persisted per collection.
type IndexSpec struct {
	Strategy IndexStrategy `json:"strategy"`

	// HNSW parameters.
	M              int `json:"m,omitempty"`
	EfConstruction int `json:"ef_construction,omitempty"`
	EfSearch       int `json:"ef_search,omitempty"`

	// IVFFlat parameters.
	Lists  int `json:"lists,omitempty"`
	Probes int `json:"probes,omitempty"`
}

// ParseIndexStrategy parses a strategy name.
func ParseIndexStrategy(s string) (IndexStrategy, error) {
	switch IndexStrategy(strings.ToLower(strings.TrimSpace(s))) {
	case IndexHNSW:
		return IndexHNSW, nil
	case IndexIVFFlat:
		return IndexIVFFlat, nil
	default:
		return "", fmt.Errorf("%w: unknown index strategy %q", ErrInvalidConfig, s)
	}
}

// ApplyDefaults fills unset parameters for the chosen strategy.
func (s *IndexSpec) ApplyDefaults() {
	if s.Strategy == "" {
		s.Strategy = IndexHNSW
	}
	switch s.Strategy {
	case IndexHNSW:
		if s.M == 0 {
			s.M = 16
		}
		if s.EfConstruction == 0 {
			s.EfConstruction = 64
		}
		if s.EfSearch == 0 {
			s.EfSearch = 40
		}
		s.Lists, s.Probes = 0, 0
	case IndexIVFFlat:
		if s.Lists == 0 {
			s.Lists = 100
		}
		if s.Probes == 0 {
			s.Probes = 10
		}
		s.M, s.EfConstruction, s.EfSearch = 0, 0, 0
	}
}

// Validate checks the index build parameters.
func (s IndexSpec) Validate() error {
	switch s.Strategy {
	case IndexHNSW:
		if s.M < 2 || s.M > 100 {
			return fmt.Errorf("%w: hnsw m must be in [2, 100], got %d", ErrInvalidConfig, s.M)
		}
		if s.EfConstruction < 2*s.M {
			return fmt.Errorf("%w: hnsw ef_construction must be at least 2*m", ErrInvalidConfig)
		}
		if s.EfSearch <= 0 {
			return fmt.Errorf("%w: hnsw ef_search must be positive", ErrInvalidConfig)
		}
	case IndexIVFFlat:
		if s.Lists <= 0 || s.Lists > 32768 {
			return fmt.Errorf("%w: ivfflat lists must be in [1, 32768], got %d", ErrInvalidConfig, s.Lists)
		}
		if s.Probes <= 0 || s.Probes > s.Lists {
			return fmt.Errorf("%w: ivfflat probes must be in [1, lists], got %d", ErrInvalidConfig, s.Probes)
		}
	default:
		return fmt.Errorf("%w: unknown index strategy %q", ErrInvalidConfig, s.Strategy)
	}
	return nil
}

// SameBuild reports whether two specs produce the same persisted index.
// Query-time knobs (EfSearch, Probes) may differ.
func (s IndexSpec) SameBuild(other IndexSpec) bool {
	return s.Strategy == other.Strategy &&
		s.M == other.M &&
		s.EfConstruction == other.EfConstruction &&
		s.Lists == other.Lists
}
