package vectorstore

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Metadata keys written by the ingestion pipeline.
const (
	MetaSourceID       = "source_id"
	MetaServiceName    = "service_name"
	MetaURI            = "uri"
	MetaSequenceIndex  = "sequence_index"
	MetaEmbeddingModel = "embedding_model"
	MetaContentHash    = "content_hash"
	MetaCollectedAt    = "collected_at"
)

// maxK bounds k to prevent resource exhaustion.
const maxK = 10000

// Record is the persisted unit of similarity search.
type Record struct {
	// ID is the chunk ID, unique within the collection.
	ID string

	// SourceID is the owning source document.
	SourceID string

	// Content is the chunk text.
	Content string

	// Metadata holds flat string attributes (see Meta* keys).
	Metadata map[string]string

	// Embedding is the L2-normalized vector.
	Embedding []float32
}

// Result is a search hit.
type Result struct {
	Record Record
	// Score is the cosine similarity, higher is closer.
	Score float32
}

// Filter restricts search to records whose metadata equals every entry.
// A key built with AtLeast or AtMost instead bounds a timestamp field
// inclusively; its value must be RFC3339.
type Filter map[string]string

// Range suffixes recognized on filter keys.
const (
	opAtLeast = ">="
	opAtMost  = "<="
)

// AtLeast returns the filter key matching field values at or after a bound.
func AtLeast(field string) string { return field + opAtLeast }

// AtMost returns the filter key matching field values at or before a bound.
func AtMost(field string) string { return field + opAtMost }

// FormatTime renders t the way timestamp metadata is stored. Values in this
// form order lexically by time.
func FormatTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

type condition struct {
	field string
	op    string // "" for equality
	value string
}

// conditions returns the filter as conditions in key order.
func (f Filter) conditions() []condition {
	out := make([]condition, 0, len(f))
	for _, key := range f.sortedKeys() {
		c := condition{field: key, value: f[key]}
		for _, op := range []string{opAtLeast, opAtMost} {
			if field, ok := strings.CutSuffix(key, op); ok {
				c.field, c.op = field, op
				break
			}
		}
		out = append(out, c)
	}
	return out
}

// split separates equality entries, which stores can push down as is,
// from range conditions.
func (f Filter) split() (Filter, []condition) {
	eq := make(Filter, len(f))
	var ranges []condition
	for _, c := range f.conditions() {
		if c.op == "" {
			eq[c.field] = c.value
			continue
		}
		ranges = append(ranges, c)
	}
	return eq, ranges
}

// validate rejects range bounds that are not RFC3339 timestamps.
func (f Filter) validate() error {
	for _, c := range f.conditions() {
		if c.op == "" {
			continue
		}
		if _, err := time.Parse(time.RFC3339, c.value); err != nil {
			return fmt.Errorf("%w: filter %s%s: %v", ErrInvalidArgument, c.field, c.op, err)
		}
	}
	return nil
}

// bound parses a validated range value in the stored form.
func (c condition) bound() time.Time {
	t, _ := time.Parse(time.RFC3339, c.value)
	return t.UTC()
}

func (c condition) match(meta map[string]string) bool {
	v, ok := meta[c.field]
	if !ok {
		return false
	}
	switch c.op {
	case opAtLeast:
		return v >= FormatTime(c.bound())
	case opAtMost:
		return v <= FormatTime(c.bound())
	}
	return v == c.value
}

// collectionNamePattern: lowercase letters, numbers, underscores, 1-64 characters.
var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// ValidateCollectionName validates a collection name against security rules.
func ValidateCollectionName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: collection name cannot be empty", ErrInvalidCollectionName)
	}
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: collection name must match pattern ^[a-z0-9_]{1,64}$, got %q", ErrInvalidCollectionName, name)
	}
	return nil
}

// Normalize returns v scaled to unit length. A zero vector is returned as is.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}

// prepareRecords validates records against the collection and returns
// copies with SourceID and source metadata filled in.
func prepareRecords(sourceID string, records []Record, dimension int) ([]Record, error) {
	if sourceID == "" {
		return nil, fmt.Errorf("%w: source id cannot be empty", ErrInvalidArgument)
	}
	seen := make(map[string]struct{}, len(records))
	out := make([]Record, len(records))
	for i, rec := range records {
		if rec.ID == "" {
			return nil, fmt.Errorf("%w: record %d has empty id", ErrSchemaViolation, i)
		}
		if _, dup := seen[rec.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate record id %q", ErrSchemaViolation, rec.ID)
		}
		seen[rec.ID] = struct{}{}
		if rec.SourceID != "" && rec.SourceID != sourceID {
			return nil, fmt.Errorf("%w: record %q belongs to source %q, not %q", ErrSchemaViolation, rec.ID, rec.SourceID, sourceID)
		}
		if len(rec.Embedding) != dimension {
			return nil, fmt.Errorf("%w: record %q has dimension %d, collection requires %d", ErrSchemaViolation, rec.ID, len(rec.Embedding), dimension)
		}

		meta := make(map[string]string, len(rec.Metadata)+1)
		for k, v := range rec.Metadata {
			meta[k] = v
		}
		meta[MetaSourceID] = sourceID

		rec.SourceID = sourceID
		rec.Metadata = meta
		out[i] = rec
	}
	return out, nil
}

// validateQuery checks a search request and returns the effective k.
func validateQuery(vector []float32, k, dimension int) (int, error) {
	if len(vector) != dimension {
		return 0, fmt.Errorf("%w: query dimension %d, collection requires %d", ErrSchemaViolation, len(vector), dimension)
	}
	if k <= 0 {
		return 0, fmt.Errorf("%w: k must be positive, got %d", ErrInvalidArgument, k)
	}
	if k > maxK {
		k = maxK
	}
	return k, nil
}

// sortResults orders by descending score, then ascending ID.
func sortResults(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Record.ID < results[j].Record.ID
	})
}

// sortedKeys returns filter keys in a stable order.
func (f Filter) sortedKeys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func isSchemaViolation(err error) bool {
	return errors.Is(err, ErrSchemaViolation)
}
