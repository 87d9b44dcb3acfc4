package vectorstore

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	v := Normalize([]float32{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	var sum float64
	for _, x := range Normalize([]float32{1, 2, 3, 4}) {
		sum += float64(x * x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-6)

	zero := []float32{0, 0}
	assert.Equal(t, zero, Normalize(zero))
}

func TestSortResults(t *testing.T) {
	results := []Result{
		{Record: Record{ID: "b"}, Score: 0.5},
		{Record: Record{ID: "c"}, Score: 0.9},
		{Record: Record{ID: "a"}, Score: 0.5},
	}
	sortResults(results)
	assert.Equal(t, "c", results[0].Record.ID)
	assert.Equal(t, "a", results[1].Record.ID)
	assert.Equal(t, "b", results[2].Record.ID)
}

func TestFilter_Split(t *testing.T) {
	eq, ranges := Filter{
		MetaSourceID:             "s3",
		AtLeast(MetaCollectedAt): "2024-01-01T01:00:00+01:00",
	}.split()
	assert.Equal(t, Filter{MetaSourceID: "s3"}, eq)
	require.Len(t, ranges, 1)
	assert.Equal(t, MetaCollectedAt, ranges[0].field)

	meta := map[string]string{MetaCollectedAt: FormatTime(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))}
	assert.True(t, ranges[0].match(meta), "bound is normalized to UTC before comparing")
	assert.False(t, ranges[0].match(map[string]string{}), "records without the field never match a range")
}

func TestValidateQuery_CapsK(t *testing.T) {
	k, err := validateQuery([]float32{1}, maxK+5, 1)
	require.NoError(t, err)
	assert.Equal(t, maxK, k)
}

func TestIndexSpec(t *testing.T) {
	tests := []struct {
		name    string
		spec    IndexSpec
		wantErr bool
	}{
		{name: "hnsw defaults", spec: IndexSpec{Strategy: IndexHNSW}},
		{name: "ivfflat defaults", spec: IndexSpec{Strategy: IndexIVFFlat}},
		{name: "empty defaults to hnsw", spec: IndexSpec{}},
		{name: "hnsw m too small", spec: IndexSpec{Strategy: IndexHNSW, M: 1, EfConstruction: 64, EfSearch: 10}, wantErr: true},
		{name: "ivfflat probes above lists", spec: IndexSpec{Strategy: IndexIVFFlat, Lists: 4, Probes: 8}, wantErr: true},
		{name: "unknown", spec: IndexSpec{Strategy: "flat"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := tt.spec
			spec.ApplyDefaults()
			if tt.wantErr {
				assert.ErrorIs(t, spec.Validate(), ErrInvalidConfig)
			} else {
				assert.NoError(t, spec.Validate())
			}
		})
	}

	t.Run("same build ignores query knobs", func(t *testing.T) {
		a := IndexSpec{Strategy: IndexHNSW, M: 16, EfConstruction: 64, EfSearch: 40}
		b := a
		b.EfSearch = 100
		assert.True(t, a.SameBuild(b))
		b.M = 32
		assert.False(t, a.SameBuild(b))
	})
}

func TestParseIndexStrategy(t *testing.T) {
	s, err := ParseIndexStrategy(" IVFFlat ")
	require.NoError(t, err)
	assert.Equal(t, IndexIVFFlat, s)

	_, err = ParseIndexStrategy("annoy")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
