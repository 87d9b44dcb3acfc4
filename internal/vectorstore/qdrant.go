package vectorstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"
)

var qdrantTracer = otel.Tracer("chakravyuh.vectorstore.qdrant")

// pointNamespace seeds deterministic point UUIDs derived from record IDs.
var pointNamespace = uuid.MustParse("6f1c0b5e-8a7d-4c1e-9a57-3f0b6b2d9c41")

// Payload keys reserved by the qdrant backend.
const (
	payloadID      = "id"
	payloadContent = "content"
)

// QdrantConfig holds configuration for the Qdrant gRPC client.
type QdrantConfig struct {
	// Host is the Qdrant server hostname or IP address.
	Host string

	// Port is the Qdrant gRPC port (NOT the HTTP REST port).
	// Default: 6334
	Port int

	// APIKey authenticates against Qdrant Cloud. Optional.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool

	// Collection is the collection name.
	Collection string

	// Dimension is the fixed embedding dimension.
	Dimension int

	// Index must use the hnsw strategy.
	Index IndexSpec

	// MaxRetries is the maximum number of retry attempts for transient failures.
	// Default: 3
	MaxRetries int

	// RetryBackoff is the initial backoff duration, doubled on each retry.
	// Default: 500ms
	RetryBackoff time.Duration

	// MaxMessageSize is the maximum gRPC message size in bytes.
	// Default: 50MB
	MaxMessageSize int

	// CircuitBreakerThreshold is the number of failures before opening circuit.
	// Default: 5
	CircuitBreakerThreshold int
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
	if c.CircuitBreakerThreshold == 0 {
		c.CircuitBreakerThreshold = 5
	}
	c.Index.ApplyDefaults()
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", ErrInvalidConfig, c.Port)
	}
	if err := ValidateCollectionName(c.Collection); err != nil {
		return err
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}
	if c.Index.Strategy != IndexHNSW {
		return fmt.Errorf("%w: qdrant supports only the hnsw index strategy, got %q", ErrInvalidConfig, c.Index.Strategy)
	}
	return c.Index.Validate()
}

// IsTransientError checks if an error is transient (should retry).
// Returns true for network timeouts and temporary unavailability.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// pointsClient is the subset of *qdrant.Client used by the store.
type pointsClient interface {
	HealthCheck(ctx context.Context) (*qdrant.HealthCheckReply, error)
	CollectionExists(ctx context.Context, collectionName string) (bool, error)
	GetCollectionInfo(ctx context.Context, collectionName string) (*qdrant.CollectionInfo, error)
	CreateCollection(ctx context.Context, request *qdrant.CreateCollection) error
	CreateFieldIndex(ctx context.Context, request *qdrant.CreateFieldIndexCollection) (*qdrant.UpdateResult, error)
	Upsert(ctx context.Context, request *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	Delete(ctx context.Context, request *qdrant.DeletePoints) (*qdrant.UpdateResult, error)
	ScrollAndOffset(ctx context.Context, request *qdrant.ScrollPoints) ([]*qdrant.RetrievedPoint, *qdrant.PointId, error)
	Query(ctx context.Context, request *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
	Count(ctx context.Context, request *qdrant.CountPoints) (uint64, error)
	Close() error
}

// QdrantStore implements Store using Qdrant's native gRPC client.
//
// Qdrant has no multi-statement transactions. Replacement of a source is a
// filter delete followed by an upsert, both with wait=true, performed under
// the write side of mu while searches hold the read side. Readers in this
// process therefore never see a partial set.
type QdrantStore struct {
	client pointsClient
	config QdrantConfig
	logger *zap.Logger

	mu sync.RWMutex

	circuitBreaker struct {
		failures int
		lastFail time.Time
		mu       sync.Mutex
	}
}

var _ Store = (*QdrantStore)(nil)

// NewQdrantStore connects to Qdrant and ensures the collection exists.
func NewQdrantStore(ctx context.Context, cfg QdrantConfig, logger *zap.Logger) (*QdrantStore, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.UseTLS {
		logger.Warn("qdrant gRPC using plaintext (TLS disabled)", zap.String("host", cfg.Host))
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}

	s := newQdrantStoreWithClient(client, cfg, logger)

	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.Health(hctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	if err := s.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	logger.Info("qdrant vector store initialized",
		zap.String("collection", cfg.Collection),
		zap.String("host", cfg.Host),
		zap.Int("dimension", cfg.Dimension),
	)
	return s, nil
}

func newQdrantStoreWithClient(client pointsClient, cfg QdrantConfig, logger *zap.Logger) *QdrantStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QdrantStore{client: client, config: cfg, logger: logger}
}

// ensureCollection creates the collection with the configured HNSW
// parameters, or verifies the persisted ones.
func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.EnsureCollection")
	defer span.End()

	name := s.config.Collection
	var exists bool
	err := s.retryOperation(ctx, "collection_exists", func() error {
		var err error
		exists, err = s.client.CollectionExists(ctx, name)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: checking collection %s: %w", ErrStorageUnavailable, name, err)
	}

	if exists {
		info, err := s.client.GetCollectionInfo(ctx, name)
		if err != nil {
			return fmt.Errorf("%w: reading collection %s: %w", ErrStorageUnavailable, name, err)
		}
		return s.verifyCollection(info)
	}

	idx := s.config.Index
	err = s.retryOperation(ctx, "create_collection", func() error {
		return s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(s.config.Dimension),
				Distance: qdrant.Distance_Cosine,
			}),
			HnswConfig: &qdrant.HnswConfigDiff{
				M:           qdrant.PtrOf(uint64(idx.M)),
				EfConstruct: qdrant.PtrOf(uint64(idx.EfConstruction)),
			},
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: creating collection %s: %w", ErrStorageUnavailable, name, err)
	}

	_, err = s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: name,
		FieldName:      MetaSourceID,
		FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("%w: indexing source_id: %w", ErrStorageUnavailable, err)
	}
	_, err = s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: name,
		FieldName:      MetaCollectedAt,
		FieldType:      qdrant.FieldType_FieldTypeDatetime.Enum(),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("%w: indexing collected_at: %w", ErrStorageUnavailable, err)
	}
	span.SetStatus(codes.Ok, "created")
	return nil
}

func (s *QdrantStore) verifyCollection(info *qdrant.CollectionInfo) error {
	cfg := info.GetConfig()
	size := cfg.GetParams().GetVectorsConfig().GetParams().GetSize()
	if size != 0 && size != uint64(s.config.Dimension) {
		return fmt.Errorf("%w: collection %s persisted with dimension %d, configured %d",
			ErrSchemaViolation, s.config.Collection, size, s.config.Dimension)
	}
	hnsw := cfg.GetHnswConfig()
	if hnsw != nil && hnsw.M != nil && hnsw.GetM() != uint64(s.config.Index.M) {
		return fmt.Errorf("%w: collection %s persisted with hnsw m=%d, configured m=%d",
			ErrIndexMismatch, s.config.Collection, hnsw.GetM(), s.config.Index.M)
	}
	return nil
}

// retryOperation retries an operation with exponential backoff.
func (s *QdrantStore) retryOperation(ctx context.Context, operationName string, operation func() error) error {
	backoff := s.config.RetryBackoff

	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		err := operation()
		if err == nil {
			s.resetCircuitBreaker()
			return nil
		}
		if s.isCircuitOpen() {
			return fmt.Errorf("%s: circuit breaker open: %w", operationName, err)
		}
		if !IsTransientError(err) {
			return fmt.Errorf("%s failed (permanent): %w", operationName, err)
		}
		s.recordFailure()
		if attempt == s.config.MaxRetries {
			return fmt.Errorf("%s failed after %d retries: %w", operationName, s.config.MaxRetries, err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", operationName, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil
}

func (s *QdrantStore) recordFailure() {
	s.circuitBreaker.mu.Lock()
	defer s.circuitBreaker.mu.Unlock()
	s.circuitBreaker.failures++
	s.circuitBreaker.lastFail = time.Now()
}

func (s *QdrantStore) resetCircuitBreaker() {
	s.circuitBreaker.mu.Lock()
	defer s.circuitBreaker.mu.Unlock()
	s.circuitBreaker.failures = 0
}

func (s *QdrantStore) isCircuitOpen() bool {
	s.circuitBreaker.mu.Lock()
	defer s.circuitBreaker.mu.Unlock()

	if s.circuitBreaker.failures >= s.config.CircuitBreakerThreshold {
		if time.Since(s.circuitBreaker.lastFail) > 30*time.Second {
			s.circuitBreaker.failures = 0
			return false
		}
		return true
	}
	return false
}

// Dimension implements Store.
func (s *QdrantStore) Dimension() int { return s.config.Dimension }

// Index implements Store.
func (s *QdrantStore) Index() IndexSpec { return s.config.Index }

// Upsert implements Store.
func (s *QdrantStore) Upsert(ctx context.Context, sourceID string, records []Record) (err error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Upsert")
	defer span.End()
	defer observe("qdrant", "upsert", time.Now(), &err)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	span.SetAttributes(
		attribute.String("source_id", sourceID),
		attribute.Int("record_count", len(records)),
	)

	prepared, err := prepareRecords(sourceID, records, s.config.Dimension)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	previous, err := s.scrollSource(ctx, sourceID)
	if err != nil {
		return err
	}

	if err = s.deleteSource(ctx, sourceID); err != nil {
		return err
	}

	if len(prepared) == 0 {
		span.SetStatus(codes.Ok, "source removed")
		return nil
	}

	points := make([]*qdrant.PointStruct, len(prepared))
	for i, rec := range prepared {
		points[i] = toPoint(rec)
	}
	if err = s.upsertPoints(ctx, points); err != nil {
		s.restore(sourceID, previous)
		return err
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

func (s *QdrantStore) upsertPoints(ctx context.Context, points []*qdrant.PointStruct) error {
	err := s.retryOperation(ctx, "upsert", func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.config.Collection,
			Points:         points,
			Wait:           qdrant.PtrOf(true),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: upserting points: %w", ErrStorageUnavailable, err)
	}
	return nil
}

// restore reinstates previous points after a failed replacement.
func (s *QdrantStore) restore(sourceID string, previous []*qdrant.PointStruct) {
	ctx := context.Background()
	if err := s.deleteSource(ctx, sourceID); err != nil {
		s.logger.Error("rollback delete failed", zap.String("source_id", sourceID), zap.Error(err))
		return
	}
	if len(previous) == 0 {
		return
	}
	if err := s.upsertPoints(ctx, previous); err != nil {
		s.logger.Error("rollback restore failed", zap.String("source_id", sourceID), zap.Error(err))
	}
}

func (s *QdrantStore) deleteSource(ctx context.Context, sourceID string) error {
	err := s.retryOperation(ctx, "delete", func() error {
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: s.config.Collection,
			Wait:           qdrant.PtrOf(true),
			Points:         qdrant.NewPointsSelectorFilter(sourceFilter(sourceID)),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: deleting source %s: %w", ErrStorageUnavailable, sourceID, err)
	}
	return nil
}

// scrollSource returns the current points of a source with vectors.
func (s *QdrantStore) scrollSource(ctx context.Context, sourceID string) ([]*qdrant.PointStruct, error) {
	const pageSize = 256
	var (
		out    []*qdrant.PointStruct
		offset *qdrant.PointId
	)
	for {
		req := &qdrant.ScrollPoints{
			CollectionName: s.config.Collection,
			Filter:         sourceFilter(sourceID),
			Limit:          qdrant.PtrOf(uint32(pageSize)),
			Offset:         offset,
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    qdrant.NewWithVectors(true),
		}
		var (
			page []*qdrant.RetrievedPoint
			next *qdrant.PointId
		)
		err := s.retryOperation(ctx, "scroll", func() error {
			var err error
			page, next, err = s.client.ScrollAndOffset(ctx, req)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("%w: listing source %s: %w", ErrStorageUnavailable, sourceID, err)
		}
		for _, p := range page {
			out = append(out, &qdrant.PointStruct{
				Id:      p.GetId(),
				Vectors: qdrant.NewVectors(denseVector(p.GetVectors())...),
				Payload: p.GetPayload(),
			})
		}
		if next == nil || len(page) == 0 {
			return out, nil
		}
		offset = next
	}
}

// Search implements Store.
func (s *QdrantStore) Search(ctx context.Context, vector []float32, k int, filter Filter) (results []Result, err error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Search")
	defer span.End()
	defer observe("qdrant", "search", time.Now(), &err)

	span.SetAttributes(
		attribute.String("collection", s.config.Collection),
		attribute.Int("k", k),
	)

	k, err = validateQuery(vector, k, s.config.Dimension)
	if err == nil {
		err = filter.validate()
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var points []*qdrant.ScoredPoint
	err = s.retryOperation(ctx, "search", func() error {
		res, err := s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: s.config.Collection,
			Query:          qdrant.NewQuery(vector...),
			Limit:          qdrant.PtrOf(uint64(k)),
			WithPayload:    qdrant.NewWithPayload(true),
			Filter:         toQdrantFilter(filter),
			Params:         &qdrant.SearchParams{HnswEf: qdrant.PtrOf(uint64(s.config.Index.EfSearch))},
		})
		if err != nil {
			return err
		}
		points = res
		return nil
	})
	if err != nil {
		err = fmt.Errorf("%w: searching collection %s: %w", ErrStorageUnavailable, s.config.Collection, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	results = make([]Result, 0, len(points))
	for _, p := range points {
		results = append(results, Result{Record: fromPayload(p.GetPayload()), Score: p.GetScore()})
	}
	sortResults(results)

	span.SetAttributes(attribute.Int("results_count", len(results)))
	span.SetStatus(codes.Ok, "success")
	return results, nil
}

// Delete implements Store.
func (s *QdrantStore) Delete(ctx context.Context, sourceID string) (err error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Delete")
	defer span.End()
	defer observe("qdrant", "delete", time.Now(), &err)

	if sourceID == "" {
		return fmt.Errorf("%w: source id cannot be empty", ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err = s.deleteSource(ctx, sourceID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}

// Count implements Store.
func (s *QdrantStore) Count(ctx context.Context, filter Filter) (int, error) {
	if err := filter.validate(); err != nil {
		return 0, err
	}
	var n uint64
	err := s.retryOperation(ctx, "count", func() error {
		var err error
		n, err = s.client.Count(ctx, &qdrant.CountPoints{
			CollectionName: s.config.Collection,
			Filter:         toQdrantFilter(filter),
			Exact:          qdrant.PtrOf(true),
		})
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("%w: counting: %w", ErrStorageUnavailable, err)
	}
	return int(n), nil
}

// Health implements Store.
func (s *QdrantStore) Health(ctx context.Context) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Health")
	defer span.End()

	if _, err := s.client.HealthCheck(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: health check failed: %w", ErrStorageUnavailable, err)
	}
	span.SetStatus(codes.Ok, "healthy")
	return nil
}

// Close closes the Qdrant gRPC connection.
func (s *QdrantStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// pointID maps a record ID onto a stable UUID. The record ID itself is kept
// in the payload.
func pointID(recordID string) *qdrant.PointId {
	return qdrant.NewIDUUID(uuid.NewSHA1(pointNamespace, []byte(recordID)).String())
}

func toPoint(rec Record) *qdrant.PointStruct {
	payload := make(map[string]*qdrant.Value, len(rec.Metadata)+2)
	for k, v := range rec.Metadata {
		payload[k] = qdrant.NewValueString(v)
	}
	payload[payloadID] = qdrant.NewValueString(rec.ID)
	payload[payloadContent] = qdrant.NewValueString(rec.Content)
	return &qdrant.PointStruct{
		Id:      pointID(rec.ID),
		Vectors: qdrant.NewVectors(rec.Embedding...),
		Payload: payload,
	}
}

func fromPayload(payload map[string]*qdrant.Value) Record {
	rec := Record{Metadata: make(map[string]string, len(payload))}
	for k, v := range payload {
		str, ok := v.GetKind().(*qdrant.Value_StringValue)
		if !ok {
			continue
		}
		switch k {
		case payloadID:
			rec.ID = str.StringValue
		case payloadContent:
			rec.Content = str.StringValue
		default:
			rec.Metadata[k] = str.StringValue
		}
	}
	rec.SourceID = rec.Metadata[MetaSourceID]
	return rec
}

func denseVector(v *qdrant.VectorsOutput) []float32 {
	out := v.GetVector()
	if dense := out.GetDense(); dense != nil {
		return dense.GetData()
	}
	return out.GetData()
}

func sourceFilter(sourceID string) *qdrant.Filter {
	return &qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewMatchKeyword(MetaSourceID, sourceID)}}
}

func toQdrantFilter(filter Filter) *qdrant.Filter {
	if len(filter) == 0 {
		return nil
	}
	conditions := make([]*qdrant.Condition, 0, len(filter))
	for _, c := range filter.conditions() {
		switch c.op {
		case opAtLeast:
			conditions = append(conditions, qdrant.NewDatetimeRange(c.field, &qdrant.DatetimeRange{Gte: timestamppb.New(c.bound())}))
		case opAtMost:
			conditions = append(conditions, qdrant.NewDatetimeRange(c.field, &qdrant.DatetimeRange{Lte: timestamppb.New(c.bound())}))
		default:
			conditions = append(conditions, qdrant.NewMatchKeyword(c.field, c.value))
		}
	}
	return &qdrant.Filter{Must: conditions}
}
