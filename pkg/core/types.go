package core

import "context"

// Metric identifies the distance function a store or query uses.
type Metric int

const (
	MetricCosine Metric = iota
	MetricEuclidean
	MetricDot
)

func (m Metric) String() string {
	switch m {
	case MetricEuclidean:
		return "euclidean"
	case MetricDot:
		return "dot"
	default:
		return "cosine"
	}
}

// ParseMetric maps a configuration string onto a Metric, defaulting to
// cosine for an empty string.
func ParseMetric(s string) (Metric, error) {
	switch s {
	case "", "cosine":
		return MetricCosine, nil
	case "euclidean":
		return MetricEuclidean, nil
	case "dot":
		return MetricDot, nil
	default:
		return 0, NewError("parse_metric", KindInvalidInput)
	}
}

// VectorRecord is a single stored embedding plus its metadata. ID is a
// ULID-style, lexically sortable identifier assigned at insert time unless
// the caller supplies one.
type VectorRecord struct {
	ID        string
	Embedding []float32
	Norm      float32
	Metadata  map[string]string
	Kind      string // "vector" (default), "pattern", "experience", "memory_node"
	CreatedAt int64  // milliseconds since epoch
	Quantized []byte // optional quantized code; layout owned by the registered codec
}

// ScoredRecord pairs a VectorRecord with its distance/similarity score for
// a particular query.
type ScoredRecord struct {
	VectorRecord
	Score float64
}

// Filter is a canonical, sorted metadata equality predicate applied after
// candidate retrieval. A nil or empty Filter matches everything.
type Filter map[string]string

// RetryConfig governs the retry-with-backoff policy for transient I/O
// failures.
type RetryConfig struct {
	MaxAttempts int
	BaseDelayMS int
}

// DefaultRetryConfig returns 3 attempts with a 20ms base delay.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelayMS: 20}
}

// HNSWConfig configures the ANN index.
type HNSWConfig struct {
	Enabled            bool
	M                  int
	M0                 int
	EfConstruction     int
	EfSearch           int
	MinVectorsForIndex int
	AutoRebuild        bool
	Metric             Metric
	TombstoneRatio     float64 // fraction of level-0 edges tombstoned before Degraded
}

// DefaultHNSWConfig returns the standard construction parameters.
func DefaultHNSWConfig() HNSWConfig {
	return HNSWConfig{
		Enabled:            true,
		M:                  16,
		M0:                 32,
		EfConstruction:     200,
		EfSearch:           50,
		MinVectorsForIndex: 1000,
		AutoRebuild:        false,
		Metric:             MetricCosine,
		TombstoneRatio:     0.2,
	}
}

// CacheConfig configures the query cache.
type CacheConfig struct {
	Enabled    bool
	MaxEntries int
	TTLMillis  int64
}

// DefaultCacheConfig returns a 1,000-entry cache with a 5-minute TTL.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{Enabled: true, MaxEntries: 1000, TTLMillis: 300000}
}

// QuantizationConfig configures the vector codec's optional quantizer.
type QuantizationConfig struct {
	Enabled    bool
	Type       string // "scalar" | "product" | "binary"
	Bits       int    // scalar: bits per component (default 8)
	Subvectors int    // product: number of subvector splits
	Centroids  int    // product: centroids per subspace (K)
}

// DefaultQuantizationConfig returns quantization disabled by default.
func DefaultQuantizationConfig() QuantizationConfig {
	return QuantizationConfig{Enabled: false, Type: "scalar", Bits: 8, Subvectors: 8, Centroids: 256}
}

// Config is the full engine configuration, composing every sub-config.
type Config struct {
	Path          string
	Dimension     int // 0 = auto-detect from first insert
	Metric        Metric
	WAL           bool
	CacheSizeKiB  int
	MmapSizeBytes int64
	HNSW          HNSWConfig
	QueryCache    CacheConfig
	Quantization  QuantizationConfig
	Retry         RetryConfig
	Logger        Logger
}

// DefaultConfig returns the default for every field.
func DefaultConfig(path string, dimension int) Config {
	return Config{
		Path:          path,
		Dimension:     dimension,
		Metric:        MetricCosine,
		WAL:           true,
		CacheSizeKiB:  100000,
		MmapSizeBytes: 268435456,
		HNSW:          DefaultHNSWConfig(),
		QueryCache:    DefaultCacheConfig(),
		Quantization:  DefaultQuantizationConfig(),
		Retry:         DefaultRetryConfig(),
		Logger:        NopLogger(),
	}
}

// withRetry retries fn up to cfg.MaxAttempts times, but only when the error
// returned is tagged KindIO; any other error (or success) returns
// immediately. Backoff doubles from cfg.BaseDelayMS on each retry.
func withRetry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	delay := cfg.BaseDelayMS
	if delay <= 0 {
		delay = 20
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = fn()
		if err == nil || KindOf(err) != KindIO {
			return err
		}
		if attempt == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return NewError("retry", KindCancelled)
		case <-timeAfterMS(delay):
		}
		delay *= 2
	}
	return err
}
