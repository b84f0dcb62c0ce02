// Package tuning holds operational knobs that should be changeable without
// touching the main identity/cluster configuration: queue buffer sizes,
// HTTP client timeouts, and retry backoff bounds. It loads from its own
// viper instance and configs/tuning.yaml, separate from internal/config, so
// that tuning a queue depth never risks tripping cluster validation.
package tuning

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// Config holds tunable operational parameters for the channel runtime and
// dispatcher. These can be adjusted per-deployment without changing code or
// the main identity configuration.
type Config struct {
	HTTP    HTTPTuning    `mapstructure:"http"`
	Queue   QueueTuning   `mapstructure:"queue"`
	Retry   RetryTuning   `mapstructure:"retry"`
	Store   StoreTuning   `mapstructure:"store"`
	Cluster ClusterTuning `mapstructure:"cluster"`
}

// HTTPTuning contains HTTP client tuning for the remote dispatcher (C6) and
// the source HTTP/web-service connector.
type HTTPTuning struct {
	// DispatchTimeoutSeconds bounds a single cross-instance dispatch call.
	DispatchTimeoutSeconds int `mapstructure:"dispatch_timeout_seconds"`

	// MaxIdleConns, MaxIdleConnsPerHost, and MaxConnsPerHost size the pooled
	// transport shared by all outbound dispatch requests.
	MaxIdleConns        int `mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost int `mapstructure:"max_idle_conns_per_host"`
	MaxConnsPerHost     int `mapstructure:"max_conns_per_host"`

	// IdleConnTimeoutSeconds closes pooled connections left idle this long.
	IdleConnTimeoutSeconds int `mapstructure:"idle_conn_timeout_seconds"`
}

// QueueTuning contains destination queue buffer sizing.
type QueueTuning struct {
	// DestinationBufferSize is the in-memory buffer capacity of each
	// destination queue; an item added to a full buffer is not held in
	// memory and stays in the store for the queue's refill.
	DestinationBufferSize int `mapstructure:"destination_buffer_size"`

	// IngestBufferSize is the buffer depth for the source connector's
	// ingest channel feeding the filter/transform stage.
	IngestBufferSize int `mapstructure:"ingest_buffer_size"`

	// CheckoutTimeoutSeconds bounds how long a destination worker's
	// PollWithTimeout waits for an item before re-checking for shutdown.
	CheckoutTimeoutSeconds int `mapstructure:"checkout_timeout_seconds"`
}

// RetryTuning contains destination retry/backoff parameters, generalized
// from the teacher's circuit breaker into a per-destination retry policy.
type RetryTuning struct {
	// MaxAttempts is the number of send attempts before a message is
	// marked ERROR and (if configured) routed to the error destination.
	MaxAttempts int `mapstructure:"max_attempts"`

	// InitialBackoffMillis and MaxBackoffMillis are bounds for an
	// exponential retry backoff. Only Validate reads them; destination
	// retries wait the fixed interval of their runtime.RetryPolicy.
	InitialBackoffMillis int `mapstructure:"initial_backoff_millis"`
	MaxBackoffMillis     int `mapstructure:"max_backoff_millis"`

	// FailureThreshold is a count of consecutive send failures to a
	// destination. Only Validate reads it; no component tracks a degraded
	// destination state or raises alerts.
	FailureThreshold int `mapstructure:"failure_threshold"`
}

// StoreTuning contains message store tuning parameters.
type StoreTuning struct {
	// SequenceBlockMinSize is the floor on MIRTH_CLUSTER_SEQUENCE_BLOCK;
	// configs requesting less are raised to this to avoid thrashing the
	// sequence_blocks table under high throughput.
	SequenceBlockMinSize int `mapstructure:"sequence_block_min_size"`

	// ContentRetentionDays is how long processed-stage content rows are
	// kept before a pruning job may remove them; 0 disables pruning.
	ContentRetentionDays int `mapstructure:"content_retention_days"`

	// BlobOffloadThresholdBytes is the attachment size above which
	// PutAttachment offloads to blob storage instead of the database, when
	// an offloader is configured. Content rows are always stored inline.
	BlobOffloadThresholdBytes int `mapstructure:"blob_offload_threshold_bytes"`
}

// ClusterTuning contains heartbeat and lease renewal tuning that is safe to
// retune independently of the identity config's fixed interval/timeout.
type ClusterTuning struct {
	// LeaseRenewalFraction is a fraction (0,1) of the lease TTL; e.g. 0.5
	// is half the TTL. Only Validate reads it; lease.Manager renews a held
	// lease at a fixed ttl/3.
	LeaseRenewalFraction float64 `mapstructure:"lease_renewal_fraction"`

	// QuorumCheckIntervalSeconds is an interval for re-evaluating quorum
	// membership. Only Validate reads it; the registry computes quorum on
	// each ComputeQuorum call and runs no periodic check.
	QuorumCheckIntervalSeconds int `mapstructure:"quorum_check_interval_seconds"`
}

func defaultConfig() *Config {
	return &Config{
		HTTP: HTTPTuning{
			DispatchTimeoutSeconds: 10,
			MaxIdleConns:           100,
			MaxIdleConnsPerHost:    10,
			MaxConnsPerHost:        20,
			IdleConnTimeoutSeconds: 90,
		},
		Queue: QueueTuning{
			DestinationBufferSize: 100,
			IngestBufferSize:      100,
			CheckoutTimeoutSeconds: 5,
		},
		Retry: RetryTuning{
			MaxAttempts:          3,
			InitialBackoffMillis: 500,
			MaxBackoffMillis:     30000,
			FailureThreshold:     5,
		},
		Store: StoreTuning{
			SequenceBlockMinSize:      10,
			ContentRetentionDays:      0,
			BlobOffloadThresholdBytes: 1 << 20,
		},
		Cluster: ClusterTuning{
			LeaseRenewalFraction:      0.5,
			QuorumCheckIntervalSeconds: 5,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := defaultConfig()

	v.SetDefault("http.dispatch_timeout_seconds", d.HTTP.DispatchTimeoutSeconds)
	v.SetDefault("http.max_idle_conns", d.HTTP.MaxIdleConns)
	v.SetDefault("http.max_idle_conns_per_host", d.HTTP.MaxIdleConnsPerHost)
	v.SetDefault("http.max_conns_per_host", d.HTTP.MaxConnsPerHost)
	v.SetDefault("http.idle_conn_timeout_seconds", d.HTTP.IdleConnTimeoutSeconds)

	v.SetDefault("queue.destination_buffer_size", d.Queue.DestinationBufferSize)
	v.SetDefault("queue.ingest_buffer_size", d.Queue.IngestBufferSize)
	v.SetDefault("queue.checkout_timeout_seconds", d.Queue.CheckoutTimeoutSeconds)

	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.initial_backoff_millis", d.Retry.InitialBackoffMillis)
	v.SetDefault("retry.max_backoff_millis", d.Retry.MaxBackoffMillis)
	v.SetDefault("retry.failure_threshold", d.Retry.FailureThreshold)

	v.SetDefault("store.sequence_block_min_size", d.Store.SequenceBlockMinSize)
	v.SetDefault("store.content_retention_days", d.Store.ContentRetentionDays)
	v.SetDefault("store.blob_offload_threshold_bytes", d.Store.BlobOffloadThresholdBytes)

	v.SetDefault("cluster.lease_renewal_fraction", d.Cluster.LeaseRenewalFraction)
	v.SetDefault("cluster.quorum_check_interval_seconds", d.Cluster.QuorumCheckIntervalSeconds)
}

// Load reads configs/tuning.yaml from standard locations, falling back to
// defaults when no file is present.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile loads tuning configuration from a specific file path. If path is
// empty it searches standard locations; if no file is found there it
// returns defaults without error.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tuning")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/bridge")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return defaultConfig(), nil
		}
		if _, ok := err.(*os.PathError); ok {
			return defaultConfig(), nil
		}
		return nil, fmt.Errorf("tuning: read config: %w", err)
	}

	cfg := defaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("tuning: unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks tuning parameters for valid ranges.
func (c *Config) Validate() error {
	if c.HTTP.DispatchTimeoutSeconds < 1 {
		return fmt.Errorf("tuning: http.dispatch_timeout_seconds must be >= 1, got %d", c.HTTP.DispatchTimeoutSeconds)
	}
	if c.HTTP.MaxIdleConns < 1 {
		return fmt.Errorf("tuning: http.max_idle_conns must be >= 1, got %d", c.HTTP.MaxIdleConns)
	}
	if c.HTTP.MaxIdleConnsPerHost < 1 {
		return fmt.Errorf("tuning: http.max_idle_conns_per_host must be >= 1, got %d", c.HTTP.MaxIdleConnsPerHost)
	}

	if c.Queue.DestinationBufferSize < 1 {
		return fmt.Errorf("tuning: queue.destination_buffer_size must be >= 1, got %d", c.Queue.DestinationBufferSize)
	}
	if c.Queue.IngestBufferSize < 1 {
		return fmt.Errorf("tuning: queue.ingest_buffer_size must be >= 1, got %d", c.Queue.IngestBufferSize)
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("tuning: retry.max_attempts must be >= 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.InitialBackoffMillis < 1 {
		return fmt.Errorf("tuning: retry.initial_backoff_millis must be >= 1, got %d", c.Retry.InitialBackoffMillis)
	}
	if c.Retry.MaxBackoffMillis < c.Retry.InitialBackoffMillis {
		return fmt.Errorf("tuning: retry.max_backoff_millis (%d) must be >= initial_backoff_millis (%d)",
			c.Retry.MaxBackoffMillis, c.Retry.InitialBackoffMillis)
	}
	if c.Retry.FailureThreshold < 1 {
		return fmt.Errorf("tuning: retry.failure_threshold must be >= 1, got %d", c.Retry.FailureThreshold)
	}

	if c.Store.SequenceBlockMinSize < 1 {
		return fmt.Errorf("tuning: store.sequence_block_min_size must be >= 1, got %d", c.Store.SequenceBlockMinSize)
	}
	if c.Store.ContentRetentionDays < 0 {
		return fmt.Errorf("tuning: store.content_retention_days must be >= 0, got %d", c.Store.ContentRetentionDays)
	}

	if c.Cluster.LeaseRenewalFraction <= 0 || c.Cluster.LeaseRenewalFraction >= 1 {
		return fmt.Errorf("tuning: cluster.lease_renewal_fraction must be in (0,1), got %v", c.Cluster.LeaseRenewalFraction)
	}
	if c.Cluster.QuorumCheckIntervalSeconds < 1 {
		return fmt.Errorf("tuning: cluster.quorum_check_interval_seconds must be >= 1, got %d", c.Cluster.QuorumCheckIntervalSeconds)
	}

	return nil
}
