// ABOUTME: Config is the plain-struct configuration surface for opening a database
// ABOUTME: Validate clamps/rejects out-of-range fields before any package wires them up

package config

import "fmt"

// IsolationLevel selects the default transaction isolation a Database
// hands out when a caller doesn't request one explicitly.
type IsolationLevel string

const (
	ReadUncommitted IsolationLevel = "read-uncommitted"
	ReadCommitted   IsolationLevel = "read-committed"
	RepeatableRead  IsolationLevel = "repeatable-read"
	Serializable    IsolationLevel = "serializable"
)

// MinPageSize and MaxPageSize bound PageSize.
const (
	MinPageSize = 512
	MaxPageSize = 65536
)

// StorageConfig groups the on-disk object format's optional decorators.
type StorageConfig struct {
	EnableCompression    bool
	CompressionThreshold int
	EnableChecksums      bool
}

// IndexConfig groups B+ tree fanout controls.
type IndexConfig struct {
	MinDegree         int
	MaxDegree         int
	AutoOptimizeDegree bool
}

// CacheConfig groups in-memory cache sizing.
type CacheConfig struct {
	PageCacheSize  int
	IndexCacheSize int
	EnableLRU      bool
}

// Config is the full set of options recognized when opening a database.
type Config struct {
	PageSize              int
	MaxFileHandles        int
	BTreeDegree           int
	UseBufferedIO         bool
	DefaultIsolationLevel IsolationLevel

	EnableWAL             bool
	WALMaxFileSize        int64
	WALCheckpointInterval int64
	WALAutoCheckpoint     bool

	Storage StorageConfig
	Index   IndexConfig
	Cache   CacheConfig
}

// Default returns a Config with conservative, broadly-applicable defaults.
func Default() Config {
	return Config{
		PageSize:              4096,
		MaxFileHandles:        64,
		BTreeDegree:           64,
		UseBufferedIO:         false,
		DefaultIsolationLevel: RepeatableRead,

		EnableWAL:             true,
		WALMaxFileSize:        16 * 1024 * 1024,
		WALCheckpointInterval: 1000,
		WALAutoCheckpoint:     true,

		Storage: StorageConfig{
			EnableCompression:    false,
			CompressionThreshold: 0,
			EnableChecksums:      true,
		},
		Index: IndexConfig{
			MinDegree:          4,
			MaxDegree:          256,
			AutoOptimizeDegree: false,
		},
		Cache: CacheConfig{
			PageCacheSize:  1024,
			IndexCacheSize: 256,
			EnableLRU:      true,
		},
	}
}

// Validate clamps PageSize to [MinPageSize, MaxPageSize], rejects
// non-positive handle and WAL limits, and replaces non-positive cache sizes
// with their defaults, mutating c in place and returning the first hard
// error encountered.
func (c *Config) Validate() error {
	if c.PageSize < MinPageSize {
		c.PageSize = MinPageSize
	}
	if c.PageSize > MaxPageSize {
		c.PageSize = MaxPageSize
	}
	if c.MaxFileHandles <= 0 {
		return fmt.Errorf("config: max_file_handles must be positive, got %d", c.MaxFileHandles)
	}
	if c.BTreeDegree < 3 {
		return fmt.Errorf("config: b_tree_degree must be at least 3, got %d", c.BTreeDegree)
	}
	switch c.DefaultIsolationLevel {
	case ReadUncommitted, ReadCommitted, RepeatableRead, Serializable:
	case "":
		c.DefaultIsolationLevel = RepeatableRead
	default:
		return fmt.Errorf("config: unrecognized isolation level %q", c.DefaultIsolationLevel)
	}
	if c.EnableWAL {
		if c.WALMaxFileSize <= 0 {
			return fmt.Errorf("config: wal_max_file_size must be positive, got %d", c.WALMaxFileSize)
		}
		if c.WALAutoCheckpoint && c.WALCheckpointInterval <= 0 {
			return fmt.Errorf("config: wal_checkpoint_interval must be positive when wal_auto_checkpoint is set, got %d", c.WALCheckpointInterval)
		}
	}
	if c.Index.MinDegree < 2 {
		return fmt.Errorf("config: index.min_degree must be at least 2, got %d", c.Index.MinDegree)
	}
	if c.Index.MaxDegree < c.Index.MinDegree {
		return fmt.Errorf("config: index.max_degree (%d) must be >= index.min_degree (%d)", c.Index.MaxDegree, c.Index.MinDegree)
	}
	if c.Cache.PageCacheSize <= 0 {
		c.Cache.PageCacheSize = 1024
	}
	if c.Cache.IndexCacheSize <= 0 {
		c.Cache.IndexCacheSize = 256
	}
	return nil
}
