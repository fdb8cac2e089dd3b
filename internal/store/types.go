package store

import "errors"

// Index kinds. Each stored key is a member of one set of every kind.
const (
	IndexClient    = "client"
	IndexWarehouse = "warehouse"
	IndexProduct   = "product"
)

// Hash field prefixes
const (
	salesField = "sales:"
	priceField = "price:"
)

const (
	// DefaultSearchLimit caps search results when the query sets no limit
	DefaultSearchLimit = 100
	// MaxSearchLimit is the largest accepted query limit
	MaxSearchLimit = 5000

	fetchChunk  = 100
	deleteChunk = 100
	scanCount   = 1000
)

var (
	// ErrNotFound is returned when a record key is not stored.
	ErrNotFound = errors.New("record not found")
	// ErrNoFilter is returned by Search when the query names no attribute.
	ErrNoFilter = errors.New("at least one of client, warehouse or product is required")
)

// Config contains the Redis connection and key layout
type Config struct {
	RedisURL      string `yaml:"redis_url" mapstructure:"redis_url"`
	Password      string `yaml:"password" mapstructure:"password"`
	PoolSize      int    `yaml:"pool_size" mapstructure:"pool_size"`
	MinIdleConns  int    `yaml:"min_idle_conns" mapstructure:"min_idle_conns"`
	KeyPrefix     string `yaml:"key_prefix" mapstructure:"key_prefix"`
	AtomicBatches bool   `yaml:"atomic_batches" mapstructure:"atomic_batches"`
}

// Record is one stored key with its date series
type Record struct {
	Key       string            `json:"key"`
	Client    string            `json:"client"`
	Warehouse string            `json:"warehouse"`
	Product   string            `json:"product"`
	Sales     map[string]string `json:"sales"`
	Price     map[string]string `json:"price"`
}

// Query selects records by attribute. Empty attributes are not filtered on.
type Query struct {
	Client    string `json:"client,omitempty"`
	Warehouse string `json:"warehouse,omitempty"`
	Product   string `json:"product,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// SearchResult is a page of matching records
type SearchResult struct {
	Total   int       `json:"total"`
	Records []*Record `json:"records"`
}

// Options lists the distinct attribute values present in the indexes
type Options struct {
	Clients    []string `json:"clients"`
	Warehouses []string `json:"warehouses"`
	Products   []string `json:"products"`
}

// Stats describes the store contents
type Stats struct {
	TotalKeys   int64 `json:"total_keys"`
	MemoryUsage int64 `json:"memory_usage_bytes"`
	Clients     int   `json:"clients"`
}
