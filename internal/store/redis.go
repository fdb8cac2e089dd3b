package store

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/raaihank/salesdash/internal/etl"
)

// RecordStore keeps combined records as Redis hashes with secondary index
// sets per client, warehouse and product.
type RecordStore struct {
	client *redis.Client
	config *Config
	logger *zap.Logger
}

var _ etl.BatchWriter = (*RecordStore)(nil)

// NewRecordStore connects to Redis and verifies the connection
func NewRecordStore(config *Config, logger *zap.Logger) (*RecordStore, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	if config.Password != "" {
		opts.Password = config.Password
	}
	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	opts.MinIdleConns = config.MinIdleConns

	s := &RecordStore{
		client: redis.NewClient(opts),
		config: config,
		logger: logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.Ping(ctx); err != nil {
		s.client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Record store initialized",
		zap.String("redis_url", maskRedisURL(config.RedisURL)),
		zap.Int("pool_size", opts.PoolSize),
		zap.String("key_prefix", config.KeyPrefix),
		zap.Bool("atomic_batches", config.AtomicBatches))

	return s, nil
}

// Ping tests the Redis connection
func (s *RecordStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (s *RecordStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func (s *RecordStore) recordKey(key string) string {
	return s.config.KeyPrefix + key
}

func (s *RecordStore) indexKey(kind, value string) string {
	return s.config.KeyPrefix + "index:" + kind + ":" + value
}

// WriteBatch stores every record of the batch in a single pipeline: one
// HSET per key with its sales and price fields and one SADD per index.
// Records without any value are not stored or indexed.
func (s *RecordStore) WriteBatch(ctx context.Context, batch *etl.Batch) (int, error) {
	if batch.Len() == 0 {
		return 0, nil
	}

	var pipe redis.Pipeliner
	if s.config.AtomicBatches {
		pipe = s.client.TxPipeline()
	} else {
		pipe = s.client.Pipeline()
	}

	written := 0
	for _, rec := range batch.Records() {
		fields := hashFields(rec)
		if len(fields) == 0 {
			continue
		}

		pipe.HSet(ctx, s.recordKey(rec.Key), fields...)
		pipe.SAdd(ctx, s.indexKey(IndexClient, rec.Client), rec.Key)
		pipe.SAdd(ctx, s.indexKey(IndexWarehouse, rec.Warehouse), rec.Key)
		pipe.SAdd(ctx, s.indexKey(IndexProduct, rec.Product), rec.Key)
		written++
	}

	if written == 0 {
		return 0, nil
	}

	start := time.Now()
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Error("Batch write failed",
			zap.Int("batch", batch.Index),
			zap.Int("keys", written),
			zap.Error(err))
		return 0, fmt.Errorf("batch write failed: %w", err)
	}

	s.logger.Debug("Batch write completed",
		zap.Int("batch", batch.Index),
		zap.Int("keys", written),
		zap.Duration("duration", time.Since(start)))

	return written, nil
}

// hashFields flattens a record into HSET arguments in date order
func hashFields(rec *etl.CombinedRecord) []interface{} {
	fields := make([]interface{}, 0, 2*(len(rec.Sales)+len(rec.Price)))
	for _, date := range sortedDates(rec.Sales) {
		fields = append(fields, salesField+date, rec.Sales[date])
	}
	for _, date := range sortedDates(rec.Price) {
		fields = append(fields, priceField+date, rec.Price[date])
	}
	return fields
}

func sortedDates(values map[string]string) []string {
	dates := make([]string, 0, len(values))
	for d := range values {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	return dates
}

// Reset wipes the store. Without a key prefix the whole database is flushed;
// with one only the prefixed keys are deleted.
func (s *RecordStore) Reset(ctx context.Context) error {
	if s.config.KeyPrefix == "" {
		if err := s.client.FlushDB(ctx).Err(); err != nil {
			return fmt.Errorf("failed to flush database: %w", err)
		}
		s.logger.Info("Record store flushed")
		return nil
	}

	iter := s.client.Scan(ctx, 0, s.config.KeyPrefix+"*", scanCount).Iterator()
	keys := make([]string, 0, deleteChunk)
	deleted := 0

	flush := func() error {
		if len(keys) == 0 {
			return nil
		}
		if err := s.client.Del(ctx, keys...).Err(); err != nil {
			s.logger.Error("Failed to delete keys", zap.Error(err))
			return fmt.Errorf("failed to delete keys: %w", err)
		}
		deleted += len(keys)
		keys = keys[:0]
		return nil
	}

	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) >= deleteChunk {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan keys: %w", err)
	}
	if err := flush(); err != nil {
		return err
	}

	s.logger.Info("Record store cleared",
		zap.String("key_prefix", s.config.KeyPrefix),
		zap.Int("deleted_keys", deleted))
	return nil
}

// Stats returns the key count and memory usage
func (s *RecordStore) Stats(ctx context.Context) (*Stats, error) {
	keys, err := s.client.DBSize(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get key count: %w", err)
	}

	stats := &Stats{TotalKeys: keys}

	clients, err := s.scanValues(ctx, IndexClient)
	if err != nil {
		return nil, err
	}
	stats.Clients = len(clients)

	info, err := s.client.Info(ctx, "memory").Result()
	if err != nil {
		s.logger.Debug("Memory info unavailable", zap.Error(err))
		return stats, nil
	}
	for _, line := range strings.Split(info, "\r\n") {
		if memStr, ok := strings.CutPrefix(line, "used_memory:"); ok {
			if mem, err := strconv.ParseInt(memStr, 10, 64); err == nil {
				stats.MemoryUsage = mem
			}
		}
	}

	return stats, nil
}

// maskRedisURL hides the password of a Redis URL for logging
func maskRedisURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "redis://***"
	}
	return u.Redacted()
}
