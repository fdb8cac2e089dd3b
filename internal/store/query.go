package store

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/go-redis/redis/v8"

	"github.com/raaihank/salesdash/internal/etl"
)

// Search returns the records that are members of every named index
func (s *RecordStore) Search(ctx context.Context, q Query) (*SearchResult, error) {
	var sets []string
	if v := etl.NormalizeIdentifier(q.Client); v != "" {
		sets = append(sets, s.indexKey(IndexClient, v))
	}
	if v := etl.NormalizeIdentifier(q.Warehouse); v != "" {
		sets = append(sets, s.indexKey(IndexWarehouse, v))
	}
	if v := etl.NormalizeIdentifier(q.Product); v != "" {
		sets = append(sets, s.indexKey(IndexProduct, v))
	}
	if len(sets) == 0 {
		return nil, ErrNoFilter
	}

	keys, err := s.client.SInter(ctx, sets...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to intersect indexes: %w", err)
	}
	sort.Strings(keys)

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	limit = min(limit, MaxSearchLimit)

	result := &SearchResult{Total: len(keys)}
	if len(keys) > limit {
		keys = keys[:limit]
	}

	result.Records, err = s.fetch(ctx, keys)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Get returns one stored record
func (s *RecordStore) Get(ctx context.Context, key string) (*Record, error) {
	fields, err := s.client.HGetAll(ctx, s.recordKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return newRecord(key, fields), nil
}

// Options lists the distinct clients, warehouses and products
func (s *RecordStore) Options(ctx context.Context) (*Options, error) {
	clients, err := s.scanValues(ctx, IndexClient)
	if err != nil {
		return nil, err
	}
	warehouses, err := s.scanValues(ctx, IndexWarehouse)
	if err != nil {
		return nil, err
	}
	products, err := s.scanValues(ctx, IndexProduct)
	if err != nil {
		return nil, err
	}

	return &Options{
		Clients:    clients,
		Warehouses: warehouses,
		Products:   products,
	}, nil
}

// Walk calls fn for every indexed record in key order, client by client
func (s *RecordStore) Walk(ctx context.Context, fn func(*Record) error) error {
	clients, err := s.scanValues(ctx, IndexClient)
	if err != nil {
		return err
	}

	for _, client := range clients {
		keys, err := s.client.SMembers(ctx, s.indexKey(IndexClient, client)).Result()
		if err != nil {
			return fmt.Errorf("failed to read index of %s: %w", client, err)
		}
		sort.Strings(keys)

		for start := 0; start < len(keys); start += fetchChunk {
			records, err := s.fetch(ctx, keys[start:min(start+fetchChunk, len(keys))])
			if err != nil {
				return err
			}
			for _, rec := range records {
				if err := fn(rec); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

// scanValues returns the sorted attribute values that have an index set
func (s *RecordStore) scanValues(ctx context.Context, kind string) ([]string, error) {
	prefix := s.indexKey(kind, "")
	iter := s.client.Scan(ctx, 0, prefix+"*", scanCount).Iterator()

	seen := make(map[string]struct{})
	for iter.Next(ctx) {
		seen[strings.TrimPrefix(iter.Val(), prefix)] = struct{}{}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan %s index: %w", kind, err)
	}

	values := make([]string, 0, len(seen))
	for v := range seen {
		values = append(values, v)
	}
	sort.Strings(values)
	return values, nil
}

// fetch loads records with pipelined HGETALL calls. Keys that are indexed
// but not stored are left out.
func (s *RecordStore) fetch(ctx context.Context, keys []string) ([]*Record, error) {
	records := make([]*Record, 0, len(keys))

	for start := 0; start < len(keys); start += fetchChunk {
		chunk := keys[start:min(start+fetchChunk, len(keys))]

		pipe := s.client.Pipeline()
		cmds := make([]*redis.StringStringMapCmd, len(chunk))
		for i, key := range chunk {
			cmds[i] = pipe.HGetAll(ctx, s.recordKey(key))
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("failed to fetch records: %w", err)
		}

		for i, cmd := range cmds {
			if fields := cmd.Val(); len(fields) > 0 {
				records = append(records, newRecord(chunk[i], fields))
			}
		}
	}

	return records, nil
}

// newRecord splits stored hash fields into the sales and price series
func newRecord(key string, fields map[string]string) *Record {
	rec := &Record{
		Key:   key,
		Sales: make(map[string]string),
		Price: make(map[string]string),
	}

	parts := strings.SplitN(key, etl.KeySeparator, 3)
	if len(parts) == 3 {
		rec.Client, rec.Warehouse, rec.Product = parts[0], parts[1], parts[2]
	}

	for field, value := range fields {
		switch {
		case strings.HasPrefix(field, salesField):
			rec.Sales[strings.TrimPrefix(field, salesField)] = value
		case strings.HasPrefix(field, priceField):
			rec.Price[strings.TrimPrefix(field, priceField)] = value
		}
	}
	return rec
}
