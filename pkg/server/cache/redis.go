package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"tc.com/price-estimator/pkg/config"
	"tc.com/price-estimator/pkg/server/aggregator"
	"tc.com/price-estimator/pkg/server/sources"
	"tc.com/price-estimator/pkg/token"
)

const scanCount = 100

// RedisStore persists cache entries as JSON blobs with a TTL.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps an existing client. Keys are namespaced by prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// DialRedis connects to the configured redis server and verifies it answers.
func DialRedis(ctx context.Context, cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return NewRedisStore(client, cfg.Prefix), nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// entryRecord is the persisted form of an Entry. PriceEstimate has an
// API-oriented JSON encoding, so the fields are spelled out here.
type entryRecord struct {
	Base                token.Descriptor      `json:"base"`
	Quote               token.Descriptor      `json:"quote"`
	Price               decimal.Decimal       `json:"price"`
	AsOf                time.Time             `json:"as_of"`
	Staleness           time.Duration         `json:"staleness"`
	AgreementScore      decimal.Decimal       `json:"agreement_score"`
	ContributingSources []string              `json:"contributing_sources"`
	Status              aggregator.Status     `json:"status"`
	Observations        []sources.Observation `json:"observations"`
	ExpiresAt           time.Time             `json:"expires_at"`
}

func toRecord(e Entry) entryRecord {
	return entryRecord{
		Base:                e.Estimate.Pair.Base,
		Quote:               e.Estimate.Pair.Quote,
		Price:               e.Estimate.Price,
		AsOf:                e.Estimate.AsOf,
		Staleness:           e.Estimate.Staleness,
		AgreementScore:      e.Estimate.AgreementScore,
		ContributingSources: e.Estimate.ContributingSources,
		Status:              e.Estimate.Status,
		Observations:        e.Observations,
		ExpiresAt:           e.ExpiresAt,
	}
}

func (r entryRecord) entry() Entry {
	pair := token.NewPair(r.Base, r.Quote)
	observations := make([]sources.Observation, len(r.Observations))
	for i, o := range r.Observations {
		o.Pair = pair
		observations[i] = o
	}
	return Entry{
		Estimate: aggregator.PriceEstimate{
			Pair:                pair,
			Price:               r.Price,
			AsOf:                r.AsOf,
			Staleness:           r.Staleness,
			AgreementScore:      r.AgreementScore,
			ContributingSources: r.ContributingSources,
			Status:              r.Status,
		},
		Observations: observations,
		ExpiresAt:    r.ExpiresAt,
	}
}

func (s *RedisStore) key(pair token.Pair) string {
	return s.prefix + "entry:" + pair.Key()
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, entry Entry, ttl time.Duration) error {
	data, err := json.Marshal(toRecord(entry))
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}
	if err := s.client.Set(ctx, s.key(entry.Estimate.Pair), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save cache entry: %w", err)
	}
	return nil
}

// Load implements Store. Undecodable records are skipped.
func (s *RedisStore) Load(ctx context.Context) ([]Entry, error) {
	var (
		entries []Entry
		cursor  uint64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"entry:*", scanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan cache entries: %w", err)
		}
		for _, k := range keys {
			data, err := s.client.Get(ctx, k).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to load cache entry %s: %w", k, err)
			}
			var rec entryRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				continue
			}
			entries = append(entries, rec.entry())
		}
		cursor = next
		if cursor == 0 {
			return entries, nil
		}
	}
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, pair token.Pair) error {
	if err := s.client.Del(ctx, s.key(pair)).Err(); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}
