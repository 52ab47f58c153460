package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
)

const keyPrefix = "cache:entry:"

// Entry is an immutable cached task result. Entries are only ever written
// whole; a new result for the same fingerprint replaces the old one.
type Entry struct {
	Fingerprint string    `json:"fingerprint"`
	Payload     []byte    `json:"payload"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Cache is the response cache: a Redis-backed map from a request fingerprint
// to a previously computed result, with TTL expiry.
type Cache struct {
	client     *redis.Client
	defaultTTL time.Duration
	cron       *cron.Cron

	hits   atomic.Int64
	misses atomic.Int64
}

func New(redisAddr string, defaultTTL time.Duration) *Cache {
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	return NewWithClient(rdb, defaultTTL)
}

// NewWithClient wires an existing Redis client (tests use miniredis here).
func NewWithClient(client *redis.Client, defaultTTL time.Duration) *Cache {
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	return &Cache{client: client, defaultTTL: defaultTTL}
}

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	trailingRe   = regexp.MustCompile(`[.!?\s]+$`)
)

// Fingerprint derives the deterministic cache key for a task. Two requests
// that differ only in casing, whitespace, or trailing punctuation hash the
// same; option bits that change the result are folded in.
func Fingerprint(description string, useBrowser, useSandbox bool) string {
	norm := strings.ToLower(strings.TrimSpace(description))
	norm = whitespaceRe.ReplaceAllString(norm, " ")
	norm = trailingRe.ReplaceAllString(norm, "")

	h := sha256.New()
	h.Write([]byte(norm))
	fmt.Fprintf(h, "|browser=%t|sandbox=%t", useBrowser, useSandbox)
	return hex.EncodeToString(h.Sum(nil))
}

// Lookup returns the live entry for a fingerprint, or (nil, false) on miss.
// An entry past its expires_at is evicted on the spot even if Redis has not
// reclaimed it yet.
func (c *Cache) Lookup(ctx context.Context, fingerprint string) (*Entry, bool, error) {
	data, err := c.client.Get(ctx, keyPrefix+fingerprint).Bytes()
	if err == redis.Nil {
		c.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache lookup failed: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		// Corrupt entry: drop it rather than serve garbage.
		_ = c.client.Del(ctx, keyPrefix+fingerprint).Err()
		c.misses.Add(1)
		return nil, false, nil
	}

	if time.Now().After(entry.ExpiresAt) {
		_ = c.client.Del(ctx, keyPrefix+fingerprint).Err()
		c.misses.Add(1)
		log.Printf("🧹 [CACHE] Lazily evicted expired entry %s", shortFP(fingerprint))
		return nil, false, nil
	}

	c.hits.Add(1)
	return &entry, true, nil
}

// Store writes a result under a fingerprint, replacing any previous entry.
// ttl <= 0 uses the cache default (1 hour).
func (c *Cache) Store(ctx context.Context, fingerprint string, payload []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	now := time.Now()
	entry := Entry{
		Fingerprint: fingerprint,
		Payload:     payload,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}
	if err := c.client.Set(ctx, keyPrefix+fingerprint, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store cache entry: %w", err)
	}
	return nil
}

// Purge removes an entry regardless of expiry.
func (c *Cache) Purge(ctx context.Context, fingerprint string) error {
	return c.client.Del(ctx, keyPrefix+fingerprint).Err()
}

// Stats reports hit/miss counters since process start.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// StartSweep schedules a background sweep that scans the entry keyspace and
// deletes anything past expires_at. Redis TTLs already reclaim most entries;
// the sweep covers deployments where persistence restores stale rows.
func (c *Cache) StartSweep(interval time.Duration) {
	if c.cron != nil {
		return
	}
	c.cron = cron.New()
	spec := fmt.Sprintf("@every %s", interval)
	_, err := c.cron.AddFunc(spec, func() {
		removed := c.SweepExpired(context.Background())
		if removed > 0 {
			log.Printf("🧹 [CACHE] Sweep removed %d expired entries", removed)
		}
	})
	if err != nil {
		log.Printf("⚠️ [CACHE] Failed to schedule sweep: %v", err)
		return
	}
	c.cron.Start()
}

// StopSweep halts the background sweep.
func (c *Cache) StopSweep() {
	if c.cron != nil {
		c.cron.Stop()
		c.cron = nil
	}
}

// sweepDel deletes a key only if it still holds the value the sweep read,
// so an entry replaced mid-sweep survives.
var sweepDel = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// SweepExpired walks cache entries once and deletes the expired ones,
// returning how many were removed.
func (c *Cache) SweepExpired(ctx context.Context) int {
	var removed int
	iter := c.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	now := time.Now()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := c.client.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil || now.After(entry.ExpiresAt) {
			n, err := sweepDel.Run(ctx, c.client, []string{key}, data).Int()
			if err == nil && n > 0 {
				removed++
			}
		}
	}
	if err := iter.Err(); err != nil {
		log.Printf("⚠️ [CACHE] Sweep scan error: %v", err)
	}
	return removed
}

func shortFP(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
