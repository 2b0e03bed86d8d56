package cache

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wisdomapp/wisdompay/internal/pkg/env"
)

// processedMarkerTTL bounds how long the duplicate fast path remembers a
// fully-processed invoice. The record store stays authoritative beyond it.
const processedMarkerTTL = 24 * time.Hour

// Cache is a best-effort duplicate fast path in front of the record store.
// Gateways redeliver aggressively; a hit here lets a duplicate short-circuit
// without touching the database. A nil Cache disables the fast path.
type Cache struct {
	client *redis.Client
}

// New connects to the redis cache server. Connection problems are logged and
// tolerated; the pipeline works without the fast path.
func New() *Cache {
	host := env.GetEnv("CACHE_HOST", "localhost")
	port := env.GetEnv("CACHE_PORT", "6379")

	client := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%s", host, port),
	})

	if _, err := client.Ping(context.Background()).Result(); err != nil {
		log.Printf("Warning: Could not connect to cache: %v", err)
	}

	return &Cache{client: client}
}

func processedKey(invoiceNumber string) string {
	return "ipn:processed:" + invoiceNumber
}

// MarkProcessed remembers that the order behind invoiceNumber is completed
// and activated. Errors are swallowed; the marker is an optimization only.
func (c *Cache) MarkProcessed(ctx context.Context, invoiceNumber string) {
	if c == nil || c.client == nil || invoiceNumber == "" {
		return
	}
	if err := c.client.Set(ctx, processedKey(invoiceNumber), 1, processedMarkerTTL).Err(); err != nil {
		log.Printf("cache: failed to mark %s processed: %v", invoiceNumber, err)
	}
}

// AlreadyProcessed reports whether the invoice was seen fully processed
// recently. False on any cache error, so the store-backed guard decides.
func (c *Cache) AlreadyProcessed(ctx context.Context, invoiceNumber string) bool {
	if c == nil || c.client == nil || invoiceNumber == "" {
		return false
	}
	n, err := c.client.Exists(ctx, processedKey(invoiceNumber)).Result()
	if err != nil {
		return false
	}
	return n > 0
}

// Close releases the redis connection.
func (c *Cache) Close() {
	if c == nil || c.client == nil {
		return
	}
	if err := c.client.Close(); err != nil {
		log.Printf("cache close: %v", err)
	}
}
