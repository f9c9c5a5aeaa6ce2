package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Bucket defines rate limit parameters.
type Bucket struct {
	MaxRequests int
	Window      time.Duration
}

// Bucket names used by the HTTP handlers.
const (
	Predict = "predict"
	Batch   = "batch"
	API     = "api"
)

// DefaultBucket applies to bucket names the limiter was not configured with.
var DefaultBucket = Bucket{MaxRequests: 60, Window: time.Minute}

// DefaultBuckets returns the per-route limits, with the predict bucket sized
// to predictPerMinute. Batch uploads get a tenth of that, at least one.
func DefaultBuckets(predictPerMinute int) map[string]Bucket {
	batch := predictPerMinute / 10
	if batch < 1 {
		batch = 1
	}
	return map[string]Bucket{
		Predict: {MaxRequests: predictPerMinute, Window: time.Minute},
		Batch:   {MaxRequests: batch, Window: time.Minute},
		API:     {MaxRequests: 120, Window: time.Minute},
	}
}

// Limiter is an in-memory sliding-window rate limiter per key.
type Limiter struct {
	mu      sync.Mutex
	hits    map[string][]time.Time
	buckets map[string]Bucket
	now     func() time.Time
}

// New creates a new rate limiter with the given named buckets.
func New(buckets map[string]Bucket) *Limiter {
	return &Limiter{
		hits:    make(map[string][]time.Time),
		buckets: buckets,
		now:     time.Now,
	}
}

// Allow checks if a request identified by key is within the rate limit for the
// given bucket. Returns true if allowed.
func (l *Limiter) Allow(key string, bucket Bucket) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-bucket.Window)

	times := l.hits[key]
	pruned := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}

	if len(pruned) >= bucket.MaxRequests {
		l.hits[key] = pruned
		return false
	}

	l.hits[key] = append(pruned, now)
	return true
}

// clientIP drops the port from RemoteAddr so every connection from one host
// shares a window.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Real-IP"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Sweep drops keys with no hits inside their window. Run it periodically so
// one-off clients do not accumulate.
func (l *Limiter) Sweep(maxWindow time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-maxWindow)
	removed := 0
	for key, times := range l.hits {
		if len(times) == 0 || !times[len(times)-1].After(cutoff) {
			delete(l.hits, key)
			removed++
		}
	}
	return removed
}

// Check writes a 429 response if the client IP is over the limit for the
// named bucket. Returns true if the request was rejected.
func (l *Limiter) Check(w http.ResponseWriter, r *http.Request, bucketName string) bool {
	bucket, ok := l.buckets[bucketName]
	if !ok {
		bucket = DefaultBucket
	}
	if bucket.MaxRequests <= 0 {
		return false
	}

	key := bucketName + ":" + clientIP(r)

	if l.Allow(key, bucket) {
		return false
	}

	retry := int(bucket.Window.Seconds())
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(map[string]any{
		"error":               "Rate limited",
		"retry_after_seconds": retry,
	})
	return true
}
