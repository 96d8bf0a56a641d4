package preview

import (
	"math"
	"sync"
	"time"

	"camera-core-server/framebus"
)

// cacheTTL evicts encoded entries that outlive their frame.
const cacheTTL = 2 * time.Second

type cacheEntry struct {
	once sync.Once
	jpeg []byte
	err  error
	at   time.Time
}

// encodeCache holds JPEG bytes keyed by bus sequence so every
// subscriber needing the same frame shares one encode and one byte
// slice. It also measures the camera's output rate: each distinct
// sequence encoded counts once, no matter how many subscribers send it.
type encodeCache struct {
	quality int
	maxKeep int

	mu      sync.Mutex
	entries map[uint64]*cacheEntry

	fps    float64
	lastAt time.Time
}

func newEncodeCache(quality, maxKeep int) *encodeCache {
	if maxKeep < 1 {
		maxKeep = 3
	}
	return &encodeCache{
		quality: quality,
		maxKeep: maxKeep,
		entries: make(map[uint64]*cacheEntry),
	}
}

// part returns the shared JPEG bytes for a frame, encoding at most once
// per sequence.
func (c *encodeCache) part(f framebus.Frame) ([]byte, error) {
	c.mu.Lock()
	e, ok := c.entries[f.Seq]
	if !ok {
		e = &cacheEntry{at: time.Now()}
		c.entries[f.Seq] = e
		c.pruneLocked(f.Seq)
		c.tickLocked(e.at)
	}
	c.mu.Unlock()

	e.once.Do(func() {
		e.jpeg, e.err = encodeJPEG(f, c.quality)
	})
	return e.jpeg, e.err
}

// pruneLocked evicts entries past the TTL or further behind the newest
// sequence than the bus can still hold.
func (c *encodeCache) pruneLocked(newest uint64) {
	cutoff := time.Now().Add(-cacheTTL)
	for seq, e := range c.entries {
		if seq+uint64(c.maxKeep) <= newest || e.at.Before(cutoff) {
			delete(c.entries, seq)
		}
	}
}

// tickLocked advances the output-rate EWMA for a newly encoded
// sequence.
func (c *encodeCache) tickLocked(now time.Time) {
	if !c.lastAt.IsZero() {
		dt := now.Sub(c.lastAt)
		if dt > 0 {
			inst := float64(time.Second) / float64(dt)
			alpha := 1 - math.Exp(-float64(dt)/float64(cacheTTL))
			c.fps += alpha * (inst - c.fps)
		}
	}
	c.lastAt = now
}

// FPS reports the encoded-frame rate. It reads zero once no new
// sequence has been encoded for twice the cache TTL.
func (c *encodeCache) FPS() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastAt.IsZero() || time.Since(c.lastAt) > 2*cacheTTL {
		return 0
	}
	return c.fps
}
