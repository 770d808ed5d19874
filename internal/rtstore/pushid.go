// ABOUTME: Push ID generation for store-assigned append keys
// ABOUTME: Keys are time-prefixed so lexicographic order matches creation order

package rtstore

import (
	"crypto/rand"
	"sync"
	"time"
)

// pushChars is the 64-character alphabet used for push IDs, chosen so that
// byte order equals ASCII sort order.
const pushChars = "-0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ_abcdefghijklmnopqrstuvwxyz"

// pushIDGenerator produces 20-character keys: 8 characters of millisecond
// timestamp followed by 12 characters of randomness. Within one generator,
// keys created in the same millisecond are made strictly increasing by
// incrementing the random suffix, so key order is always append order.
type pushIDGenerator struct {
	mu       sync.Mutex
	lastTime int64
	lastRand [12]byte // indexes into pushChars
	now      func() time.Time
}

func newPushIDGenerator() *pushIDGenerator {
	return &pushIDGenerator{now: time.Now}
}

// Next returns a new push ID.
func (g *pushIDGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().UnixMilli()
	if ms == g.lastTime {
		// Same millisecond: increment the previous suffix.
		for i := 11; i >= 0; i-- {
			if g.lastRand[i] < 63 {
				g.lastRand[i]++
				break
			}
			g.lastRand[i] = 0
		}
	} else {
		var buf [12]byte
		if _, err := rand.Read(buf[:]); err != nil {
			// Fall back to a time-derived suffix; ordering still holds.
			for i := range buf {
				buf[i] = byte((ms >> (i * 4)) & 0x3f)
			}
		}
		for i := range buf {
			g.lastRand[i] = buf[i] & 0x3f
		}
		g.lastTime = ms
	}

	var out [20]byte
	t := ms
	for i := 7; i >= 0; i-- {
		out[i] = pushChars[t%64]
		t /= 64
	}
	for i, r := range g.lastRand {
		out[8+i] = pushChars[r]
	}
	return string(out[:])
}
