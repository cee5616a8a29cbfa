package harness

import (
	"math/rand"
	"strings"

	"github.com/ValentinKolb/kvcheck/lib/wire"
)

const lowercase = "abcdefghijklmnopqrstuvwxyz"

// Rand generates random keys and values. It is not safe for concurrent use;
// every stress worker gets its own.
type Rand struct {
	*rand.Rand
}

func NewRand(seed int64) *Rand {
	return &Rand{rand.New(rand.NewSource(seed))}
}

func (r *Rand) length(min, max int) int {
	if max <= min {
		return min
	}
	return min + r.Intn(max-min)
}

// String returns a random lowercase string of exactly n characters
func (r *Rand) String(n int) string {
	return r.StringBetween(n, 0)
}

// StringBetween returns a random lowercase string with a length in
// [min, max). With max <= min the length is exactly min.
func (r *Rand) StringBetween(min, max int) string {
	n := r.length(min, max)
	b := make([]byte, n)
	for i := range b {
		b[i] = lowercase[r.Intn(len(lowercase))]
	}
	return string(b)
}

// Value is StringBetween as bytes
func (r *Rand) Value(min, max int) []byte {
	return []byte(r.StringBetween(min, max))
}

// Binary returns the UTF-8 encoding of a random sequence of code points
// 0-255 with a length in [min, max). The byte length is up to twice as long.
func (r *Rand) Binary(min, max int) []byte {
	n := r.length(min, max)
	var sb strings.Builder
	sb.Grow(n * 2)
	for i := 0; i < n; i++ {
		sb.WriteRune(rune(r.Intn(256)))
	}
	return []byte(sb.String())
}

// KeysSameBucket samples random keys of length keyLen until n distinct keys
// fall into the same bucket
func (r *Rand) KeysSameBucket(n, keyLen int) []string {
	if n < 1 {
		return nil
	}
	buckets := make(map[uint8][]string)
	for {
		key := r.String(keyLen)
		b := wire.BucketOf(key)
		if containsKey(buckets[b], key) {
			continue
		}
		buckets[b] = append(buckets[b], key)
		if len(buckets[b]) == n {
			return buckets[b]
		}
	}
}

// Choice returns a random element of keys
func (r *Rand) Choice(keys []string) string {
	return keys[r.Intn(len(keys))]
}

func containsKey(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}
