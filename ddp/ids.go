package ddp

import (
	"crypto/rand"
	"strconv"
	"sync/atomic"
)

const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// newRandomID returns a 17-character string drawn uniformly from
// [A-Za-z0-9], the shape spec.md §4.1 requires for subscription and
// connection ids.
func newRandomID() string {
	const length = 17
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read on the standard reader never fails in
		// practice; panicking here would be worse than a degraded (but
		// still unique-enough-for-one-process) fallback id.
		for i := range buf {
			buf[i] = idAlphabet[0]
		}
	}
	// Bytes at or above limit (the largest multiple of len(idAlphabet)
	// that fits in a byte) are redrawn so no character is favoured.
	const limit = 256 - 256%len(idAlphabet)
	for i := range buf {
		for int(buf[i]) >= limit {
			if _, err := rand.Read(buf[i : i+1]); err != nil {
				buf[i] = 0
			}
		}
		buf[i] = idAlphabet[int(buf[i])%len(idAlphabet)]
	}
	return string(buf)
}

// methodIDGen is the process-wide monotonic counter backing method ids
// (spec.md §4.1: "decimal representation of a process-wide monotonic
// counter").
type methodIDGen struct {
	next uint64
}

func (g *methodIDGen) Next() string {
	n := atomic.AddUint64(&g.next, 1)
	return strconv.FormatUint(n, 10)
}
