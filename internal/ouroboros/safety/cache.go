package safety

import (
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
)

// verdictCache remembers fast-check verdicts keyed by a hash of
// (tool, args), so a worker that repeats an already-vetted call (e.g. the
// same lint-fix shell command across several files) doesn't pay for a
// fresh LLM round trip every time.
type verdictCache struct {
	cache *lru.Cache[string, Verdict]
}

func newVerdictCache(size int) *verdictCache {
	if size <= 0 {
		size = 512
	}
	c, _ := lru.New[string, Verdict](size)
	return &verdictCache{cache: c}
}

func verdictKey(tool, args string) string {
	sum := sha256.Sum256([]byte(tool + "\x00" + args))
	return hex.EncodeToString(sum[:])
}

func (vc *verdictCache) get(tool, args string) (Verdict, bool) {
	if vc == nil || vc.cache == nil {
		return Verdict{}, false
	}
	return vc.cache.Get(verdictKey(tool, args))
}

func (vc *verdictCache) put(tool, args string, v Verdict) {
	if vc == nil || vc.cache == nil {
		return
	}
	vc.cache.Add(verdictKey(tool, args), v)
}
