package budget

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// EstimateTokens approximates the token count of text for usage records
// whose upstream response omitted token counts. Uses the cl100k_base
// encoding as a uniform approximation across model tiers; when the
// encoding tables are unavailable (offline first run), falls back to the
// rough 4-chars-per-token heuristic.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}
	return (len(strings.TrimSpace(text)) + 3) / 4
}
