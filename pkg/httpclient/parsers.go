package httpclient

import (
	"net/http"
	"strconv"
	"time"
)

// ParseGeminiHeaders extracts rate-limit hints from Gemini API headers.
// The Generative Language API only exposes Retry-After.
func ParseGeminiHeaders(headers http.Header) RateLimitInfo {
	info := RateLimitInfo{}

	if retryAfter := headers.Get("Retry-After"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			info.RetryAfter = time.Duration(seconds) * time.Second
		}
	}

	return info
}
