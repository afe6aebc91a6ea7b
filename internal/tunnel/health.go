package tunnel

import (
	"context"
	"net/http"
	"time"
)

// probeHead issues a single HEAD request against a tunnel's public
// URL, used by the background health monitor. It never mutates
// deployment state; callers only observe Handle.fails/lastOK.
func probeHead(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}
