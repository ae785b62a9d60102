package health

import (
	"context"
	"net/http"
)

// HTTPClient abstracts HTTP calls for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Pinger is implemented by credential backends that can verify their storage.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BackendCheck reports whether the API at baseURL answers at all. Any HTTP
// response counts as reachable; a 5xx marks it degraded.
func BackendCheck(client HTTPClient, baseURL string) CheckFunc {
	return func(ctx context.Context) Status {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
		if err != nil {
			return StatusDown
		}
		resp, err := client.Do(req)
		if err != nil {
			return StatusDown
		}
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			return StatusDegraded
		}
		return StatusOK
	}
}

// StoreCheck reports whether the credential store can be read.
func StoreCheck(p Pinger) CheckFunc {
	return func(ctx context.Context) Status {
		if err := p.Ping(ctx); err != nil {
			return StatusDown
		}
		return StatusOK
	}
}
