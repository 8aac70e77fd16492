package auth

import (
	"fmt"
	"net/http"
	"strings"
)

// MockClient trusts the bearer token (or the x-uid cookie for browser
// demos) as the user id itself.
type MockClient struct{}

func (c *MockClient) Auth(r *http.Request) (string, error) {
	if v := r.Header.Get("Authorization"); strings.HasPrefix(v, "Bearer ") {
		if uid := strings.TrimSpace(strings.TrimPrefix(v, "Bearer ")); uid != "" {
			return uid, nil
		}
	}

	if c, err := r.Cookie("x-uid"); err == nil && c.Value != "" {
		return c.Value, nil
	}

	return "", fmt.Errorf("empty bearer token and x-uid cookie")
}
