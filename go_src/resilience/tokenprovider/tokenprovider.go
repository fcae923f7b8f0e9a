// Package tokenprovider adapts the resilience core's TokenProvider
// capability around any source of bearer tokens — in production,
// saxo_authen.SaxoAuth.GetToken. cmd/wata-kline-stream asks it for a
// token once at startup to build the WebSocket Authorization header;
// wsmanager does not consult a Provider, so that header is not refreshed
// afterwards.
package tokenprovider

import "fmt"

// Provider returns a current, possibly-refreshed bearer token.
type Provider interface {
	GetToken() (string, error)
}

// GetTokenFunc is the shape of saxo_authen.SaxoAuth.GetToken; Adapt wraps
// it so code that takes a Provider need not import saxo_authen directly.
type GetTokenFunc func() (string, error)

type funcProvider struct{ fn GetTokenFunc }

func (p funcProvider) GetToken() (string, error) { return p.fn() }

// Adapt wraps fn (e.g. saxoAuth.GetToken) as a Provider.
func Adapt(fn GetTokenFunc) Provider {
	return funcProvider{fn: fn}
}

// Static always returns the same token; useful for tests and for
// environments where the token is supplied once at startup.
type Static string

func (s Static) GetToken() (string, error) {
	if s == "" {
		return "", fmt.Errorf("tokenprovider: static token is empty")
	}
	return string(s), nil
}
