package solver

import (
	"context"
	"time"
)

// ResultStore persists task outcomes keyed by task id.
type ResultStore interface {
	SetPending(ctx context.Context, id string) error
	SetResult(ctx context.Context, id string, result Result) error
	Get(ctx context.Context, id string) (Result, error)
	Len() int
}

// Launcher builds one browser handle per pool slot.
type Launcher interface {
	Launch(ctx context.Context) (Browser, error)
}

// Browser is a long-lived automation handle owned by the worker pool.
type Browser interface {
	NewSession(ctx context.Context, proxy *ProxyConfig) (Session, error)
	Close(ctx context.Context) error
}

// Session is an isolated browsing context (cookies, cache, proxy).
type Session interface {
	NewPage(ctx context.Context) (Page, error)
	Close(ctx context.Context) error
}

// Page drives a single tab. Timeouts are carried by ctx deadlines.
type Page interface {
	// InterceptAndServe answers the next request for url with body instead of
	// reaching the network.
	InterceptAndServe(ctx context.Context, url string, body []byte) error
	Navigate(ctx context.Context, url string) error
	WaitForElement(ctx context.Context, selector string) error
	SetElementWidth(ctx context.Context, selector string, width string) error
	InputValue(ctx context.Context, selector string) (string, error)
	Click(ctx context.Context, selector string) error
}

// ProxyConfig routes a session through an upstream proxy.
type ProxyConfig struct {
	Server   string
	Username string
	Password string
}

// HasAuth reports whether credentials must be supplied to the proxy.
func (p *ProxyConfig) HasAuth() bool {
	return p != nil && p.Username != ""
}

// ProxySource picks an upstream proxy for one attempt, or nil for none.
type ProxySource interface {
	Pick() *ProxyConfig
}

// Publisher pushes resolution events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
