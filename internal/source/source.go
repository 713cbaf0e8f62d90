// Package source provides the adapters that crawl remote wallpaper sites and
// normalize their listings into storage.Wallpaper rows.
package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	"golang.org/x/oauth2"

	"github.com/user/wallbot/internal/storage"
)

// Cursor is an opaque, source specific pagination position.
type Cursor string

// Page is one fetched listing page.
type Page struct {
	Items   []storage.Wallpaper
	Next    Cursor
	Done    bool // the source reported no further pages
	Skipped int  // malformed records dropped while mapping this page
}

// Adapter fetches paginated listings from one remote site.
type Adapter interface {
	Name() storage.Source
	// Start returns the cursor of the first page.
	Start() Cursor
	// FetchPage fetches the page at cursor. Transient failures are retried internally;
	// a returned *FatalError means the cycle should be abandoned.
	FetchPage(ctx context.Context, cursor Cursor) (Page, error)
	// MaxPages is the page ceiling for one crawl cycle.
	MaxPages() int
}

// Options configures an adapter. Owner, Repo, Ref and Path only apply to the github adapter.
type Options struct {
	APIKey       string
	BaseURL      string
	MinInterval  time.Duration
	MaxPages     int
	Query        map[string]string
	FetchDetails bool
	Owner        string
	Repo         string
	Ref          string
	Path         string
	Safety       storage.Safety

	HTTPClient     *http.Client
	RequestTimeout time.Duration
	MaxAttempts    int
	RetryInitial   time.Duration
}

// Factory builds an adapter from options.
type Factory func(opts Options) (Adapter, error)

var factories = map[storage.Source]Factory{
	storage.SourceWallhaven: NewWallhaven,
	storage.SourceWallhere:  NewWallhere,
	storage.SourceUnsplash:  NewUnsplash,
	storage.SourceCivitai:   NewCivitai,
	storage.SourceGitHub:    NewGitHub,
}

// New builds the adapter registered under name.
func New(name string, opts Options) (Adapter, error) {
	f, ok := factories[storage.Source(name)]
	if !ok {
		return nil, fmt.Errorf("unknown source %q", name)
	}
	return f(opts)
}

// Names returns the registered source names in sorted order.
func Names() []string {
	names := make([]string, 0, len(factories))
	for s := range factories {
		names = append(names, string(s))
	}
	sort.Strings(names)
	return names
}

// NewHTTPClient returns a client that routes through proxy when it is set.
func NewHTTPClient(proxy string, timeout time.Duration) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxy != "" {
		u, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(u)
	}
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}

func (o Options) maxPages(def int) int {
	if o.MaxPages > 0 {
		return o.MaxPages
	}
	return def
}

func (o Options) baseURL(def string) string {
	if o.BaseURL != "" {
		return o.BaseURL
	}
	return def
}

func (o Options) minInterval(def time.Duration) time.Duration {
	if o.MinInterval > 0 {
		return o.MinInterval
	}
	return def
}

// query merges the configured overrides into the adapter defaults.
func (o Options) query(defaults map[string]string) url.Values {
	q := url.Values{}
	for k, v := range defaults {
		q.Set(k, v)
	}
	for k, v := range o.Query {
		q.Set(k, v)
	}
	return q
}

// bearerClient wraps the configured client so every request carries token as a bearer
// credential. The returned client is the configured one when token is empty.
func (o Options) bearerClient(token string) *http.Client {
	base := o.HTTPClient
	if base == nil {
		base = &http.Client{}
	}
	if token == "" {
		return base
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
}
