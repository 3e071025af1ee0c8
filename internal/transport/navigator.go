package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"sync"

	"github.com/pkg/browser"

	"github.com/alexjbarnes/globus-auth/internal/logging"
)

//go:generate mockgen -destination=mocks/navigator.go -package=mocks . Navigator

// Navigator sends the user agent to a URL. For a browser this unloads the
// current page, so callers must not rely on anything after Navigate.
type Navigator interface {
	Navigate(ctx context.Context, rawURL string) error
}

// Location is the URL the user agent is currently on and the history
// entry it occupies.
type Location interface {
	URL() *url.URL

	// Replace swaps the current URL without a reload.
	Replace(u *url.URL)
}

// BrowserNavigator opens URLs in the system browser. When the browser
// cannot be started the URL is printed to Out instead.
type BrowserNavigator struct {
	Logger *slog.Logger
	Out    io.Writer
}

func (b BrowserNavigator) Navigate(_ context.Context, rawURL string) error {
	logger := logging.OrDiscard(b.Logger)

	out := b.Out
	if out == nil {
		out = os.Stderr
	}

	logger.Info("opening browser for authorization")
	if err := browser.OpenURL(rawURL); err != nil {
		logger.Warn("failed to open browser", slog.String("error", err.Error()))
		if _, err := fmt.Fprintf(out, "Open this URL in your browser to continue:\n\n  %s\n\n", rawURL); err != nil {
			return fmt.Errorf("printing authorization URL: %w", err)
		}
	}

	return nil
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(ctx context.Context, rawURL string) error

func (f NavigatorFunc) Navigate(ctx context.Context, rawURL string) error {
	return f(ctx, rawURL)
}

// MemoryLocation is a Location held in memory. The CLI sets it from the
// loopback callback request.
type MemoryLocation struct {
	mu      sync.RWMutex
	current *url.URL
	history []string
}

// NewMemoryLocation parses rawURL as the current location. An unparsable
// value leaves the location empty.
func NewMemoryLocation(rawURL string) *MemoryLocation {
	l := &MemoryLocation{current: &url.URL{}}
	if u, err := url.Parse(rawURL); err == nil {
		l.current = u
	}

	return l
}

func (l *MemoryLocation) URL() *url.URL {
	l.mu.RLock()
	defer l.mu.RUnlock()

	u := *l.current

	return &u
}

func (l *MemoryLocation) Replace(u *url.URL) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.history = append(l.history, l.current.String())
	c := *u
	l.current = &c
}

// Set moves to rawURL as a fresh navigation.
func (l *MemoryLocation) Set(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parsing location: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.current = u

	return nil
}

// Replaced returns the URLs that Replace overwrote, oldest first.
func (l *MemoryLocation) Replaced() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return append([]string(nil), l.history...)
}
