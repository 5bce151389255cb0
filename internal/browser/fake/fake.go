// Package fake provides a scripted automation capability for tests. It
// records every call so tests can assert on session lifecycles, proxy use and
// interaction-loop concurrency without a real browser.
package fake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/JakeFAU/turnstile-solver/internal/solver"
)

// ReadFunc scripts InputValue. attempt counts reads on one page, from 1.
type ReadFunc func(ctx context.Context, attempt int) (string, error)

// Token returns a ReadFunc that yields token on every read.
func Token(token string) ReadFunc {
	return func(context.Context, int) (string, error) { return token, nil }
}

// Empty returns a ReadFunc that never produces a token.
func Empty() ReadFunc {
	return func(context.Context, int) (string, error) { return "", nil }
}

// TokenAfter returns a ReadFunc that reads empty until attempt n.
func TokenAfter(n int, token string) ReadFunc {
	return func(_ context.Context, attempt int) (string, error) {
		if attempt >= n {
			return token, nil
		}
		return "", nil
	}
}

// Block returns a ReadFunc that waits until ctx ends, like a read that never resolves.
func Block() ReadFunc {
	return func(ctx context.Context, _ int) (string, error) {
		<-ctx.Done()
		return "", fmt.Errorf("read value: %w", ctx.Err())
	}
}

// Launcher builds fake browsers sharing one Recorder.
type Launcher struct {
	// Read scripts the challenge response input. Defaults to Empty.
	Read ReadFunc
	// FailLaunchAt makes the n-th Launch call (1-based) fail.
	FailLaunchAt int
	// NavigateErr, WaitErr and ClickErr inject step failures.
	NavigateErr error
	WaitErr     error
	ClickErr    error
	// SessionErr makes NewSession fail.
	SessionErr error
	// CloseErr makes Browser.Close fail.
	CloseErr error

	Recorder *Recorder

	launches atomic.Int32
}

// NewLauncher returns a Launcher with a fresh Recorder.
func NewLauncher(read ReadFunc) *Launcher {
	return &Launcher{Read: read, Recorder: &Recorder{}}
}

// Launch implements solver.Launcher.
func (l *Launcher) Launch(context.Context) (solver.Browser, error) {
	n := int(l.launches.Add(1))
	if l.Recorder == nil {
		l.Recorder = &Recorder{}
	}
	if l.FailLaunchAt > 0 && n == l.FailLaunchAt {
		return nil, errors.New("fake launch failure")
	}
	b := &Browser{launcher: l, id: n}
	l.Recorder.addBrowser(b)
	return b, nil
}

// Recorder collects observations across every fake browser.
type Recorder struct {
	mu            sync.Mutex
	browsers      []*Browser
	proxies       []*solver.ProxyConfig
	served        map[string][]byte
	navigations   []string
	clicks        int
	sessionsOpen  int
	sessionsTotal int
	activeLoops   int
	maxLoops      int
}

func (r *Recorder) addBrowser(b *Browser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.browsers = append(r.browsers, b)
}

// Browsers returns every browser launched so far.
func (r *Recorder) Browsers() []*Browser {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Browser(nil), r.browsers...)
}

// Proxies returns the proxy passed to each NewSession call, in order.
func (r *Recorder) Proxies() []*solver.ProxyConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*solver.ProxyConfig(nil), r.proxies...)
}

// Served returns the body installed for url by InterceptAndServe.
func (r *Recorder) Served(url string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	body, ok := r.served[url]
	return body, ok
}

// Navigations returns every navigated URL.
func (r *Recorder) Navigations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.navigations...)
}

// Clicks returns the number of clicks performed.
func (r *Recorder) Clicks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clicks
}

// OpenSessions returns sessions created but not yet closed.
func (r *Recorder) OpenSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionsOpen
}

// TotalSessions returns every session ever created.
func (r *Recorder) TotalSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionsTotal
}

// ActiveLoops returns pages currently between their first read and session close.
func (r *Recorder) ActiveLoops() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeLoops
}

// MaxConcurrentLoops returns the highest ActiveLoops value observed.
func (r *Recorder) MaxConcurrentLoops() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxLoops
}

// Browser is a fake solver.Browser.
type Browser struct {
	launcher *Launcher
	id       int
	closed   atomic.Bool
}

// ID returns the 1-based launch order of the browser.
func (b *Browser) ID() int {
	return b.id
}

// Closed reports whether Close was called.
func (b *Browser) Closed() bool {
	return b.closed.Load()
}

// NewSession implements solver.Browser.
func (b *Browser) NewSession(_ context.Context, proxy *solver.ProxyConfig) (solver.Session, error) {
	if b.launcher.SessionErr != nil {
		return nil, b.launcher.SessionErr
	}
	rec := b.launcher.Recorder
	rec.mu.Lock()
	rec.proxies = append(rec.proxies, proxy)
	rec.sessionsOpen++
	rec.sessionsTotal++
	rec.mu.Unlock()
	return &Session{browser: b}, nil
}

// Close implements solver.Browser.
func (b *Browser) Close(context.Context) error {
	b.closed.Store(true)
	return b.launcher.CloseErr
}

// Session is a fake solver.Session.
type Session struct {
	browser *Browser
	page    *Page
	closed  bool
}

// NewPage implements solver.Session.
func (s *Session) NewPage(context.Context) (solver.Page, error) {
	s.page = &Page{browser: s.browser}
	return s.page, nil
}

// Close implements solver.Session.
func (s *Session) Close(context.Context) error {
	rec := s.browser.launcher.Recorder
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	rec.sessionsOpen--
	if s.page != nil && s.page.looping {
		s.page.looping = false
		rec.activeLoops--
	}
	return nil
}

// Page is a fake solver.Page.
type Page struct {
	browser *Browser
	reads   int
	looping bool
}

// InterceptAndServe implements solver.Page.
func (p *Page) InterceptAndServe(_ context.Context, url string, body []byte) error {
	rec := p.browser.launcher.Recorder
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.served == nil {
		rec.served = make(map[string][]byte)
	}
	rec.served[url] = append([]byte(nil), body...)
	return nil
}

// Navigate implements solver.Page.
func (p *Page) Navigate(_ context.Context, url string) error {
	if err := p.browser.launcher.NavigateErr; err != nil {
		return err
	}
	rec := p.browser.launcher.Recorder
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.navigations = append(rec.navigations, url)
	return nil
}

// WaitForElement implements solver.Page.
func (p *Page) WaitForElement(context.Context, string) error {
	return p.browser.launcher.WaitErr
}

// SetElementWidth implements solver.Page.
func (p *Page) SetElementWidth(context.Context, string, string) error {
	return nil
}

// InputValue implements solver.Page.
func (p *Page) InputValue(ctx context.Context, _ string) (string, error) {
	rec := p.browser.launcher.Recorder
	rec.mu.Lock()
	p.reads++
	attempt := p.reads
	if !p.looping {
		p.looping = true
		rec.activeLoops++
		if rec.activeLoops > rec.maxLoops {
			rec.maxLoops = rec.activeLoops
		}
	}
	rec.mu.Unlock()

	read := p.browser.launcher.Read
	if read == nil {
		read = Empty()
	}
	return read(ctx, attempt)
}

// Click implements solver.Page.
func (p *Page) Click(context.Context, string) error {
	if err := p.browser.launcher.ClickErr; err != nil {
		return err
	}
	rec := p.browser.launcher.Recorder
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.clicks++
	return nil
}
