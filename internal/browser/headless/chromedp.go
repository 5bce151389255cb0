// Package headless adapts chromedp to the solver automation capability.
package headless

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/turnstile-solver/internal/solver"
)

// Config controls how browsers are launched.
type Config struct {
	Kind      solver.EngineKind
	Headless  bool
	UserAgent string
	ExecPath  string
	// Args are extra command-line switches such as "--window-size=800,600".
	Args  []string
	Debug bool
}

// Launcher starts one Chrome process per call.
type Launcher struct {
	cfg    Config
	logger *zap.Logger
}

// NewLauncher returns a launcher for cfg.
func NewLauncher(cfg Config, logger *zap.Logger) *Launcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Kind == "" {
		cfg.Kind = solver.EngineChromium
	}
	return &Launcher{cfg: cfg, logger: logger}
}

// Launch implements solver.Launcher. Only the chromium kind is drivable.
func (l *Launcher) Launch(ctx context.Context) (solver.Browser, error) {
	if l.cfg.Kind != solver.EngineChromium {
		return nil, fmt.Errorf("%w: %s", solver.ErrEngineUnsupported, l.cfg.Kind)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("launch canceled: %w", err)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(l.cfg)...)
	var ctxOpts []chromedp.ContextOption
	if l.cfg.Debug {
		ctxOpts = append(ctxOpts, chromedp.WithLogf(l.logger.Sugar().Debugf))
	}
	browserCtx, browserCancel := chromedp.NewContext(allocCtx, ctxOpts...)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start chrome: %w", err)
	}
	return &Browser{
		ctx:         browserCtx,
		cancel:      browserCancel,
		allocCancel: allocCancel,
		userAgent:   l.cfg.UserAgent,
		logger:      l.logger,
	}, nil
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts,
			chromedp.Flag("headless", false),
			chromedp.Flag("hide-scrollbars", false),
			chromedp.Flag("mute-audio", false),
		)
	}
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	for _, arg := range cfg.Args {
		name, value, ok := parseSwitch(arg)
		if !ok {
			continue
		}
		opts = append(opts, chromedp.Flag(name, value))
	}
	return opts
}

// parseSwitch turns "--name=value" into (name, value) and "--name" into (name, true).
func parseSwitch(arg string) (string, any, bool) {
	arg = strings.TrimLeft(strings.TrimSpace(arg), "-")
	if arg == "" {
		return "", nil, false
	}
	name, value, found := strings.Cut(arg, "=")
	if !found {
		return name, true, true
	}
	return name, value, true
}

// Browser is one Chrome process.
type Browser struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	userAgent   string
	logger      *zap.Logger
}

// NewSession opens an isolated browser context, optionally routed through proxy.
func (b *Browser) NewSession(ctx context.Context, proxy *solver.ProxyConfig) (solver.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	sessCtx, cancel := chromedp.NewContext(b.ctx, chromedp.WithNewBrowserContext(
		func(p *target.CreateBrowserContextParams) *target.CreateBrowserContextParams {
			if proxy != nil && proxy.Server != "" {
				return p.WithProxyServer(proxy.Server)
			}
			return p
		},
	))
	if err := chromedp.Run(sessCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("create browser context: %w", err)
	}
	return &Session{ctx: sessCtx, cancel: cancel, proxy: proxy, userAgent: b.userAgent}, nil
}

// Close shuts Chrome down, giving up when ctx ends.
func (b *Browser) Close(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- chromedp.Cancel(b.ctx)
	}()
	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	b.cancel()
	b.allocCancel()
	if err != nil {
		return fmt.Errorf("close chrome: %w", err)
	}
	return nil
}

// Session is one browser context.
type Session struct {
	ctx       context.Context
	cancel    context.CancelFunc
	proxy     *solver.ProxyConfig
	userAgent string

	mu    sync.Mutex
	pages []context.CancelFunc
}

// NewPage opens a tab inside the session.
func (s *Session) NewPage(ctx context.Context) (solver.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("new page: %w", err)
	}
	pageCtx, cancel := chromedp.NewContext(s.ctx)
	p := &Page{ctx: pageCtx, proxy: s.proxy}
	chromedp.ListenTarget(pageCtx, p.handleEvent)

	if err := chromedp.Run(pageCtx, p.setupAction(s.userAgent)); err != nil {
		cancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	s.mu.Lock()
	s.pages = append(s.pages, cancel)
	s.mu.Unlock()
	return p, nil
}

// Close disposes of the browser context and every tab in it.
func (s *Session) Close(context.Context) error {
	s.mu.Lock()
	pages := s.pages
	s.pages = nil
	s.mu.Unlock()
	for _, cancel := range pages {
		cancel()
	}
	err := chromedp.Cancel(s.ctx)
	s.cancel()
	if err != nil {
		return fmt.Errorf("dispose browser context: %w", err)
	}
	return nil
}

// Page drives one tab. Every call runs under the caller's ctx deadline.
type Page struct {
	ctx   context.Context
	proxy *solver.ProxyConfig

	mu        sync.Mutex
	serveURL  string
	serveBody []byte
	served    atomic.Bool
}

func (p *Page) setupAction(userAgent string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if userAgent != "" {
			if err := emulation.SetUserAgentOverride(userAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if p.proxy.HasAuth() {
			if err := enableFetch(ctx, true); err != nil {
				return err
			}
		}
		return nil
	})
}

func enableFetch(ctx context.Context, handleAuth bool) error {
	err := fetch.Enable().
		WithPatterns([]*fetch.RequestPattern{{URLPattern: "*"}}).
		WithHandleAuthRequests(handleAuth).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("enable fetch domain: %w", err)
	}
	return nil
}

// run executes actions on the tab but bounded by ctx.
func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ctx.Err(), err)
		}
		return err
	}
	return nil
}

// InterceptAndServe answers the first request for url with body.
func (p *Page) InterceptAndServe(ctx context.Context, url string, body []byte) error {
	p.mu.Lock()
	p.serveURL = url
	p.serveBody = append([]byte(nil), body...)
	p.mu.Unlock()
	p.served.Store(false)

	return p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return enableFetch(ctx, p.proxy.HasAuth())
	}))
}

func (p *Page) handleEvent(ev any) {
	switch e := ev.(type) {
	case *fetch.EventRequestPaused:
		go p.onRequestPaused(e)
	case *fetch.EventAuthRequired:
		go p.onAuthRequired(e)
	}
}

func (p *Page) executor() context.Context {
	c := chromedp.FromContext(p.ctx)
	if c == nil || c.Target == nil {
		return p.ctx
	}
	return cdp.WithExecutor(p.ctx, c.Target)
}

func (p *Page) onRequestPaused(e *fetch.EventRequestPaused) {
	ctx := p.executor()
	p.mu.Lock()
	serveURL, body := p.serveURL, p.serveBody
	p.mu.Unlock()

	if e.Request != nil && serveURL != "" && sameURL(e.Request.URL, serveURL) && p.served.CompareAndSwap(false, true) {
		_ = fetch.FulfillRequest(e.RequestID, 200).
			WithResponseHeaders([]*fetch.HeaderEntry{{Name: "Content-Type", Value: "text/html; charset=utf-8"}}).
			WithBody(base64.StdEncoding.EncodeToString(body)).
			Do(ctx)
		return
	}
	_ = fetch.ContinueRequest(e.RequestID).Do(ctx)
}

func (p *Page) onAuthRequired(e *fetch.EventAuthRequired) {
	ctx := p.executor()
	resp := &fetch.AuthChallengeResponse{Response: fetch.AuthChallengeResponseResponseDefault}
	if p.proxy.HasAuth() {
		resp = &fetch.AuthChallengeResponse{
			Response: fetch.AuthChallengeResponseResponseProvideCredentials,
			Username: p.proxy.Username,
			Password: p.proxy.Password,
		}
	}
	_ = fetch.ContinueWithAuth(e.RequestID, resp).Do(ctx)
}

func sameURL(a, b string) bool {
	return strings.TrimSuffix(a, "/") == strings.TrimSuffix(b, "/")
}

// Navigate loads url and waits for the load event.
func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := p.run(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

// WaitForElement blocks until selector matches a ready node.
func (p *Page) WaitForElement(ctx context.Context, selector string) error {
	if err := p.run(ctx, chromedp.WaitReady(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("wait for %s: %w", selector, err)
	}
	return nil
}

// SetElementWidth sets the inline width of the first node matching selector.
func (p *Page) SetElementWidth(ctx context.Context, selector, width string) error {
	expr, err := widthScript(selector, width)
	if err != nil {
		return err
	}
	if err := p.run(ctx, chromedp.Evaluate(expr, nil)); err != nil {
		return fmt.Errorf("set width of %s: %w", selector, err)
	}
	return nil
}

func widthScript(selector, width string) (string, error) {
	sel, err := json.Marshal(selector)
	if err != nil {
		return "", fmt.Errorf("encode selector: %w", err)
	}
	w, err := json.Marshal(width)
	if err != nil {
		return "", fmt.Errorf("encode width: %w", err)
	}
	return fmt.Sprintf(`(() => { const el = document.querySelector(%s); if (el) { el.style.width = %s; } })()`, sel, w), nil
}

// InputValue returns the value of the input matching selector.
func (p *Page) InputValue(ctx context.Context, selector string) (string, error) {
	var value string
	if err := p.run(ctx, chromedp.Value(selector, &value, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read %s: %w", selector, err)
	}
	return value, nil
}

// Click clicks the first visible node matching selector.
func (p *Page) Click(ctx context.Context, selector string) error {
	if err := p.run(ctx, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		return fmt.Errorf("click %s: %w", selector, err)
	}
	return nil
}
