// Package browser drives headless Chrome through the DevTools protocol.
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/GTJasonMK/AnyRounterTool/internal/config"
	"github.com/GTJasonMK/AnyRounterTool/internal/port"
)

// stealthScript runs before any page script on every new document.
const stealthScript = `Object.defineProperty(navigator, 'webdriver', {get: () => undefined});`

const (
	startupTimeout = 30 * time.Second
	aliveTimeout   = 5 * time.Second
)

// Factory launches one Chrome process per session.
type Factory struct {
	cfg    config.BrowserConfig
	logger *zap.Logger
}

// NewFactory creates a session factory for the given browser settings.
func NewFactory(cfg config.BrowserConfig, logger *zap.Logger) *Factory {
	return &Factory{cfg: cfg, logger: logger}
}

func (f *Factory) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", f.cfg.Headless),
		chromedp.WindowSize(f.cfg.WindowWidth, f.cfg.WindowHeight),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.NoSandbox,
		chromedp.DisableGPU,
	)
	if f.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(f.cfg.UserAgent))
	}
	if f.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(f.cfg.ExecPath))
	}
	if f.cfg.DisableImages {
		opts = append(opts, chromedp.Flag("blink-settings", "imagesEnabled=false"))
	}
	return opts
}

// NewSession starts a browser and returns a session bound to its first tab.
// The browser outlives ctx; ctx only bounds the startup.
func (f *Factory) NewSession(ctx context.Context) (port.Session, error) {
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), f.allocatorOptions()...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx,
		chromedp.WithErrorf(func(format string, args ...any) {
			f.logger.Debug("chromedp", zap.String("detail", fmt.Sprintf(format, args...)))
		}),
	)

	s := &Session{
		ctx:         browserCtx,
		cancel:      func() { cancelBrowser(); cancelAlloc() },
		pageTimeout: f.cfg.PageLoadTimeout,
		elemTimeout: f.cfg.ImplicitWait,
		logger:      f.logger,
	}

	started := make(chan error, 1)
	go func() {
		started <- chromedp.Run(browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(stealthScript).Do(ctx)
			return err
		}))
	}()

	select {
	case err := <-started:
		if err != nil {
			s.cancel()
			return nil, fmt.Errorf("start browser: %w", err)
		}
	case <-ctx.Done():
		s.cancel()
		return nil, fmt.Errorf("start browser: %w", ctx.Err())
	case <-time.After(startupTimeout):
		s.cancel()
		return nil, fmt.Errorf("start browser: timed out after %s", startupTimeout)
	}

	return s, nil
}

// Session is one Chrome tab. Methods are safe to call from a single goroutine at a time.
type Session struct {
	ctx         context.Context
	cancel      func()
	closeOnce   sync.Once
	pageTimeout time.Duration
	elemTimeout time.Duration
	logger      *zap.Logger
}

// run executes actions against the tab, bounded by timeout and by the caller's ctx.
func (s *Session) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

func (s *Session) Navigate(ctx context.Context, url string) error {
	return s.run(ctx, s.pageTimeout, chromedp.Navigate(url))
}

func (s *Session) Location(ctx context.Context) (string, error) {
	var loc string
	err := s.run(ctx, s.pageTimeout, chromedp.Location(&loc))
	return loc, err
}

func (s *Session) Evaluate(ctx context.Context, script string, out any) error {
	return s.run(ctx, s.pageTimeout, chromedp.Evaluate(script, out,
		func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true)
		}))
}

func (s *Session) Exists(ctx context.Context, selector string) (bool, error) {
	quoted, err := json.Marshal(selector)
	if err != nil {
		return false, err
	}
	var found bool
	err = s.run(ctx, s.elemTimeout+s.pageTimeout,
		chromedp.Evaluate(fmt.Sprintf(`document.querySelector(%s) !== null`, quoted), &found))
	return found, err
}

func (s *Session) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	return s.run(ctx, timeout, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

func (s *Session) WaitGone(ctx context.Context, selector string, timeout time.Duration) error {
	return s.run(ctx, timeout, chromedp.WaitNotPresent(selector, chromedp.ByQuery))
}

func (s *Session) Click(ctx context.Context, selector string) error {
	return s.run(ctx, s.pageTimeout, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible))
}

func (s *Session) SendKeys(ctx context.Context, selector, text string) error {
	return s.run(ctx, s.pageTimeout,
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, text, chromedp.ByQuery),
	)
}

func (s *Session) Text(ctx context.Context, selector string) (string, error) {
	var text string
	err := s.run(ctx, s.elemTimeout, chromedp.Text(selector, &text, chromedp.ByQuery, chromedp.NodeVisible))
	return text, err
}

// Alive fails fast when the browser process or the tab is gone.
func (s *Session) Alive(ctx context.Context) error {
	if err := s.ctx.Err(); err != nil {
		return fmt.Errorf("browser closed: %w", err)
	}
	var n int
	if err := s.run(ctx, aliveTimeout, chromedp.Evaluate(`1`, &n)); err != nil {
		return fmt.Errorf("liveness check: %w", err)
	}
	return nil
}

// Reset clears cookies and web storage, closes every page but this one and
// parks the tab on about:blank.
func (s *Session) Reset(ctx context.Context) error {
	var cleared bool
	return s.run(ctx, s.pageTimeout,
		chromedp.ActionFunc(func(ctx context.Context) error {
			return network.ClearBrowserCookies().Do(ctx)
		}),
		chromedp.Evaluate(`(() => {
			try { window.localStorage.clear(); } catch (e) {}
			try { window.sessionStorage.clear(); } catch (e) {}
			return true;
		})()`, &cleared),
		chromedp.ActionFunc(closeExtraTargets),
		chromedp.Navigate("about:blank"),
	)
}

func closeExtraTargets(ctx context.Context) error {
	c := chromedp.FromContext(ctx)
	if c == nil || c.Browser == nil || c.Target == nil {
		return nil
	}
	browserCtx := cdp.WithExecutor(ctx, c.Browser)

	infos, err := target.GetTargets().Do(browserCtx)
	if err != nil {
		return fmt.Errorf("list targets: %w", err)
	}
	for _, info := range infos {
		if info.Type != "page" || info.TargetID == c.Target.TargetID {
			continue
		}
		if err := target.CloseTarget(info.TargetID).Do(browserCtx); err != nil {
			return fmt.Errorf("close target %s: %w", info.TargetID, err)
		}
	}
	return nil
}

// Close terminates the browser process. Safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		closeCtx, cancel := context.WithTimeout(s.ctx, aliveTimeout)
		if err := chromedp.Cancel(closeCtx); err != nil {
			s.logger.Debug("graceful browser close failed", zap.Error(err))
		}
		cancel()
		s.cancel()
	})
	return nil
}

var _ port.SessionFactory = (*Factory)(nil)
var _ port.Session = (*Session)(nil)
