// Package browser renders quiz pages in headless Chromium through go-rod.
// Each run owns one incognito browsing context for its whole lifetime so
// cookies persist across steps while nothing is shared between runs.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	xerrors "QuizChain/internal/errors"
	"QuizChain/internal/quiz"
	"QuizChain/pkg/logger"
)

// Config controls how Chromium is reached and how pages are rendered.
type Config struct {
	Bin               string
	ControlURL        string
	Headless          bool
	NavigationTimeout time.Duration
	RetryBackoff      time.Duration
	QuiescenceTimeout time.Duration
	ScriptSizeCap     int
	MarkupSizeCap     int
}

func (c Config) withDefaults() Config {
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 30 * time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	if c.QuiescenceTimeout <= 0 {
		c.QuiescenceTimeout = 5 * time.Second
	}
	if c.ScriptSizeCap <= 0 {
		c.ScriptSizeCap = 200_000
	}
	if c.MarkupSizeCap <= 0 {
		c.MarkupSizeCap = 200_000
	}
	return c
}

// Launcher owns the shared browser process and hands out per-run sessions.
type Launcher struct {
	cfg Config
	log *zap.Logger

	mu       sync.Mutex
	browser  *rod.Browser
	launcher *launcher.Launcher
}

// NewLauncher returns a launcher that connects lazily on first use.
func NewLauncher(cfg Config) *Launcher {
	return &Launcher{cfg: cfg.withDefaults(), log: logger.Named("browser")}
}

func (l *Launcher) connect() (*rod.Browser, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.browser != nil {
		return l.browser, nil
	}

	controlURL := l.cfg.ControlURL
	if controlURL == "" {
		launch := launcher.New().Headless(l.cfg.Headless)
		if l.cfg.Bin != "" {
			launch = launch.Bin(l.cfg.Bin)
		}
		u, err := launch.Launch()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "launch chromium")
		}
		controlURL = u
		l.launcher = launch
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		if l.launcher != nil {
			l.launcher.Kill()
			l.launcher = nil
		}
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "connect to chromium")
	}
	l.browser = b
	l.log.Info("browser connected", zap.Bool("launched", l.launcher != nil))
	return b, nil
}

// NewSession opens a fresh incognito context with one tab.
func (l *Launcher) NewSession(ctx context.Context) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeOf(err), err, "open session aborted")
	}
	b, err := l.connect()
	if err != nil {
		return nil, err
	}
	incognito, err := b.Incognito()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "create incognito context")
	}
	page, err := incognito.Page(proto.TargetCreateTarget{})
	if err != nil {
		_ = incognito.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "open tab")
	}
	return newSession(&rodDriver{browser: incognito, page: page, navTimeout: l.cfg.NavigationTimeout}, l.cfg), nil
}

// Close shuts the browser down and kills a process this launcher started.
func (l *Launcher) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var err error
	if l.browser != nil {
		err = l.browser.Close()
		l.browser = nil
	}
	if l.launcher != nil {
		l.launcher.Kill()
		l.launcher.Cleanup()
		l.launcher = nil
	}
	return err
}

// extraction is what the in-page script returns.
type extraction struct {
	Text    string `json:"text"`
	Markup  string `json:"markup"`
	Scripts string `json:"scripts"`
}

// driver is the rendering boundary: navigate, wait and evaluate.
type driver interface {
	Navigate(ctx context.Context, url string, quiescence time.Duration) error
	Extract(ctx context.Context, scriptCap, markupCap int) (extraction, error)
	Close() error
}

// Session renders pages for a single run. It is not safe for concurrent use.
type Session struct {
	d   driver
	cfg Config
	log *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

func newSession(d driver, cfg Config) *Session {
	return &Session{d: d, cfg: cfg.withDefaults(), log: logger.Named("browser")}
}

// Render navigates to url and extracts the page. A navigation failure is
// retried once after the configured backoff. Quiescence is a soft signal:
// whatever content exists when it times out is used.
func (s *Session) Render(ctx context.Context, url string) (quiz.QuizStep, error) {
	err := s.d.Navigate(ctx, url, s.cfg.QuiescenceTimeout)
	if err != nil {
		s.log.Warn("navigation failed, retrying once", zap.String("url", url), zap.Error(err))
		select {
		case <-ctx.Done():
			return quiz.QuizStep{}, xerrors.Wrap(xerrors.CodeOf(ctx.Err()), ctx.Err(), "render aborted")
		case <-time.After(s.cfg.RetryBackoff):
		}
		if err = s.d.Navigate(ctx, url, s.cfg.QuiescenceTimeout); err != nil {
			return quiz.QuizStep{}, xerrors.Wrap(xerrors.CodeTransportFailure, err, "navigation failed twice",
				xerrors.WithMetadata("url", url))
		}
	}

	ex, err := s.d.Extract(ctx, s.cfg.ScriptSizeCap, s.cfg.MarkupSizeCap)
	if err != nil {
		return quiz.QuizStep{}, xerrors.Wrap(xerrors.CodeTransportFailure, err, "extract page content",
			xerrors.WithMetadata("url", url))
	}
	s.log.Debug("page rendered",
		zap.String("url", url),
		zap.Int("text_bytes", len(ex.Text)),
		zap.Int("markup_bytes", len(ex.Markup)),
		zap.Int("script_bytes", len(ex.Scripts)),
	)
	return quiz.QuizStep{
		URL:            url,
		RenderedText:   strings.TrimSpace(ex.Text),
		RenderedMarkup: ex.Markup,
		ScriptText:     ex.Scripts,
	}, nil
}

// Close tears the browsing context down. It is idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.d.Close() })
	return s.closeErr
}

type rodDriver struct {
	browser    *rod.Browser
	page       *rod.Page
	navTimeout time.Duration
}

func (d *rodDriver) Navigate(ctx context.Context, url string, quiescence time.Duration) error {
	qctx, cancel := context.WithTimeout(ctx, quiescence)
	defer cancel()

	wait := d.page.Context(qctx).MustWaitRequestIdle()
	if err := d.page.Context(ctx).Timeout(d.navTimeout).Navigate(url); err != nil {
		return err
	}
	_ = d.page.Context(qctx).WaitLoad()
	wait()
	return nil
}

func (d *rodDriver) Extract(ctx context.Context, scriptCap, markupCap int) (extraction, error) {
	res, err := d.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           extractJS,
		JSArgs:       []interface{}{scriptCap, markupCap},
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return extraction{}, err
	}
	if res == nil {
		return extraction{}, fmt.Errorf("empty evaluation result")
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return extraction{}, err
	}
	var out extraction
	if err := json.Unmarshal(raw, &out); err != nil {
		return extraction{}, fmt.Errorf("decode extraction: %w", err)
	}
	return out, nil
}

func (d *rodDriver) Close() error {
	pageErr := d.page.Close()
	if err := d.browser.Close(); err != nil {
		return err
	}
	return pageErr
}

// extractJS returns body text, markup stripped of style nodes and
// attributes, and inline plus same-origin script bodies up to a cap.
const extractJS = `async (scriptCap, markupCap) => {
	const text = document.body ? document.body.innerText : "";
	let markup = "";
	if (document.documentElement) {
		const clone = document.documentElement.cloneNode(true);
		clone.querySelectorAll("style,link,svg,noscript,script").forEach(n => n.remove());
		clone.querySelectorAll("[style],[class]").forEach(n => {
			n.removeAttribute("style");
			n.removeAttribute("class");
		});
		markup = clone.outerHTML.slice(0, markupCap);
	}
	const parts = [];
	let budget = scriptCap;
	for (const s of Array.from(document.scripts)) {
		if (budget <= 0) break;
		let body = "";
		if (s.src) {
			let u;
			try { u = new URL(s.src, location.href); } catch (e) { continue; }
			if (u.origin !== location.origin) continue;
			try {
				const r = await fetch(u.href, { credentials: "same-origin" });
				if (!r.ok) continue;
				body = await r.text();
			} catch (e) { continue; }
		} else {
			body = s.textContent || "";
		}
		body = body.slice(0, budget);
		budget -= body.length;
		if (body.trim()) parts.push(body);
	}
	return { text: text, markup: markup, scripts: parts.join("\n;\n") };
}`
