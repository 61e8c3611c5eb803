// Package harness is the browser automation API the functional tests are
// written against. It drives Chrome through go-rod and puts a permission
// layer in front of every page: fullscreen, pointer lock and camera or
// microphone requests are routed to Go, where the exclusiveaccess
// controller and the infobar manager decide them the way the browser's
// bubble and infobars would.
package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/thesyncim/browserfunc/pkg/contentsettings"
	"github.com/thesyncim/browserfunc/pkg/exclusiveaccess"
	"github.com/thesyncim/browserfunc/pkg/infobar"
	"github.com/thesyncim/browserfunc/pkg/testserver"
)

// ErrTabIndex is returned for a tab index that does not exist.
var ErrTabIndex = errors.New("no tab at index")

// Config configures Chrome and the harness defaults.
type Config struct {
	Headless    bool     // Run in headless mode (default: true)
	Bin         string   // Chrome binary; empty lets rod find or download one
	UserDataDir string   // Profile directory; empty uses a temporary one
	Flags       []string // Extra switches, "name" or "name=value"

	PageTimeout   time.Duration // Navigation and element lookup timeout (default: 30s)
	WaitTimeout   time.Duration // Default WaitUntil timeout (default: 10s)
	PollInterval  time.Duration // Default WaitUntil retry sleep (default: 250ms)
	ScriptTimeout time.Duration // Initial async script timeout (default: 10s)

	DataDir   string // Extra files served next to the built-in pages
	PrefsFile string // When set, preferences are written here on every change
}

// DefaultConfig returns sensible defaults for functional testing.
func DefaultConfig() Config {
	return Config{
		Headless:      true,
		PageTimeout:   30 * time.Second,
		WaitTimeout:   10 * time.Second,
		PollInterval:  250 * time.Millisecond,
		ScriptTimeout: 10 * time.Second,
	}
}

// Option configures a Harness.
type Option func(*Harness)

// WithLogger sets the harness logger. Default: zap.NewNop().
func WithLogger(l *zap.Logger) Option {
	return func(h *Harness) {
		h.logger = l
	}
}

// Harness owns one browser, its test data server and the permission state.
type Harness struct {
	cfg    Config
	logger *zap.Logger

	launcher *launcher.Launcher
	browser  *rod.Browser
	data     *testserver.Server

	settings *contentsettings.Store
	access   *exclusiveaccess.Controller
	infobars *infobar.Manager

	mu            sync.Mutex
	tabs          []*Tab
	windows       []*rod.Page
	scriptTimeout time.Duration

	windowMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// New starts the data server, launches Chrome and opens the first tab.
func New(cfg Config, opts ...Option) (*Harness, error) {
	h := &Harness{
		cfg:           cfg,
		logger:        zap.NewNop(),
		settings:      contentsettings.NewStore(),
		infobars:      infobar.NewManager(),
		scriptTimeout: cfg.ScriptTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.access = exclusiveaccess.NewController(h.settings,
		exclusiveaccess.WithLogger(h.logger.Named("exclusiveaccess")),
		exclusiveaccess.WithObserver(pageNotifier{h}))

	if cfg.PrefsFile != "" {
		if err := h.settings.Load(cfg.PrefsFile); err != nil && !isNotExist(err) {
			return nil, fmt.Errorf("load prefs: %w", err)
		}
	}

	dataCfg := testserver.DefaultConfig()
	dataCfg.DataDir = cfg.DataDir
	data, err := testserver.NewServer(dataCfg, testserver.WithLogger(h.logger.Named("data")))
	if err != nil {
		return nil, err
	}
	if _, err := data.Start(); err != nil {
		return nil, fmt.Errorf("start data server: %w", err)
	}
	h.data = data

	if err := h.launch(); err != nil {
		h.Close()
		return nil, err
	}

	first, err := h.firstPage()
	if err != nil {
		h.Close()
		return nil, err
	}
	if _, err := h.adoptTab(first); err != nil {
		h.Close()
		return nil, err
	}

	h.logger.Info("harness ready",
		zap.String("data", data.Addr()),
		zap.Bool("headless", cfg.Headless))
	return h, nil
}

func (h *Harness) launch() error {
	l := launcher.New().
		Headless(h.cfg.Headless).
		Set("no-sandbox").
		Set("disable-gpu").
		Set("use-fake-device-for-media-stream").
		Set("use-fake-ui-for-media-stream").
		Set("enable-pointer-lock").
		Set("autoplay-policy", "no-user-gesture-required")
	if h.cfg.Bin != "" {
		l = l.Bin(h.cfg.Bin)
	}
	if h.cfg.UserDataDir != "" {
		l = l.UserDataDir(h.cfg.UserDataDir)
	}
	for _, f := range h.cfg.Flags {
		name, value, hasValue := strings.Cut(strings.TrimLeft(f, "-"), "=")
		if hasValue {
			l = l.Set(flags.Flag(name), value)
		} else {
			l = l.Set(flags.Flag(name))
		}
	}
	h.launcher = l

	url, err := l.Launch()
	if err != nil {
		return fmt.Errorf("failed to launch Chrome: %w", err)
	}

	browser := rod.New().ControlURL(url)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("failed to connect to Chrome: %w", err)
	}
	h.browser = browser
	return nil
}

func (h *Harness) firstPage() (*rod.Page, error) {
	pages, err := h.browser.Pages()
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	if len(pages) > 0 {
		return pages.First(), nil
	}
	page, err := h.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("open first tab: %w", err)
	}
	return page, nil
}

// Close shuts down Chrome and the data server. It is safe to call more
// than once. Always call this (via defer) to prevent orphaned Chrome processes.
func (h *Harness) Close() error {
	h.closeOnce.Do(func() { h.closeErr = h.close() })
	return h.closeErr
}

func (h *Harness) close() error {
	var errs []error
	if h.browser != nil {
		if err := h.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close browser: %w", err))
		}
	}
	if h.launcher != nil {
		h.launcher.Cleanup()
	}
	if h.data != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.data.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop data server: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Browser returns the underlying rod browser.
func (h *Harness) Browser() *rod.Browser { return h.browser }

// Settings returns the content-settings store the permission layer uses.
func (h *Harness) Settings() *contentsettings.Store { return h.settings }

// Access returns the fullscreen and mouse lock controller.
func (h *Harness) Access() *exclusiveaccess.Controller { return h.access }

// Infobars returns the infobar manager.
func (h *Harness) Infobars() *infobar.Manager { return h.infobars }

// Logger returns the harness logger.
func (h *Harness) Logger() *zap.Logger { return h.logger }

// HTTPURLForDataPath returns the URL of a test data file, e.g.
// HTTPURLForDataPath("fullscreen_mouselock", "fullscreen_mouselock.html").
func (h *Harness) HTTPURLForDataPath(parts ...string) string {
	return h.data.HTTPURLForDataPath(parts...)
}

// HostnamePattern is the content-settings pattern of the test data origin,
// e.g. "http://127.0.0.1:57622".
func (h *Harness) HostnamePattern() string {
	return h.data.Origin()
}
