// Package exclusiveaccess gates fullscreen and mouse lock requests behind a
// permission bubble backed by content settings.
//
// Tab fullscreen is entered as soon as a page asks for it; the bubble then
// asks whether the site may stay. Mouse lock is only taken after the bubble
// is accepted, and only while the requesting tab is fullscreen. Accepting a
// bubble saves an Allow record for the site; denying or exiting first saves
// nothing.
package exclusiveaccess

import (
	"sync"

	"go.uber.org/zap"

	"github.com/thesyncim/browserfunc/pkg/contentsettings"
)

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger. Default: zap.NewNop().
func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) {
		c.logger = l
	}
}

// WithObserver registers the observer for page notifications.
func WithObserver(o Observer) Option {
	return func(c *Controller) {
		c.observer = o
	}
}

// Controller tracks fullscreen and mouse lock for one browser window.
type Controller struct {
	mu       sync.Mutex
	settings *contentsettings.Store
	logger   *zap.Logger
	observer Observer

	tabFullscreen     string
	tabPattern        string
	browserFullscreen bool
	mouseLocked       string

	pending        RequestKind
	pendingTab     string
	pendingPattern string

	focused bool
}

// NewController returns a controller reading and writing settings.
func NewController(settings *contentsettings.Store, opts ...Option) *Controller {
	c := &Controller{
		settings: settings,
		logger:   zap.NewNop(),
		focused:  true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetObserver replaces the observer.
func (c *Controller) SetObserver(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = o
}

// notes collects observer calls to run once the lock is released.
type notes []func(Observer)

func (c *Controller) flush(n notes) {
	c.mu.Lock()
	o := c.observer
	c.mu.Unlock()
	if o == nil {
		return
	}
	for _, fn := range n {
		fn(o)
	}
}

// RequestTabFullscreen handles element.requestFullscreen() from tab.
func (c *Controller) RequestTabFullscreen(tab, pattern string) Decision {
	c.mu.Lock()
	var n notes

	setting := c.settings.Effective(pattern, contentsettings.Fullscreen)
	if setting == contentsettings.Block {
		c.mu.Unlock()
		c.logger.Debug("fullscreen blocked by content setting", zap.String("pattern", pattern))
		return Denied
	}

	if c.tabFullscreen != "" && c.tabFullscreen != tab {
		n = append(n, c.exitTabLocked(c.tabFullscreen, true)...)
	}

	c.tabFullscreen = tab
	c.tabPattern = pattern

	asking := setting != contentsettings.Allow
	if asking {
		same := c.pendingTab == tab && c.pendingPattern == pattern
		switch {
		case same && c.pending.wantsFullscreen():
			// The bubble already asks for fullscreen, possibly with mouse lock.
		case same && c.pending == MouseLockRequest:
			c.pending = FullscreenAndMouseLockRequest
		default:
			if c.pending.wantsMouseLock() {
				prev := c.pendingTab
				n = append(n, func(o Observer) { o.MouseLockDecided(prev, false) })
			}
			c.pending = FullscreenRequest
			c.pendingTab = tab
			c.pendingPattern = pattern
		}
	}
	c.mu.Unlock()

	c.flush(n)
	c.logger.Debug("tab fullscreen entered",
		zap.String("tab", tab),
		zap.String("pattern", pattern),
		zap.Bool("bubble_asks", asking))
	return Granted
}

// ExitTabFullscreen handles document.exitFullscreen() from tab.
func (c *Controller) ExitTabFullscreen(tab string) {
	c.mu.Lock()
	if c.tabFullscreen != tab {
		c.mu.Unlock()
		return
	}
	n := c.exitTabLocked(tab, false)
	c.mu.Unlock()
	c.flush(n)
	c.logger.Debug("tab fullscreen exited", zap.String("tab", tab))
}

// exitTabLocked leaves tab fullscreen. Unanswered requests are dropped
// without touching content settings.
func (c *Controller) exitTabLocked(tab string, notifyTab bool) notes {
	var n notes
	if c.pendingTab == tab && c.pending != NoRequest {
		if c.pending.wantsMouseLock() {
			n = append(n, func(o Observer) { o.MouseLockDecided(tab, false) })
		}
		c.clearPendingLocked()
	}
	if c.mouseLocked == tab {
		c.mouseLocked = ""
		n = append(n, func(o Observer) { o.MouseLockLost(tab) })
	}
	if c.tabFullscreen == tab {
		c.tabFullscreen = ""
		c.tabPattern = ""
		if notifyTab {
			n = append(n, func(o Observer) { o.TabFullscreenExited(tab) })
		}
	}
	return n
}

func (c *Controller) clearPendingLocked() {
	c.pending = NoRequest
	c.pendingTab = ""
	c.pendingPattern = ""
}

// ToggleBrowserFullscreen is the fullscreen accelerator. Entering browser
// fullscreen drops mouse lock; leaving it also leaves tab fullscreen.
func (c *Controller) ToggleBrowserFullscreen() {
	c.mu.Lock()
	var n notes

	if c.browserFullscreen {
		c.browserFullscreen = false
		if c.tabFullscreen != "" {
			n = append(n, c.exitTabLocked(c.tabFullscreen, true)...)
		}
	} else {
		c.browserFullscreen = true
		if c.mouseLocked != "" {
			tab := c.mouseLocked
			c.mouseLocked = ""
			n = append(n, func(o Observer) { o.MouseLockLost(tab) })
		}
	}
	on := c.browserFullscreen
	c.mu.Unlock()

	c.flush(n)
	c.logger.Debug("browser fullscreen toggled", zap.Bool("fullscreen", on))
}

// Escape is the ESC key: it ends tab fullscreen and mouse lock and keeps
// browser fullscreen.
func (c *Controller) Escape() {
	c.mu.Lock()
	var n notes
	if c.tabFullscreen != "" {
		n = c.exitTabLocked(c.tabFullscreen, true)
	} else if c.mouseLocked != "" {
		tab := c.mouseLocked
		c.mouseLocked = ""
		n = append(n, func(o Observer) { o.MouseLockLost(tab) })
	}
	c.mu.Unlock()
	c.flush(n)
}

// RequestMouseLock handles element.requestPointerLock() from tab.
func (c *Controller) RequestMouseLock(tab, pattern string) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	log := c.logger.With(zap.String("tab", tab), zap.String("pattern", pattern))

	switch {
	case c.tabFullscreen != tab:
		log.Debug("mouse lock denied: tab is not fullscreen")
		return Denied
	case !c.focused:
		log.Debug("mouse lock denied: window has no focus")
		return Denied
	case c.mouseLocked == tab:
		return Granted
	}

	setting := c.settings.Effective(pattern, contentsettings.MouseLock)
	switch setting {
	case contentsettings.Block:
		log.Debug("mouse lock blocked by content setting")
		return Denied
	case contentsettings.Allow:
		c.mouseLocked = tab
		log.Debug("mouse lock granted by content setting")
		return Granted
	}

	switch {
	case c.pendingTab == tab && c.pending.wantsMouseLock():
		return Pending
	case c.pendingTab == tab && c.pending == FullscreenRequest:
		c.pending = FullscreenAndMouseLockRequest
	default:
		c.pending = MouseLockRequest
		c.pendingTab = tab
		c.pendingPattern = pattern
	}
	log.Debug("mouse lock waiting on bubble", zap.Stringer("request", c.pending))
	return Pending
}

// UnlockMouse handles document.exitPointerLock() from tab.
func (c *Controller) UnlockMouse(tab string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mouseLocked == tab {
		c.mouseLocked = ""
	}
}

// Accept answers the bubble with Allow and saves the site's setting.
func (c *Controller) Accept() error {
	c.mu.Lock()
	if c.pending == NoRequest {
		c.mu.Unlock()
		return ErrNoPendingRequest
	}

	kind, tab, pattern := c.pending, c.pendingTab, c.pendingPattern
	c.clearPendingLocked()

	var n notes
	if kind.wantsFullscreen() {
		c.settings.Set(pattern, contentsettings.Fullscreen, contentsettings.Allow)
	}
	if kind.wantsMouseLock() {
		c.settings.Set(pattern, contentsettings.MouseLock, contentsettings.Allow)
		c.mouseLocked = tab
		n = append(n, func(o Observer) { o.MouseLockDecided(tab, true) })
	}
	c.mu.Unlock()

	c.flush(n)
	c.logger.Info("exclusive access accepted",
		zap.Stringer("request", kind),
		zap.String("pattern", pattern))
	return nil
}

// Deny answers the bubble with Deny. A denied fullscreen request leaves
// fullscreen. Nothing is saved.
func (c *Controller) Deny() error {
	c.mu.Lock()
	if c.pending == NoRequest {
		c.mu.Unlock()
		return ErrNoPendingRequest
	}

	kind, tab := c.pending, c.pendingTab
	c.clearPendingLocked()

	var n notes
	if kind.wantsMouseLock() {
		n = append(n, func(o Observer) { o.MouseLockDecided(tab, false) })
	}
	if kind.wantsFullscreen() {
		n = append(n, c.exitTabLocked(tab, true)...)
	}
	c.mu.Unlock()

	c.flush(n)
	c.logger.Info("exclusive access denied", zap.Stringer("request", kind))
	return nil
}

// FocusLost is called when another window takes focus. Mouse lock breaks and
// any pending mouse lock request is denied; fullscreen stays.
func (c *Controller) FocusLost() {
	c.mu.Lock()
	c.focused = false
	var n notes
	if c.mouseLocked != "" {
		tab := c.mouseLocked
		c.mouseLocked = ""
		n = append(n, func(o Observer) { o.MouseLockLost(tab) })
	}
	switch c.pending {
	case MouseLockRequest:
		tab := c.pendingTab
		c.clearPendingLocked()
		n = append(n, func(o Observer) { o.MouseLockDecided(tab, false) })
	case FullscreenAndMouseLockRequest:
		tab := c.pendingTab
		c.pending = FullscreenRequest
		n = append(n, func(o Observer) { o.MouseLockDecided(tab, false) })
	}
	c.mu.Unlock()
	c.flush(n)
}

// FocusRegained is called when the window is focused again.
func (c *Controller) FocusRegained() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.focused = true
}

// TabClosed forgets everything tab owned.
func (c *Controller) TabClosed(tab string) {
	c.mu.Lock()
	n := c.exitTabLocked(tab, false)
	c.mu.Unlock()
	c.flush(n)
}

func (c *Controller) IsFullscreenForTab() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tabFullscreen != ""
}

func (c *Controller) IsFullscreenForBrowser() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.browserFullscreen
}

func (c *Controller) IsMouseLocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mouseLocked != ""
}

// IsBubbleDisplayed reports whether the exit/permission bubble is showing.
func (c *Controller) IsBubbleDisplayed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != NoRequest || c.tabFullscreen != "" || c.browserFullscreen || c.mouseLocked != ""
}

// IsBubbleDisplayingButtons reports whether the bubble asks a question.
func (c *Controller) IsBubbleDisplayingButtons() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != NoRequest
}

func (c *Controller) IsFullscreenPermissionRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending.wantsFullscreen()
}

func (c *Controller) IsMouseLockPermissionRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending.wantsMouseLock()
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		TabFullscreen:     c.tabFullscreen,
		BrowserFullscreen: c.browserFullscreen,
		MouseLocked:       c.mouseLocked,
		Pending:           c.pending,
		PendingTab:        c.pendingTab,
		Focused:           c.focused,
	}
}
