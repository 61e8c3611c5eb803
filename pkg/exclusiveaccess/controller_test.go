package exclusiveaccess

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/thesyncim/browserfunc/pkg/contentsettings"
)

const (
	tab1    = "tab-1"
	tab2    = "tab-2"
	pattern = "http://127.0.0.1:57622"
)

// recorder captures observer calls for assertions.
type recorder struct {
	mu        sync.Mutex
	decisions []bool
	lost      []string
	exited    []string
}

func (r *recorder) MouseLockDecided(tab string, granted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions = append(r.decisions, granted)
}

func (r *recorder) MouseLockLost(tab string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lost = append(r.lost, tab)
}

func (r *recorder) TabFullscreenExited(tab string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exited = append(r.exited, tab)
}

func newTestController(t *testing.T) (*Controller, *contentsettings.Store, *recorder) {
	t.Helper()
	store := contentsettings.NewStore()
	rec := &recorder{}
	return NewController(store, WithObserver(rec)), store, rec
}

// launchAndExpectPrompt enters tab fullscreen and checks the bubble asks.
func launchAndExpectPrompt(t *testing.T, c *Controller) {
	t.Helper()
	require.False(t, c.IsFullscreenForBrowser())
	require.False(t, c.IsFullscreenForTab())
	require.Equal(t, Granted, c.RequestTabFullscreen(tab1, pattern))
	require.True(t, c.IsFullscreenForTab())
	require.True(t, c.IsFullscreenPermissionRequested())
}

func TestController_HooksSequence(t *testing.T) {
	c, store, rec := newTestController(t)

	launchAndExpectPrompt(t, c)
	assert.True(t, c.IsBubbleDisplayed())
	assert.True(t, c.IsBubbleDisplayingButtons())

	require.NoError(t, c.Accept())
	assert.False(t, c.IsBubbleDisplayingButtons())
	assert.True(t, c.IsBubbleDisplayed(), "exit instructions remain while fullscreen")

	// First lock attempt asks, and is denied.
	assert.False(t, c.IsMouseLocked())
	assert.Equal(t, Pending, c.RequestMouseLock(tab1, pattern))
	assert.True(t, c.IsMouseLockPermissionRequested())
	assert.False(t, c.IsMouseLocked())

	require.NoError(t, c.Deny())
	assert.False(t, c.IsBubbleDisplayingButtons())
	assert.False(t, c.IsMouseLocked())
	assert.True(t, c.IsFullscreenForTab(), "denying mouse lock keeps fullscreen")

	// Second attempt is accepted.
	assert.Equal(t, Pending, c.RequestMouseLock(tab1, pattern))
	require.NoError(t, c.Accept())
	assert.True(t, c.IsMouseLocked())

	assert.Equal(t, []bool{false, true}, rec.decisions)
	assert.Equal(t, map[string]map[string]int{
		pattern + ",*": {"fullscreen": 1, "mouselock": 1},
	}, store.PatternPairs())
}

func TestController_PrefsForFullscreenAllowed(t *testing.T) {
	c, store, _ := newTestController(t)
	launchAndExpectPrompt(t, c)
	require.NoError(t, c.Accept())

	assert.Equal(t, map[string]map[string]int{
		pattern + ",*": {"fullscreen": 1},
	}, store.PatternPairs())
}

func TestController_PrefsForFullscreenExit(t *testing.T) {
	c, store, rec := newTestController(t)
	launchAndExpectPrompt(t, c)

	c.ExitTabFullscreen(tab1)
	assert.False(t, c.IsFullscreenForTab())
	assert.False(t, c.IsBubbleDisplayingButtons())
	assert.Empty(t, store.PatternPairs())
	assert.Empty(t, rec.exited, "page-initiated exit needs no notification")

	assert.ErrorIs(t, c.Accept(), ErrNoPendingRequest)
}

func TestController_DenyFullscreen(t *testing.T) {
	c, store, rec := newTestController(t)
	launchAndExpectPrompt(t, c)

	require.NoError(t, c.Deny())
	assert.False(t, c.IsFullscreenForTab())
	assert.Equal(t, []string{tab1}, rec.exited)
	assert.Empty(t, store.PatternPairs())
	assert.ErrorIs(t, c.Deny(), ErrNoPendingRequest)
}

func TestController_CombinedRequest(t *testing.T) {
	c, store, rec := newTestController(t)

	require.Equal(t, Granted, c.RequestTabFullscreen(tab1, pattern))
	require.Equal(t, Pending, c.RequestMouseLock(tab1, pattern))
	assert.True(t, c.IsFullscreenPermissionRequested())
	assert.True(t, c.IsMouseLockPermissionRequested())
	assert.Equal(t, FullscreenAndMouseLockRequest, c.Snapshot().Pending)

	// A repeated lock call does not downgrade the combined request.
	require.Equal(t, Pending, c.RequestMouseLock(tab1, pattern))
	assert.Equal(t, FullscreenAndMouseLockRequest, c.Snapshot().Pending)

	require.NoError(t, c.Accept())
	assert.True(t, c.IsMouseLocked())
	assert.Equal(t, []bool{true}, rec.decisions)

	// Locking again is granted without asking.
	assert.Equal(t, Granted, c.RequestMouseLock(tab1, pattern))
	assert.False(t, c.IsMouseLockPermissionRequested())

	assert.Equal(t, map[string]map[string]int{
		pattern + ",*": {"fullscreen": 1, "mouselock": 1},
	}, store.PatternPairs())
}

func TestController_DenyCombinedRequest(t *testing.T) {
	c, store, rec := newTestController(t)
	c.RequestTabFullscreen(tab1, pattern)
	c.RequestMouseLock(tab1, pattern)

	require.NoError(t, c.Deny())
	assert.False(t, c.IsFullscreenForTab())
	assert.False(t, c.IsMouseLocked())
	assert.Equal(t, []bool{false}, rec.decisions)
	assert.Empty(t, store.PatternPairs())
}

func TestController_DefaultMouseLockSettings(t *testing.T) {
	tests := []struct {
		name    string
		setting contentsettings.Setting
		want    Decision
		locked  bool
	}{
		{"allow without prompt", contentsettings.Allow, Granted, true},
		{"block without prompt", contentsettings.Block, Denied, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, store, _ := newTestController(t)
			store.SetDefault(contentsettings.MouseLock, tt.setting)

			launchAndExpectPrompt(t, c)
			require.NoError(t, c.Accept())

			assert.Equal(t, tt.want, c.RequestMouseLock(tab1, pattern))
			assert.False(t, c.IsMouseLockPermissionRequested())
			assert.Equal(t, tt.locked, c.IsMouseLocked())
		})
	}
}

func TestController_FullscreenSettings(t *testing.T) {
	c, store, _ := newTestController(t)

	store.Set(pattern, contentsettings.Fullscreen, contentsettings.Allow)
	assert.Equal(t, Granted, c.RequestTabFullscreen(tab1, pattern))
	assert.False(t, c.IsBubbleDisplayingButtons(), "allowed site is not asked again")
	c.ExitTabFullscreen(tab1)

	store.Set(pattern, contentsettings.Fullscreen, contentsettings.Block)
	assert.Equal(t, Denied, c.RequestTabFullscreen(tab1, pattern))
	assert.False(t, c.IsFullscreenForTab())
}

func TestController_BrowserFullscreen(t *testing.T) {
	c, _, _ := newTestController(t)

	c.ToggleBrowserFullscreen()
	assert.True(t, c.IsFullscreenForBrowser())
	assert.False(t, c.IsFullscreenForTab())
	assert.False(t, c.IsMouseLocked())

	// No mouse lock in browser-only fullscreen.
	assert.Equal(t, Denied, c.RequestMouseLock(tab1, pattern))

	// Tab fullscreen can be entered on top.
	assert.Equal(t, Granted, c.RequestTabFullscreen(tab1, pattern))
	assert.True(t, c.IsFullscreenForTab())
	assert.False(t, c.IsMouseLocked())

	// Exiting tab fullscreen leaves browser fullscreen intact.
	c.ExitTabFullscreen(tab1)
	assert.False(t, c.IsFullscreenForTab())
	assert.True(t, c.IsFullscreenForBrowser())
}

func TestController_EscapeKeepsBrowserFullscreen(t *testing.T) {
	c, _, rec := newTestController(t)
	c.ToggleBrowserFullscreen()
	c.RequestTabFullscreen(tab1, pattern)

	c.Escape()
	assert.False(t, c.IsFullscreenForTab())
	assert.True(t, c.IsFullscreenForBrowser())
	assert.Equal(t, []string{tab1}, rec.exited)
}

func TestController_AcceleratorExitsTabAndBrowserFullscreen(t *testing.T) {
	c, _, rec := newTestController(t)
	c.ToggleBrowserFullscreen()
	c.RequestTabFullscreen(tab1, pattern)

	c.ToggleBrowserFullscreen()
	assert.False(t, c.IsFullscreenForTab())
	assert.False(t, c.IsFullscreenForBrowser())
	assert.Equal(t, []string{tab1}, rec.exited)
}

func TestController_EnteringBrowserFullscreenBreaksMouseLock(t *testing.T) {
	c, store, rec := newTestController(t)
	store.SetDefault(contentsettings.MouseLock, contentsettings.Allow)
	c.RequestTabFullscreen(tab1, pattern)
	require.Equal(t, Granted, c.RequestMouseLock(tab1, pattern))

	c.ToggleBrowserFullscreen()
	assert.False(t, c.IsMouseLocked())
	assert.True(t, c.IsFullscreenForTab())
	assert.Equal(t, []string{tab1}, rec.lost)
}

func TestController_FocusLossBreaksMouseLock(t *testing.T) {
	c, _, rec := newTestController(t)

	c.RequestTabFullscreen(tab1, pattern)
	c.RequestMouseLock(tab1, pattern)
	require.NoError(t, c.Accept())
	require.True(t, c.IsFullscreenForTab())
	require.True(t, c.IsMouseLocked())

	c.FocusLost()
	assert.True(t, c.IsFullscreenForTab())
	assert.False(t, c.IsMouseLocked())
	assert.Equal(t, []string{tab1}, rec.lost)

	assert.Equal(t, Denied, c.RequestMouseLock(tab1, pattern), "no lock without focus")

	c.FocusRegained()
	assert.Equal(t, Granted, c.RequestMouseLock(tab1, pattern))
}

func TestController_FocusLossDropsPendingMouseLock(t *testing.T) {
	c, _, rec := newTestController(t)
	c.RequestTabFullscreen(tab1, pattern)
	require.NoError(t, c.Accept())
	require.Equal(t, Pending, c.RequestMouseLock(tab1, pattern))

	c.FocusLost()
	assert.False(t, c.IsMouseLockPermissionRequested())
	assert.Equal(t, []bool{false}, rec.decisions)
}

func TestController_FocusLossDowngradesCombinedRequest(t *testing.T) {
	c, store, rec := newTestController(t)
	launchAndExpectPrompt(t, c)
	require.Equal(t, Pending, c.RequestMouseLock(tab1, pattern))
	require.Equal(t, FullscreenAndMouseLockRequest, c.Snapshot().Pending)

	c.FocusLost()
	assert.Equal(t, FullscreenRequest, c.Snapshot().Pending)
	assert.True(t, c.IsFullscreenPermissionRequested())
	assert.False(t, c.IsMouseLockPermissionRequested())
	assert.Equal(t, []bool{false}, rec.decisions)

	require.NoError(t, c.Accept())
	assert.False(t, c.IsMouseLocked(), "no lock without focus")
	assert.True(t, c.IsFullscreenForTab())
	assert.Equal(t, contentsettings.Allow, store.Get(pattern, contentsettings.Fullscreen))
	assert.Equal(t, contentsettings.Default, store.Get(pattern, contentsettings.MouseLock))
	assert.Equal(t, []bool{false}, rec.decisions)
}

func TestController_RepeatFullscreenKeepsCombinedRequest(t *testing.T) {
	c, store, rec := newTestController(t)
	launchAndExpectPrompt(t, c)
	require.Equal(t, Pending, c.RequestMouseLock(tab1, pattern))

	assert.Equal(t, Granted, c.RequestTabFullscreen(tab1, pattern))
	assert.Equal(t, FullscreenAndMouseLockRequest, c.Snapshot().Pending)
	assert.True(t, c.IsMouseLockPermissionRequested())
	assert.Empty(t, rec.decisions)

	require.NoError(t, c.Accept())
	assert.True(t, c.IsMouseLocked())
	assert.Equal(t, []bool{true}, rec.decisions)
	assert.Equal(t, contentsettings.Allow, store.Get(pattern, contentsettings.Fullscreen))
	assert.Equal(t, contentsettings.Allow, store.Get(pattern, contentsettings.MouseLock))
}

func TestController_FullscreenFromNewOriginSettlesPendingLock(t *testing.T) {
	c, _, rec := newTestController(t)
	launchAndExpectPrompt(t, c)
	require.Equal(t, Pending, c.RequestMouseLock(tab1, pattern))

	const other = "http://127.0.0.1:9"
	assert.Equal(t, Granted, c.RequestTabFullscreen(tab1, other))
	st := c.Snapshot()
	assert.Equal(t, FullscreenRequest, st.Pending)
	assert.Equal(t, []bool{false}, rec.decisions)
}

func TestController_SecondTabTakesFullscreen(t *testing.T) {
	c, _, rec := newTestController(t)
	c.RequestTabFullscreen(tab1, pattern)

	c.RequestTabFullscreen(tab2, pattern)
	st := c.Snapshot()
	assert.Equal(t, tab2, st.TabFullscreen)
	assert.Equal(t, tab2, st.PendingTab)
	assert.Equal(t, []string{tab1}, rec.exited)

	// tab1 is no longer fullscreen, so it cannot lock.
	assert.Equal(t, Denied, c.RequestMouseLock(tab1, pattern))
}

func TestController_TabClosedAndUnlock(t *testing.T) {
	c, store, rec := newTestController(t)
	store.SetDefault(contentsettings.MouseLock, contentsettings.Allow)
	c.RequestTabFullscreen(tab1, pattern)
	require.NoError(t, c.Accept())
	require.Equal(t, Granted, c.RequestMouseLock(tab1, pattern))

	c.UnlockMouse(tab2)
	assert.True(t, c.IsMouseLocked(), "other tabs cannot release the lock")
	c.UnlockMouse(tab1)
	assert.False(t, c.IsMouseLocked())

	c.RequestMouseLock(tab1, pattern)
	c.TabClosed(tab1)
	assert.False(t, c.IsFullscreenForTab())
	assert.False(t, c.IsMouseLocked())
	assert.Equal(t, []string{tab1}, rec.lost)
	assert.Empty(t, rec.exited)
}

func TestController_LogsDecisions(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	c := NewController(contentsettings.NewStore(), WithLogger(zap.New(core)))

	c.RequestTabFullscreen(tab1, pattern)
	require.NoError(t, c.Accept())

	entries := logs.FilterMessage("exclusive access accepted").All()
	require.Len(t, entries, 1)
	assert.Equal(t, pattern, entries[0].ContextMap()["pattern"])
	assert.Equal(t, "fullscreen", entries[0].ContextMap()["request"])
}

func TestRequestKind_String(t *testing.T) {
	assert.Equal(t, "fullscreen+mouselock", FullscreenAndMouseLockRequest.String())
	assert.Equal(t, "none", NoRequest.String())
	assert.Equal(t, "denied", Denied.String())
}
