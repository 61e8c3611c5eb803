package harness

import (
	"fmt"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

// Tab is one browser tab with the permission layer installed.
type Tab struct {
	h      *Harness
	page   *rod.Page
	id     string
	unbind func() error
}

// ID returns the tab's target id.
func (t *Tab) ID() string { return t.id }

// Page returns the underlying rod page.
func (t *Tab) Page() *rod.Page { return t.page }

func (h *Harness) adoptTab(page *rod.Page) (*Tab, error) {
	t := &Tab{h: h, page: page, id: string(page.TargetID)}
	if err := t.install(); err != nil {
		return nil, fmt.Errorf("install permission layer: %w", err)
	}

	h.mu.Lock()
	h.tabs = append(h.tabs, t)
	h.mu.Unlock()
	return t, nil
}

// Navigate loads url and waits for the load event.
func (t *Tab) Navigate(url string) error {
	p := t.page.Timeout(t.h.cfg.PageTimeout)
	defer p.CancelTimeout()

	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	if err := p.WaitLoad(); err != nil {
		return fmt.Errorf("wait load %s: %w", url, err)
	}
	t.h.grantMedia(t, url)
	return nil
}

// ClickElementByID clicks the element with the given id.
func (t *Tab) ClickElementByID(id string) error {
	p := t.page.Timeout(t.h.cfg.PageTimeout)
	defer p.CancelTimeout()

	el, err := p.Element("#" + id)
	if err != nil {
		return fmt.Errorf("find #%s: %w", id, err)
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click #%s: %w", id, err)
	}
	return nil
}

// FindInPage counts the occurrences of text in the page's rendered text.
func (t *Tab) FindInPage(text string) (int, error) {
	res, err := t.page.Eval(`() => document.body ? document.body.innerText : ''`)
	if err != nil {
		return 0, fmt.Errorf("read page text: %w", err)
	}
	return strings.Count(res.Value.Str(), text), nil
}

// Tab returns the tab at index.
func (h *Harness) Tab(index int) (*Tab, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if index < 0 || index >= len(h.tabs) {
		return nil, fmt.Errorf("%w %d (have %d)", ErrTabIndex, index, len(h.tabs))
	}
	return h.tabs[index], nil
}

// TabCount returns the number of open tabs.
func (h *Harness) TabCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.tabs)
}

// NavigateToURL loads url in the first tab.
func (h *Harness) NavigateToURL(url string) error {
	t, err := h.Tab(0)
	if err != nil {
		return err
	}
	return t.Navigate(url)
}

// AppendTab opens url in a new tab.
func (h *Harness) AppendTab(url string) (*Tab, error) {
	page, err := h.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("open tab: %w", err)
	}
	t, err := h.adoptTab(page)
	if err != nil {
		_ = page.Close()
		return nil, err
	}
	if err := t.Navigate(url); err != nil {
		return nil, err
	}
	h.logger.Debug("tab appended", zap.String("tab", t.id), zap.String("url", url))
	return t, nil
}

// ActivateTab brings the tab at index to the front and gives the window
// focus back.
func (h *Harness) ActivateTab(index int) error {
	t, err := h.Tab(index)
	if err != nil {
		return err
	}
	if _, err := t.page.Activate(); err != nil {
		return fmt.Errorf("activate tab %d: %w", index, err)
	}
	h.access.FocusRegained()
	return nil
}

// CloseTab closes the tab at index. Its infobars are denied and any
// fullscreen or mouse lock it held is released.
func (h *Harness) CloseTab(index int) error {
	h.mu.Lock()
	if index < 0 || index >= len(h.tabs) {
		n := len(h.tabs)
		h.mu.Unlock()
		return fmt.Errorf("%w %d (have %d)", ErrTabIndex, index, n)
	}
	t := h.tabs[index]
	h.tabs = append(h.tabs[:index:index], h.tabs[index+1:]...)
	h.mu.Unlock()

	h.access.TabClosed(t.id)
	h.infobars.RemoveTab(t.id)
	if t.unbind != nil {
		_ = t.unbind()
	}
	h.syncWindowState()
	if err := t.page.Close(); err != nil {
		return fmt.Errorf("close tab %d: %w", index, err)
	}
	return nil
}

// OpenNewBrowserWindow opens a blank window. When show is set the new
// window takes focus, which breaks mouse lock in the test window.
func (h *Harness) OpenNewBrowserWindow(show bool) error {
	page, err := h.browser.Page(proto.TargetCreateTarget{URL: "about:blank", NewWindow: true})
	if err != nil {
		return fmt.Errorf("open window: %w", err)
	}
	h.mu.Lock()
	h.windows = append(h.windows, page)
	h.mu.Unlock()

	if show {
		if _, err := page.Activate(); err != nil {
			return fmt.Errorf("activate window: %w", err)
		}
		h.access.FocusLost()
	}
	h.logger.Debug("browser window opened", zap.Bool("show", show))
	return nil
}

// grantMedia grants camera and microphone to the page's origin so the
// native getUserMedia behind an allowed infobar does not prompt again.
func (h *Harness) grantMedia(t *Tab, url string) {
	origin, err := originOf(url)
	if err != nil {
		return
	}
	err = proto.BrowserGrantPermissions{
		Permissions: []proto.BrowserPermissionType{
			proto.BrowserPermissionTypeAudioCapture,
			proto.BrowserPermissionTypeVideoCapture,
		},
		Origin: origin,
	}.Call(h.browser)
	if err != nil {
		h.logger.Debug("grant media permissions", zap.String("tab", t.id), zap.Error(err))
	}
}
