package harness

import (
	"fmt"

	"go.uber.org/zap"
)

// Accelerator is a browser command bound to a key.
type Accelerator int

const (
	// IDCFullscreen toggles browser fullscreen (F11).
	IDCFullscreen Accelerator = iota + 1
)

func (a Accelerator) String() string {
	switch a {
	case IDCFullscreen:
		return "IDC_FULLSCREEN"
	}
	return fmt.Sprintf("Accelerator(%d)", int(a))
}

// ApplyAccelerator runs the browser command a.
func (h *Harness) ApplyAccelerator(a Accelerator) error {
	switch a {
	case IDCFullscreen:
		h.access.ToggleBrowserFullscreen()
		h.syncWindowState()
	default:
		return fmt.Errorf("unsupported accelerator %s", a)
	}
	h.logger.Debug("accelerator applied", zap.Stringer("accelerator", a))
	return nil
}

// SendEscape presses ESC in the browser window.
func (h *Harness) SendEscape() {
	h.access.Escape()
	h.syncWindowState()
}

func (h *Harness) IsFullscreenForBrowser() bool { return h.access.IsFullscreenForBrowser() }

func (h *Harness) IsFullscreenForTab() bool { return h.access.IsFullscreenForTab() }

func (h *Harness) IsMouseLocked() bool { return h.access.IsMouseLocked() }

func (h *Harness) IsFullscreenBubbleDisplayed() bool { return h.access.IsBubbleDisplayed() }

// IsFullscreenBubbleDisplayingButtons reports whether the bubble is asking
// the user to allow or deny.
func (h *Harness) IsFullscreenBubbleDisplayingButtons() bool {
	return h.access.IsBubbleDisplayingButtons()
}

func (h *Harness) IsFullscreenPermissionRequested() bool {
	return h.access.IsFullscreenPermissionRequested()
}

func (h *Harness) IsMouseLockPermissionRequested() bool {
	return h.access.IsMouseLockPermissionRequested()
}

// AcceptCurrentFullscreenOrMouseLockRequest clicks Allow on the bubble.
func (h *Harness) AcceptCurrentFullscreenOrMouseLockRequest() error {
	if err := h.access.Accept(); err != nil {
		return err
	}
	return h.persistPrefs()
}

// DenyCurrentFullscreenOrMouseLockRequest clicks Deny on the bubble.
func (h *Harness) DenyCurrentFullscreenOrMouseLockRequest() error {
	if err := h.access.Deny(); err != nil {
		return err
	}
	h.syncWindowState()
	return nil
}
