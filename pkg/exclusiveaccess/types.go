package exclusiveaccess

import "errors"

// ErrNoPendingRequest is returned by Accept and Deny when no bubble is
// asking for permission.
var ErrNoPendingRequest = errors.New("no pending fullscreen or mouse lock request")

// Decision is the answer to a fullscreen or mouse lock request.
type Decision int

const (
	// Pending means the request waits on the permission bubble.
	Pending Decision = iota
	Granted
	Denied
)

func (d Decision) String() string {
	switch d {
	case Pending:
		return "pending"
	case Granted:
		return "granted"
	case Denied:
		return "denied"
	}
	return "unknown"
}

// RequestKind describes what the permission bubble is asking for.
type RequestKind int

const (
	NoRequest RequestKind = iota
	FullscreenRequest
	MouseLockRequest
	FullscreenAndMouseLockRequest
)

func (k RequestKind) String() string {
	switch k {
	case NoRequest:
		return "none"
	case FullscreenRequest:
		return "fullscreen"
	case MouseLockRequest:
		return "mouselock"
	case FullscreenAndMouseLockRequest:
		return "fullscreen+mouselock"
	}
	return "unknown"
}

func (k RequestKind) wantsFullscreen() bool {
	return k == FullscreenRequest || k == FullscreenAndMouseLockRequest
}

func (k RequestKind) wantsMouseLock() bool {
	return k == MouseLockRequest || k == FullscreenAndMouseLockRequest
}

// Observer receives state changes the page has to learn about. Calls are
// made without the controller lock held.
type Observer interface {
	// MouseLockDecided settles a mouse lock request that was Pending.
	MouseLockDecided(tab string, granted bool)
	// MouseLockLost reports that a held lock was broken.
	MouseLockLost(tab string)
	// TabFullscreenExited reports that tab left fullscreen for a reason
	// other than its own exit call.
	TabFullscreenExited(tab string)
}

// State is a point-in-time copy of the controller state.
type State struct {
	TabFullscreen     string
	BrowserFullscreen bool
	MouseLocked       string
	Pending           RequestKind
	PendingTab        string
	Focused           bool
}
