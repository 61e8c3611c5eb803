package harness

import (
	"fmt"
	"net/url"

	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"
	"go.uber.org/zap"

	"github.com/thesyncim/browserfunc/pkg/contentsettings"
	"github.com/thesyncim/browserfunc/pkg/exclusiveaccess"
	"github.com/thesyncim/browserfunc/pkg/infobar"
)

const (
	bindingName = "__browserfuncRequest"

	// Request kinds sent by the page layer.
	kindFullscreen      = "fullscreen"
	kindExitFullscreen  = "exitFullscreen"
	kindPointerLock     = "pointerLock"
	kindExitPointerLock = "exitPointerLock"
	kindMedia           = "media"

	resultPending = "pending"
	resultGranted = "granted"
	resultDenied  = "denied"
)

// pageLayer replaces the fullscreen, pointer lock and getUserMedia entry
// points. Each request goes to Go through the exposed binding, which
// answers granted, denied or pending. Pending requests are settled later
// by Go calling back into window.__browserfunc.
const pageLayer = `() => {
  if (window.__browserfunc) {
    return;
  }
  const pending = new Map();
  let seq = 0;

  const bf = {
    fullscreenElement: null,
    pointerLockElement: null,
    pendingLock: null,

    request(kind, detail) {
      const id = ++seq;
      const done = new Promise(resolve => pending.set(id, resolve));
      const req = Object.assign({ id, kind, origin: location.origin }, detail || {});
      window.` + bindingName + `(req).then(result => {
        if (result !== 'pending') {
          bf.settle(id, result);
        }
      }, err => bf.settle(id, 'denied'));
      return done;
    },

    settle(id, result) {
      const resolve = pending.get(id);
      if (resolve) {
        pending.delete(id);
        resolve(result);
      }
    },

    fire(type) {
      document.dispatchEvent(new Event(type, { bubbles: true }));
    },

    lock(target) {
      bf.pendingLock = null;
      bf.pointerLockElement = target;
      bf.fire('pointerlockchange');
    },

    lockError() {
      bf.pendingLock = null;
      bf.fire('pointerlockerror');
    },

    mouseLockDecided(granted) {
      const target = bf.pendingLock;
      if (granted && target) {
        bf.lock(target);
      } else {
        bf.lockError();
      }
    },

    mouseLockLost() {
      if (bf.pointerLockElement) {
        bf.pointerLockElement = null;
        bf.fire('pointerlockchange');
      }
    },

    fullscreenExited() {
      if (bf.fullscreenElement) {
        bf.fullscreenElement = null;
        bf.fire('fullscreenchange');
      }
    },
  };
  Object.defineProperty(window, '__browserfunc', { value: bf });

  const define = (proto, name, get) =>
    Object.defineProperty(proto, name, { configurable: true, get });
  define(Document.prototype, 'fullscreenElement', () => bf.fullscreenElement);
  define(Document.prototype, 'webkitFullscreenElement', () => bf.fullscreenElement);
  define(Document.prototype, 'fullscreenEnabled', () => true);
  define(Document.prototype, 'pointerLockElement', () => bf.pointerLockElement);

  Element.prototype.requestFullscreen = function () {
    const target = this;
    return bf.request('` + kindFullscreen + `').then(result => {
      if (result !== 'granted') {
        bf.fire('fullscreenerror');
        throw new TypeError('Permissions check failed');
      }
      bf.fullscreenElement = target;
      bf.fire('fullscreenchange');
    });
  };
  Element.prototype.webkitRequestFullscreen = Element.prototype.requestFullscreen;

  Document.prototype.exitFullscreen = function () {
    return bf.request('` + kindExitFullscreen + `').then(() => bf.fullscreenExited());
  };
  Document.prototype.webkitExitFullscreen = Document.prototype.exitFullscreen;

  Element.prototype.requestPointerLock = function () {
    const target = this;
    bf.pendingLock = target;
    return bf.request('` + kindPointerLock + `').then(result => {
      if (result === 'granted') {
        bf.lock(target);
      } else if (result === 'denied' && bf.pendingLock === target) {
        bf.lockError();
      }
    });
  };

  Document.prototype.exitPointerLock = function () {
    bf.request('` + kindExitPointerLock + `').then(() => bf.mouseLockLost());
  };

  if (navigator.mediaDevices && navigator.mediaDevices.getUserMedia) {
    const nativeGetUserMedia = navigator.mediaDevices.getUserMedia.bind(navigator.mediaDevices);
    navigator.mediaDevices.getUserMedia = constraints => {
      const c = constraints || {};
      return bf.request('` + kindMedia + `', { audio: !!c.audio, video: !!c.video }).then(result => {
        if (result !== 'allow') {
          throw new DOMException('Permission denied', 'NotAllowedError');
        }
        return nativeGetUserMedia(constraints);
      });
    };
  }
}`

// install exposes the request binding and adds the page layer to every
// document the tab loads.
func (t *Tab) install() error {
	stop, err := t.page.Expose(bindingName, t.handleRequest)
	if err != nil {
		return fmt.Errorf("expose binding: %w", err)
	}
	t.unbind = stop

	if _, err := t.page.EvalOnNewDocument(`(` + pageLayer + `)()`); err != nil {
		return fmt.Errorf("add page layer: %w", err)
	}
	// The current document predates EvalOnNewDocument.
	if _, err := t.page.Eval(pageLayer); err != nil {
		return fmt.Errorf("apply page layer: %w", err)
	}
	return nil
}

// handleRequest runs on the page's event goroutine, so it never waits on
// the user: undecided requests answer pending.
func (t *Tab) handleRequest(req gson.JSON) (interface{}, error) {
	h := t.h
	kind := req.Get("kind").Str()
	id := req.Get("id").Int()
	origin := req.Get("origin").Str()

	log := h.logger.With(zap.String("tab", t.id), zap.String("kind", kind), zap.String("origin", origin))

	pattern, err := contentsettings.HostnamePattern(origin)
	if err != nil {
		log.Warn("request from page without an origin", zap.Error(err))
		return resultDenied, nil
	}

	switch kind {
	case kindFullscreen:
		d := h.access.RequestTabFullscreen(t.id, pattern)
		h.syncWindowState()
		log.Debug("fullscreen request", zap.Stringer("decision", d))
		return d.String(), nil

	case kindExitFullscreen:
		h.access.ExitTabFullscreen(t.id)
		h.syncWindowState()
		return resultGranted, nil

	case kindPointerLock:
		d := h.access.RequestMouseLock(t.id, pattern)
		log.Debug("pointer lock request", zap.Stringer("decision", d))
		return d.String(), nil

	case kindExitPointerLock:
		h.access.UnlockMouse(t.id)
		return resultGranted, nil

	case kindMedia:
		h.infobars.Add(t.id, &infobar.Infobar{
			Kind:   kindMedia,
			Origin: pattern,
			Audio:  req.Get("audio").Bool(),
			Video:  req.Get("video").Bool(),
			OnAction: func(a infobar.Action) {
				t.settle(id, string(a))
			},
		})
		log.Debug("media infobar shown")
		return resultPending, nil
	}

	log.Warn("unknown page request")
	return resultDenied, nil
}

func (t *Tab) settle(id int, result string) {
	t.callLayer(`(id, result) => window.__browserfunc.settle(id, result)`, id, result)
}

func (t *Tab) callLayer(js string, args ...interface{}) {
	if _, err := t.page.Eval(js, args...); err != nil {
		t.h.logger.Debug("page layer call failed", zap.String("tab", t.id), zap.Error(err))
	}
}

// pageNotifier forwards controller notifications to the owning tab.
type pageNotifier struct {
	h *Harness
}

var _ exclusiveaccess.Observer = pageNotifier{}

func (n pageNotifier) tab(id string) *Tab {
	n.h.mu.Lock()
	defer n.h.mu.Unlock()
	for _, t := range n.h.tabs {
		if t.id == id {
			return t
		}
	}
	return nil
}

func (n pageNotifier) MouseLockDecided(tab string, granted bool) {
	if t := n.tab(tab); t != nil {
		t.callLayer(`granted => window.__browserfunc.mouseLockDecided(granted)`, granted)
	}
}

func (n pageNotifier) MouseLockLost(tab string) {
	if t := n.tab(tab); t != nil {
		t.callLayer(`() => window.__browserfunc.mouseLockLost()`)
	}
}

func (n pageNotifier) TabFullscreenExited(tab string) {
	if t := n.tab(tab); t != nil {
		t.callLayer(`() => window.__browserfunc.fullscreenExited()`)
	}
	n.h.syncWindowState()
}

// syncWindowState mirrors the controller's fullscreen state onto the first
// tab's browser window. Headless Chrome may refuse; that only affects what
// is drawn, not the state the tests read.
func (h *Harness) syncWindowState() {
	if h.browser == nil {
		return
	}
	h.windowMu.Lock()
	defer h.windowMu.Unlock()

	t, err := h.Tab(0)
	if err != nil {
		return
	}
	win, err := proto.BrowserGetWindowForTarget{TargetID: t.page.TargetID}.Call(h.browser)
	if err != nil {
		h.logger.Debug("get window for target", zap.Error(err))
		return
	}

	state := proto.BrowserWindowStateNormal
	if h.access.IsFullscreenForBrowser() || h.access.IsFullscreenForTab() {
		state = proto.BrowserWindowStateFullscreen
	}
	if win.Bounds != nil && win.Bounds.WindowState == state {
		return
	}
	err = proto.BrowserSetWindowBounds{
		WindowID: win.WindowID,
		Bounds:   &proto.BrowserBounds{WindowState: state},
	}.Call(h.browser)
	if err != nil {
		h.logger.Debug("set window state", zap.String("state", string(state)), zap.Error(err))
	}
}

func originOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("no web origin in %q", rawURL)
	}
	return u.Scheme + "://" + u.Host, nil
}
