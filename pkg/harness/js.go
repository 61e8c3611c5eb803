package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/ysmood/gson"
	"go.uber.org/zap"
)

var (
	// ErrScriptTimeout is returned when an async script does not call its
	// callback within the script timeout.
	ErrScriptTimeout = errors.New("script timeout")
	// ErrNoResult is returned when a script does not call
	// domAutomationController.send within the script timeout, or sends
	// undefined.
	ErrNoResult = errors.New("script did not send a result")
)

// executeScript evaluates script with a temporary domAutomationController.
// The first send() settles the call; the previous controller is restored.
// Without a send() within timeoutMs the call is rejected.
const executeScript = `(script, timeoutMs) => new Promise((resolve, reject) => {
  const prev = window.domAutomationController;
  let timer;
  const restore = () => {
    clearTimeout(timer);
    window.domAutomationController = prev;
  };
  timer = setTimeout(() => {
    restore();
    reject(new Error('no result'));
  }, timeoutMs);
  window.domAutomationController = {
    send(v) {
      restore();
      resolve(typeof v === 'string' ? v : JSON.stringify(v));
    },
  };
  try {
    (0, eval)(script);
  } catch (e) {
    restore();
    reject(e);
  }
})`

// asyncScript runs script as a function body. Its last argument is the
// completion callback.
const asyncScript = `(script, args, timeoutMs) => new Promise((resolve, reject) => {
  const timer = setTimeout(() => reject(new Error('script timeout')), timeoutMs);
  const done = v => {
    clearTimeout(timer);
    resolve(v === undefined ? null : v);
  };
  try {
    new Function(script).apply(window, args.concat([done]));
  } catch (e) {
    clearTimeout(timer);
    reject(e);
  }
})`

// ExecuteJavascript runs js in the tab at tabIndex and returns the first
// value it passes to window.domAutomationController.send.
func (h *Harness) ExecuteJavascript(js string, tabIndex int) (string, error) {
	t, err := h.Tab(tabIndex)
	if err != nil {
		return "", err
	}
	return t.ExecuteJavascript(js)
}

// ExecuteJavascript is the per-tab form of Harness.ExecuteJavascript.
func (t *Tab) ExecuteJavascript(js string) (string, error) {
	timeout := t.h.ScriptTimeout()
	p := t.page.Timeout(timeout + time.Second)
	defer p.CancelTimeout()

	res, err := p.Eval(executeScript, js, timeout.Milliseconds())
	if err != nil {
		return "", scriptError(err, "no result", ErrNoResult, timeout, "execute javascript")
	}
	if res.Value.Nil() {
		return "", ErrNoResult
	}
	out := res.Value.Str()
	t.h.logger.Debug("javascript executed",
		zap.String("tab", t.id),
		zap.String("script", abbreviate(js, 80)),
		zap.String("result", abbreviate(out, 200)))
	return out, nil
}

// ExecuteAsyncScript runs script in the first tab with WebDriver's async
// script semantics: arguments holds args followed by a callback, and the
// value passed to the callback is returned.
func (h *Harness) ExecuteAsyncScript(script string, args ...interface{}) (gson.JSON, error) {
	t, err := h.Tab(0)
	if err != nil {
		return gson.New(nil), err
	}
	if args == nil {
		args = []interface{}{}
	}

	timeout := h.ScriptTimeout()
	// The page enforces the script timeout; the extra second leaves room
	// for it to report before rod gives up.
	p := t.page.Timeout(timeout + time.Second)
	defer p.CancelTimeout()

	res, err := p.Eval(asyncScript, script, args, timeout.Milliseconds())
	if err != nil {
		return gson.New(nil), scriptError(err, "script timeout", ErrScriptTimeout, timeout, "execute async script")
	}
	return res.Value, nil
}

// scriptError maps a page-side rejection carrying marker, or rod giving up
// on the page, to sentinel. Other errors are wrapped with op.
func scriptError(err error, marker string, sentinel error, timeout time.Duration, op string) error {
	var evalErr *rod.EvalError
	if errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &evalErr) && strings.Contains(evalErr.Error(), marker)) {
		return fmt.Errorf("%w after %s", sentinel, timeout)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// SetScriptTimeout sets how long async scripts may run.
func (h *Harness) SetScriptTimeout(d time.Duration) {
	h.mu.Lock()
	h.scriptTimeout = d
	h.mu.Unlock()
}

// ScriptTimeout returns the current async script timeout.
func (h *Harness) ScriptTimeout() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.scriptTimeout
}

// ClickElementByID clicks an element in the first tab.
func (h *Harness) ClickElementByID(id string) error {
	t, err := h.Tab(0)
	if err != nil {
		return err
	}
	return t.ClickElementByID(id)
}

func abbreviate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
