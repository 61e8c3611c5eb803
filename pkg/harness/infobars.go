package harness

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/thesyncim/browserfunc/pkg/infobar"
)

// WaitForInfobarCount waits until the tab at tabIndex shows count infobars.
func (h *Harness) WaitForInfobarCount(count, tabIndex int) error {
	t, err := h.Tab(tabIndex)
	if err != nil {
		return err
	}

	deadline := time.NewTimer(h.cfg.WaitTimeout)
	defer deadline.Stop()

	for {
		// Grab the channel before counting so a change in between is not lost.
		changed := h.infobars.Changed()
		got := h.infobars.Count(t.id)
		if got == count {
			return nil
		}
		select {
		case <-changed:
		case <-deadline.C:
			return fmt.Errorf("%w: tab %d has %d infobars, want %d", ErrTimeout, tabIndex, got, count)
		}
	}
}

// PerformActionOnInfobar answers infobar infobarIndex of tab tabIndex with
// "allow", "deny" or "dismiss".
func (h *Harness) PerformActionOnInfobar(action string, infobarIndex, tabIndex int) error {
	a, err := infobar.ParseAction(action)
	if err != nil {
		return err
	}
	t, err := h.Tab(tabIndex)
	if err != nil {
		return err
	}
	if err := h.infobars.Perform(t.id, infobarIndex, a); err != nil {
		return fmt.Errorf("tab %d: %w", tabIndex, err)
	}
	h.logger.Debug("infobar answered",
		zap.Int("tab", tabIndex),
		zap.Int("infobar", infobarIndex),
		zap.String("action", action))
	return nil
}
