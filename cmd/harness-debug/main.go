// Harness debug console
//
// Opens the fullscreen and mouse lock test page in a visible Chrome with the
// permission layer installed, and lets you answer the fullscreen bubble and
// media infobars from the terminal. Use it to poke at the page by hand while
// writing new browser tests.
//
//	go run ./cmd/harness-debug
//	go run ./cmd/harness-debug --page webrtc/webrtc_test.html
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/thesyncim/browserfunc/internal/config"
	"github.com/thesyncim/browserfunc/internal/observability"
	"github.com/thesyncim/browserfunc/pkg/exclusiveaccess"
	"github.com/thesyncim/browserfunc/pkg/harness"
	"github.com/thesyncim/browserfunc/pkg/testserver"
)

const usage = `
Harness Debug Console
=====================
  a      accept the fullscreen / mouse lock bubble
  d      deny the fullscreen / mouse lock bubble
  esc    press ESC
  f11    toggle browser fullscreen
  allow  allow the first infobar of the first tab
  deny   deny the first infobar of the first tab
  s      print the exclusive access state
  q      quit
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfgFile  string
		page     string
		headless bool
	)
	cmd := &cobra.Command{
		Use:           "harness-debug",
		Short:         "Open a test page in Chrome and drive the permission bubble by hand.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.New(cfgFile)
			if err != nil {
				return err
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			logger, err := observability.NewLogger(cfg.Logger)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			hc := cfg.HarnessConfig()
			hc.Headless = headless
			return run(cmd.Context(), hc, page, os.Stdin, cmd.OutOrStdout(), logger)
		},
	}
	cmd.Flags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./browserfunc.yaml)")
	cmd.Flags().StringVar(&page, "page", testserver.FullscreenMouseLockPage, "data path of the page to open")
	cmd.Flags().BoolVar(&headless, "headless", false, "run Chrome headless")
	return cmd
}

func run(ctx context.Context, cfg harness.Config, page string, in io.Reader, out io.Writer, logger *zap.Logger) error {
	h, err := harness.New(cfg, harness.WithLogger(logger))
	if err != nil {
		return err
	}
	defer h.Close()

	url := h.HTTPURLForDataPath(page)
	if err := h.NavigateToURL(url); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s\nOpened %s\n> ", usage, url)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- strings.TrimSpace(sc.Text())
		}
	}()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	last := h.Access().Snapshot()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if s := h.Access().Snapshot(); s != last {
				last = s
				logger.Info("exclusive access changed", stateFields(s)...)
			}
		case line, ok := <-lines:
			if !ok || line == "q" {
				return nil
			}
			if err := command(h, line, out); err != nil {
				fmt.Fprintln(out, "error:", err)
			}
			fmt.Fprint(out, "> ")
		}
	}
}

func command(h *harness.Harness, line string, out io.Writer) error {
	switch line {
	case "":
		return nil
	case "a":
		return h.AcceptCurrentFullscreenOrMouseLockRequest()
	case "d":
		return h.DenyCurrentFullscreenOrMouseLockRequest()
	case "esc":
		h.SendEscape()
	case "f11":
		return h.ApplyAccelerator(harness.IDCFullscreen)
	case "allow", "deny":
		return h.PerformActionOnInfobar(line, 0, 0)
	case "s":
		s := h.Access().Snapshot()
		fmt.Fprintf(out, "tab fullscreen=%q browser fullscreen=%v mouse locked=%q pending=%s focused=%v\n",
			s.TabFullscreen, s.BrowserFullscreen, s.MouseLocked, s.Pending, s.Focused)
	default:
		return fmt.Errorf("unknown command %q", line)
	}
	return nil
}

func stateFields(s exclusiveaccess.State) []zap.Field {
	return []zap.Field{
		zap.String("tab_fullscreen", s.TabFullscreen),
		zap.Bool("browser_fullscreen", s.BrowserFullscreen),
		zap.String("mouse_locked", s.MouseLocked),
		zap.Stringer("pending", s.Pending),
		zap.Bool("focused", s.Focused),
	}
}
