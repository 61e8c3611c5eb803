//go:build e2e

package e2e

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/thesyncim/browserfunc/internal/config"
	"github.com/thesyncim/browserfunc/internal/subprocess"
	"github.com/thesyncim/browserfunc/pkg/harness"
)

// signalingURL is where the WebRTC test page expects the signaling server.
const signalingURL = "http://localhost:8888"

func loadConfig(t *testing.T) *config.Config {
	t.Helper()
	v, err := config.New("")
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	cfg, err := config.Load(v)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

// newHarness launches a fresh browser for one test.
func newHarness(t *testing.T) *harness.Harness {
	t.Helper()
	cfg := loadConfig(t)

	h, err := harness.New(cfg.HarnessConfig(), harness.WithLogger(zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))))
	if err != nil {
		t.Fatalf("failed to create harness: %v", err)
	}
	t.Cleanup(func() {
		if err := h.Close(); err != nil {
			t.Errorf("harness close error: %v", err)
		}
	})
	return h
}

var (
	buildOnce sync.Once
	buildDir  string
	buildBin  string
	buildErr  error
)

// signalingBinary returns the configured peerconnection-server, building
// it once per test run when none is configured.
func signalingBinary(t *testing.T, cfg *config.Config) string {
	t.Helper()
	if cfg.Signaling.Binary != "" {
		return cfg.Signaling.Binary
	}
	buildOnce.Do(func() {
		buildDir, buildErr = os.MkdirTemp("", "peerconnection-server")
		if buildErr != nil {
			return
		}
		buildBin = filepath.Join(buildDir, "peerconnection-server")
		out, err := exec.Command("go", "build", "-o", buildBin, "../cmd/peerconnection-server").CombinedOutput()
		if err != nil {
			buildErr = fmt.Errorf("go build: %w\n%s", err, out)
		}
	})
	if buildErr != nil {
		t.Fatalf("failed to build peerconnection-server: %v", buildErr)
	}
	return buildBin
}

func removeSignalingBuild() {
	if buildDir != "" {
		_ = os.RemoveAll(buildDir)
	}
}

// startSignaling runs the peerconnection server on :8888 for the test and
// kills it afterwards.
func startSignaling(t *testing.T) {
	t.Helper()
	cfg := loadConfig(t)
	bin := signalingBinary(t, cfg)

	if conn, err := net.DialTimeout("tcp", "127.0.0.1:8888", 200*time.Millisecond); err == nil {
		conn.Close()
		t.Fatal("port 8888 is already in use; stop the other peerconnection server")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Signaling.StartupTimeout)
	defer cancel()

	proc, err := subprocess.Start(ctx, subprocess.Options{
		Name:         bin,
		Args:         []string{"--addr", ":8888", "--log-level", "debug"},
		Guard:        true,
		Ready:        subprocess.TCPReady("127.0.0.1:8888"),
		ReadyTimeout: cfg.Signaling.StartupTimeout,
		Logger:       zaptest.NewLogger(t).Named("signaling"),
	})
	if err != nil {
		t.Fatalf("failed to start peerconnection server: %v", err)
	}
	t.Cleanup(func() {
		if err := proc.Stop(); err != nil {
			t.Logf("peerconnection server stop: %v", err)
		}
	})
}
