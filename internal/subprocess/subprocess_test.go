package subprocess

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ysmood/leakless"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// TestHelperProcess is not a real test. It is the child started by the
// tests below: it listens on HELPER_ADDR until SIGTERM.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)

	if os.Getenv("HELPER_FAIL") == "1" {
		fmt.Fprintln(os.Stderr, "helper failing on purpose")
		os.Exit(3)
	}

	ln, err := net.Listen("tcp", os.Getenv("HELPER_ADDR"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "listen:", err)
		os.Exit(2)
	}
	fmt.Fprintln(os.Stderr, "helper listening")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()
	<-sig
	ln.Close()
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func helperOptions(addr string, env ...string) Options {
	return Options{
		Name: os.Args[0],
		Args: []string{"-test.run=TestHelperProcess"},
		Env:  append([]string{"GO_WANT_HELPER_PROCESS=1", "HELPER_ADDR=" + addr}, env...),
	}
}

func TestStartReadyStop(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	addr := freeAddr(t)

	opts := helperOptions(addr)
	opts.Ready = TCPReady(addr)
	opts.Logger = zap.New(core)

	p, err := Start(context.Background(), opts)
	require.NoError(t, err)
	assert.NotZero(t, p.Pid())

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	conn.Close()

	require.NoError(t, p.Stop())
	select {
	case <-p.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
	require.NoError(t, p.Stop(), "Stop is idempotent")

	assert.NotEmpty(t, logs.FilterMessage("helper listening").All(), "child stderr is logged")
	assert.NotEmpty(t, logs.FilterMessage("process stopped").All())
}

func TestStartExitsBeforeReady(t *testing.T) {
	addr := freeAddr(t)
	opts := helperOptions(addr, "HELPER_FAIL=1")
	opts.Ready = TCPReady(addr)

	_, err := Start(context.Background(), opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited before ready")
}

func TestStartReadyTimeout(t *testing.T) {
	opts := Options{
		Name:         "sleep",
		Args:         []string{"30"},
		Ready:        TCPReady(freeAddr(t)),
		ReadyTimeout: 300 * time.Millisecond,
	}

	start := time.Now()
	_, err := Start(context.Background(), opts)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestStartRequiresName(t *testing.T) {
	_, err := Start(context.Background(), Options{})
	assert.Error(t, err)
}

func TestStartGuarded(t *testing.T) {
	if testing.Short() || !leakless.Support() {
		t.Skip("leakless guard not available")
	}
	addr := freeAddr(t)
	opts := helperOptions(addr)
	opts.Guard = true
	opts.Ready = TCPReady(addr)

	p, err := Start(context.Background(), opts)
	require.NoError(t, err)
	require.NoError(t, p.Stop())
}

func TestHTTPReady(t *testing.T) {
	err := HTTPReady("http://" + freeAddr(t) + "/")(context.Background())
	assert.Error(t, err)
}
