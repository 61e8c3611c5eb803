package testserver

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/browserfunc/pkg/contentsettings"
)

func startServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	_, err = srv.Start()
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv
}

func fetch(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestServerStartStop(t *testing.T) {
	srv, err := NewServer(DefaultConfig())
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}

	addr, err := srv.Start()
	if err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if addr == "" || strings.HasSuffix(addr, ":0") {
		t.Errorf("Start() returned invalid address: %q", addr)
	}

	status, body := fetch(t, "http://"+addr+"/")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, FullscreenMouseLockPage)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() failed: %v", err)
	}
	if _, err := http.Get("http://" + addr + "/"); err == nil {
		t.Error("Expected connection error after shutdown, but request succeeded")
	}
}

func TestServesBuiltInPages(t *testing.T) {
	srv := startServer(t, DefaultConfig())

	status, body := fetch(t, srv.HTTPURLForDataPath("fullscreen_mouselock", "fullscreen_mouselock.html"))
	assert.Equal(t, http.StatusOK, status)
	for _, id := range []string{"enterFullscreen", "exitFullscreen", "lockMouse1", "enterFullscreenAndLockMouse1"} {
		assert.Contains(t, body, `id="`+id+`"`)
	}
	assert.Contains(t, body, "This text is outside of the container")

	status, body = fetch(t, srv.HTTPURLForDataPath("webrtc", "webrtc_test.html"))
	assert.Equal(t, http.StatusOK, status)
	for _, fn := range []string{"requestWebcamAndMicrophone", "connect", "call", "hangUp", "is_call_active", "getAnyTestFailures"} {
		assert.Contains(t, body, "function "+fn+"(")
	}

	status, _ = fetch(t, srv.HTTPURLForDataPath("missing.html"))
	assert.Equal(t, http.StatusNotFound, status)
}

func TestServesDataDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "extra"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "extra", "page.html"), []byte("<p>extra</p>"), 0o644))

	cfg := DefaultConfig()
	cfg.DataDir = dir
	srv := startServer(t, cfg)

	status, body := fetch(t, srv.HTTPURLForDataPath("extra", "page.html"))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "<p>extra</p>", body)

	_, body = fetch(t, srv.HTTPURLForDataPath(WebRTCTestPage))
	assert.Contains(t, body, "getAnyTestFailures", "built-in pages win over the data dir")
}

func TestHostnamePatternOfDataURL(t *testing.T) {
	srv := startServer(t, DefaultConfig())

	dirURL := srv.HTTPURLForDataPath()
	assert.True(t, strings.HasSuffix(dirURL, "/files/"))

	pattern, err := contentsettings.HostnamePattern(dirURL)
	require.NoError(t, err)
	assert.Equal(t, srv.Origin(), pattern)
}
