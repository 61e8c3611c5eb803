//go:build e2e

package e2e

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/thesyncim/browserfunc/pkg/harness"
	"github.com/thesyncim/browserfunc/pkg/peerconnection"
	"github.com/thesyncim/browserfunc/pkg/testserver"
)

// callSuite drives webrtc_test.html in two tabs.
type callSuite struct {
	t *testing.T
	h *harness.Harness
}

func newCallSuite(t *testing.T) *callSuite {
	startSignaling(t)
	return &callSuite{t: t, h: newHarness(t)}
}

func (s *callSuite) js(script string, tab int) string {
	s.t.Helper()
	got, err := s.h.ExecuteJavascript(script, tab)
	require.NoError(s.t, err, "%s in tab %d", script, tab)
	return got
}

func (s *callSuite) openTabs(n int) {
	s.t.Helper()
	url := s.h.HTTPURLForDataPath(testserver.WebRTCTestPage)
	require.NoError(s.t, s.h.NavigateToURL(url))
	for i := 1; i < n; i++ {
		_, err := s.h.AppendTab(url)
		require.NoError(s.t, err)
	}
}

func (s *callSuite) acquireWebcamAndMicrophone(tabs ...int) {
	s.t.Helper()
	for _, tab := range tabs {
		assert.Equal(s.t, "ok-requested", s.js(`requestWebcamAndMicrophone()`, tab))
	}
	for _, tab := range tabs {
		require.NoError(s.t, s.h.WaitForInfobarCount(1, tab))
	}
	for _, tab := range tabs {
		require.NoError(s.t, s.h.PerformActionOnInfobar("allow", 0, tab))
	}
	s.assertNoFailures(tabs...)
}

func (s *callSuite) connect(tab int, name string) {
	s.t.Helper()
	assert.Equal(s.t, "ok-connected", s.js(fmt.Sprintf(`connect(%q, %q)`, signalingURL, name), tab))
}

func (s *callSuite) isCallActive(tab int) func() bool {
	return func() bool {
		got, err := s.h.ExecuteJavascript(`is_call_active()`, tab)
		return err == nil && got == "yes"
	}
}

func (s *callSuite) assertNoFailures(tabs ...int) {
	s.t.Helper()
	want, got := "", ""
	for _, tab := range tabs {
		want += fmt.Sprintf("Tab %d: ok-no-errors ", tab)
		got += fmt.Sprintf("Tab %d: %s ", tab, s.js(`getAnyTestFailures()`, tab))
	}
	assert.Equal(s.t, want, got)
}

func TestCanBringUpAndTearDownWebRtcCall(t *testing.T) {
	s := newCallSuite(t)
	s.openTabs(2)

	s.acquireWebcamAndMicrophone(0, 1)

	s.connect(0, "user_1")
	s.connect(1, "user_2")
	s.assertNoFailures(0, 1)

	assert.Equal(t, "ok-call-established", s.js(`call()`, 0))
	s.assertNoFailures(0, 1)
	// Double-check the call reached the other side.
	require.True(t, s.h.WaitUntil(s.isCallActive(1)), "call did not reach tab 1")

	// Give the call some time to run so video flows through the system.
	time.Sleep(5 * time.Second)

	assert.Equal(t, "ok-call-hung-up", s.js(`hangUp()`, 0))
	assert.Equal(t, "no", s.js(`is_call_active()`, 0))
	require.True(t, s.h.WaitUntil(func() bool { return !s.isCallActive(1)() }), "tab 1 still in the call")
	s.assertNoFailures(0, 1)
}

func TestDeniedMediaIsReported(t *testing.T) {
	s := newCallSuite(t)
	s.openTabs(1)

	assert.Equal(t, "ok-requested", s.js(`requestWebcamAndMicrophone()`, 0))
	require.NoError(t, s.h.WaitForInfobarCount(1, 0))
	require.NoError(t, s.h.PerformActionOnInfobar("deny", 0, 0))
	require.NoError(t, s.h.WaitForInfobarCount(0, 0))

	failed := s.h.WaitUntil(func() bool {
		got, err := s.h.ExecuteJavascript(`getAnyTestFailures()`, 0)
		return err == nil && got != "ok-no-errors"
	})
	assert.True(t, failed, "denied getUserMedia was not reported")
}

// TestTabCallsGoPeer calls a pion peer signed in through the Go client.
func TestTabCallsGoPeer(t *testing.T) {
	s := newCallSuite(t)
	s.openTabs(1)
	s.acquireWebcamAndMicrophone(0)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	client := peerconnection.NewClient(signalingURL, "pion",
		peerconnection.WithClientLogger(zaptest.NewLogger(t).Named("client")))
	_, err := client.SignIn(ctx)
	require.NoError(t, err)

	peer, err := peerconnection.NewPeer(client,
		peerconnection.WithPeerLogger(zaptest.NewLogger(t).Named("peer")),
		peerconnection.WithSendVideo(33*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(peer.Close)

	runDone := make(chan error, 1)
	go func() { runDone <- peer.Run(ctx) }()

	s.connect(0, "user_1")
	assert.Equal(t, "ok-call-established", s.js(`call("pion")`, 0))
	require.NoError(t, peer.WaitConnected(ctx))

	require.True(t, s.h.WaitUntil(func() bool { return peer.PacketsReceived() > 0 }),
		"no media from the browser")
	assert.Greater(t, peer.PacketsSent(), uint64(0))

	assert.Equal(t, "ok-call-hung-up", s.js(`hangUp()`, 0))
	require.True(t, s.h.WaitUntil(func() bool { return !peer.IsCallActive() }), "pion peer still in the call")

	assert.Empty(t, peer.Failures())
	s.assertNoFailures(0)

	cancel()
	<-runDone
	_ = client.SignOut(context.Background())
}
