//go:build e2e

// Package e2e holds the browser functional tests: fullscreen and mouse
// lock through the permission bubble, and a WebRTC call between two tabs
// through the peerconnection signaling server.
//
// These tests are isolated from the standard test suite via build tags.
// They require a Chrome browser (auto-downloaded by Rod if not present)
// and are intended for CI pipelines or explicit local testing.
//
// Running E2E tests:
//
//	go test -tags=e2e ./e2e/...
//
// Running all tests except E2E:
//
//	go test ./...
//
// Settings come from internal/config, so BROWSERFUNC_BROWSER_HEADLESS=false
// shows the browser and BROWSERFUNC_SIGNALING_BINARY runs a prebuilt
// peerconnection-server instead of building one.
//
// Test isolation:
// Each test launches its own browser and test data server. The WebRTC
// tests share the fixed signaling port 8888 and must not run in parallel.
package e2e
