package peerconnection

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrNotSignedIn is returned by Client calls made before SignIn.
var ErrNotSignedIn = errors.New("client is not signed in")

// Message is one /wait response.
type Message struct {
	// From is the sender id, or the receiver's own id for notifications.
	From int
	Body []byte
	// Notification is set when Body is a peer list update.
	Notification bool
	// Peers is the parsed update when Notification is set.
	Peers []PeerInfo
}

// IsBye reports whether the message hangs up the call.
func (m Message) IsBye() bool {
	return !m.Notification && string(m.Body) == ByeMessage
}

// Client speaks the signaling protocol over HTTP.
type Client struct {
	base   string
	name   string
	http   *http.Client
	logger *zap.Logger

	mu    sync.Mutex
	id    int
	peers map[int]PeerInfo
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.http = hc
	}
}

// WithClientLogger sets the client logger. Default: zap.NewNop().
func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// NewClient returns a client for the server at serverURL, e.g.
// "http://localhost:8888".
func NewClient(serverURL, name string, opts ...ClientOption) *Client {
	c := &Client{
		base:   strings.TrimRight(serverURL, "/"),
		name:   name,
		http:   &http.Client{Timeout: 2 * time.Minute},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ID returns the id assigned at sign in, or 0.
func (c *Client) ID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Name returns the name used to sign in.
func (c *Client) Name() string { return c.name }

// SignIn registers with the server and returns the other peers.
func (c *Client) SignIn(ctx context.Context) ([]PeerInfo, error) {
	resp, err := c.do(ctx, http.MethodGet, "/sign_in?"+url.QueryEscape(c.name), nil)
	if err != nil {
		return nil, fmt.Errorf("sign in: %w", err)
	}
	id, err := pragma(resp)
	if err != nil {
		return nil, fmt.Errorf("sign in: %w", err)
	}
	peers, err := ParsePeerList(string(resp.body))
	if err != nil {
		return nil, fmt.Errorf("sign in: %w", err)
	}

	others := make([]PeerInfo, 0, len(peers))
	c.mu.Lock()
	c.id = id
	c.peers = make(map[int]PeerInfo)
	for _, p := range peers {
		if p.ID != id {
			others = append(others, p)
			c.peers[p.ID] = p
		}
	}
	c.mu.Unlock()

	c.logger.Debug("signed in", zap.String("name", c.name), zap.Int("id", id), zap.Int("others", len(others)))
	return others, nil
}

// Send posts body to peer to.
func (c *Client) Send(ctx context.Context, to int, body []byte) error {
	id := c.ID()
	if id == 0 {
		return ErrNotSignedIn
	}
	path := fmt.Sprintf("/message?peer_id=%d&to=%d", id, to)
	if _, err := c.do(ctx, http.MethodPost, path, body); err != nil {
		return fmt.Errorf("send to %d: %w", to, err)
	}
	return nil
}

// Wait blocks until a message or a non-empty notification arrives.
// Empty long-poll timeouts are retried until ctx is done.
func (c *Client) Wait(ctx context.Context) (Message, error) {
	id := c.ID()
	if id == 0 {
		return Message{}, ErrNotSignedIn
	}
	path := fmt.Sprintf("/wait?peer_id=%d", id)
	for {
		resp, err := c.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			return Message{}, fmt.Errorf("wait: %w", err)
		}
		from, err := pragma(resp)
		if err != nil {
			return Message{}, fmt.Errorf("wait: %w", err)
		}
		if from != id {
			return Message{From: from, Body: resp.body}, nil
		}
		if len(resp.body) == 0 {
			continue
		}
		peers, err := ParsePeerList(string(resp.body))
		if err != nil {
			return Message{}, fmt.Errorf("wait: %w", err)
		}
		c.track(peers)
		return Message{From: from, Body: resp.body, Notification: true, Peers: peers}, nil
	}
}

func (c *Client) track(peers []PeerInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peers == nil {
		return
	}
	for _, p := range peers {
		if p.Connected {
			c.peers[p.ID] = p
		} else {
			delete(c.peers, p.ID)
		}
	}
}

// Peers returns the other connected peers known from sign in and the
// notifications seen by Wait, sorted by id.
func (c *Client) Peers() []PeerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PeerInfo, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SignOut unregisters the client. It is a no-op before SignIn.
func (c *Client) SignOut(ctx context.Context) error {
	id := c.ID()
	if id == 0 {
		return nil
	}
	if _, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/sign_out?peer_id=%d", id), nil); err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	c.mu.Lock()
	c.id = 0
	c.peers = nil
	c.mu.Unlock()
	return nil
}

type response struct {
	header http.Header
	body   []byte
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "text/plain")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMessageSize))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(data))
		if strings.Contains(msg, ErrUnknownPeer.Error()) {
			return nil, fmt.Errorf("status %d: %w", resp.StatusCode, ErrUnknownPeer)
		}
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, msg)
	}
	return &response{header: resp.Header, body: data}, nil
}

func pragma(r *response) (int, error) {
	v := r.header.Get(headerPragma)
	if v == "" {
		v = r.header.Get(headerPeerID)
	}
	id, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("bad pragma %q: %w", v, err)
	}
	return id, nil
}
