package peerconnection

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Peer ids travel in the Pragma header; X-Peer-Id mirrors it for clients
// that cannot read Pragma.
const (
	headerPragma = "Pragma"
	headerPeerID = "X-Peer-Id"

	// ByeMessage ends a call.
	ByeMessage = "BYE"

	maxMessageSize = 1 << 20
)

func writePeerResponse(w http.ResponseWriter, pragma int, body []byte) {
	id := strconv.Itoa(pragma)
	w.Header().Set(headerPragma, id)
	w.Header().Set(headerPeerID, id)
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func peerID(r *http.Request, key string) (int, bool) {
	v := r.URL.Query().Get(key)
	id, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return id, true
}

// handleSignIn serves GET /sign_in?<name>.
func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name, err := url.QueryUnescape(r.URL.RawQuery)
	if err != nil || strings.TrimSpace(name) == "" {
		http.Error(w, "Missing peer name", http.StatusBadRequest)
		return
	}
	if strings.ContainsAny(name, ",\n") {
		http.Error(w, "Invalid peer name", http.StatusBadRequest)
		return
	}

	id, peers := s.registry.signIn(name)
	var body strings.Builder
	for _, p := range peers {
		body.WriteString(p.Entry())
	}
	writePeerResponse(w, id, []byte(body.String()))

	s.logger.Info("peer signed in", zap.String("name", name), zap.Int("id", id), zap.Int("peers", len(peers)))
}

// handleSignOut serves GET /sign_out?peer_id=N.
func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	id, ok := peerID(r, "peer_id")
	if !ok {
		http.Error(w, "Missing peer_id", http.StatusBadRequest)
		return
	}
	if err := s.registry.signOut(id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writePeerResponse(w, id, nil)
	s.logger.Info("peer signed out", zap.Int("id", id))
}

// handleWait serves GET /wait?peer_id=N as a long poll.
func (s *Server) handleWait(w http.ResponseWriter, r *http.Request) {
	id, ok := peerID(r, "peer_id")
	if !ok {
		http.Error(w, "Missing peer_id", http.StatusBadRequest)
		return
	}

	timer := time.NewTimer(s.cfg.WaitTimeout)
	defer timer.Stop()

	for {
		e, has, ready, known := s.registry.next(id)
		if !known {
			http.Error(w, ErrUnknownPeer.Error(), http.StatusInternalServerError)
			return
		}
		if has {
			writePeerResponse(w, e.from, e.body)
			return
		}

		select {
		case <-ready:
		case <-timer.C:
			// Nothing arrived; an empty notification tells the client to poll again.
			writePeerResponse(w, id, nil)
			return
		case <-r.Context().Done():
			return
		case <-s.done:
			writePeerResponse(w, id, nil)
			return
		}
	}
}

// handleMessage serves POST /message?peer_id=A&to=B.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	from, ok := peerID(r, "peer_id")
	if !ok {
		http.Error(w, "Missing peer_id", http.StatusBadRequest)
		return
	}
	to, ok := peerID(r, "to")
	if !ok {
		http.Error(w, "Missing to", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	if err := s.registry.forward(from, to, body); err != nil {
		if errors.Is(err, ErrUnknownPeer) {
			http.Error(w, ErrUnknownPeer.Error(), http.StatusInternalServerError)
			return
		}
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writePeerResponse(w, from, nil)

	s.logger.Debug("message forwarded",
		zap.Int("from", from),
		zap.Int("to", to),
		zap.Int("bytes", len(body)),
		zap.Bool("bye", string(body) == ByeMessage))
}
