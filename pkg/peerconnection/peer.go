package peerconnection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// ErrNoCall is returned by operations that need an active call.
var ErrNoCall = errors.New("no call in progress")

// PeerOption configures a Peer.
type PeerOption func(*Peer) error

// WithPeerLogger sets the peer logger. Default: zap.NewNop().
func WithPeerLogger(l *zap.Logger) PeerOption {
	return func(p *Peer) error {
		p.logger = l
		return nil
	}
}

// WithSendVideo attaches a synthetic VP8 track that is written every
// frameInterval while the call is connected.
func WithSendVideo(frameInterval time.Duration) PeerOption {
	return func(p *Peer) error {
		if frameInterval <= 0 {
			return errors.New("frame interval must be positive")
		}
		p.frameInterval = frameInterval
		return nil
	}
}

// WithICEServers sets the ICE servers. Default: none, which is enough on
// a single host.
func WithICEServers(servers ...webrtc.ICEServer) PeerOption {
	return func(p *Peer) error {
		p.iceServers = servers
		return nil
	}
}

// Peer is a WebRTC endpoint that signals through a Client. It can place
// calls or answer them, one call at a time.
type Peer struct {
	client        *Client
	api           *webrtc.API
	logger        *zap.Logger
	iceServers    []webrtc.ICEServer
	frameInterval time.Duration

	mu     sync.Mutex
	pc     *webrtc.PeerConnection
	remote int
	// pendingFrom owns pending while no call exists; candidates can
	// overtake the offer they belong to.
	pending     []webrtc.ICECandidateInit
	pendingFrom int
	hasRemote   bool
	connected   chan struct{}
	failures    []string
	stopVideo   context.CancelFunc

	packetsReceived atomic.Uint64
	packetsSent     atomic.Uint64
}

// NewPeer builds a peer on top of a signed-in or not yet signed-in client.
func NewPeer(client *Client, opts ...PeerOption) (*Peer, error) {
	p := &Peer{
		client: client,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}

	api, err := newAPI()
	if err != nil {
		return nil, err
	}
	p.api = api
	return p, nil
}

func newAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	m.RegisterFeedback(webrtc.RTCPFeedback{Type: "nack"}, webrtc.RTPCodecTypeVideo)
	m.RegisterFeedback(webrtc.RTCPFeedback{Type: "nack", Parameter: "pli"}, webrtc.RTPCodecTypeVideo)

	i := &interceptor.Registry{}
	if err := webrtc.ConfigureRTCPReports(i); err != nil {
		return nil, fmt.Errorf("configure RTCP reports: %w", err)
	}
	if err := webrtc.ConfigureStatsInterceptor(i); err != nil {
		return nil, fmt.Errorf("configure stats interceptor: %w", err)
	}
	generator, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create NACK generator: %w", err)
	}
	i.Add(generator)
	responder, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create NACK responder: %w", err)
	}
	i.Add(responder)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
	), nil
}

// Client returns the signaling client.
func (p *Peer) Client() *Client { return p.client }

// Call sends an offer to peer id to. Run must be running to receive the
// answer. A failed call is torn down so the peer can call again.
func (p *Peer) Call(ctx context.Context, to int) error {
	p.mu.Lock()
	if p.pc != nil {
		p.mu.Unlock()
		return errors.New("call already in progress")
	}
	pc, err := p.newConnectionLocked(to)
	p.mu.Unlock()
	if err != nil {
		return err
	}

	if err := p.offer(ctx, pc, to); err != nil {
		p.abortCall(pc, err)
		return err
	}
	return nil
}

func (p *Peer) offer(ctx context.Context, pc *webrtc.PeerConnection, to int) error {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	body, err := EncodeDescription(offer)
	if err != nil {
		return err
	}
	p.logger.Info("calling peer", zap.Int("to", to))
	return p.client.Send(ctx, to, body)
}

// Run processes signaling messages until ctx is done or the client is
// signed out. Each message is handled before the next Wait.
func (p *Peer) Run(ctx context.Context) error {
	for {
		msg, err := p.client.Wait(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := p.handle(ctx, msg); err != nil {
			p.recordFailure(err.Error())
			p.logger.Warn("signaling message failed", zap.Int("from", msg.From), zap.Error(err))
		}
	}
}

func (p *Peer) handle(ctx context.Context, msg Message) error {
	if msg.Notification {
		for _, info := range msg.Peers {
			p.logger.Debug("peer list update", zap.String("name", info.Name), zap.Int("id", info.ID), zap.Bool("connected", info.Connected))
			if !info.Connected && info.ID == p.remoteID() {
				p.closeCall("remote signed out")
			}
		}
		return nil
	}

	sig, err := DecodeSignal(msg.Body)
	if err != nil {
		return err
	}
	switch sig.Kind {
	case SignalBye:
		p.closeCall("remote hung up")
		return nil
	case SignalOffer:
		return p.answer(ctx, msg.From, sig.Description)
	case SignalAnswer:
		return p.acceptAnswer(msg.From, sig.Description)
	case SignalCandidate:
		return p.addCandidate(msg.From, sig.Candidate)
	}
	return ErrUnknownSignal
}

func (p *Peer) answer(ctx context.Context, from int, offer webrtc.SessionDescription) error {
	p.mu.Lock()
	if p.pc != nil && p.remote != from {
		p.mu.Unlock()
		return fmt.Errorf("offer from %d while in a call with %d", from, p.remote)
	}
	pc := p.pc
	fresh := pc == nil
	if fresh {
		var err error
		if pc, err = p.newConnectionLocked(from); err != nil {
			p.mu.Unlock()
			return err
		}
	}
	p.mu.Unlock()

	if err := p.sendAnswer(ctx, pc, from, offer); err != nil {
		if fresh {
			p.abortCall(pc, err)
		}
		return err
	}
	return nil
}

func (p *Peer) sendAnswer(ctx context.Context, pc *webrtc.PeerConnection, from int, offer webrtc.SessionDescription) error {
	if err := pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	if err := p.flushCandidates(pc); err != nil {
		return err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	body, err := EncodeDescription(answer)
	if err != nil {
		return err
	}
	p.logger.Info("answering call", zap.Int("from", from))
	return p.client.Send(ctx, from, body)
}

func (p *Peer) acceptAnswer(from int, answer webrtc.SessionDescription) error {
	p.mu.Lock()
	pc := p.pc
	remote := p.remote
	p.mu.Unlock()
	if pc == nil || remote != from {
		return fmt.Errorf("answer from %d: %w", from, ErrNoCall)
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return p.flushCandidates(pc)
}

// addCandidate applies c, or buffers it until the remote description is set.
func (p *Peer) addCandidate(from int, c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	if p.pc == nil {
		if p.pendingFrom != from {
			p.pending = nil
			p.pendingFrom = from
		}
		p.pending = append(p.pending, c)
		p.mu.Unlock()
		return nil
	}
	if p.remote != from {
		p.mu.Unlock()
		return fmt.Errorf("candidate from %d: %w", from, ErrNoCall)
	}
	if !p.hasRemote && p.pc.RemoteDescription() == nil {
		p.pending = append(p.pending, c)
		p.mu.Unlock()
		return nil
	}
	pc := p.pc
	p.mu.Unlock()

	if err := pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

func (p *Peer) flushCandidates(pc *webrtc.PeerConnection) error {
	p.mu.Lock()
	p.hasRemote = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			return fmt.Errorf("add buffered candidate: %w", err)
		}
	}
	return nil
}

func (p *Peer) newConnectionLocked(remote int) (*webrtc.PeerConnection, error) {
	pc, err := p.api.NewPeerConnection(webrtc.Configuration{ICEServers: p.iceServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	if p.frameInterval > 0 {
		track, err := webrtc.NewTrackLocalStaticRTP(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", "browserfunc")
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("create track: %w", err)
		}
		sender, err := pc.AddTrack(track)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add track: %w", err)
		}
		go drainRTCP(sender)

		videoCtx, cancel := context.WithCancel(context.Background())
		p.stopVideo = cancel
		go p.sendVideo(videoCtx, track)
	} else {
		if _, err := pc.AddTransceiverFromKind(
			webrtc.RTPCodecTypeVideo,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly},
		); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add transceiver: %w", err)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		body, err := EncodeCandidate(c.ToJSON())
		if err != nil {
			p.recordFailure(err.Error())
			return
		}
		if err := p.client.Send(context.Background(), remote, body); err != nil {
			p.logger.Debug("send candidate failed", zap.Error(err))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.logger.Info("receiving track", zap.String("codec", track.Codec().MimeType), zap.Uint32("ssrc", uint32(track.SSRC())))
		_ = pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}})
		go func() {
			for {
				if _, _, err := track.ReadRTP(); err != nil {
					return
				}
				p.packetsReceived.Add(1)
			}
		}()
	})

	connected := make(chan struct{})
	var once sync.Once
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.logger.Debug("connection state", zap.String("state", state.String()))
		switch state {
		case webrtc.PeerConnectionStateConnected:
			once.Do(func() { close(connected) })
		case webrtc.PeerConnectionStateFailed:
			p.recordFailure("peer connection failed")
			p.closeCall("connection failed")
		}
	})

	p.pc = pc
	p.remote = remote
	if p.pendingFrom != remote {
		p.pending = nil
	}
	p.pendingFrom = 0
	p.hasRemote = false
	p.connected = connected
	return pc, nil
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// vp8KeyFrame is a 320x240 key frame header with an empty partition.
var vp8KeyFrame = []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x40, 0x01, 0xf0, 0x00, 0x00, 0x00}

func (p *Peer) sendVideo(ctx context.Context, track *webrtc.TrackLocalStaticRTP) {
	packetizer := rtp.NewPacketizer(1200, 96, 0, &codecs.VP8Payloader{}, rtp.NewRandomSequencer(), 90000)
	samples := uint32(p.frameInterval.Seconds() * 90000)

	ticker := time.NewTicker(p.frameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, pkt := range packetizer.Packetize(vp8KeyFrame, samples) {
			if err := track.WriteRTP(pkt); err != nil {
				return
			}
			p.packetsSent.Add(1)
		}
	}
}

// HangUp sends BYE to the remote peer and closes the call.
func (p *Peer) HangUp(ctx context.Context) error {
	remote := p.remoteID()
	if remote == 0 {
		return ErrNoCall
	}
	err := p.client.Send(ctx, remote, []byte(ByeMessage))
	p.closeCall("local hang up")
	return err
}

func (p *Peer) closeCall(reason string) {
	p.mu.Lock()
	pc := p.pc
	stop := p.stopVideo
	p.pc = nil
	p.remote = 0
	p.pending = nil
	p.pendingFrom = 0
	p.hasRemote = false
	p.stopVideo = nil
	p.mu.Unlock()

	if pc == nil {
		return
	}
	if stop != nil {
		stop()
	}
	p.logger.Info("call closed", zap.String("reason", reason))
	if err := pc.Close(); err != nil {
		p.logger.Debug("close peer connection", zap.Error(err))
	}
}

// abortCall tears down pc after a failed offer or answer, unless another
// call has already replaced it.
func (p *Peer) abortCall(pc *webrtc.PeerConnection, err error) {
	p.mu.Lock()
	current := p.pc == pc
	p.mu.Unlock()
	if current {
		p.closeCall("call failed: " + err.Error())
		return
	}
	_ = pc.Close()
}

func (p *Peer) remoteID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

// IsCallActive reports whether a call exists and has connected.
func (p *Peer) IsCallActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pc != nil && p.pc.ConnectionState() == webrtc.PeerConnectionStateConnected
}

// WaitConnected blocks until the current call connects.
func (p *Peer) WaitConnected(ctx context.Context) error {
	p.mu.Lock()
	ch := p.connected
	p.mu.Unlock()
	if ch == nil {
		return ErrNoCall
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PacketsReceived returns the number of RTP packets read from remote tracks.
func (p *Peer) PacketsReceived() uint64 { return p.packetsReceived.Load() }

// PacketsSent returns the number of synthetic RTP packets written.
func (p *Peer) PacketsSent() uint64 { return p.packetsSent.Load() }

// Failures returns the errors recorded while handling the call.
func (p *Peer) Failures() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.failures...)
}

func (p *Peer) recordFailure(msg string) {
	p.mu.Lock()
	p.failures = append(p.failures, msg)
	p.mu.Unlock()
}

// Close hangs up without signaling and releases resources.
func (p *Peer) Close() {
	p.closeCall("closed")
}
