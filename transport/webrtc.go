// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
)

var (
	_ Listener = (*WebRTCTransport)(nil)
	_ Dialer   = (*WebRTCTransport)(nil)
)

const (
	signalPollInterval = 500 * time.Millisecond
	iceGatherTimeout   = 15 * time.Second
	answerTimeout      = 30 * time.Second
	channelOpenTimeout = 10 * time.Second

	// primeChannelLabel is the throwaway channel the offerer creates
	// so its SDP carries a data channel section.
	primeChannelLabel = "prime"
)

// WebRTCTransport links bucketsync endpoints over WebRTC data
// channels. It is both a Listener (peers dial in) and a Dialer.
//
// One PeerConnection is kept per remote endpoint; each DialContext
// opens a fresh ordered, reliable data channel on it and each inbound
// data channel is handed out by Accept. Signaling goes through the
// Signaler, polled while Start's context is live.
type WebRTCTransport struct {
	signaler Signaler
	name     string
	logger   *slog.Logger

	configMu  sync.RWMutex
	iceConfig ICEConfig

	mu    sync.Mutex
	peers map[string]*peerState

	inbound chan net.Conn

	ready     chan struct{}
	readyOnce sync.Once
	closed    chan struct{}
	closeOnce sync.Once

	channelCounter atomic.Uint64
}

type peerState struct {
	connection  *webrtc.PeerConnection
	name        string
	established chan struct{}
}

// NewWebRTCTransport creates a transport identified by name in
// signaling. A nil logger discards.
func NewWebRTCTransport(signaler Signaler, name string, iceConfig ICEConfig, logger *slog.Logger) *WebRTCTransport {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &WebRTCTransport{
		signaler:  signaler,
		name:      name,
		iceConfig: iceConfig,
		logger:    logger,
		peers:     make(map[string]*peerState),
		inbound:   make(chan net.Conn, 16),
		ready:     make(chan struct{}),
		closed:    make(chan struct{}),
	}
}

// Start answers inbound offers until ctx is cancelled or Close is
// called. Only a transport that accepts links needs it.
func (wt *WebRTCTransport) Start(ctx context.Context) {
	go wt.pollOffers(ctx)
	wt.readyOnce.Do(func() { close(wt.ready) })
}

// Ready is closed once Start has begun polling.
func (wt *WebRTCTransport) Ready() <-chan struct{} { return wt.ready }

// Accept returns the next data channel a peer opened to us.
func (wt *WebRTCTransport) Accept(ctx context.Context) (net.Conn, error) {
	select {
	case conn := <-wt.inbound:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-wt.closed:
		return nil, net.ErrClosed
	}
}

// Address is the signaling name peers dial.
func (wt *WebRTCTransport) Address() string { return wt.name }

// Close tears down every PeerConnection.
func (wt *WebRTCTransport) Close() error {
	wt.closeOnce.Do(func() { close(wt.closed) })

	wt.mu.Lock()
	defer wt.mu.Unlock()
	for name, peer := range wt.peers {
		peer.connection.Close()
		delete(wt.peers, name)
	}
	return nil
}

// UpdateICEConfig applies to PeerConnections created afterwards.
func (wt *WebRTCTransport) UpdateICEConfig(config ICEConfig) {
	wt.configMu.Lock()
	defer wt.configMu.Unlock()
	wt.iceConfig = config
}

// DialContext opens a data channel to the transport named address,
// signaling a new PeerConnection first if there is no live one.
func (wt *WebRTCTransport) DialContext(ctx context.Context, address string) (net.Conn, error) {
	select {
	case <-wt.closed:
		return nil, net.ErrClosed
	default:
	}

	peer, err := wt.peerFor(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("transport: connecting to %s: %w", address, err)
	}
	select {
	case <-peer.established:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-wt.closed:
		return nil, net.ErrClosed
	}
	return wt.openChannel(ctx, peer)
}

// peerFor returns the live PeerConnection to name or signals a new
// one. The entry is registered before signaling so that concurrent
// dialers wait on the same attempt.
func (wt *WebRTCTransport) peerFor(ctx context.Context, name string) (*peerState, error) {
	wt.mu.Lock()
	if peer, ok := wt.peers[name]; ok {
		if alive(peer.connection) {
			wt.mu.Unlock()
			return peer, nil
		}
		peer.connection.Close()
		delete(wt.peers, name)
	}

	pc, err := wt.newPeerConnection()
	if err != nil {
		wt.mu.Unlock()
		return nil, err
	}
	peer := &peerState{connection: pc, name: name, established: make(chan struct{})}
	wt.peers[name] = peer
	wt.mu.Unlock()

	if err := wt.offer(ctx, peer); err != nil {
		wt.forget(peer)
		pc.Close()
		return nil, err
	}
	return peer, nil
}

func (wt *WebRTCTransport) offer(ctx context.Context, peer *peerState) error {
	pc := peer.connection
	wt.watch(peer)

	if _, err := pc.CreateDataChannel(primeChannelLabel, nil); err != nil {
		return fmt.Errorf("creating prime channel: %w", err)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("creating offer: %w", err)
	}
	sdp, err := wt.gather(ctx, pc, offer)
	if err != nil {
		return err
	}
	if err := wt.signaler.PublishOffer(ctx, wt.name, peer.name, sdp); err != nil {
		return fmt.Errorf("publishing offer: %w", err)
	}
	wt.logger.Info("webrtc offer published", "peer", peer.name)

	answer, err := wt.awaitAnswer(ctx, peer.name)
	if err != nil {
		return err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		return fmt.Errorf("applying answer: %w", err)
	}
	return nil
}

// gather sets local as the local description and waits for candidate
// gathering, returning the complete SDP.
func (wt *WebRTCTransport) gather(ctx context.Context, pc *webrtc.PeerConnection, local webrtc.SessionDescription) (string, error) {
	complete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(local); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}
	select {
	case <-complete:
		return pc.LocalDescription().SDP, nil
	case <-time.After(iceGatherTimeout):
		return "", fmt.Errorf("ICE gathering did not finish within %s", iceGatherTimeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (wt *WebRTCTransport) awaitAnswer(ctx context.Context, peerName string) (string, error) {
	deadline := time.After(answerTimeout)
	ticker := time.NewTicker(signalPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			return "", fmt.Errorf("no answer from %s within %s", peerName, answerTimeout)
		case <-ctx.Done():
			return "", ctx.Err()
		case <-wt.closed:
			return "", net.ErrClosed
		case <-ticker.C:
			answers, err := wt.signaler.PollAnswers(ctx, wt.name)
			if err != nil {
				wt.logger.Warn("polling for answers failed", "error", err)
				continue
			}
			for _, answer := range answers {
				if answer.Peer == peerName {
					return answer.SDP, nil
				}
			}
		}
	}
}

func (wt *WebRTCTransport) pollOffers(ctx context.Context) {
	ticker := time.NewTicker(signalPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-wt.closed:
			return
		case <-ticker.C:
			offers, err := wt.signaler.PollOffers(ctx, wt.name)
			if err != nil {
				wt.logger.Warn("polling for offers failed", "error", err)
				continue
			}
			for _, offer := range offers {
				if wt.yieldTo(offer.Peer) {
					if err := wt.answer(ctx, offer); err != nil {
						wt.logger.Error("answering offer failed", "peer", offer.Peer, "error", err)
					}
				}
			}
		}
	}
}

// yieldTo decides whether an inbound offer from name replaces any
// connection we already hold to it. When both sides offer at once the
// lexically smaller name wins, so exactly one attempt survives.
func (wt *WebRTCTransport) yieldTo(name string) bool {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	existing, ok := wt.peers[name]
	if !ok {
		return true
	}
	if alive(existing.connection) && name > wt.name {
		return false
	}
	existing.connection.Close()
	delete(wt.peers, name)
	return true
}

func (wt *WebRTCTransport) answer(ctx context.Context, offer SignalMessage) error {
	pc, err := wt.newPeerConnection()
	if err != nil {
		return err
	}
	peer := &peerState{connection: pc, name: offer.Peer, established: make(chan struct{})}
	wt.watch(peer)

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		pc.Close()
		return fmt.Errorf("applying offer: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return fmt.Errorf("creating answer: %w", err)
	}
	sdp, err := wt.gather(ctx, pc, answer)
	if err != nil {
		pc.Close()
		return err
	}
	if err := wt.signaler.PublishAnswer(ctx, offer.Peer, wt.name, sdp); err != nil {
		pc.Close()
		return fmt.Errorf("publishing answer: %w", err)
	}

	wt.mu.Lock()
	wt.peers[offer.Peer] = peer
	wt.mu.Unlock()
	wt.logger.Info("webrtc offer answered", "peer", offer.Peer)
	return nil
}

// watch installs the inbound channel and connection state handlers.
func (wt *WebRTCTransport) watch(peer *peerState) {
	peer.connection.OnDataChannel(func(dc *webrtc.DataChannel) {
		wt.acceptChannel(dc, peer.name)
	})
	peer.connection.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		wt.logger.Debug("ICE state change", "peer", peer.name, "state", state.String())
		switch state {
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			select {
			case <-peer.established:
			default:
				close(peer.established)
			}
		case webrtc.ICEConnectionStateFailed:
			wt.logger.Warn("webrtc connection failed", "peer", peer.name)
		case webrtc.ICEConnectionStateClosed:
			wt.forget(peer)
		}
	})
}

func (wt *WebRTCTransport) forget(peer *peerState) {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	if current, ok := wt.peers[peer.name]; ok && current == peer {
		delete(wt.peers, peer.name)
	}
}

func (wt *WebRTCTransport) acceptChannel(dc *webrtc.DataChannel, peerName string) {
	if dc.Label() == primeChannelLabel {
		dc.OnOpen(func() { dc.Close() })
		return
	}
	dc.OnOpen(func() {
		raw, err := dc.Detach()
		if err != nil {
			wt.logger.Error("detaching inbound data channel failed", "peer", peerName, "label", dc.Label(), "error", err)
			return
		}
		conn := NewDataChannelConn(raw, wt.name+"/"+dc.Label(), peerName+"/"+dc.Label())
		select {
		case wt.inbound <- conn:
		case <-wt.closed:
			conn.Close()
		}
	})
}

func (wt *WebRTCTransport) openChannel(ctx context.Context, peer *peerState) (net.Conn, error) {
	label := fmt.Sprintf("bucketsync-%d", wt.channelCounter.Add(1))
	ordered := true
	dc, err := peer.connection.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("transport: creating data channel %s: %w", label, err)
	}

	opened := make(chan struct{})
	dc.OnOpen(func() { close(opened) })
	select {
	case <-opened:
	case <-time.After(channelOpenTimeout):
		dc.Close()
		return nil, fmt.Errorf("transport: data channel %s did not open within %s", label, channelOpenTimeout)
	case <-ctx.Done():
		dc.Close()
		return nil, ctx.Err()
	case <-wt.closed:
		dc.Close()
		return nil, net.ErrClosed
	}

	raw, err := dc.Detach()
	if err != nil {
		dc.Close()
		return nil, fmt.Errorf("transport: detaching data channel %s: %w", label, err)
	}
	return NewDataChannelConn(raw, wt.name+"/"+label, peer.name+"/"+label), nil
}

func (wt *WebRTCTransport) newPeerConnection() (*webrtc.PeerConnection, error) {
	wt.configMu.RLock()
	config := webrtc.Configuration{ICEServers: wt.iceConfig.Servers}
	wt.configMu.RUnlock()

	// Detached channels give a plain io.ReadWriteCloser; loopback
	// candidates let two endpoints on one host find each other.
	settingEngine := webrtc.SettingEngine{}
	settingEngine.DetachDataChannels()
	settingEngine.SetIncludeLoopbackCandidate(true)

	pc, err := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine)).NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("creating PeerConnection: %w", err)
	}
	return pc, nil
}

func alive(pc *webrtc.PeerConnection) bool {
	state := pc.ICEConnectionState()
	return state != webrtc.ICEConnectionStateFailed && state != webrtc.ICEConnectionStateClosed
}
