package realtime

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Peer wraps one client-side peer connection. A fresh Peer is created for
// every connection attempt; half-closed peers are never reused.
type Peer struct {
	pc         *webrtc.PeerConnection
	audioTrack *webrtc.TrackLocalStaticRTP

	mu             sync.RWMutex
	seq            uint16
	timestamp      uint32
	ssrc           uint32
	onConnected    func()
	onDisconnected func()
}

func newPeer(cfg Config, withLocalAudio bool) (*Peer, error) {
	iceServers := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, s := range cfg.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, err
	}

	p := &Peer{pc: pc}

	if withLocalAudio {
		var ssrcBytes [4]byte
		if _, err := rand.Read(ssrcBytes[:]); err != nil {
			pc.Close()
			return nil, err
		}
		p.ssrc = binary.BigEndian.Uint32(ssrcBytes[:])

		track, err := webrtc.NewTrackLocalStaticRTP(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
			"audio",
			"voice-mic",
		)
		if err != nil {
			pc.Close()
			return nil, err
		}
		if _, err := pc.AddTrack(track); err != nil {
			pc.Close()
			return nil, err
		}
		p.audioTrack = track
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.mu.RLock()
		onConnected := p.onConnected
		onDisconnected := p.onDisconnected
		p.mu.RUnlock()

		switch state {
		case webrtc.PeerConnectionStateConnected:
			if onConnected != nil {
				onConnected()
			}
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			if onDisconnected != nil {
				onDisconnected()
			}
		}
	})

	return p, nil
}

// HasLocalAudio reports whether a capture track was attached. Sessions
// without one are valid (audio-out-only).
func (p *Peer) HasLocalAudio() bool {
	return p.audioTrack != nil
}

// CreateOffer builds the local description and waits for ICE gathering so
// the posted offer is complete. Bounded by ctx.
func (p *Peer) CreateOffer(ctx context.Context) (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}

	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	local := p.pc.LocalDescription()
	if local == nil {
		return "", webrtc.ErrConnectionClosed
	}
	return local.SDP, nil
}

func (p *Peer) SetAnswer(sdp string) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}

func (p *Peer) CreateDataChannel(label string) (*webrtc.DataChannel, error) {
	ordered := true
	return p.pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
}

// WriteFrame packetizes one opus frame onto the local track. No-op without
// a track.
func (p *Peer) WriteFrame(opusData []byte, samples int) error {
	if p.audioTrack == nil {
		return nil
	}

	p.mu.Lock()
	seq := p.seq
	ts := p.timestamp
	p.seq++
	p.timestamp += uint32(samples)
	ssrc := p.ssrc
	p.mu.Unlock()

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    111,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           ssrc,
		},
		Payload: opusData,
	}

	data, err := pkt.Marshal()
	if err != nil {
		return err
	}

	_, err = p.audioTrack.Write(data)
	return err
}

// Connected reports whether the transport is established right now. Callers
// registering OnConnected after negotiation must also check this, or a state
// change that fired in between is lost.
func (p *Peer) Connected() bool {
	return p.pc.ConnectionState() == webrtc.PeerConnectionStateConnected
}

func (p *Peer) OnConnected(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onConnected = fn
}

func (p *Peer) OnDisconnected(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onDisconnected = fn
}

func (p *Peer) Close() error {
	return p.pc.Close()
}
