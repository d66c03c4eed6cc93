package rtc

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"

	"github.com/chadiek/jarvis/internal/session"
)

// SessionDescription is a small DTO to avoid exposing webrtc types in transport.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Deps wires the audio path into the session controller. The mic stream is
// fanned out to the wake-word detector and the speech capture; which one
// actually consumes it is decided by the session state (the detector drops
// frames while paused, the capture drops frames with no armed attempt).
type Deps struct {
	Controller    *session.Controller
	FeedWake      func(pcm []byte)
	FeedCapture   func(pcm []byte)
	VoiceRecently func(window time.Duration) bool
	Sink          *SwitchSink
}

// Handler negotiates WebRTC peer connections and runs the audio plumbing for
// each call.
type Handler struct {
	deps       Deps
	iceServers []webrtc.ICEServer
}

func NewHandler(deps Deps, iceServersJSON string) *Handler {
	return &Handler{deps: deps, iceServers: ParseICEServers(iceServersJSON)}
}

// ParseICEServers decodes a JSON array of ICE server entries, falling back
// to a public STUN server on empty or malformed input.
func ParseICEServers(raw string) []webrtc.ICEServer {
	fallback := []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	var entries []struct {
		URLs       []string `json:"urls"`
		Username   string   `json:"username"`
		Credential string   `json:"credential"`
	}
	if err := json.Unmarshal([]byte(raw), &entries); err != nil || len(entries) == 0 {
		log.Printf("rtc: invalid ICE_SERVERS config, using default STUN: %v", err)
		return fallback
	}
	out := make([]webrtc.ICEServer, 0, len(entries))
	for _, e := range entries {
		if len(e.URLs) == 0 {
			continue
		}
		s := webrtc.ICEServer{URLs: e.URLs, Username: e.Username}
		if e.Credential != "" {
			s.Credential = e.Credential
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

// HandleOffer accepts an SDP offer and returns an SDP answer.
func (h *Handler) HandleOffer(ctx context.Context, offer SessionDescription) (SessionDescription, error) {
	if offer.Type != "offer" || offer.SDP == "" {
		return SessionDescription{}, errors.New("invalid offer")
	}

	callID := generateCallID()

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return SessionDescription{}, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return SessionDescription{}, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	peerConnection, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: h.iceServers})
	if err != nil {
		return SessionDescription{}, err
	}

	outTrack, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 1}, "assistant-audio", "assistant")
	if err != nil {
		_ = peerConnection.Close()
		return SessionDescription{}, err
	}
	if _, err := peerConnection.AddTrack(outTrack); err != nil {
		_ = peerConnection.Close()
		return SessionDescription{}, err
	}

	peerConnection.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		log.Printf("[%s] ICE state: %s", callID, state.String())
	})

	// Control channel: explicit client commands mirror the voice-only paths.
	peerConnection.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != "control" {
			return
		}
		log.Printf("[%s] Control channel opened", callID)
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			cmd := strings.TrimSpace(strings.ToLower(string(msg.Data)))
			switch cmd {
			case "interrupt", "stop", "stop-speaking", "barge-in":
				if h.deps.Controller.InterruptSpeech() {
					log.Printf("[%s] speech interrupted via control channel", callID)
				}
			case "clear-history":
				h.deps.Controller.ClearHistory()
				log.Printf("[%s] conversation history cleared", callID)
			}
		})
	})

	peerConnection.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		log.Printf("[%s] Remote audio track received: codec=%s", callID, remote.Codec().MimeType)

		paced, err := NewOpusPacedWriter(outTrack)
		if err != nil {
			log.Printf("[%s] Opus encoder error: %v", callID, err)
			return
		}
		h.deps.Sink.Attach(paced)

		dec, derr := opus.NewDecoder(16000, 1)
		if derr != nil {
			log.Printf("[%s] Opus decoder error: %v", callID, derr)
			paced.Close()
			return
		}

		callCtx, cancelCall := context.WithCancel(context.Background())
		go h.runMicReader(callCtx, callID, remote, dec)
		go h.runBargeInWatcher(callCtx, callID, paced)

		peerConnection.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
			log.Printf("[%s] PeerConnection state: %s", callID, state.String())
			switch state {
			case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
				cancelCall()
				h.deps.Sink.Detach(paced)
				paced.FlushTail()
				time.AfterFunc(400*time.Millisecond, paced.Close)
				_ = peerConnection.Close()
			}
		})
	})

	remoteOffer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := peerConnection.SetRemoteDescription(remoteOffer); err != nil {
		_ = peerConnection.Close()
		return SessionDescription{}, err
	}
	answer, err := peerConnection.CreateAnswer(nil)
	if err != nil {
		_ = peerConnection.Close()
		return SessionDescription{}, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(peerConnection)
	if err := peerConnection.SetLocalDescription(answer); err != nil {
		_ = peerConnection.Close()
		return SessionDescription{}, err
	}
	<-gatherComplete
	local := peerConnection.LocalDescription()
	if local == nil {
		_ = peerConnection.Close()
		return SessionDescription{}, errors.New("no local description")
	}
	return SessionDescription{Type: "answer", SDP: local.SDP}, nil
}

// runMicReader decodes inbound Opus to 16kHz PCM and fans chunks out to the
// wake-word detector and the speech capture.
func (h *Handler) runMicReader(ctx context.Context, callID string, remote *webrtc.TrackRemote, dec *opus.Decoder) {
	const chunkBytes = 3200 // 100ms at 16kHz
	pcmSamples := make([]int16, 1920)
	buf := make([]byte, 0, chunkBytes*4)

	for ctx.Err() == nil {
		pkt, _, readErr := remote.ReadRTP()
		if readErr != nil {
			log.Printf("[%s] RTP read error: %v", callID, readErr)
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, decErr := dec.Decode(pkt.Payload, pcmSamples)
		if decErr != nil {
			log.Printf("[%s] Opus decode error: %v", callID, decErr)
			continue
		}
		startLen := len(buf)
		need := n * 2
		if cap(buf)-startLen < need {
			tmp := make([]byte, startLen, startLen+need+chunkBytes)
			copy(tmp, buf)
			buf = tmp
		}
		buf = buf[:startLen+need]
		o := buf[startLen:]
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint16(o[i*2:(i+1)*2], uint16(pcmSamples[i]))
		}
		for len(buf) >= chunkBytes {
			chunk := make([]byte, chunkBytes)
			copy(chunk, buf[:chunkBytes])
			if h.deps.FeedWake != nil {
				h.deps.FeedWake(chunk)
			}
			if h.deps.FeedCapture != nil {
				h.deps.FeedCapture(chunk)
			}
			copy(buf, buf[chunkBytes:])
			buf = buf[:len(buf)-chunkBytes]
		}
	}
}

// runBargeInWatcher interrupts playback when the user starts talking over
// the assistant. Detection uses recent mic voice energy, not transcripts, so
// the cutoff is fast.
func (h *Handler) runBargeInWatcher(ctx context.Context, callID string, paced *OpusPacedWriter) {
	if h.deps.VoiceRecently == nil {
		return
	}
	ticker := time.NewTicker(40 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if h.deps.Controller.State().Phase != session.PhaseSpeaking {
				continue
			}
			if h.deps.VoiceRecently(150 * time.Millisecond) {
				if h.deps.Controller.InterruptSpeech() {
					log.Printf("[%s] barge-in: playback interrupted (VAD)", callID)
					paced.Reset()
				}
			}
		}
	}
}

func generateCallID() string { return time.Now().Format("0102150405.000") }
