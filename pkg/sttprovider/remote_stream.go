package sttprovider

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/dawrv/asr-core/pkg/asrcore"
	"github.com/dawrv/asr-core/pkg/ttsflag"
)

// remoteResponse is the wire shape expected from the remote streaming
// backend: interim and final messages, both carrying word-level detail.
type remoteResponse struct {
	Type       string  `json:"type"`
	IsFinal    bool    `json:"is_final"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Words      []struct {
		Word       string  `json:"word"`
		Start      float64 `json:"start"`
		End        float64 `json:"end"`
		Confidence float64 `json:"confidence"`
	} `json:"words"`
}

// RemoteStreamConfig configures the streaming-remote provider.
type RemoteStreamConfig struct {
	URL         string
	APIKey      string
	SampleRate  int
	MinPartialGap time.Duration
}

// DefaultRemoteStreamConfig returns the default sample rate and partial
// rate limit for a remote streaming session. The session does not reconnect.
func DefaultRemoteStreamConfig(url, apiKey string) RemoteStreamConfig {
	return RemoteStreamConfig{
		URL:           url,
		APIKey:        apiKey,
		SampleRate:    16000,
		MinPartialGap: 150 * time.Millisecond,
	}
}

// RemoteStream is the "streaming remote" provider variant: a
// websocket session that forwards PCM frames and receives interim/final
// JSON messages. Speaking-flag suppression prevents frames from being sent
// while TTS is active; partial/final callbacks that arrive during that
// window are discarded rather than buffered.
type RemoteStream struct {
	cfg      RemoteStreamConfig
	speaking ttsflag.SpeakingState
	logger   asrcore.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	partials chan *asrcore.PartialTranscript
	finals   chan *asrcore.TranscriptResult

	lastPartialSent time.Time
	lastPartialText string

	closeOnce sync.Once
	done      chan struct{}
}

// NewRemoteStream dials the remote backend and starts the read loop.
// boostWords are sent as a one-time keyword-boost list at session start.
func NewRemoteStream(ctx context.Context, cfg RemoteStreamConfig, speaking ttsflag.SpeakingState, boostWords []string, logger asrcore.Logger) (*RemoteStream, error) {
	if logger == nil {
		logger = asrcore.NoOpLogger{}
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("sttprovider: parse remote url: %w", err)
	}
	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	q.Set("interim_results", "true")
	u.RawQuery = q.Encode()

	headers := http.Header{}
	if cfg.APIKey != "" {
		headers.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: %v", asrcore.ErrProviderAuthFailed, err)
		}
		return nil, fmt.Errorf("%w: dial: %v", asrcore.ErrProviderTransient, err)
	}

	r := &RemoteStream{
		cfg:      cfg,
		speaking: speaking,
		logger:   logger,
		conn:     conn,
		partials: make(chan *asrcore.PartialTranscript, 16),
		finals:   make(chan *asrcore.TranscriptResult, 16),
		done:     make(chan struct{}),
	}

	if len(boostWords) > 0 {
		if err := wsjson.Write(ctx, conn, map[string]any{"type": "configure", "keywords": boostWords}); err != nil {
			conn.Close(websocket.StatusAbnormalClosure, "failed to send keyword boost")
			return nil, fmt.Errorf("%w: send keywords: %v", asrcore.ErrProviderTransient, err)
		}
	}

	go r.readLoop(ctx)
	return r, nil
}

func (r *RemoteStream) Name() string { return "stt-remote-stream" }

func (r *RemoteStream) Partials() <-chan *asrcore.PartialTranscript { return r.partials }

func (r *RemoteStream) Finals() <-chan *asrcore.TranscriptResult { return r.finals }

// autonomousFinals marks RemoteStream as a provider whose Finals() channel
// is driven by its own read loop, not by an external Transcribe call.
func (r *RemoteStream) autonomousFinals() {}

// Feed sends one frame's PCM payload over the socket, unless TTS is
// currently speaking — in which case the frame is silently dropped rather
// than queued.
func (r *RemoteStream) Feed(frame asrcore.Frame) error {
	if r.speaking != nil && r.speaking.Speaking() {
		return nil
	}
	payload := float32ToPCM16(frame.Samples)

	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return asrcore.ErrNilProvider
	}
	if err := conn.Write(context.Background(), websocket.MessageBinary, payload); err != nil {
		return fmt.Errorf("%w: send frame: %v", asrcore.ErrProviderTransient, err)
	}
	return nil
}

// Transcribe is unsupported for the remote streaming variant: results
// arrive asynchronously over Finals(). Callers use Feed + Finals() instead.
func (r *RemoteStream) Transcribe(context.Context, []float32, []string) (*asrcore.TranscriptResult, error) {
	return nil, errors.New("sttprovider: RemoteStream does not support synchronous Transcribe, use Feed/Finals")
}

func (r *RemoteStream) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		r.mu.Lock()
		conn := r.conn
		r.conn = nil
		r.mu.Unlock()
		if conn != nil {
			err = conn.Close(websocket.StatusNormalClosure, "session closed")
		}
	})
	return err
}

// readLoop receives interim/final JSON messages. Results that arrive while
// TTS is speaking are discarded even though Feed already stopped sending
// frames during that window — echoes already in flight on the wire must
// not reach the router.
func (r *RemoteStream) readLoop(ctx context.Context) {
	defer close(r.partials)
	defer close(r.finals)

	conn := r.connSnapshot()
	for {
		var msg remoteResponse
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			select {
			case <-r.done:
			default:
				r.logger.Warn("sttprovider: remote stream read failed", "error", err)
			}
			return
		}

		if r.speaking != nil && r.speaking.Speaking() {
			continue
		}

		if msg.IsFinal {
			words := make([]asrcore.WordSegment, len(msg.Words))
			for i, w := range msg.Words {
				words[i] = asrcore.WordSegment{Word: w.Word, StartS: w.Start, EndS: w.End, Confidence: w.Confidence}
			}
			result := &asrcore.TranscriptResult{Text: msg.Text, Confidence: msg.Confidence, Words: words, IsFinal: true}
			result.Normalize()
			if !result.Valid() {
				r.logger.Warn("sttprovider: remote stream final failed validation", "error", asrcore.ErrSchemaViolation, "text", result.Text)
				continue
			}
			select {
			case r.finals <- result:
			case <-r.done:
				return
			}
			continue
		}

		if msg.Text == "" || msg.Text == r.lastPartialText {
			continue
		}
		if time.Since(r.lastPartialSent) < r.cfg.MinPartialGap {
			continue
		}
		r.lastPartialSent = time.Now()
		r.lastPartialText = msg.Text
		select {
		case r.partials <- &asrcore.PartialTranscript{Text: msg.Text, Confidence: msg.Confidence, Timestamp: time.Now()}:
		case <-r.done:
			return
		}
	}
}

func (r *RemoteStream) connSnapshot() *websocket.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

func float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int16(s * 32767)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}
