package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/avatarcore/internal/config"
	"github.com/harun/avatarcore/pkg/handlers"
	"github.com/harun/avatarcore/pkg/session"
	"github.com/harun/avatarcore/pkg/templates"
	"github.com/harun/avatarcore/pkg/workqueue"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/iterator"
)

const testSecret = "test-secret"

type testOptions struct {
	mutate   func(cfg *config.Config)
	registry *handlers.Registry
	probe    session.MemoryProbe
	ceiling  uint64
}

type testEnv struct {
	cfg     *config.Config
	manager *session.Manager
	queue   *workqueue.Queue
	server  *Server
	http    *httptest.Server
}

func newTestEnv(t *testing.T, opts testOptions) *testEnv {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Server.SharedSecret = testSecret
	cfg.Heartbeat.Interval = time.Minute
	cfg.Handlers = config.HandlersConfig{
		Detector:    config.HandlerConfig{Kind: "none"},
		Transcriber: config.HandlerConfig{Kind: "static", Options: map[string]string{"text": "hello from audio."}},
		Reply:       config.HandlerConfig{Kind: "echo", Options: map[string]string{"chunk_runes": "4"}},
		Synthesizer: config.HandlerConfig{Kind: "silence", Options: map[string]string{"ms_per_rune": "1"}},
		Renderer:    config.HandlerConfig{Kind: "passthrough"},
		Search:      config.HandlerConfig{Kind: "none"},
	}
	if opts.mutate != nil {
		opts.mutate(cfg)
	}

	factory, err := handlers.NewFactory(opts.registry, cfg.Handlers)
	require.NoError(t, err)

	manager, err := session.NewManager(session.Options{
		Factory:          factory,
		MemoryCeiling:    opts.ceiling,
		IdleTimeout:      cfg.Sessions.IdleTimeout,
		AudioBufferBytes: cfg.Sessions.AudioBufferBytes,
		Probe:            opts.probe,
	})
	require.NoError(t, err)

	queue := workqueue.New(4)
	store, err := templates.NewStore("", "")
	require.NoError(t, err)

	srv, err := NewServer(Options{
		Config:    cfg,
		Manager:   manager,
		Queue:     queue,
		Templates: store,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
		ts.Close()
		queue.Close()
	})

	return &testEnv{cfg: cfg, manager: manager, queue: queue, server: srv, http: ts}
}

func (e *testEnv) dial(t *testing.T, identity, token string) *websocket.Conn {
	t.Helper()
	q := url.Values{}
	q.Set("identity", identity)
	q.Set("token", token)
	wsURL := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws?" + q.Encode()

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// connect dials with a valid token and consumes session_ready.
func (e *testEnv) connect(t *testing.T, identity string) (*websocket.Conn, string) {
	t.Helper()
	conn := e.dial(t, identity, MintToken(testSecret, identity))
	frame := readControl(t, conn)
	require.Equal(t, OutSessionReady, frame["type"])
	return conn, frame["session_id"].(string)
}

type received struct {
	binary  []byte
	control map[string]interface{}
}

func readFrame(t *testing.T, conn *websocket.Conn) (received, error) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	mt, data, err := conn.ReadMessage()
	if err != nil {
		return received{}, err
	}
	if mt == websocket.BinaryMessage {
		return received{binary: data}, nil
	}
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &m))
	return received{control: m}, nil
}

// readControl returns the next control frame, skipping heartbeats.
func readControl(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	for {
		f, err := readFrame(t, conn)
		require.NoError(t, err)
		require.Nil(t, f.binary, "expected a control frame")
		if f.control["type"] == OutHeartbeat {
			continue
		}
		return f.control
	}
}

// readUntilClose reads until the server closes and returns the close code.
func readUntilClose(t *testing.T, conn *websocket.Conn) (int, []map[string]interface{}) {
	t.Helper()
	var frames []map[string]interface{}
	for {
		f, err := readFrame(t, conn)
		if err != nil {
			var closeErr *websocket.CloseError
			require.True(t, errors.As(err, &closeErr), "expected close error, got %v", err)
			return closeErr.Code, frames
		}
		if f.control != nil {
			frames = append(frames, f.control)
		}
	}
}

func sendJSON(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

type mediaPair struct {
	sequence int
	size     int
}

// collectTurn reads frames until the terminal frame of a turn and checks that
// every meta frame is immediately followed by its binary frame.
func collectTurn(t *testing.T, conn *websocket.Conn, terminal string, wantSegments int) (chunks []string, media []mediaPair, final map[string]interface{}) {
	t.Helper()
	var pendingMeta map[string]interface{}
	for {
		f, err := readFrame(t, conn)
		require.NoError(t, err)

		if pendingMeta != nil {
			require.NotNil(t, f.binary, "meta frame must be followed by its binary frame")
			assert.Equal(t, int(pendingMeta["size"].(float64)), len(f.binary))
			media = append(media, mediaPair{
				sequence: int(pendingMeta["sequence"].(float64)),
				size:     len(f.binary),
			})
			pendingMeta = nil
			continue
		}
		require.Nil(t, f.binary, "binary frame without meta")

		switch f.control["type"] {
		case OutTextChunk:
			chunks = append(chunks, f.control["chunk"].(string))
		case OutVideoChunkMeta:
			pendingMeta = f.control
		case OutHeartbeat:
		case OutError:
			t.Fatalf("unexpected error frame: %v", f.control)
		case terminal:
			final = f.control
		}

		if final != nil && len(media) >= wantSegments {
			return chunks, media, final
		}
	}
}

func TestServer_StreamingTextTurn(t *testing.T) {
	env := newTestEnv(t, testOptions{})
	conn, _ := env.connect(t, "alice")

	text := "Hello world. How are you? Fine."
	sendJSON(t, conn, map[string]interface{}{"type": "text", "text": text, "streaming": true})

	chunks, media, final := collectTurn(t, conn, OutStreamComplete, 3)

	require.Len(t, media, 3)
	for i, m := range media {
		assert.Equal(t, i, m.sequence)
		assert.Greater(t, m.size, 0)
	}
	assert.NotEmpty(t, chunks)
	assert.Equal(t, strings.Join(chunks, ""), final["full_text"])
	assert.Equal(t, text, final["full_text"])
}

func TestServer_SequenceContinuesAcrossTurns(t *testing.T) {
	env := newTestEnv(t, testOptions{})
	conn, _ := env.connect(t, "alice")

	sendJSON(t, conn, map[string]interface{}{"type": "text", "text": "First part. Second part.", "streaming": true})
	_, first, _ := collectTurn(t, conn, OutStreamComplete, 2)
	require.Len(t, first, 2)

	sendJSON(t, conn, map[string]interface{}{"type": "text", "text": "Third part.", "streaming": true})
	_, second, _ := collectTurn(t, conn, OutStreamComplete, 1)
	require.Len(t, second, 1)
	assert.Equal(t, 2, second[0].sequence)
}

func TestServer_NonStreamingReplyPrecedesMedia(t *testing.T) {
	env := newTestEnv(t, testOptions{})
	conn, _ := env.connect(t, "alice")

	sendJSON(t, conn, map[string]interface{}{"type": "text", "text": "First sentence. Second sentence.", "streaming": false})

	reply := readControl(t, conn)
	require.Equal(t, OutReply, reply["type"])
	assert.Equal(t, "First sentence. Second sentence.", reply["full_text"])
	assert.Equal(t, float64(2), reply["segments"])

	for seq := 0; seq < 2; seq++ {
		meta := readControl(t, conn)
		require.Equal(t, OutVideoChunkMeta, meta["type"])
		assert.Equal(t, float64(seq), meta["sequence"])
		f, err := readFrame(t, conn)
		require.NoError(t, err)
		assert.Len(t, f.binary, int(meta["size"].(float64)))
	}
}

func TestServer_AudioTurn(t *testing.T) {
	env := newTestEnv(t, testOptions{})
	conn, _ := env.connect(t, "alice")

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, make([]byte, 640)))
	sendJSON(t, conn, map[string]interface{}{"type": "audio_end"})

	transcript := readControl(t, conn)
	require.Equal(t, OutTranscript, transcript["type"])
	assert.Equal(t, "hello from audio.", transcript["text"])

	reply := readControl(t, conn)
	require.Equal(t, OutReply, reply["type"])
	assert.Equal(t, "hello from audio.", reply["full_text"])
}

// pcm16 returns ms milliseconds of 16 kHz mono PCM16; amplitude 0 is silence.
func pcm16(ms int, amplitude float64) []byte {
	samples := 16000 * ms / 1000
	buf := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(amplitude * 32767 * math.Sin(2*math.Pi*440*float64(i)/16000))
		buf[i*2] = byte(v)
		buf[i*2+1] = byte(uint16(v) >> 8)
	}
	return buf
}

func TestServer_DetectorEndsUtteranceAcrossChunks(t *testing.T) {
	env := newTestEnv(t, testOptions{
		mutate: func(cfg *config.Config) {
			cfg.Handlers.Detector = config.HandlerConfig{Kind: "energy", Options: map[string]string{"silence_ms": "100"}}
		},
	})
	conn, _ := env.connect(t, "alice")

	utterance := append(pcm16(200, 0.3), pcm16(60, 0)...)
	for start := 0; start < len(utterance); start += 1001 {
		end := min(start+1001, len(utterance))
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, utterance[start:end]))
	}

	sess, err := env.manager.Get("alice")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(sess.AudioFrom(0)) == len(utterance) }, time.Second, 5*time.Millisecond)
	assert.False(t, sess.Processing(), "60ms of trailing silence does not end the utterance")

	// The silence that completes the pause arrives in one more chunk.
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, pcm16(60, 0)))

	transcript := readControl(t, conn)
	require.Equal(t, OutTranscript, transcript["type"])
	assert.Equal(t, "hello from audio.", transcript["text"])
	assert.Empty(t, sess.AudioFrom(0), "the utterance is consumed by the turn")

	reply := readControl(t, conn)
	require.Equal(t, OutReply, reply["type"])
}

func TestServer_AudioEndWithoutAudio(t *testing.T) {
	env := newTestEnv(t, testOptions{})
	conn, _ := env.connect(t, "alice")

	sendJSON(t, conn, map[string]interface{}{"type": "audio_end"})
	frame := readControl(t, conn)
	assert.Equal(t, OutError, frame["type"])
	assert.Contains(t, frame["message"], "empty utterance")
}

func TestServer_AudioOverflow(t *testing.T) {
	env := newTestEnv(t, testOptions{mutate: func(cfg *config.Config) {
		cfg.Sessions.AudioBufferBytes = 8
	}})
	conn, _ := env.connect(t, "alice")

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, make([]byte, 16)))
	frame := readControl(t, conn)
	assert.Equal(t, OutError, frame["type"])
	assert.Contains(t, frame["message"], "overflow")
}

func TestServer_DuplicateIdentityRejected(t *testing.T) {
	env := newTestEnv(t, testOptions{})
	first, _ := env.connect(t, "alice")

	second := env.dial(t, "alice", MintToken(testSecret, "alice"))
	code, _ := readUntilClose(t, second)
	assert.Equal(t, CloseAlreadyActive, code)

	sendJSON(t, first, map[string]interface{}{"type": "text", "text": "Still here.", "streaming": true})
	_, _, final := collectTurn(t, first, OutStreamComplete, 1)
	assert.Equal(t, "Still here.", final["full_text"])
	assert.Equal(t, 1, env.manager.Count())
}

func TestServer_InvalidCredential(t *testing.T) {
	env := newTestEnv(t, testOptions{})

	conn := env.dial(t, "alice", "not-a-token")
	code, _ := readUntilClose(t, conn)
	assert.Equal(t, CloseInvalidCredential, code)
	assert.Equal(t, 0, env.manager.Count())
}

func TestServer_InvalidIdentity(t *testing.T) {
	env := newTestEnv(t, testOptions{mutate: func(cfg *config.Config) {
		cfg.Server.SharedSecret = ""
	}})

	conn := env.dial(t, "", "")
	code, _ := readUntilClose(t, conn)
	assert.Equal(t, CloseInvalidCredential, code)
}

func TestServer_ResourceExhausted(t *testing.T) {
	env := newTestEnv(t, testOptions{
		ceiling: 1000,
		probe:   session.ProbeFunc(func() (uint64, error) { return 1300, nil }),
	})

	conn := env.dial(t, "alice", MintToken(testSecret, "alice"))
	code, _ := readUntilClose(t, conn)
	assert.Equal(t, CloseTryAgainLater, code)
}

func TestServer_HeartbeatTimeout(t *testing.T) {
	interval := 100 * time.Millisecond
	env := newTestEnv(t, testOptions{mutate: func(cfg *config.Config) {
		cfg.Heartbeat.Interval = interval
		cfg.Heartbeat.MaxMissed = 3
	}})

	conn, _ := env.connect(t, "silent")
	start := time.Now()
	code, frames := readUntilClose(t, conn)
	elapsed := time.Since(start)

	assert.Equal(t, CloseHeartbeatTimeout, code)
	assert.Less(t, elapsed, 3*interval+500*time.Millisecond)
	assert.NotEmpty(t, frames, "heartbeats are sent before the timeout")
	assert.Eventually(t, func() bool { return env.manager.Count() == 0 }, time.Second, 10*time.Millisecond)
}

func TestServer_PongKeepsConnectionAlive(t *testing.T) {
	interval := 100 * time.Millisecond
	env := newTestEnv(t, testOptions{mutate: func(cfg *config.Config) {
		cfg.Heartbeat.Interval = interval
		cfg.Heartbeat.MaxMissed = 2
	}})

	conn, _ := env.connect(t, "chatty")

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := conn.WriteJSON(map[string]string{"type": "pong"}); err != nil {
					return
				}
			}
		}
	}()

	deadline := time.Now().Add(6 * interval)
	for time.Now().Before(deadline) {
		f, err := readFrame(t, conn)
		require.NoError(t, err)
		assert.Equal(t, OutHeartbeat, f.control["type"])
	}
	close(stop)
	wg.Wait()

	assert.Equal(t, 1, env.manager.Count())
}

func TestServer_IdleSweepSendsTimeout(t *testing.T) {
	env := newTestEnv(t, testOptions{mutate: func(cfg *config.Config) {
		cfg.Sessions.IdleTimeout = 10 * time.Millisecond
	}})
	conn, _ := env.connect(t, "sleepy")

	time.Sleep(50 * time.Millisecond)
	result := env.manager.Sweep()
	assert.Equal(t, 1, result.Idle)

	code, frames := readUntilClose(t, conn)
	assert.Equal(t, CloseSessionTimeout, code)
	require.NotEmpty(t, frames)
	assert.Equal(t, OutSessionTimeout, frames[len(frames)-1]["type"])
}

func TestServer_RejectsInvalidFrames(t *testing.T) {
	env := newTestEnv(t, testOptions{})
	conn, _ := env.connect(t, "alice")

	sendJSON(t, conn, map[string]interface{}{"type": "shout"})
	frame := readControl(t, conn)
	assert.Equal(t, OutError, frame["type"])
	assert.Contains(t, frame["message"], "invalid frame")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	frame = readControl(t, conn)
	assert.Equal(t, OutError, frame["type"])
}

func TestServer_FrameRateLimit(t *testing.T) {
	env := newTestEnv(t, testOptions{mutate: func(cfg *config.Config) {
		cfg.Server.FramesPerMinute = 2
	}})
	conn, _ := env.connect(t, "alice")

	for i := 0; i < 3; i++ {
		sendJSON(t, conn, map[string]string{"type": "pong"})
	}
	frame := readControl(t, conn)
	assert.Equal(t, OutError, frame["type"])
	assert.Contains(t, frame["message"], "rate limit")
}

func TestServer_ConfigUpdatesSettings(t *testing.T) {
	env := newTestEnv(t, testOptions{})
	conn, _ := env.connect(t, "alice")

	sendJSON(t, conn, map[string]interface{}{"type": "config", "template": "missing"})
	frame := readControl(t, conn)
	assert.Equal(t, OutError, frame["type"])
	assert.Contains(t, frame["message"], "unknown template")

	sendJSON(t, conn, map[string]interface{}{"type": "config", "voice": "nova", "streaming": true})
	// A streaming turn proves the config frame was applied before it.
	sendJSON(t, conn, map[string]interface{}{"type": "text", "text": "Hi."})
	chunks, _, _ := collectTurn(t, conn, OutStreamComplete, 1)
	assert.NotEmpty(t, chunks)

	sess, err := env.manager.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, "nova", sess.Settings().Voice)
}

// gatedReply blocks its stream until release is closed.
type gatedReply struct {
	release chan struct{}
}

func (g *gatedReply) Init(context.Context, config.HandlerConfig) error { return nil }
func (g *gatedReply) Close() error                                    { return nil }

func (g *gatedReply) Generate(ctx context.Context, _ handlers.ReplyRequest) (handlers.FragmentStream, error) {
	return &gatedStream{ctx: ctx, release: g.release}, nil
}

type gatedStream struct {
	ctx     context.Context
	release chan struct{}
	sent    bool
}

func (s *gatedStream) Next() (string, error) {
	if s.sent {
		return "", iterator.Done
	}
	select {
	case <-s.release:
	case <-s.ctx.Done():
		return "", s.ctx.Err()
	}
	s.sent = true
	return "Done.", nil
}

func (s *gatedStream) Close() error { return nil }

func TestServer_BusyGuard(t *testing.T) {
	release := make(chan struct{})
	reg := handlers.NewRegistry()
	reg.Register(handlers.RoleReply, "gated", func() handlers.Handler { return &gatedReply{release: release} })

	env := newTestEnv(t, testOptions{
		registry: reg,
		mutate: func(cfg *config.Config) {
			cfg.Handlers.Reply = config.HandlerConfig{Kind: "gated"}
		},
	})
	conn, _ := env.connect(t, "alice")

	sendJSON(t, conn, map[string]interface{}{"type": "text", "text": "first", "streaming": true})
	require.Eventually(t, func() bool {
		sess, err := env.manager.Get("alice")
		return err == nil && sess.Processing()
	}, time.Second, 5*time.Millisecond)

	sendJSON(t, conn, map[string]interface{}{"type": "text", "text": "second", "streaming": true})
	frame := readControl(t, conn)
	assert.Equal(t, OutError, frame["type"])
	assert.Equal(t, ErrBusy.Error(), frame["message"])

	close(release)
	_, _, final := collectTurn(t, conn, OutStreamComplete, 1)
	assert.Equal(t, "Done.", final["full_text"])
}

// flakyReply fails its first stream mid-reply and answers "Done." after that.
// It records the history of every request.
type flakyReply struct {
	mu       sync.Mutex
	calls    int
	requests [][]handlers.Message
}

func (f *flakyReply) Init(context.Context, config.HandlerConfig) error { return nil }
func (f *flakyReply) Close() error                                    { return nil }

func (f *flakyReply) Generate(_ context.Context, req handlers.ReplyRequest) (handlers.FragmentStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.requests = append(f.requests, append([]handlers.Message(nil), req.History...))
	return &scriptedStream{fail: f.calls == 1}, nil
}

func (f *flakyReply) history(call int) []handlers.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[call]
}

type scriptedStream struct {
	fail bool
	sent bool
}

func (s *scriptedStream) Next() (string, error) {
	if s.fail {
		return "", errors.New("upstream reset")
	}
	if s.sent {
		return "", iterator.Done
	}
	s.sent = true
	return "Done.", nil
}

func (s *scriptedStream) Close() error { return nil }

func TestServer_FailedTurnLeavesNoDanglingUserMessage(t *testing.T) {
	reply := &flakyReply{}
	reg := handlers.NewRegistry()
	reg.Register(handlers.RoleReply, "flaky", func() handlers.Handler { return reply })

	env := newTestEnv(t, testOptions{
		registry: reg,
		mutate: func(cfg *config.Config) {
			cfg.Handlers.Reply = config.HandlerConfig{Kind: "flaky"}
		},
	})
	conn, _ := env.connect(t, "alice")

	sendJSON(t, conn, map[string]interface{}{"type": "text", "text": "first", "streaming": true})
	frame := readControl(t, conn)
	require.Equal(t, OutError, frame["type"])
	assert.Contains(t, frame["message"], "upstream reset")

	sess, err := env.manager.Get("alice")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !sess.Processing() }, time.Second, 5*time.Millisecond)
	assert.Empty(t, sess.History(0), "a failed turn must not be stored")

	sendJSON(t, conn, map[string]interface{}{"type": "text", "text": "second", "streaming": true})
	_, _, final := collectTurn(t, conn, OutStreamComplete, 1)
	assert.Equal(t, "Done.", final["full_text"])

	sent := reply.history(1)
	require.Len(t, sent, 1)
	assert.Equal(t, handlers.Message{Role: "user", Text: "second"}, sent[0])

	assert.Equal(t, []handlers.Message{
		{Role: "user", Text: "second"},
		{Role: "assistant", Text: "Done."},
	}, sess.History(0))
}

func TestServer_StreamingChineseTurn(t *testing.T) {
	env := newTestEnv(t, testOptions{})
	conn, _ := env.connect(t, "alice")

	text := "你好！今天怎么样？"
	sendJSON(t, conn, map[string]interface{}{"type": "text", "text": text, "streaming": true})

	chunks, media, final := collectTurn(t, conn, OutStreamComplete, 2)

	require.Len(t, media, 2)
	assert.Equal(t, 0, media[0].sequence)
	assert.Equal(t, 1, media[1].sequence)
	for _, m := range media {
		assert.Greater(t, m.size, 0)
	}
	assert.Equal(t, text, strings.Join(chunks, ""))
	assert.Equal(t, text, final["full_text"])
}

func TestServer_DisconnectRemovesSession(t *testing.T) {
	env := newTestEnv(t, testOptions{})
	conn, _ := env.connect(t, "alice")
	require.Equal(t, 1, env.manager.Count())

	conn.Close()
	assert.Eventually(t, func() bool { return env.manager.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return env.server.Connections() == 0 }, 2*time.Second, 10*time.Millisecond)

	// The identity is free again.
	env.connect(t, "alice")
}

func TestServer_StopClosesWithGoingAway(t *testing.T) {
	env := newTestEnv(t, testOptions{})
	conn, _ := env.connect(t, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.server.Stop(ctx))

	code, _ := readUntilClose(t, conn)
	assert.Equal(t, websocket.CloseGoingAway, code)

	resp, err := http.Get(env.http.URL + "/ws")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_SearchProgress(t *testing.T) {
	search := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[{"title":"Weather","url":"https://example.com","snippet":"Sunny"}]}`))
	}))
	defer search.Close()

	env := newTestEnv(t, testOptions{mutate: func(cfg *config.Config) {
		cfg.Handlers.Search = config.HandlerConfig{Kind: "http", Endpoint: search.URL}
	}})
	conn, _ := env.connect(t, "alice")

	sendJSON(t, conn, map[string]interface{}{"type": "text", "text": "Weather today?", "streaming": true, "use_search": true})

	first := readControl(t, conn)
	require.Equal(t, OutSearchProgress, first["type"])
	assert.Equal(t, float64(1), first["step"])
	assert.Equal(t, "searching", first["message"])

	second := readControl(t, conn)
	require.Equal(t, OutSearchProgress, second["type"])
	assert.Equal(t, float64(2), second["step"])
	assert.Equal(t, "done", second["message"])

	_, _, final := collectTurn(t, conn, OutStreamComplete, 1)
	assert.Equal(t, "Weather today?", final["full_text"])
}

func TestServer_AdminEndpoints(t *testing.T) {
	env := newTestEnv(t, testOptions{})
	conn, sessionID := env.connect(t, "alice")

	do := func(method, path, secret string) *http.Response {
		req, err := http.NewRequest(method, env.http.URL+path, nil)
		require.NoError(t, err)
		if secret != "" {
			req.Header.Set(AdminSecretHeader, secret)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	t.Run("should reject missing secret", func(t *testing.T) {
		resp := do(http.MethodGet, "/admin/sessions", "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("should list sessions", func(t *testing.T) {
		resp := do(http.MethodGet, "/admin/sessions", testSecret)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var infos []session.Info
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&infos))
		require.Len(t, infos, 1)
		assert.Equal(t, "alice", infos[0].Identity)
		assert.Equal(t, sessionID, infos[0].ID)
	})

	t.Run("should report stats", func(t *testing.T) {
		resp := do(http.MethodGet, "/admin/stats", testSecret)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var stats StatsResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
		assert.Equal(t, 1, stats.Sessions.Sessions)
		assert.Equal(t, 1, stats.Connections)
		assert.Equal(t, 4, stats.Workers.Limit)
	})

	t.Run("should list connections", func(t *testing.T) {
		resp := do(http.MethodGet, "/admin/connections", testSecret)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var infos []ConnInfo
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&infos))
		require.Len(t, infos, 1)
		assert.Equal(t, sessionID, infos[0].SessionID)
		assert.Equal(t, "open", infos[0].State)
	})

	t.Run("should remove session and close its connection", func(t *testing.T) {
		resp := do(http.MethodDelete, "/admin/sessions/"+sessionID, testSecret)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)

		code, _ := readUntilClose(t, conn)
		assert.Equal(t, CloseSessionTimeout, code)

		resp = do(http.MethodDelete, "/admin/sessions/"+sessionID, testSecret)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("should serve health", func(t *testing.T) {
		resp := do(http.MethodGet, "/healthz", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}
