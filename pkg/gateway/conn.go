package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/avatarcore/internal/observability"
	"github.com/harun/avatarcore/pkg/handlers"
	"github.com/harun/avatarcore/pkg/pipeline"
	"github.com/harun/avatarcore/pkg/session"
	"github.com/rs/zerolog"
)

// ConnState is the lifecycle state of a connection.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// closeCodeFor maps a session removal reason to the close frame sent to the client.
func closeCodeFor(reason string) int {
	switch reason {
	case session.ReasonHeartbeat:
		return CloseHeartbeatTimeout
	case session.ReasonIdle, session.ReasonMemory, session.ReasonEmergency, session.ReasonAdmin:
		return CloseSessionTimeout
	case session.ReasonShutdown:
		return websocket.CloseGoingAway
	default:
		return websocket.CloseNormalClosure
	}
}

type heldMedia struct {
	seg *pipeline.Segment
}

// Conn is one client WebSocket bound to one session. All writes go through
// writeMu; a media frame is written under the same lock as its meta frame.
type Conn struct {
	ID          string
	Identity    string
	RemoteAddr  string
	ConnectedAt time.Time

	ws      *websocket.Conn
	server  *Server
	ctx     context.Context
	logger  zerolog.Logger
	limiter *FrameRateLimiter

	state       atomic.Int32
	lastInbound atomic.Int64 // unix nanos
	warned      sync.Map     // handlers.Role -> struct{}, init errors already reported

	writeMu sync.Mutex

	session  *session.Session
	pipeline *pipeline.Pipeline

	// Owned by the read loop: the bytes of the current utterance already fed
	// to the speech detector.
	detector handlers.SpeechDetector
	detected int

	gateMu  sync.Mutex
	holding bool
	held    []heldMedia
}

func newConn(ctx context.Context, s *Server, ws *websocket.Conn, id, identity, remoteAddr string) *Conn {
	c := &Conn{
		ID:          id,
		Identity:    identity,
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now(),
		ws:          ws,
		server:      s,
		ctx:         ctx,
		logger:      s.logger.With().Str("conn_id", id).Str("identity", identity).Logger(),
		limiter:     NewFrameRateLimiter(s.cfg.Server.FramesPerMinute),
	}
	c.state.Store(int32(StateConnecting))
	c.lastInbound.Store(time.Now().UnixNano())
	return c
}

// State returns the connection's lifecycle state.
func (c *Conn) State() ConnState {
	return ConnState(c.state.Load())
}

// Info returns the admin view of the connection.
func (c *Conn) Info() ConnInfo {
	info := ConnInfo{
		ID:          c.ID,
		Identity:    c.Identity,
		RemoteAddr:  c.RemoteAddr,
		State:       c.State().String(),
		ConnectedAt: c.ConnectedAt,
	}
	if c.session != nil {
		info.SessionID = c.session.ID
	}
	return info
}

func (c *Conn) writeLocked(messageType int, data []byte) error {
	if c.State() >= StateClosing {
		return &TransportError{Op: "write", Err: ErrConnClosed}
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.server.writeTimeout))
	if err := c.ws.WriteMessage(messageType, data); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

func (c *Conn) writeJSON(frameType string, v interface{}) error {
	data, err := marshalFrame(v)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.writeLocked(websocket.TextMessage, data); err != nil {
		return err
	}
	observability.RecordFrameSent(frameType)
	return nil
}

// writeMedia writes the meta frame and the binary frame back to back.
func (c *Conn) writeMedia(seg *pipeline.Segment) error {
	meta, err := marshalFrame(VideoChunkMetaFrame{
		Type:        OutVideoChunkMeta,
		Size:        len(seg.Video.Data),
		Sequence:    seg.Sequence,
		ContentType: seg.Video.ContentType,
	})
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.writeLocked(websocket.TextMessage, meta); err != nil {
		return err
	}
	if err := c.writeLocked(websocket.BinaryMessage, seg.Video.Data); err != nil {
		return err
	}
	observability.RecordFrameSent(OutVideoChunkMeta)
	observability.RecordFrameSent("binary")
	return nil
}

func (c *Conn) sendError(message string, sequence *int) error {
	return c.writeJSON(OutError, ErrorFrame{Type: OutError, Message: message, Sequence: sequence})
}

// reportInitError sends one error frame per failed handler role.
func (c *Conn) reportInitError(err error) {
	var initErr *handlers.InitError
	if !errors.As(err, &initErr) {
		_ = c.sendError(err.Error(), nil)
		return
	}
	if _, seen := c.warned.LoadOrStore(initErr.Role, struct{}{}); seen {
		return
	}
	_ = c.sendError(initErr.Error(), nil)
}

// Deliver implements pipeline.Sink.
func (c *Conn) Deliver(seg *pipeline.Segment) error {
	if c.hold(heldMedia{seg: seg}) {
		return nil
	}
	return c.writeMedia(seg)
}

// Fail implements pipeline.Sink: the failure takes the segment's slot.
func (c *Conn) Fail(seg *pipeline.Segment) error {
	if c.hold(heldMedia{seg: seg}) {
		return nil
	}
	return c.writeFailure(seg)
}

func (c *Conn) writeFailure(seg *pipeline.Segment) error {
	msg := "segment failed"
	if seg.Err != nil {
		msg = seg.Err.Error()
	}
	seq := seg.Sequence
	return c.sendError(msg, &seq)
}

// hold queues the item if a non-streaming turn is collecting its media.
func (c *Conn) hold(item heldMedia) bool {
	c.gateMu.Lock()
	defer c.gateMu.Unlock()
	if !c.holding {
		return false
	}
	c.held = append(c.held, item)
	return true
}

func (c *Conn) startHolding() {
	c.gateMu.Lock()
	c.holding = true
	c.held = nil
	c.gateMu.Unlock()
}

// releaseHeld stops holding and, if flush is set, writes the held output in order.
func (c *Conn) releaseHeld(flush bool) error {
	c.gateMu.Lock()
	held := c.held
	c.held = nil
	c.holding = false
	c.gateMu.Unlock()

	if !flush {
		return nil
	}
	for _, item := range held {
		var err error
		if item.seg.State == pipeline.StateFailed {
			err = c.writeFailure(item.seg)
		} else {
			err = c.writeMedia(item.seg)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// closeWith sends a close frame and tears down the socket. Only the first call
// has an effect.
func (c *Conn) closeWith(code int, text string) {
	for {
		st := c.state.Load()
		if st >= int32(StateClosing) {
			return
		}
		if c.state.CompareAndSwap(st, int32(StateClosing)) {
			break
		}
	}

	c.writeMu.Lock()
	deadline := time.Now().Add(c.server.writeTimeout)
	if err := c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline); err != nil {
		c.logger.Debug().Err(err).Int("code", code).Msg("Close frame not sent")
	}
	c.writeMu.Unlock()

	_ = c.ws.Close()
	c.state.Store(int32(StateClosed))
	c.logger.Info().Int("code", code).Str("reason", text).Msg("Connection closed")
}

// abort drops the socket without a close handshake.
func (c *Conn) abort() {
	if c.state.Swap(int32(StateClosed)) == int32(StateClosed) {
		return
	}
	_ = c.ws.Close()
}

// onSessionClose runs as a session close hook. It must not call the manager.
func (c *Conn) onSessionClose(reason string) {
	if c.pipeline != nil {
		c.pipeline.Close()
	}
	if reason == session.ReasonIdle {
		_ = c.writeJSON(OutSessionTimeout, SessionTimeoutFrame{
			Type:           OutSessionTimeout,
			TimeoutSeconds: int(c.server.cfg.Sessions.IdleTimeout / time.Second),
		})
	}
	c.closeWith(closeCodeFor(reason), reason)
}

// heartbeatLoop probes liveness. A tick with no inbound frame since the
// previous tick counts as a miss; enough consecutive misses remove the session.
// It runs outside the session's tracked goroutines since it may remove the session.
func (c *Conn) heartbeatLoop() {
	defer c.server.wg.Done()

	interval := c.server.cfg.Heartbeat.Interval
	maxMissed := c.server.cfg.Heartbeat.MaxMissed
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastTick := time.Now()
	for {
		select {
		case <-c.session.Done():
			return
		case now := <-ticker.C:
			if time.Unix(0, c.lastInbound.Load()).Before(lastTick) {
				misses := c.server.manager.HeartbeatMissed(c.Identity)
				c.logger.Debug().Int("misses", misses).Msg("Heartbeat missed")
				if misses >= maxMissed {
					c.logger.Warn().Int("misses", misses).Msg("Heartbeat timeout")
					c.server.manager.RemoveSession(c.session, session.ReasonHeartbeat)
					return
				}
			} else {
				c.server.manager.HeartbeatOK(c.Identity)
			}
			lastTick = now

			if err := c.writeJSON(OutHeartbeat, HeartbeatFrame{Type: OutHeartbeat}); err != nil {
				c.logger.Debug().Err(err).Msg("Heartbeat write failed")
				c.abort()
				return
			}
		}
	}
}

// readLoop handles inbound frames until the socket fails. Leaving it removes the
// session.
func (c *Conn) readLoop() {
	defer c.server.wg.Done()
	defer func() {
		c.server.manager.RemoveSession(c.session, session.ReasonDisconnect)
		c.closeWith(websocket.CloseNormalClosure, session.ReasonDisconnect)
		c.server.registry.Remove(c.ID)
		c.logger.Info().Msg("Client disconnected")
	}()

	c.ws.SetReadLimit(c.server.cfg.Server.MaxMessageBytes)
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Error().Err(err).Msg("WebSocket error")
			}
			return
		}
		c.lastInbound.Store(time.Now().UnixNano())

		switch messageType {
		case websocket.BinaryMessage:
			observability.RecordFrameReceived("binary")
			c.handleAudio(data)
		case websocket.TextMessage:
			c.handleControl(data)
		}
	}
}

func (c *Conn) handleControl(data []byte) {
	if !c.limiter.Allow() {
		_ = c.sendError("rate limit exceeded", nil)
		return
	}

	frame, err := ParseInbound(data)
	if err != nil {
		observability.RecordFrameReceived("invalid")
		_ = c.sendError(err.Error(), nil)
		return
	}
	observability.RecordFrameReceived(frame.Type)

	switch frame.Type {
	case InPong:
	case InConfig:
		c.session.Touch()
		c.applyConfig(frame)
	case InText:
		c.session.Touch()
		settings := c.session.Settings()
		req := turnRequest{
			kind:      turnText,
			text:      frame.Text,
			streaming: boolOr(frame.Streaming, settings.Streaming),
			useSearch: boolOr(frame.UseSearch, settings.UseSearch),
		}
		c.startTurn(req)
	case InAudioEnd:
		c.session.Touch()
		c.finalizeUtterance()
	}
}

func (c *Conn) applyConfig(frame InboundFrame) {
	if frame.Template != nil && *frame.Template != "" && !c.server.templates.Has(*frame.Template) {
		_ = c.sendError("unknown template: "+*frame.Template, nil)
		return
	}
	settings := c.session.UpdateSettings(func(s *session.Settings) {
		if frame.Model != nil {
			s.Model = *frame.Model
		}
		if frame.Voice != nil {
			s.Voice = *frame.Voice
		}
		if frame.Template != nil {
			s.Template = *frame.Template
		}
		if frame.Streaming != nil {
			s.Streaming = *frame.Streaming
		}
		if frame.UseSearch != nil {
			s.UseSearch = *frame.UseSearch
		}
	})
	c.logger.Debug().Interface("settings", settings).Msg("Session settings updated")
}

func (c *Conn) handleAudio(data []byte) {
	c.session.Touch()
	if err := c.session.AppendAudio(data); err != nil {
		c.resetDetection()
		if errors.Is(err, session.ErrAudioOverflow) {
			_ = c.sendError("audio buffer overflow, utterance discarded", nil)
			return
		}
		_ = c.sendError(err.Error(), nil)
		return
	}

	if !c.session.Handlers.Has(handlers.RoleDetector) || c.session.Processing() {
		return
	}
	if c.detector == nil {
		detector, err := c.session.Handlers.Detector(c.session.Context())
		if err != nil {
			c.reportInitError(err)
			return
		}
		c.detector = detector
	}
	// Audio that arrived during a turn is fed along with this chunk.
	chunk := c.session.AudioFrom(c.detected)
	c.detected += len(chunk)
	det, err := c.detector.Detect(c.session.Context(), chunk)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Speech detection failed")
		return
	}
	if det.EndOfUtterance {
		c.logger.Debug().Dur("trailing_silence", det.TrailingSilence).Msg("End of utterance detected")
		c.finalizeUtterance()
	}
}

func (c *Conn) finalizeUtterance() {
	if !c.session.BeginProcessing() {
		_ = c.sendError(ErrBusy.Error(), nil)
		return
	}
	audio := c.session.TakeAudio()
	c.resetDetection()
	if len(audio) == 0 {
		c.session.EndProcessing()
		_ = c.sendError(ErrEmptyUtterance.Error(), nil)
		return
	}

	settings := c.session.Settings()
	c.launch(turnRequest{
		kind:      turnAudio,
		audio:     audio,
		streaming: settings.Streaming,
		useSearch: settings.UseSearch,
	})
}

// resetDetection starts detection over for a fresh utterance.
func (c *Conn) resetDetection() {
	c.detected = 0
	if c.detector != nil {
		c.detector.Reset()
	}
}

func (c *Conn) startTurn(req turnRequest) {
	if !c.session.BeginProcessing() {
		_ = c.sendError(ErrBusy.Error(), nil)
		return
	}
	c.launch(req)
}

func boolOr(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}
