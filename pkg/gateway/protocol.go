package gateway

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/xeipuuv/gojsonschema"
)

// Inbound control frame types.
const (
	InText     = "text"
	InAudioEnd = "audio_end"
	InConfig   = "config"
	InPong     = "pong"
)

// Outbound control frame types.
const (
	OutHeartbeat      = "heartbeat"
	OutSessionReady   = "session_ready"
	OutTranscript     = "transcript"
	OutTextChunk      = "text_chunk"
	OutVideoChunkMeta = "video_chunk_meta"
	OutSearchProgress = "search_progress"
	OutStreamComplete = "stream_complete"
	OutReply          = "reply"
	OutSessionTimeout = "session_timeout"
	OutError          = "error"
)

// Policy close codes.
const (
	CloseSessionTimeout    = 4000
	CloseAlreadyActive     = 4001
	CloseInvalidCredential = 4003
	CloseHeartbeatTimeout  = 4008
	CloseTryAgainLater     = websocket.CloseTryAgainLater
)

// InboundFrame is any client control frame. Optional booleans are pointers so
// an absent field falls back to the session settings.
type InboundFrame struct {
	Type      string  `json:"type"`
	Text      string  `json:"text,omitempty"`
	Streaming *bool   `json:"streaming,omitempty"`
	UseSearch *bool   `json:"use_search,omitempty"`
	Model     *string `json:"model,omitempty"`
	Voice     *string `json:"voice,omitempty"`
	Template  *string `json:"template,omitempty"`
}

type HeartbeatFrame struct {
	Type string `json:"type"`
}

type SessionReadyFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

type TranscriptFrame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type TextChunkFrame struct {
	Type  string `json:"type"`
	Chunk string `json:"chunk"`
}

// VideoChunkMetaFrame always immediately precedes the binary frame it describes.
type VideoChunkMetaFrame struct {
	Type        string `json:"type"`
	Size        int    `json:"size"`
	Sequence    int    `json:"sequence"`
	ContentType string `json:"content_type,omitempty"`
}

type SearchProgressFrame struct {
	Type    string `json:"type"`
	Step    int    `json:"step"`
	Total   int    `json:"total"`
	Message string `json:"message"`
}

type StreamCompleteFrame struct {
	Type     string `json:"type"`
	FullText string `json:"full_text"`
}

// ReplyFrame carries a complete non-streaming reply. Its media pairs follow it.
type ReplyFrame struct {
	Type     string `json:"type"`
	FullText string `json:"full_text"`
	Segments int    `json:"segments"`
}

type SessionTimeoutFrame struct {
	Type           string `json:"type"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// ErrorFrame reports a failure. Sequence is set when the error takes a segment's slot.
type ErrorFrame struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	Sequence *int   `json:"sequence,omitempty"`
}

const inboundSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"enum": ["text", "audio_end", "config", "pong"]},
    "text": {"type": "string", "maxLength": 8000},
    "streaming": {"type": "boolean"},
    "use_search": {"type": "boolean"},
    "model": {"type": "string", "maxLength": 128},
    "voice": {"type": "string", "maxLength": 64},
    "template": {"type": "string", "maxLength": 128}
  },
  "allOf": [
    {
      "if": {"properties": {"type": {"const": "text"}}},
      "then": {"required": ["text"], "properties": {"text": {"minLength": 1}}}
    }
  ]
}`

var inboundValidator = mustCompileSchema(inboundSchema)

func mustCompileSchema(schema string) *gojsonschema.Schema {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
	if err != nil {
		panic(fmt.Sprintf("gateway: invalid inbound schema: %v", err))
	}
	return compiled
}

func marshalFrame(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// ParseInbound validates data against the inbound schema and decodes it.
func ParseInbound(data []byte) (InboundFrame, error) {
	var frame InboundFrame

	result, err := inboundValidator.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return frame, fmt.Errorf("malformed frame: %w", err)
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		return frame, fmt.Errorf("invalid frame: %s", strings.Join(problems, "; "))
	}

	if err := json.Unmarshal(data, &frame); err != nil {
		return frame, fmt.Errorf("malformed frame: %w", err)
	}
	return frame, nil
}
