package handlers

import (
	"context"
	"fmt"
	"strconv"

	"github.com/harun/avatarcore/internal/config"
)

// EchoReply answers with the last user message, split into small fragments.
// It needs no model and is used for local runs and load tests.
//
// Options: "prefix" is prepended to the reply, "chunk_runes" sets the fragment size.
type EchoReply struct {
	prefix     string
	chunkRunes int
}

func (e *EchoReply) Init(_ context.Context, cfg config.HandlerConfig) error {
	e.prefix = cfg.Options["prefix"]
	e.chunkRunes = 4
	if v, ok := cfg.Options["chunk_runes"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("echo reply: invalid chunk_runes %q", v)
		}
		e.chunkRunes = n
	}
	return nil
}

func (e *EchoReply) Generate(_ context.Context, req ReplyRequest) (FragmentStream, error) {
	var last string
	for i := len(req.History) - 1; i >= 0; i-- {
		if req.History[i].Role == "user" {
			last = req.History[i].Text
			break
		}
	}
	if last == "" {
		return nil, fmt.Errorf("echo reply: no user message")
	}

	runes := []rune(e.prefix + last)
	var fragments []string
	for start := 0; start < len(runes); start += e.chunkRunes {
		end := start + e.chunkRunes
		if end > len(runes) {
			end = len(runes)
		}
		fragments = append(fragments, string(runes[start:end]))
	}
	return NewSliceStream(fragments...), nil
}

func (e *EchoReply) Close() error { return nil }
