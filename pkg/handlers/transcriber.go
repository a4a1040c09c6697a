package handlers

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/harun/avatarcore/internal/config"
	"github.com/openai/openai-go"
)

const defaultSampleRate = 16000

// OpenAITranscriber sends an utterance to the audio transcription endpoint.
// Raw PCM16 input is wrapped in a WAV header first.
type OpenAITranscriber struct {
	client     openai.Client
	model      string
	language   string
	sampleRate int
}

func (t *OpenAITranscriber) Init(_ context.Context, cfg config.HandlerConfig) error {
	t.client = openai.NewClient(openAIOptions(cfg)...)
	t.model = cfg.Model
	if t.model == "" {
		t.model = "whisper-1"
	}
	t.language = cfg.Options["language"]
	t.sampleRate = intOption(cfg.Options, "sample_rate", defaultSampleRate)
	return nil
}

func (t *OpenAITranscriber) Transcribe(ctx context.Context, audio []byte) (string, error) {
	if len(audio) == 0 {
		return "", fmt.Errorf("transcribe: empty audio")
	}

	data := audio
	if !bytes.HasPrefix(audio, []byte("RIFF")) {
		data = wavFromPCM16(audio, t.sampleRate)
	}

	params := openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(data), "utterance.wav", "audio/wav"),
		Model: openai.AudioModel(t.model),
	}
	if t.language != "" {
		params.Language = openai.String(t.language)
	}

	result, err := t.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	return strings.TrimSpace(result.Text), nil
}

func (t *OpenAITranscriber) Close() error { return nil }

// StaticTranscriber returns a fixed transcript from Options["text"]. It lets the
// audio path run without a speech model.
type StaticTranscriber struct {
	text string
}

func (t *StaticTranscriber) Init(_ context.Context, cfg config.HandlerConfig) error {
	t.text = cfg.Options["text"]
	return nil
}

func (t *StaticTranscriber) Transcribe(_ context.Context, audio []byte) (string, error) {
	if len(audio) == 0 {
		return "", fmt.Errorf("transcribe: empty audio")
	}
	return t.text, nil
}

func (t *StaticTranscriber) Close() error { return nil }

// wavFromPCM16 prepends a 44-byte RIFF header for mono 16-bit PCM.
func wavFromPCM16(pcm []byte, sampleRate int) []byte {
	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVEfmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))           // fmt chunk size
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))            // PCM
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))            // mono
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))   // sample rate
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*2)) // byte rate
	_ = binary.Write(&buf, binary.LittleEndian, uint16(2))            // block align
	_ = binary.Write(&buf, binary.LittleEndian, uint16(16))           // bits per sample
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}
