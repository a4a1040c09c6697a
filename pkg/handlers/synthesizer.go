package handlers

import (
	"context"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/harun/avatarcore/internal/config"
	"github.com/openai/openai-go"
)

// openAISpeechRate is the fixed output rate of the speech endpoint's pcm format.
const openAISpeechRate = 24000

// OpenAISynthesizer renders segment text with the audio speech endpoint as raw PCM.
type OpenAISynthesizer struct {
	client   openai.Client
	model    string
	voice    string
	maxBytes int64
}

func (s *OpenAISynthesizer) Init(_ context.Context, cfg config.HandlerConfig) error {
	s.client = openai.NewClient(openAIOptions(cfg)...)
	s.model = cfg.Model
	if s.model == "" {
		s.model = "tts-1"
	}
	s.voice = cfg.Voice
	if s.voice == "" {
		s.voice = "alloy"
	}
	s.maxBytes = int64(intOption(cfg.Options, "max_response_bytes", defaultMaxResponseBytes))
	if s.maxBytes <= 0 {
		return fmt.Errorf("openai synthesizer: max_response_bytes must be positive")
	}
	return nil
}

func (s *OpenAISynthesizer) Synthesize(ctx context.Context, text, voice string) (Audio, error) {
	if voice == "" {
		voice = s.voice
	}
	resp, err := s.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Model:          openai.SpeechModel(s.model),
		Input:          text,
		Voice:          openai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatPCM,
	})
	if err != nil {
		return Audio{}, fmt.Errorf("synthesize: %w", err)
	}
	defer resp.Body.Close()

	data, err := readLimited(resp.Body, s.maxBytes)
	if err != nil {
		return Audio{}, fmt.Errorf("synthesize: read body: %w", err)
	}
	return Audio{Data: data, Format: "pcm", SampleRate: openAISpeechRate}, nil
}

func (s *OpenAISynthesizer) Close() error { return nil }

// SilenceSynthesizer emits silent PCM16 sized to the text, roughly the time it
// would take to speak it. Used when no speech backend is available.
//
// Options: "ms_per_rune" (default 120), "sample_rate" (default 16000).
type SilenceSynthesizer struct {
	perRune    time.Duration
	sampleRate int
}

func (s *SilenceSynthesizer) Init(_ context.Context, cfg config.HandlerConfig) error {
	s.perRune = time.Duration(intOption(cfg.Options, "ms_per_rune", 120)) * time.Millisecond
	s.sampleRate = intOption(cfg.Options, "sample_rate", defaultSampleRate)
	if s.perRune <= 0 || s.sampleRate <= 0 {
		return fmt.Errorf("silence synthesizer: invalid options")
	}
	return nil
}

func (s *SilenceSynthesizer) Synthesize(ctx context.Context, text, _ string) (Audio, error) {
	if err := ctx.Err(); err != nil {
		return Audio{}, err
	}
	duration := time.Duration(utf8.RuneCountInString(text)) * s.perRune
	samples := int(duration.Seconds() * float64(s.sampleRate))
	return Audio{Data: make([]byte, samples*2), Format: "pcm", SampleRate: s.sampleRate}, nil
}

func (s *SilenceSynthesizer) Close() error { return nil }

func intOption(opts map[string]string, key string, def int) int {
	v, ok := opts[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
