package handlers

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/harun/avatarcore/internal/config"
)

// EnergyDetector is an RMS-energy voice activity detector over 16-bit
// little-endian mono PCM. An utterance ends once speech has been heard and the
// trailing frames stay below the threshold for the configured silence. Each
// Detect call consumes only the new chunk; frames split across chunks are
// carried over.
//
// Options: "threshold" (RMS, 0..1, default 0.02), "silence_ms" (default 700),
// "frame_ms" (default 20), "sample_rate" (default 16000).
type EnergyDetector struct {
	threshold  float64
	silence    time.Duration
	frameBytes int
	frame      time.Duration

	partial      []byte
	hasSpeech    bool
	silentFrames int
}

func (d *EnergyDetector) Init(_ context.Context, cfg config.HandlerConfig) error {
	d.threshold = 0.02
	if v, ok := cfg.Options["threshold"]; ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 || f >= 1 {
			return fmt.Errorf("energy detector: invalid threshold %q", v)
		}
		d.threshold = f
	}
	d.silence = time.Duration(intOption(cfg.Options, "silence_ms", 700)) * time.Millisecond
	frameMs := intOption(cfg.Options, "frame_ms", 20)
	rate := intOption(cfg.Options, "sample_rate", defaultSampleRate)
	if d.silence <= 0 || frameMs <= 0 || rate <= 0 {
		return fmt.Errorf("energy detector: durations and sample rate must be positive")
	}
	d.frame = time.Duration(frameMs) * time.Millisecond
	d.frameBytes = rate * frameMs / 1000 * 2
	return nil
}

func (d *EnergyDetector) Detect(ctx context.Context, chunk []byte) (Detection, error) {
	if err := ctx.Err(); err != nil {
		return Detection{}, err
	}

	audio := chunk
	if len(d.partial) > 0 {
		audio = append(d.partial, chunk...)
	}
	start := 0
	for ; start+d.frameBytes <= len(audio); start += d.frameBytes {
		if RMSEnergy(audio[start:start+d.frameBytes]) >= d.threshold {
			d.hasSpeech = true
			d.silentFrames = 0
			continue
		}
		d.silentFrames++
	}
	d.partial = append(d.partial[:0], audio[start:]...)

	det := Detection{
		HasSpeech:       d.hasSpeech,
		TrailingSilence: time.Duration(d.silentFrames) * d.frame,
	}
	det.EndOfUtterance = det.HasSpeech && det.TrailingSilence >= d.silence
	return det, nil
}

// Reset forgets the current utterance.
func (d *EnergyDetector) Reset() {
	d.partial = d.partial[:0]
	d.hasSpeech = false
	d.silentFrames = 0
}

func (d *EnergyDetector) Close() error { return nil }

// RMSEnergy returns the root-mean-square level of 16-bit LE PCM, in 0..1.
func RMSEnergy(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		n := float64(sample) / 32768.0
		sum += n * n
	}
	return math.Sqrt(sum / float64(samples))
}
