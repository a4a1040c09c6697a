package handlers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/harun/avatarcore/internal/config"
)

// HTTPRenderer posts segment audio to a lip-sync render service and returns the
// encoded clip from the response body.
//
// Request: POST {endpoint} with the audio as body, headers X-Audio-Format,
// X-Audio-Sample-Rate, X-Segment-Text (URL-escaped) and X-Avatar (Options["avatar"]).
// Clips larger than Options["max_response_bytes"] (default 64 MiB) are refused.
type HTTPRenderer struct {
	endpoint   string
	apiKey     string
	avatar     string
	maxBytes   int64
	httpClient *http.Client
}

// defaultMaxResponseBytes caps media bodies read from backends.
const defaultMaxResponseBytes = 64 << 20

func (r *HTTPRenderer) Init(ctx context.Context, cfg config.HandlerConfig) error {
	if cfg.Endpoint == "" {
		return fmt.Errorf("http renderer: endpoint is required")
	}
	r.endpoint = cfg.Endpoint
	r.apiKey = cfg.APIKey
	r.avatar = cfg.Options["avatar"]
	r.maxBytes = int64(intOption(cfg.Options, "max_response_bytes", defaultMaxResponseBytes))
	if r.maxBytes <= 0 {
		return fmt.Errorf("http renderer: max_response_bytes must be positive")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	r.httpClient = &http.Client{Timeout: timeout}

	// The render service loads avatar assets on warmup; a failed probe fails the init.
	if warm := cfg.Options["warmup_path"]; warm != "" {
		u, err := url.JoinPath(r.endpoint, warm)
		if err != nil {
			return fmt.Errorf("http renderer: warmup url: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return fmt.Errorf("http renderer: warmup request: %w", err)
		}
		r.authorize(req)
		resp, err := r.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http renderer: warmup: %w", err)
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("http renderer: warmup status %d", resp.StatusCode)
		}
	}
	return nil
}

func (r *HTTPRenderer) Render(ctx context.Context, audio Audio, text string) (Video, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(audio.Data))
	if err != nil {
		return Video{}, fmt.Errorf("render: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Audio-Format", audio.Format)
	req.Header.Set("X-Audio-Sample-Rate", strconv.Itoa(audio.SampleRate))
	req.Header.Set("X-Segment-Text", url.QueryEscape(text))
	if r.avatar != "" {
		req.Header.Set("X-Avatar", r.avatar)
	}
	r.authorize(req)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return Video{}, fmt.Errorf("render: call service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Video{}, fmt.Errorf("render: service error (status %d): %s", resp.StatusCode, string(body))
	}

	data, err := readLimited(resp.Body, r.maxBytes)
	if err != nil {
		return Video{}, fmt.Errorf("render: read body: %w", err)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "video/mp4"
	}
	return Video{Data: data, ContentType: contentType}, nil
}

// readLimited reads all of body, failing with ErrResponseTooLarge once more
// than limit bytes arrive.
func readLimited(body io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrResponseTooLarge, limit)
	}
	return data, nil
}

func (r *HTTPRenderer) authorize(req *http.Request) {
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}
}

func (r *HTTPRenderer) Close() error {
	if r.httpClient != nil {
		r.httpClient.CloseIdleConnections()
	}
	return nil
}

// PassthroughRenderer forwards the synthesized audio unchanged as the segment's
// media. Clients without a video avatar play it directly.
type PassthroughRenderer struct{}

func (PassthroughRenderer) Init(context.Context, config.HandlerConfig) error { return nil }

func (PassthroughRenderer) Render(ctx context.Context, audio Audio, _ string) (Video, error) {
	if err := ctx.Err(); err != nil {
		return Video{}, err
	}
	return Video{Data: audio.Data, ContentType: "audio/" + audio.Format}, nil
}

func (PassthroughRenderer) Close() error { return nil }
