package handlers

import (
	"google.golang.org/api/iterator"
)

// sseStream is the iteration surface shared by the OpenAI and Anthropic SDK streams.
type sseStream[T any] interface {
	Next() bool
	Current() T
	Err() error
	Close() error
}

// sdkFragments adapts an SDK event stream to FragmentStream, skipping events
// that carry no text.
type sdkFragments[T any] struct {
	stream  sseStream[T]
	extract func(T) string
	done    bool
}

func newSDKFragments[T any](stream sseStream[T], extract func(T) string) *sdkFragments[T] {
	return &sdkFragments[T]{stream: stream, extract: extract}
}

func (f *sdkFragments[T]) Next() (string, error) {
	if f.done {
		return "", iterator.Done
	}
	for f.stream.Next() {
		if text := f.extract(f.stream.Current()); text != "" {
			return text, nil
		}
	}
	f.done = true
	if err := f.stream.Err(); err != nil {
		return "", err
	}
	return "", iterator.Done
}

func (f *sdkFragments[T]) Close() error {
	f.done = true
	return f.stream.Close()
}

// sliceFragments replays a fixed list of fragments.
type sliceFragments struct {
	fragments []string
	pos       int
}

// NewSliceStream returns a FragmentStream over fixed fragments.
func NewSliceStream(fragments ...string) FragmentStream {
	return &sliceFragments{fragments: fragments}
}

func (s *sliceFragments) Next() (string, error) {
	if s.pos >= len(s.fragments) {
		return "", iterator.Done
	}
	f := s.fragments[s.pos]
	s.pos++
	return f, nil
}

func (s *sliceFragments) Close() error {
	s.pos = len(s.fragments)
	return nil
}
