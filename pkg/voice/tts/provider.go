// Package tts is the text-to-speech provider boundary: text in, encoded
// audio out. The gateway treats synthesis as best-effort and falls back to
// text-only events when it fails.
package tts

import "context"

// Provider converts text to audio.
type Provider interface {
	// Name returns the provider identifier used in logs and metrics.
	Name() string

	// Synthesize converts one utterance to audio.
	Synthesize(ctx context.Context, text string, opts Options) (*Synthesis, error)
}

// Options configures synthesis.
type Options struct {
	Voice      string  // provider voice id
	Speed      float64 // multiplier, 0 means provider default
	Emotion    string  // optional emotion hint
	Language   string  // language code
	Format     string  // wav, mp3, or pcm
	SampleRate int     // Hz
}

// Synthesis is one synthesized utterance.
type Synthesis struct {
	Audio  []byte
	Format string
}
