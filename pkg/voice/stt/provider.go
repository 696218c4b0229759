// Package stt is the speech-to-text provider boundary. The platform streams
// microphone audio into a provider session and consumes partial and final
// transcript fragments; everything past this interface belongs to the
// provider.
package stt

import "context"

// Provider opens streaming transcription sessions.
type Provider interface {
	// Name returns the provider identifier used in logs and metrics.
	Name() string

	// Stream opens a live transcription session. Audio is sent
	// incrementally and deltas arrive on the session's channel until it
	// is closed from either side.
	Stream(ctx context.Context, cfg StreamConfig) (Session, error)
}

// StreamConfig configures one transcription session.
type StreamConfig struct {
	Model      string  // provider-specific model id
	Language   string  // ISO language code, default "en"
	Encoding   string  // raw audio encoding, default pcm_s16le
	SampleRate int     // Hz, default 16000
	MinVolume  float64 // noise gate threshold, 0 disables
}

// Delta is one transcription update. Partial deltas (IsFinal false) may be
// superseded by later deltas for the same utterance; final deltas are
// stable and feed the evaluation cycle.
type Delta struct {
	Text       string
	IsFinal    bool
	Confidence float64 // 0..1, 0 when the provider reports none
}

// Session is a live transcription stream. Close is idempotent and safe to
// call concurrently with SendAudio.
type Session interface {
	// SendAudio forwards a raw audio frame to the provider.
	SendAudio(frame []byte) error

	// Finalize flushes buffered audio so pending speech is emitted as a
	// final delta. The session stays open.
	Finalize() error

	// Deltas is closed when the session ends.
	Deltas() <-chan Delta

	// Done is closed when the provider side has terminated.
	Done() <-chan struct{}

	Close() error
}
