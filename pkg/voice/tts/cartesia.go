package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/voxprep/voxprep/pkg/core"
)

const (
	cartesiaBaseURL = "https://api.cartesia.ai"
	cartesiaVersion = "2025-04-16"

	defaultModel  = "sonic-3"
	defaultFormat = "mp3"
)

// Cartesia implements Provider over Cartesia's bytes endpoint.
type Cartesia struct {
	apiKey     string
	baseURL    string
	voiceID    string
	httpClient *http.Client
}

// CartesiaOptions configures the Cartesia TTS provider.
type CartesiaOptions struct {
	// DefaultVoice is used when a request does not name a voice.
	DefaultVoice string
	// BaseURL overrides the API endpoint, for tests.
	BaseURL string
	// HTTPClient overrides the default client.
	HTTPClient *http.Client
}

// NewCartesia creates a Cartesia TTS provider.
func NewCartesia(apiKey string, opts CartesiaOptions) (*Cartesia, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if opts.DefaultVoice == "" {
		return nil, fmt.Errorf("default voice is required")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = cartesiaBaseURL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	return &Cartesia{
		apiKey:     apiKey,
		baseURL:    opts.BaseURL,
		voiceID:    opts.DefaultVoice,
		httpClient: opts.HTTPClient,
	}, nil
}

func (c *Cartesia) Name() string { return "cartesia" }

type synthesizeRequest struct {
	ModelID          string            `json:"model_id"`
	Transcript       string            `json:"transcript"`
	Voice            voiceSpec         `json:"voice"`
	OutputFormat     outputFormat      `json:"output_format"`
	Language         *string           `json:"language,omitempty"`
	GenerationConfig *generationConfig `json:"generation_config,omitempty"`
}

type voiceSpec struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type outputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sample_rate"`
	BitRate    int    `json:"bit_rate,omitempty"`
}

type generationConfig struct {
	Speed   float64 `json:"speed,omitempty"`
	Emotion string  `json:"emotion,omitempty"`
}

// Synthesize posts one utterance to the bytes endpoint and returns the
// encoded audio.
func (c *Cartesia) Synthesize(ctx context.Context, text string, opts Options) (*Synthesis, error) {
	voice := opts.Voice
	if voice == "" {
		voice = c.voiceID
	}
	format := opts.Format
	if format == "" {
		format = defaultFormat
	}

	req := synthesizeRequest{
		ModelID:      defaultModel,
		Transcript:   text,
		Voice:        voiceSpec{Mode: "id", ID: voice},
		OutputFormat: buildOutputFormat(format, opts.SampleRate),
	}
	if opts.Language != "" {
		req.Language = &opts.Language
	}
	if opts.Speed != 0 || opts.Emotion != "" {
		req.GenerationConfig = &generationConfig{Speed: opts.Speed, Emotion: opts.Emotion}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tts/bytes", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Cartesia-Version", cartesiaVersion)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, core.NewProviderError("cartesia-tts", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return &Synthesis{Audio: []byte{}, Format: format}, nil
	}
	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, core.NewProviderError("cartesia-tts", fmt.Errorf("status %d: %s", resp.StatusCode, errBody))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.NewProviderError("cartesia-tts", err)
	}
	return &Synthesis{Audio: audio, Format: format}, nil
}

func buildOutputFormat(format string, sampleRate int) outputFormat {
	if sampleRate == 0 {
		sampleRate = 44100
	}
	switch format {
	case "wav":
		return outputFormat{Container: "wav", Encoding: "pcm_s16le", SampleRate: sampleRate}
	case "pcm":
		return outputFormat{Container: "raw", Encoding: "pcm_s16le", SampleRate: sampleRate}
	default:
		return outputFormat{Container: "mp3", SampleRate: sampleRate, BitRate: 128000}
	}
}
