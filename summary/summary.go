// Package summary produces a bullet summary and a detailed summary of a
// transcript with an OpenAI chat model.
package summary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	openai "github.com/sashabaranov/go-openai"
)

const (
	DefaultModel = "gpt-4o-mini"

	minTextLength = 10
)

var (
	ErrTextTooShort = errors.New("text too short to generate summary")
	ErrMissingKey   = errors.New("no API key available for summaries")
)

// Summaries holds the two independent summaries of one transcript.
type Summaries struct {
	Bullets  string
	Detailed string
}

// Config tunes the completion requests.
type Config struct {
	Model            string
	BaseURL          string // empty for the public OpenAI endpoint
	BulletMaxTokens  int
	DetailedMaxToken int
	Temperature      float32
}

func DefaultConfig() Config {
	return Config{
		Model:            DefaultModel,
		BulletMaxTokens:  200,
		DetailedMaxToken: 300,
		Temperature:      0.5,
	}
}

type Summarizer struct {
	cfg Config
}

func New(cfg Config) *Summarizer {
	defaults := DefaultConfig()
	if cfg.Model == "" {
		cfg.Model = defaults.Model
	}
	if cfg.BulletMaxTokens <= 0 {
		cfg.BulletMaxTokens = defaults.BulletMaxTokens
	}
	if cfg.DetailedMaxToken <= 0 {
		cfg.DetailedMaxToken = defaults.DetailedMaxToken
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = defaults.Temperature
	}
	return &Summarizer{cfg: cfg}
}

func (s *Summarizer) client(apiKey string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if s.cfg.BaseURL != "" {
		cfg.BaseURL = s.cfg.BaseURL
	}
	return openai.NewClientWithConfig(cfg)
}

// Summarize cleans transcript and asks the model for both summaries, in the
// language the transcript is written in.
func (s *Summarizer) Summarize(ctx context.Context, transcript, apiKey string) (Summaries, error) {
	if strings.TrimSpace(apiKey) == "" {
		return Summaries{}, ErrMissingKey
	}

	text := Clean(transcript)
	if utf8.RuneCountInString(strings.TrimSpace(text)) < minTextLength {
		return Summaries{}, ErrTextTooShort
	}

	lang := DetectLanguage(text)
	client := s.client(apiKey)

	bullets, err := s.complete(ctx, client, bulletSystemPrompt, bulletPrompt(text, lang), s.cfg.BulletMaxTokens)
	if err != nil {
		return Summaries{}, fmt.Errorf("bullet summary failed: %w", err)
	}
	slog.Info("Generated bullet summary", "language", lang)

	detailed, err := s.complete(ctx, client, detailedSystemPrompt, detailedPrompt(text, lang), s.cfg.DetailedMaxToken)
	if err != nil {
		return Summaries{}, fmt.Errorf("detailed summary failed: %w", err)
	}
	slog.Info("Generated detailed summary", "language", lang)

	return Summaries{Bullets: bullets, Detailed: detailed}, nil
}

func (s *Summarizer) complete(ctx context.Context, client *openai.Client, system, prompt string, maxTokens int) (string, error) {
	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens:   maxTokens,
		Temperature: s.cfg.Temperature,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("model returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
