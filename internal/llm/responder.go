// Package llm answers chat queries through an OpenAI-compatible chat
// completion API (OpenAI, Ollama, ...).
package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/chatwidget-go/internal/config"
	"github.com/comigor/chatwidget-go/internal/logger"
)

const defaultSystemPrompt = "You are a helpful AI assistant embedded in a website chat widget. Please respond to the user's request accurately and concisely."

// Attachment is an image forwarded to the model.
type Attachment struct {
	ContentType string
	Data        []byte
}

// Client is the chat completion call the responder makes; openai.Client
// satisfies it and tests substitute a mock.
type Client interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Responder answers one chat query.
type Responder struct {
	client       Client
	model        string
	systemPrompt string
}

// New creates a responder talking to cfg.BaseURL with cfg.APIKey.
func New(cfg config.LLMConfig) *Responder {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return NewResponder(openai.NewClientWithConfig(clientCfg), cfg)
}

// NewResponder creates a responder for the configured model on client.
func NewResponder(client Client, cfg config.LLMConfig) *Responder {
	prompt := cfg.SystemPrompt
	if prompt == "" {
		prompt = defaultSystemPrompt
	}
	return &Responder{client: client, model: cfg.Model, systemPrompt: prompt}
}

// Answer sends query and images to the model and returns the trimmed reply.
func (r *Responder) Answer(ctx context.Context, query string, images []Attachment) (string, error) {
	user := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser}
	if len(images) == 0 {
		user.Content = query
	} else {
		user.MultiContent = []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: query}}
		for _, img := range images {
			user.MultiContent = append(user.MultiContent, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    "data:" + img.ContentType + ";base64," + base64.StdEncoding.EncodeToString(img.Data),
					Detail: openai.ImageURLDetailAuto,
				},
			})
		}
	}

	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: r.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: r.systemPrompt},
			user,
		},
	})
	if err != nil {
		logger.L.Error("LLM call failed", "model", r.model, "error", err)
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("LLM returned no choices")
	}
	logger.L.Debug("LLM response received", "model", r.model, "usage", resp.Usage.TotalTokens)
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
