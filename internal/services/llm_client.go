package services

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"recoverylm/internal/config"

	"github.com/fsnotify/fsnotify"
)

// ErrLLMUnavailable wraps transport-level failures talking to the provider.
var ErrLLMUnavailable = errors.New("llm provider unavailable")

// LLMMessage is one turn in a completion request.
type LLMMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// providerFile is the optional providers.json overlay: lets the user point
// the app at a different OpenAI-compatible endpoint without restarting.
type providerFile struct {
	BaseURL      string `json:"base_url"`
	APIKey       string `json:"api_key"`
	ChatModel    string `json:"chat_model"`
	ExtractModel string `json:"extract_model"`
}

// LLMClient talks to an OpenAI-compatible chat completions endpoint. The
// provider settings can be swapped at runtime by editing providers.json;
// a file watcher picks the change up.
type LLMClient struct {
	mu           sync.RWMutex
	baseURL      string
	apiKey       string
	chatModel    string
	extractModel string

	defaults      providerFile
	providersPath string
	httpClient    *http.Client
	watcher       *fsnotify.Watcher
}

// NewLLMClient builds the client from config and starts watching the
// provider file for changes.
func NewLLMClient(cfg *config.Config) *LLMClient {
	c := &LLMClient{
		defaults: providerFile{
			BaseURL:      cfg.LLMBaseURL,
			APIKey:       cfg.LLMAPIKey,
			ChatModel:    cfg.ChatModel,
			ExtractModel: cfg.ExtractModel,
		},
		providersPath: cfg.ProvidersPath(),
		httpClient:    &http.Client{Timeout: 5 * time.Minute},
	}
	c.reloadProviders()
	c.startWatcher()
	return c
}

// reloadProviders applies the providers.json overlay on top of the config
// defaults. A missing or malformed file means defaults only.
func (c *LLMClient) reloadProviders() {
	resolved := c.defaults

	if data, err := os.ReadFile(c.providersPath); err == nil {
		var overlay providerFile
		if err := json.Unmarshal(data, &overlay); err != nil {
			log.Printf("⚠️ [LLM] Ignoring malformed provider file: %v", err)
		} else {
			if overlay.BaseURL != "" {
				resolved.BaseURL = overlay.BaseURL
			}
			if overlay.APIKey != "" {
				resolved.APIKey = overlay.APIKey
			}
			if overlay.ChatModel != "" {
				resolved.ChatModel = overlay.ChatModel
			}
			if overlay.ExtractModel != "" {
				resolved.ExtractModel = overlay.ExtractModel
			}
		}
	}
	if resolved.ExtractModel == "" {
		resolved.ExtractModel = resolved.ChatModel
	}

	c.mu.Lock()
	c.baseURL = strings.TrimSuffix(resolved.BaseURL, "/")
	c.apiKey = resolved.APIKey
	c.chatModel = resolved.ChatModel
	c.extractModel = resolved.ExtractModel
	c.mu.Unlock()

	log.Printf("🤖 [LLM] Provider configured: %s (chat=%s extract=%s)", resolved.BaseURL, resolved.ChatModel, resolved.ExtractModel)
}

func (c *LLMClient) startWatcher() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("⚠️ [LLM] Provider file watching disabled: %v", err)
		return
	}
	// Watch the directory: editors replace files, which drops a watch set
	// directly on the file.
	if err := watcher.Add(filepath.Dir(c.providersPath)); err != nil {
		log.Printf("⚠️ [LLM] Provider file watching disabled: %v", err)
		watcher.Close()
		return
	}
	c.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != c.providersPath {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					log.Println("🔄 [LLM] Provider file changed, reloading")
					c.reloadProviders()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("⚠️ [LLM] Provider watcher error: %v", err)
			}
		}
	}()
}

// Close stops the provider file watcher.
func (c *LLMClient) Close() {
	if c.watcher != nil {
		c.watcher.Close()
	}
}

// ChatModel returns the currently configured conversational model.
func (c *LLMClient) ChatModel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.chatModel
}

// ExtractModel returns the currently configured extraction model.
func (c *LLMClient) ExtractModel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.extractModel
}

type chatCompletionRequest struct {
	Model          string          `json:"model"`
	Messages       []LLMMessage    `json:"messages"`
	Stream         bool            `json:"stream"`
	Temperature    float64         `json:"temperature,omitempty"`
	ResponseFormat json.RawMessage `json:"response_format,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func (c *LLMClient) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	c.mu.RLock()
	baseURL, apiKey := c.baseURL, c.apiKey
	c.mu.RUnlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	return req, nil
}

// Stream runs a streaming completion, invoking onDelta for every content
// fragment as it arrives. Returns the full accumulated assistant text.
func (c *LLMClient) Stream(ctx context.Context, model string, messages []LLMMessage, onDelta func(delta string) error) (string, error) {
	body, err := json.Marshal(chatCompletionRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return "", err
	}

	req, err := c.newRequest(ctx, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrLLMUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("%w: status %d: %s", ErrLLMUnavailable, resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	// Some providers send very large SSE frames
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk chatCompletionResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Tolerate keep-alive junk between frames
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return full.String(), err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return full.String(), fmt.Errorf("%w: stream read: %v", ErrLLMUnavailable, err)
	}

	return full.String(), nil
}

// Complete runs a non-streaming completion. With jsonMode set, the provider
// is asked for a JSON object response (extraction uses this).
func (c *LLMClient) Complete(ctx context.Context, model string, messages []LLMMessage, jsonMode bool) (string, error) {
	reqBody := chatCompletionRequest{
		Model:    model,
		Messages: messages,
	}
	if jsonMode {
		reqBody.ResponseFormat = json.RawMessage(`{"type":"json_object"}`)
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}

	req, err := c.newRequest(ctx, body)
	if err != nil {
		return "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrLLMUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("%w: status %d: %s", ErrLLMUnavailable, resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var parsed chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to decode completion response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", errors.New("completion response has no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}
