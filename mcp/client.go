package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Provider AI提供商类型
type Provider string

const (
	ProviderDeepSeek Provider = "deepseek"
	ProviderCustom   Provider = "custom"
)

// Client OpenAI兼容的chat-completions客户端
type Client struct {
	Provider   Provider
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	UseFullURL bool // 是否使用完整URL（不添加/chat/completions）

	Temperature float64
	MaxTokens   int

	initOnce   sync.Once
	httpClient *http.Client
}

// NewDeepSeek creates a client for the DeepSeek API
func NewDeepSeek(apiKey string) *Client {
	return &Client{
		Provider: ProviderDeepSeek,
		APIKey:   apiKey,
		BaseURL:  "https://api.deepseek.com/v1",
		Model:    "deepseek-chat",
		Timeout:  60 * time.Second,
	}
}

// NewCustom creates a client for any OpenAI-format API. A trailing '#'
// on the URL means the URL is complete and /chat/completions must not
// be appended.
func NewCustom(apiURL, apiKey, modelName string) *Client {
	c := &Client{
		Provider: ProviderCustom,
		APIKey:   apiKey,
		Model:    modelName,
		Timeout:  60 * time.Second,
	}
	if strings.HasSuffix(apiURL, "#") {
		c.BaseURL = strings.TrimSuffix(apiURL, "#")
		c.UseFullURL = true
	} else {
		c.BaseURL = apiURL
	}
	return c
}

// CallWithMessages 使用 system + user prompt 调用AI API。单次请求，
// 重试策略由调用方掌握（后台管理器有自己的尝试预算）。
func (cfg *Client) CallWithMessages(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if cfg.APIKey == "" {
		return "", fmt.Errorf("AI API key is not set")
	}

	messages := []map[string]string{}
	if systemPrompt != "" {
		messages = append(messages, map[string]string{
			"role":    "system",
			"content": systemPrompt,
		})
	}
	messages = append(messages, map[string]string{
		"role":    "user",
		"content": userPrompt,
	})

	temperature := cfg.Temperature
	if temperature == 0 {
		temperature = 0.7
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 3000
	}

	requestBody := map[string]interface{}{
		"model":       cfg.Model,
		"messages":    messages,
		"temperature": temperature,
		"max_tokens":  maxTokens,
	}

	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return "", fmt.Errorf("failed to serialize request: %w", err)
	}

	var url string
	if cfg.UseFullURL {
		url = cfg.BaseURL
	} else {
		url = fmt.Sprintf("%s/chat/completions", cfg.BaseURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", cfg.APIKey))

	// 使用连接池和KeepAlive以提高稳定性
	cfg.initOnce.Do(func() {
		transport := &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     90 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 60 * time.Second
		}
		cfg.httpClient = &http.Client{
			Timeout:   timeout,
			Transport: transport,
		}
	})

	resp, err := cfg.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("API returned error (status %d): %s", resp.StatusCode, string(body))
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}

	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}

	if len(result.Choices) == 0 {
		return "", fmt.Errorf("API returned empty response")
	}

	return result.Choices[0].Message.Content, nil
}

// IsRetryableError 判断错误是否可重试（网络错误、超时、EOF等）
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	retryableErrors := []string{
		"EOF",
		"timeout",
		"connection reset",
		"connection refused",
		"forcibly closed",
		"temporary failure",
		"no such host",
		"broken pipe",
		"network is unreachable",
		"status 429",
		"status 5",
	}
	for _, retryable := range retryableErrors {
		if strings.Contains(errStr, retryable) {
			return true
		}
	}
	return false
}
