package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/maruntime/maruntime/pkg/httpclient"
	"github.com/maruntime/maruntime/pkg/observability"
	"github.com/maruntime/maruntime/pkg/protocol"
)

// Config configures one OpenAI-compatible provider endpoint.
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	Timeout    time.Duration
	MaxRetries int
}

type OpenAIProvider struct {
	config     Config
	httpClient *httpclient.Client
}

func NewOpenAIProvider(cfg Config) *OpenAIProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &OpenAIProvider{
		config: cfg,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIRateLimitHeaders),
		),
	}
}

func (p *OpenAIProvider) ModelName() string {
	return p.config.Model
}

type openAIRequest struct {
	Model             string                 `json:"model"`
	Messages          []protocol.ChatMessage `json:"messages"`
	Stream            bool                   `json:"stream,omitempty"`
	Temperature       *float64               `json:"temperature,omitempty"`
	MaxTokens         int                    `json:"max_tokens,omitempty"`
	Tools             []openAITool           `json:"tools,omitempty"`
	ToolChoice        *protocol.ToolChoice   `json:"tool_choice,omitempty"`
	ParallelToolCalls *bool                  `json:"parallel_tool_calls,omitempty"`
	ResponseFormat    *openAIResponseFormat  `json:"response_format,omitempty"`
	StreamOptions     *streamOptions         `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAITool struct {
	Type     string                  `json:"type"`
	Function protocol.ToolDefinition `json:"function"`
}

type openAIResponseFormat struct {
	Type       string           `json:"type"`
	JSONSchema *openAIJSONSpec  `json:"json_schema,omitempty"`
}

type openAIJSONSpec struct {
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema"`
	Strict bool           `json:"strict,omitempty"`
}

type openAIResponse struct {
	Choices []openAIChoice `json:"choices"`
	Usage   *openAIUsage   `json:"usage,omitempty"`
	Error   *openAIError   `json:"error,omitempty"`
}

type openAIChoice struct {
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openAIMessage struct {
	Content   string                  `json:"content"`
	ToolCalls []protocol.WireToolCall `json:"tool_calls,omitempty"`
}

type openAIStreamResponse struct {
	Choices []openAIStreamChoice `json:"choices"`
	Usage   *openAIUsage         `json:"usage,omitempty"`
	Error   *openAIError         `json:"error,omitempty"`
}

type openAIStreamChoice struct {
	Delta        openAIDelta `json:"delta"`
	FinishReason string      `json:"finish_reason"`
}

type openAIDelta struct {
	Content   string                `json:"content"`
	ToolCalls []openAIToolCallDelta `json:"tool_calls,omitempty"`
}

type openAIToolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type openAIUsage struct {
	TotalTokens int `json:"total_tokens"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func (p *OpenAIProvider) buildRequest(req *Request, stream bool) openAIRequest {
	out := openAIRequest{
		Model:       p.config.Model,
		Messages:    req.Messages,
		Stream:      stream,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		ToolChoice:  req.ToolChoice,
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openAITool{Type: "function", Function: t})
	}
	if len(out.Tools) > 0 && req.ParallelToolCalls {
		v := true
		out.ParallelToolCalls = &v
	}
	if req.ResponseFormat != nil {
		out.ResponseFormat = &openAIResponseFormat{
			Type: "json_schema",
			JSONSchema: &openAIJSONSpec{
				Name:   req.ResponseFormat.Name,
				Schema: req.ResponseFormat.Schema,
				Strict: req.ResponseFormat.Strict,
			},
		}
	}
	if stream {
		out.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return out
}

func (p *OpenAIProvider) newHTTPRequest(ctx context.Context, body openAIRequest) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", p.config.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	if p.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}
	return req, nil
}

func parseErrorResponse(body []byte) *openAIError {
	var wrapper struct {
		Error *openAIError `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return nil
	}
	return wrapper.Error
}

func checkResponse(resp *http.Response, err error) error {
	if resp != nil && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		if apiErr := parseErrorResponse(body); apiErr != nil {
			return fmt.Errorf("API request failed with status %d: %s (type: %s, code: %s)",
				resp.StatusCode, apiErr.Message, apiErr.Type, apiErr.Code)
		}
		return fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	if resp == nil {
		return fmt.Errorf("HTTP request failed: no response received")
	}
	return nil
}

// Generate performs a non-streaming chat completion.
func (p *OpenAIProvider) Generate(ctx context.Context, req *Request) (*Completion, error) {
	tracer := observability.GetTracer("maruntime.llms")
	ctx, span := tracer.Start(ctx, "llm.generate")
	span.SetAttributes(attribute.String("llm.model", p.config.Model))
	defer span.End()

	start := time.Now()
	completion, err := p.generate(ctx, req)
	tokens := 0
	if completion != nil {
		tokens = completion.TotalTokens
	}
	observability.GetGlobalMetrics().RecordLLMCall(ctx, p.config.Model, time.Since(start), tokens, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return completion, err
}

func (p *OpenAIProvider) generate(ctx context.Context, req *Request) (*Completion, error) {
	httpReq, err := p.newHTTPRequest(ctx, p.buildRequest(req, false))
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(httpReq)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err := checkResponse(resp, err); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var decoded openAIResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if decoded.Error != nil {
		return nil, fmt.Errorf("API error: %s", decoded.Error.Message)
	}
	if len(decoded.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	choice := decoded.Choices[0]
	completion := &Completion{Text: choice.Message.Content}
	if decoded.Usage != nil {
		completion.TotalTokens = decoded.Usage.TotalTokens
	}
	for _, wc := range choice.Message.ToolCalls {
		tc, err := protocol.DecodeWireToolCall(wc)
		if err != nil {
			return nil, fmt.Errorf("malformed tool call in response: %w", err)
		}
		completion.ToolCalls = append(completion.ToolCalls, tc)
	}
	return completion, nil
}

// GenerateStreaming performs a streaming chat completion, calling onDelta for
// each text fragment. Tool call fragments are accumulated by index and
// decoded once the stream ends.
func (p *OpenAIProvider) GenerateStreaming(ctx context.Context, req *Request, onDelta func(text string)) (*Completion, error) {
	tracer := observability.GetTracer("maruntime.llms")
	ctx, span := tracer.Start(ctx, "llm.generate_streaming")
	span.SetAttributes(attribute.String("llm.model", p.config.Model))
	defer span.End()

	start := time.Now()
	completion, err := p.generateStreaming(ctx, req, onDelta)
	tokens := 0
	if completion != nil {
		tokens = completion.TotalTokens
	}
	observability.GetGlobalMetrics().RecordLLMCall(ctx, p.config.Model, time.Since(start), tokens, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return completion, err
}

func (p *OpenAIProvider) generateStreaming(ctx context.Context, req *Request, onDelta func(text string)) (*Completion, error) {
	httpReq, err := p.newHTTPRequest(ctx, p.buildRequest(req, true))
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(httpReq)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err := checkResponse(resp, err); err != nil {
		return nil, err
	}

	reader := bufio.NewReader(resp.Body)
	completion := &Completion{}
	var text bytes.Buffer
	toolCallParts := make(map[int]*protocol.WireToolCall)

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("failed to read stream: %w", err)
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 || !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		line = line[6:]

		if bytes.Equal(line, []byte("[DONE]")) {
			break
		}

		var chunk openAIStreamResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			return nil, fmt.Errorf("API error: %s", chunk.Error.Message)
		}
		if chunk.Usage != nil {
			completion.TotalTokens = chunk.Usage.TotalTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			text.WriteString(delta.Content)
			if onDelta != nil {
				onDelta(delta.Content)
			}
		}
		for _, part := range delta.ToolCalls {
			acc, ok := toolCallParts[part.Index]
			if !ok {
				acc = &protocol.WireToolCall{Type: "function"}
				toolCallParts[part.Index] = acc
			}
			if part.ID != "" {
				acc.ID = part.ID
			}
			if part.Function.Name != "" {
				acc.Function.Name = part.Function.Name
			}
			acc.Function.Arguments += part.Function.Arguments
		}
	}

	completion.Text = text.String()

	// Emission order is the provider's index order.
	indexes := make([]int, 0, len(toolCallParts))
	for i := range toolCallParts {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	for _, i := range indexes {
		tc, err := protocol.DecodeWireToolCall(*toolCallParts[i])
		if err != nil {
			return nil, fmt.Errorf("malformed tool call in stream: %w", err)
		}
		completion.ToolCalls = append(completion.ToolCalls, tc)
	}
	return completion, nil
}
