// Package client talks to other Poe bots through the bot query API. It posts
// a query to a bot endpoint, decodes the SSE response stream into typed
// responses, retries transient failures, and reports protocol violations
// back to the misbehaving bot.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/poe-platform/gopoe/pkg/poe"
	"github.com/poe-platform/gopoe/pkg/poe/sse"
)

const (
	defaultBaseURL       = "https://api.poe.com/bot/"
	defaultUploadBaseURL = "https://www.quora.com/poe_api"
	defaultNumTries      = 2
	defaultRetrySleep    = 500 * time.Millisecond
	streamTimeout        = 600 * time.Second
)

// ErrorHandler is notified of failures the client handles internally:
// retried attempts and protocol errors reported to the peer.
type ErrorHandler func(err error, msg string)

// Options configures a Client. The zero value is usable for local testing;
// talking to the real platform needs an APIKey.
type Options struct {
	// BaseURL is the bot API base. Defaults to "https://api.poe.com/bot/".
	BaseURL string

	// UploadBaseURL is the attachment service base. Defaults to
	// "https://www.quora.com/poe_api".
	UploadBaseURL string

	// APIKey authenticates requests (poe.com/api_key). Compute points are
	// charged to the owning account.
	APIKey string

	// HTTPClient overrides the default client (600 s total timeout).
	HTTPClient *http.Client

	// Logger receives retry and report diagnostics. Defaults to discard.
	Logger *slog.Logger

	// OnError is called for handled failures. Defaults to logging them.
	OnError ErrorHandler

	// NumTries is the attempt count per request. Default 2.
	NumTries int

	// RetrySleep is the fixed delay between attempts. Default 500 ms.
	RetrySleep time.Duration

	// ExtraHeaders are added to every request.
	ExtraHeaders map[string]string
}

// Client invokes Poe bots. It is safe for concurrent use.
type Client struct {
	baseURL       string
	uploadBaseURL string
	apiKey        string
	http          *http.Client
	logger        *slog.Logger
	onError       ErrorHandler
	numTries      int
	retrySleep    time.Duration
	extraHeaders  map[string]string
}

// New returns a Client.
func New(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.UploadBaseURL == "" {
		opts.UploadBaseURL = defaultUploadBaseURL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: streamTimeout}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.NumTries <= 0 {
		opts.NumTries = defaultNumTries
	}
	if opts.RetrySleep <= 0 {
		opts.RetrySleep = defaultRetrySleep
	}
	c := &Client{
		baseURL:       strings.TrimRight(opts.BaseURL, "/") + "/",
		uploadBaseURL: strings.TrimRight(opts.UploadBaseURL, "/"),
		apiKey:        opts.APIKey,
		http:          opts.HTTPClient,
		logger:        opts.Logger,
		onError:       opts.OnError,
		numTries:      opts.NumTries,
		retrySleep:    opts.RetrySleep,
		extraHeaders:  opts.ExtraHeaders,
	}
	if c.onError == nil {
		c.onError = func(err error, msg string) {
			c.logger.Error("bot error", "msg", msg, "error", err)
		}
	}
	return c
}

func (c *Client) endpoint(botName string) string { return c.baseURL + botName }

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range c.extraHeaders {
		req.Header.Set(k, v)
	}
}

// queryPayload is the POST body of a query: the request itself, plus the
// function-calling extras on second-pass requests.
type queryPayload struct {
	poe.QueryRequest

	Tools       []poe.ToolDefinition       `json:"tools,omitempty"`
	ToolCalls   []poe.ToolCallDefinition   `json:"tool_calls,omitempty"`
	ToolResults []poe.ToolResultDefinition `json:"tool_results,omitempty"`
}

// StreamRequest invokes botName with req and streams back its responses.
// Close the returned Stream when done.
func (c *Client) StreamRequest(ctx context.Context, botName string, req poe.QueryRequest) *Stream {
	return newStream(ctx, func(ctx context.Context, emit func(poe.Response) bool) error {
		return c.streamBase(ctx, botName, queryPayload{QueryRequest: req}, emit)
	})
}

// streamBase runs the retry loop around performQuery. A BotErrorNoRetry
// propagates immediately. Once any response has been emitted, only transport
// failures that truncated the stream mid-event are retried.
func (c *Client) streamBase(ctx context.Context, botName string, payload queryPayload, emit func(poe.Response) bool) error {
	payload.Version = poe.ProtocolVersion
	payload.Type = poe.RequestTypeQuery

	yielded := false
	countingEmit := func(r poe.Response) bool {
		yielded = true
		return emit(r)
	}

	for i := 0; ; i++ {
		err := c.performQuery(ctx, botName, payload, countingEmit)
		if err == nil {
			return nil
		}
		var noRetry *poe.BotErrorNoRetry
		if errors.As(err, &noRetry) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		c.onError(err, fmt.Sprintf("Bot request to %s failed on try %d", botName, i))

		truncated := errors.Is(err, io.ErrUnexpectedEOF)
		if (yielded && !truncated) || i == c.numTries-1 {
			var botErr *poe.BotError
			if errors.As(err, &botErr) {
				return err
			}
			return &poe.BotError{Message: fmt.Sprintf("Error communicating with bot %s", botName), Cause: err}
		}
		select {
		case <-time.After(c.retrySleep):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// performQuery runs one attempt: POST the payload and decode the SSE stream,
// emitting typed responses as they arrive.
func (c *Client) performQuery(ctx context.Context, botName string, payload queryPayload, emit func(poe.Response) bool) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal query: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(botName), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build query request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("query %s: %w", botName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("bot %s returned status %d: %s", botName, resp.StatusCode, b)
	}

	messageID := payload.MessageID
	r := sse.NewReader(resp.Body)
	eventCount := 0
	sawText := false
	errorReported := false

	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			c.reportError(ctx, botName, "Bot exited without sending 'done' event",
				map[string]any{"message_id": messageID})
			return nil
		}
		if err != nil {
			// Includes io.ErrUnexpectedEOF for streams cut off mid-event,
			// which the retry loop treats as transient.
			return err
		}
		eventCount++

		switch ev.Type {
		case poe.EventDone:
			// Don't send a report if we already told the bot about some
			// other mistake.
			if !sawText && !errorReported && len(payload.Tools) == 0 {
				c.reportError(ctx, botName, "Bot returned no text in response",
					map[string]any{"message_id": messageID})
			}
			return nil

		case poe.EventText, poe.EventReplaceResponse, poe.EventSuggestedReply:
			text, index, err := c.textField(ctx, botName, ev, messageID)
			if err != nil {
				return err
			}
			msg := poe.PartialResponse{
				Text:        text,
				RawResponse: map[string]any{"type": ev.Type, "text": ev.Data},
				Index:       index,
			}
			switch ev.Type {
			case poe.EventSuggestedReply:
				msg.IsSuggestedReply = true
			case poe.EventReplaceResponse:
				msg.IsReplaceResponse = true
				sawText = true
			default:
				sawText = true
			}
			if !emit(msg) {
				return ctx.Err()
			}

		case poe.EventFile:
			att, err := c.fileAttachment(ctx, botName, ev, messageID)
			if err != nil {
				return err
			}
			if !emit(poe.PartialResponse{Attachment: att}) {
				return ctx.Err()
			}

		case poe.EventJSON:
			var data map[string]any
			if err := json.Unmarshal([]byte(ev.Data), &data); err != nil {
				return fmt.Errorf("invalid JSON in %q event: %w", ev.Type, err)
			}
			msg := poe.PartialResponse{Data: data}
			if f, ok := data["index"].(float64); ok {
				i := int(f)
				msg.Index = &i
			}
			if !emit(msg) {
				return ctx.Err()
			}

		case poe.EventData:
			dict, err := c.loadJSONDict(ctx, botName, ev.Type, ev.Data, messageID)
			if err != nil {
				return err
			}
			metadata, ok := dict["metadata"].(string)
			if !ok {
				c.reportError(ctx, botName, "Expected string in 'metadata' field for 'data' event",
					map[string]any{"data": dict, "message_id": messageID})
				errorReported = true
				continue
			}
			var data map[string]any
			if err := json.Unmarshal([]byte(metadata), &data); err != nil {
				return fmt.Errorf("invalid metadata in %q event: %w", ev.Type, err)
			}
			if !emit(poe.PartialResponse{Data: data}) {
				return ctx.Err()
			}

		case poe.EventMeta:
			// Only honored as the first event of the stream.
			if eventCount != 1 {
				continue
			}
			meta, err := c.metaResponse(ctx, botName, ev, messageID)
			if errors.Is(err, errReported) {
				errorReported = true
				continue
			}
			if err != nil {
				return err
			}
			if !emit(*meta) {
				return ctx.Err()
			}

		case poe.EventError:
			dict, err := c.loadJSONDict(ctx, botName, ev.Type, ev.Data, messageID)
			if err != nil {
				return err
			}
			if allow, ok := dict["allow_retry"].(bool); ok && !allow {
				return &poe.BotErrorNoRetry{BotError: poe.BotError{Message: ev.Data}}
			}
			return &poe.BotError{Message: ev.Data}

		case poe.EventPing:
			// Keep-alive, not part of the protocol proper.

		default:
			// Truncate the type and data in case they're huge.
			c.reportError(ctx, botName,
				fmt.Sprintf("Unknown event type: %s", safeEllipsis(ev.Type, 100)),
				map[string]any{
					"event_data": safeEllipsis(ev.Data, 500),
					"message_id": messageID,
				})
			errorReported = true
		}
	}
}

// errReported marks parse failures already reported to the peer; the stream
// continues past them instead of failing.
var errReported = errors.New("protocol error reported")

// textField decodes a {text, index?} frame, reporting and rejecting
// non-string text.
func (c *Client) textField(ctx context.Context, botName string, ev sse.Event, messageID poe.Identifier) (string, *int, error) {
	dict, err := c.loadJSONDict(ctx, botName, ev.Type, ev.Data, messageID)
	if err != nil {
		return "", nil, err
	}
	text, ok := dict["text"].(string)
	if !ok {
		c.reportError(ctx, botName,
			fmt.Sprintf("Expected string in 'text' field for '%s' event", ev.Type),
			map[string]any{"data": dict, "message_id": messageID})
		return "", nil, &poe.BotErrorNoRetry{BotError: poe.BotError{
			Message: fmt.Sprintf("Expected string in '%s' event", ev.Type),
		}}
	}
	var index *int
	if f, ok := dict["index"].(float64); ok {
		i := int(f)
		index = &i
	}
	return text, index, nil
}

func (c *Client) fileAttachment(ctx context.Context, botName string, ev sse.Event, messageID poe.Identifier) (*poe.Attachment, error) {
	dict, err := c.loadJSONDict(ctx, botName, ev.Type, ev.Data, messageID)
	if err != nil {
		return nil, err
	}
	att := &poe.Attachment{}
	for field, dst := range map[string]*string{
		"url":          &att.URL,
		"content_type": &att.ContentType,
		"name":         &att.Name,
		"inline_ref":   &att.InlineRef,
	} {
		v, present := dict[field]
		if !present {
			continue
		}
		s, ok := v.(string)
		if !ok {
			c.reportError(ctx, botName,
				fmt.Sprintf("Expected string in '%s' field for 'file' event", field),
				map[string]any{"data": dict, "message_id": messageID})
			return nil, &poe.BotErrorNoRetry{BotError: poe.BotError{
				Message: "Expected string in 'file' event",
			}}
		}
		*dst = s
	}
	return att, nil
}

// metaResponse decodes a meta frame. Malformed fields are reported and the
// sentinel errReported is returned so the caller skips the event.
func (c *Client) metaResponse(ctx context.Context, botName string, ev sse.Event, messageID poe.Identifier) (*poe.MetaResponse, error) {
	dict, err := c.loadJSONDict(ctx, botName, ev.Type, ev.Data, messageID)
	if err != nil {
		return nil, err
	}
	linkify := false
	if v, present := dict["linkify"]; present {
		b, ok := v.(bool)
		if !ok {
			c.reportError(ctx, botName, "Invalid linkify value in 'meta' event",
				map[string]any{"message_id": messageID, "linkify": v})
			return nil, errReported
		}
		linkify = b
	}
	suggested := false
	if v, present := dict["suggested_replies"]; present {
		b, ok := v.(bool)
		if !ok {
			c.reportError(ctx, botName, "Invalid suggested_replies value in 'meta' event",
				map[string]any{"message_id": messageID, "suggested_replies": v})
			return nil, errReported
		}
		suggested = b
	}
	contentType := string(poe.ContentTypeMarkdown)
	if v, present := dict["content_type"]; present {
		s, ok := v.(string)
		if !ok {
			c.reportError(ctx, botName, "Invalid content_type value in 'meta' event",
				map[string]any{"message_id": messageID, "content_type": v})
			return nil, errReported
		}
		contentType = s
	}
	refetch, _ := dict["refetch_settings"].(bool)
	return &poe.MetaResponse{
		ContentType:      poe.ContentType(contentType),
		RefetchSettings:  refetch,
		Linkify:          linkify,
		SuggestedReplies: suggested,
		RawResponse:      dict,
	}, nil
}

// loadJSONDict parses an event payload that must be a JSON object. Invalid
// JSON is not worth retrying; a non-object payload is.
func (c *Client) loadJSONDict(ctx context.Context, botName, eventType, data string, messageID poe.Identifier) (map[string]any, error) {
	var parsed any
	if err := json.Unmarshal([]byte(data), &parsed); err != nil {
		c.reportError(ctx, botName, fmt.Sprintf("Invalid JSON in '%s' event", eventType),
			map[string]any{"data": data, "message_id": messageID})
		return nil, &poe.BotErrorNoRetry{BotError: poe.BotError{
			Message: fmt.Sprintf("Invalid JSON in '%s' event", eventType),
		}}
	}
	dict, ok := parsed.(map[string]any)
	if !ok {
		c.reportError(ctx, botName, fmt.Sprintf("Expected JSON dict in '%s' event", eventType),
			map[string]any{"data": data, "message_id": messageID})
		return nil, &poe.BotError{Message: fmt.Sprintf("Expected JSON dict in '%s' event", eventType)}
	}
	return dict, nil
}

// reportError posts a report_error request to the bot, out of band with the
// response stream. Failures to deliver the report are only logged.
func (c *Client) reportError(ctx context.Context, botName, message string, metadata map[string]any) {
	c.onError(&poe.BotError{Message: message},
		fmt.Sprintf("Protocol bot error: %s with metadata %v for bot %s", message, metadata, botName))

	if metadata == nil {
		metadata = map[string]any{}
	}
	err := c.post(ctx, botName, map[string]any{
		"version":  poe.ProtocolVersion,
		"type":     poe.RequestTypeReportError,
		"message":  message,
		"metadata": metadata,
	}, nil)
	if err != nil {
		c.logger.Warn("failed to deliver error report", "bot", botName, "error", err)
	}
}

// ReportFeedback reports message feedback to the bot.
func (c *Client) ReportFeedback(ctx context.Context, botName string, messageID, userID, conversationID poe.Identifier, feedbackType poe.FeedbackType) error {
	return c.post(ctx, botName, map[string]any{
		"version":         poe.ProtocolVersion,
		"type":            poe.RequestTypeReportFeedback,
		"message_id":      messageID,
		"user_id":         userID,
		"conversation_id": conversationID,
		"feedback_type":   feedbackType,
	}, nil)
}

// ReportReaction reports a message reaction to the bot.
func (c *Client) ReportReaction(ctx context.Context, botName string, messageID, userID, conversationID poe.Identifier, reaction string) error {
	return c.post(ctx, botName, map[string]any{
		"version":         poe.ProtocolVersion,
		"type":            poe.RequestTypeReportReaction,
		"message_id":      messageID,
		"user_id":         userID,
		"conversation_id": conversationID,
		"reaction":        reaction,
	}, nil)
}

// FetchSettings asks a bot endpoint for its settings.
func (c *Client) FetchSettings(ctx context.Context, botName string) (poe.SettingsResponse, error) {
	var settings poe.SettingsResponse
	err := c.post(ctx, botName, map[string]any{
		"version": poe.ProtocolVersion,
		"type":    poe.RequestTypeSettings,
	}, &settings)
	if err != nil {
		var invalid *poe.InvalidBotSettingsError
		if errors.As(err, &invalid) {
			return settings, err
		}
		return settings, fmt.Errorf("fetch settings for %s: %w", botName, err)
	}
	return settings, nil
}

// post sends a JSON request to the bot endpoint. When out is non-nil the
// response body is decoded into it.
func (c *Client) post(ctx context.Context, botName string, payload any, out *poe.SettingsResponse) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(botName), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("bot %s returned status %d: %s", botName, resp.StatusCode, b)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &poe.InvalidBotSettingsError{Message: fmt.Sprintf("from bot %s", botName), Cause: err}
		}
	}
	return nil
}

// GetFinalResponse waits for the full response text of a query: partials are
// concatenated, replacements restart the buffer, and suggested replies and
// metadata are dropped.
func (c *Client) GetFinalResponse(ctx context.Context, botName string, req poe.QueryRequest) (string, error) {
	stream := c.StreamRequest(ctx, botName, req)
	defer stream.Close()

	var sb strings.Builder
	for stream.Next() {
		msg, ok := stream.Current().(poe.PartialResponse)
		if !ok || msg.IsSuggestedReply {
			continue
		}
		if msg.IsReplaceResponse {
			sb.Reset()
		}
		sb.WriteString(msg.Text)
	}
	if err := stream.Err(); err != nil {
		return "", err
	}
	if sb.Len() == 0 {
		return "", &poe.BotError{Message: fmt.Sprintf("Bot %s sent no response", botName)}
	}
	return sb.String(), nil
}

// BotResponseParams are the optional knobs of GetBotResponse.
type BotResponseParams struct {
	Temperature      *float64
	SkipSystemPrompt bool
	LogitBias        map[string]float64
	StopSequences    []string

	// Tools enables function calling; Executables makes the client run
	// the selected tools and feed their results back for a final answer.
	Tools       []poe.ToolDefinition
	Executables []ToolExecutable
}

// GetBotResponse invokes a bot with a plain conversation, building the query
// request for you. This is the entry point for scripts and shells.
func (c *Client) GetBotResponse(ctx context.Context, botName string, messages []poe.ProtocolMessage, params BotResponseParams) *Stream {
	req := poe.QueryRequest{
		BaseRequest:      poe.BaseRequest{Version: poe.ProtocolVersion, Type: poe.RequestTypeQuery},
		Query:            messages,
		MessageID:        uuid.NewString(),
		Temperature:      params.Temperature,
		SkipSystemPrompt: params.SkipSystemPrompt,
		LogitBias:        params.LogitBias,
		StopSequences:    params.StopSequences,
	}
	if params.Tools != nil {
		return c.StreamRequestWithTools(ctx, botName, req, params.Tools, params.Executables)
	}
	return c.StreamRequest(ctx, botName, req)
}

// safeEllipsis truncates s to limit characters for inclusion in an error
// report.
func safeEllipsis(s string, limit int) string {
	if len(s) > limit {
		return s[:limit-3] + "..."
	}
	return s
}
