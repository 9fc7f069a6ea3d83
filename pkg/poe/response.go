package poe

import (
	"bytes"
	"encoding/json"
)

// Response is the union of everything a bot can produce for a single query:
// partial text, an error, or stream metadata. The server dispatcher and the
// client stream both pattern-match on the concrete type.
type Response interface {
	botResponse()
}

func (PartialResponse) botResponse() {}
func (ErrorResponse) botResponse()   {}
func (MetaResponse) botResponse()    {}

// PartialResponse is one streaming unit of a bot response. The flags select
// the variant: a plain text chunk, a full replacement of the accumulated
// text, a suggested reply, an attachment announcement, or opaque data.
// Unknown JSON fields are rejected: these objects are built by user code and
// a misspelled field should not be silently ignored.
type PartialResponse struct {
	// Text is the next chunk of response text. Chunks are concatenated by
	// the consumer; a final response "ABC" may arrive as "A", "B", "C".
	Text string `json:"text"`

	// Data carries arbitrary JSON, currently used for OpenAI-style
	// function-calling chunks relayed as json/data events.
	Data map[string]any `json:"data,omitempty"`

	// RawResponse preserves the raw wire event for debugging.
	RawResponse any `json:"raw_response,omitempty"`

	// FullPrompt preserves the request the response answers, for debugging.
	FullPrompt string `json:"full_prompt,omitempty"`

	// RequestID is an internal identifier for the request, when known.
	RequestID string `json:"request_id,omitempty"`

	IsSuggestedReply  bool `json:"is_suggested_reply,omitempty"`
	IsReplaceResponse bool `json:"is_replace_response,omitempty"`

	// Attachment is set on file events announcing an uploaded attachment.
	Attachment *Attachment `json:"attachment,omitempty"`

	// ToolCalls carries streamed tool-call deltas in function-calling mode.
	ToolCalls []ToolCallDefinitionDelta `json:"tool_calls,omitempty"`

	// Index identifies the sub-stream this chunk belongs to. It is carried
	// through unchanged and never interpreted.
	Index *int `json:"index,omitempty"`
}

// UnmarshalJSON rejects unknown fields.
func (p *PartialResponse) UnmarshalJSON(data []byte) error {
	type plain PartialResponse
	var out plain
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return err
	}
	*p = PartialResponse(out)
	return nil
}

// ErrorType is a machine-readable error category surfaced to the platform.
type ErrorType string

const (
	ErrorTypeUserMessageTooLong ErrorType = "user_message_too_long"
	ErrorTypeInsufficientFund   ErrorType = "insufficient_fund"
)

// ErrorResponse terminates a response stream with an error event.
type ErrorResponse struct {
	Text        string    `json:"text,omitempty"`
	RawResponse any       `json:"raw_response,omitempty"`
	AllowRetry  bool      `json:"allow_retry"`
	ErrorType   ErrorType `json:"error_type,omitempty"`
}

// MetaResponse declares rendering hints for the whole response. It is only
// honored when it is the first event of the stream.
type MetaResponse struct {
	ContentType     ContentType `json:"content_type"`
	RefetchSettings bool        `json:"refetch_settings"`
	// Linkify is deprecated but still propagated on the wire.
	Linkify          bool `json:"linkify"`
	SuggestedReplies bool `json:"suggested_replies"`

	RawResponse any `json:"raw_response,omitempty"`
}

// DefaultMeta returns a MetaResponse with protocol defaults applied.
func DefaultMeta() MetaResponse {
	return MetaResponse{
		ContentType:      ContentTypeMarkdown,
		Linkify:          true,
		SuggestedReplies: true,
	}
}
