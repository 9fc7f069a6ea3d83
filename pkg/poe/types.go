// Package poe defines the wire types of the Poe bot query protocol:
// messages, requests, responses, attachments, tool definitions, and the
// error taxonomy shared by the server and client packages.
package poe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

// ProtocolVersion is embedded in request bodies and settings-sync URLs.
const ProtocolVersion = "1.2"

// MessageLengthLimit is the maximum length of a single message's content.
const MessageLengthLimit = 10_000

// MaxEventCount caps the number of SSE events a client accepts per response.
const MaxEventCount = 1000

// Identifier is an opaque protocol identifier (user, conversation, message).
type Identifier = string

// ContentType describes the rendering format of message text.
type ContentType string

const (
	ContentTypeMarkdown ContentType = "text/markdown"
	ContentTypePlain    ContentType = "text/plain"
)

// Role is the author role of a protocol message.
type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
	RoleBot    Role = "bot"
	// RoleTool marks tool-result messages in the function-calling loop.
	RoleTool Role = "tool"
)

// FeedbackType is the kind of feedback a user gave on a message.
type FeedbackType string

const (
	FeedbackLike    FeedbackType = "like"
	FeedbackDislike FeedbackType = "dislike"
)

// MessageFeedback is feedback attached to a protocol message.
type MessageFeedback struct {
	Type   FeedbackType `json:"type"`
	Reason string       `json:"reason,omitempty"`
}

// Attachment is a named, typed blob referenced by URL. InlineRef links an
// out-of-band file event to an inline reference in subsequent text.
// Attachments are never mutated in place; updates produce copies.
type Attachment struct {
	URL           string `json:"url"`
	ContentType   string `json:"content_type"`
	Name          string `json:"name"`
	InlineRef     string `json:"inline_ref,omitempty"`
	ParsedContent string `json:"parsed_content,omitempty"`
}

// ProtocolMessage is a single message in a conversation. Consecutive
// same-role messages are legal on input; MakeRoleAlternated coalesces them.
// Unknown JSON fields are accepted for forward compatibility.
type ProtocolMessage struct {
	Role        Role              `json:"role"`
	SenderID    Identifier        `json:"sender_id,omitempty"`
	Content     string            `json:"content"`
	ContentType ContentType       `json:"content_type,omitempty"`
	Timestamp   int64             `json:"timestamp,omitempty"`
	MessageID   Identifier        `json:"message_id,omitempty"`
	Feedback    []MessageFeedback `json:"feedback,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
}

// WithContent returns a copy of m with the content replaced.
func (m ProtocolMessage) WithContent(content string) ProtocolMessage {
	m.Content = content
	return m
}

// ---------------------------------------------------------------------------
// Requests
// ---------------------------------------------------------------------------

// RequestType discriminates the POST body of a bot endpoint.
type RequestType string

const (
	RequestTypeQuery          RequestType = "query"
	RequestTypeSettings       RequestType = "settings"
	RequestTypeReportFeedback RequestType = "report_feedback"
	RequestTypeReportReaction RequestType = "report_reaction"
	RequestTypeReportError    RequestType = "report_error"
)

// BaseRequest carries the fields common to every request body.
type BaseRequest struct {
	Version string      `json:"version"`
	Type    RequestType `json:"type"`
}

// QueryRequest is the body of a query request. It is immutable after
// construction: pre-processing returns a new value.
type QueryRequest struct {
	BaseRequest

	Query          []ProtocolMessage `json:"query"`
	UserID         Identifier        `json:"user_id"`
	ConversationID Identifier        `json:"conversation_id"`
	MessageID      Identifier        `json:"message_id"`
	BotQueryID     Identifier        `json:"bot_query_id,omitempty"`
	Metadata       Identifier        `json:"metadata,omitempty"`

	// AccessKey is filled in by the server dispatcher, never by the peer.
	AccessKey string `json:"access_key,omitempty"`
	// APIKey mirrors AccessKey for backward compatibility. Deprecated.
	APIKey string `json:"api_key,omitempty"`

	Temperature      *float64           `json:"temperature,omitempty"`
	SkipSystemPrompt bool               `json:"skip_system_prompt,omitempty"`
	LogitBias        map[string]float64 `json:"logit_bias,omitempty"`
	StopSequences    []string           `json:"stop_sequences,omitempty"`
	LanguageCode     string             `json:"language_code,omitempty"`
}

// WithQuery returns a copy of r with the message list replaced.
func (r QueryRequest) WithQuery(query []ProtocolMessage) QueryRequest {
	r.Query = query
	return r
}

// SettingsRequest currently carries no fields beyond the base request.
type SettingsRequest struct {
	BaseRequest
}

// ReportFeedbackRequest reports user feedback on a message.
type ReportFeedbackRequest struct {
	BaseRequest

	MessageID      Identifier   `json:"message_id"`
	UserID         Identifier   `json:"user_id"`
	ConversationID Identifier   `json:"conversation_id"`
	FeedbackType   FeedbackType `json:"feedback_type"`
}

// ReportReactionRequest reports a user reaction on a message.
type ReportReactionRequest struct {
	BaseRequest

	MessageID      Identifier `json:"message_id"`
	UserID         Identifier `json:"user_id"`
	ConversationID Identifier `json:"conversation_id"`
	Reaction       string     `json:"reaction"`
}

// ReportErrorRequest reports a protocol error observed by the peer.
type ReportErrorRequest struct {
	BaseRequest

	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ---------------------------------------------------------------------------
// Settings
// ---------------------------------------------------------------------------

// SettingsResponse is a bot's self-description, returned for a settings
// request and pushed to the registry at server boot. Unknown JSON fields are
// rejected: these objects are written by user code and a typo should fail
// loudly instead of being silently dropped.
type SettingsResponse struct {
	// Deprecated, retained for wire compatibility.
	ContextClearWindowSecs *int `json:"context_clear_window_secs,omitempty"`
	// Deprecated, retained for wire compatibility.
	AllowUserContextClear bool `json:"allow_user_context_clear"`

	// ServerBotDependencies maps dependency bot name to call quota.
	ServerBotDependencies map[string]int `json:"server_bot_dependencies,omitempty"`

	AllowAttachments             bool   `json:"allow_attachments"`
	IntroductionMessage          string `json:"introduction_message"`
	ExpandTextAttachments        bool   `json:"expand_text_attachments"`
	EnableImageComprehension     bool   `json:"enable_image_comprehension"`
	EnforceAuthorRoleAlternation bool   `json:"enforce_author_role_alternation"`
	EnableMultiBotChatPrompting  bool   `json:"enable_multi_bot_chat_prompting"`

	// ParameterControls is an opaque UI control tree rendered by the platform.
	ParameterControls json.RawMessage `json:"parameter_controls,omitempty"`

	ResponseVersion int `json:"response_version"`
}

// DefaultSettings returns a SettingsResponse with protocol defaults applied.
func DefaultSettings() SettingsResponse {
	return SettingsResponse{
		AllowUserContextClear: true,
		ExpandTextAttachments: true,
		ResponseVersion:       2,
	}
}

// UnmarshalJSON applies defaults and rejects unknown fields.
func (s *SettingsResponse) UnmarshalJSON(data []byte) error {
	type plain SettingsResponse
	out := plain(DefaultSettings())
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return err
	}
	*s = SettingsResponse(out)
	return nil
}

// ---------------------------------------------------------------------------
// Cost items
// ---------------------------------------------------------------------------

// CostItem is an amount in USD milli-cents charged against a bot query via
// the two-phase authorize/capture protocol.
type CostItem struct {
	AmountUSDMilliCents int    `json:"amount_usd_milli_cents"`
	Description         string `json:"description,omitempty"`
}

// UnmarshalJSON accepts integer amounts directly and ceiling-rounds float
// amounts to whole milli-cents. Non-numeric amounts are rejected.
func (c *CostItem) UnmarshalJSON(data []byte) error {
	var raw struct {
		Amount      json.Number `json:"amount_usd_milli_cents"`
		Description string      `json:"description"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("cost item: %w", err)
	}
	if raw.Amount == "" {
		return fmt.Errorf("cost item: amount_usd_milli_cents is required")
	}
	if n, err := raw.Amount.Int64(); err == nil {
		c.AmountUSDMilliCents = int(n)
	} else {
		f, err := raw.Amount.Float64()
		if err != nil {
			return fmt.Errorf("cost item: invalid amount %q", raw.Amount)
		}
		c.AmountUSDMilliCents = int(math.Ceil(f))
	}
	c.Description = raw.Description
	return nil
}

// AttachmentUploadResponse is the uploader's result: the URL the platform
// assigned to the file and, for inline uploads, the locally generated ref.
type AttachmentUploadResponse struct {
	InlineRef     string `json:"inline_ref,omitempty"`
	AttachmentURL string `json:"attachment_url,omitempty"`
}
