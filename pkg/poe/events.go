package poe

import (
	"encoding/json"

	"github.com/poe-platform/gopoe/pkg/poe/sse"
)

// SSE event names used by the query response stream.
const (
	EventText            = "text"
	EventReplaceResponse = "replace_response"
	EventSuggestedReply  = "suggested_reply"
	EventFile            = "file"
	EventData            = "data"
	EventJSON            = "json"
	EventMeta            = "meta"
	EventError           = "error"
	EventDone            = "done"
	EventPing            = "ping"
)

func jsonEvent(name string, payload any) sse.Event {
	data, _ := json.Marshal(payload)
	return sse.Event{Type: name, Data: string(data)}
}

// TextEvent appends a chunk to the response text.
func TextEvent(text string) sse.Event {
	return jsonEvent(EventText, map[string]string{"text": text})
}

// ReplaceResponseEvent replaces all previously streamed text.
func ReplaceResponseEvent(text string) sse.Event {
	return jsonEvent(EventReplaceResponse, map[string]string{"text": text})
}

// SuggestedReplyEvent offers a sibling reply; it never enters the text buffer.
func SuggestedReplyEvent(text string) sse.Event {
	return jsonEvent(EventSuggestedReply, map[string]string{"text": text})
}

// IndexedEvent builds a text-bearing frame tagged with a sub-stream index.
// The index is carried through to the consumer unchanged.
func IndexedEvent(name, text string, index int) sse.Event {
	return jsonEvent(name, map[string]any{"text": text, "index": index})
}

// FileEvent announces an attachment. When the attachment carries an inline
// ref, the event must precede any text that references it.
func FileEvent(att Attachment) sse.Event {
	payload := map[string]string{
		"url":          att.URL,
		"content_type": att.ContentType,
		"name":         att.Name,
	}
	if att.InlineRef != "" {
		payload["inline_ref"] = att.InlineRef
	}
	return jsonEvent(EventFile, payload)
}

// DataEvent attaches opaque metadata to the response. The metadata is the
// JSON encoding of the PartialResponse data map.
func DataEvent(data map[string]any) sse.Event {
	encoded, _ := json.Marshal(data)
	return jsonEvent(EventData, map[string]string{"metadata": string(encoded)})
}

// MetaEvent declares rendering hints. Only honored as the first event.
func MetaEvent(meta MetaResponse) sse.Event {
	contentType := meta.ContentType
	if contentType == "" {
		contentType = ContentTypeMarkdown
	}
	return jsonEvent(EventMeta, map[string]any{
		"content_type":      contentType,
		"refetch_settings":  meta.RefetchSettings,
		"linkify":           meta.Linkify,
		"suggested_replies": meta.SuggestedReplies,
	})
}

// ErrorEvent terminates the stream with an error.
func ErrorEvent(text string, allowRetry bool, errorType ErrorType, raw any) sse.Event {
	payload := map[string]any{"allow_retry": allowRetry}
	if text != "" {
		payload["text"] = text
	}
	if errorType != "" {
		payload["error_type"] = string(errorType)
	}
	if raw != nil {
		payload["raw_response"] = raw
	}
	return jsonEvent(EventError, payload)
}

// DoneEvent terminates the stream. Exactly one is emitted per response and
// nothing may follow it.
func DoneEvent() sse.Event {
	return sse.Event{Type: EventDone, Data: "{}"}
}

// PingEvent is a keep-alive; clients ignore it.
func PingEvent() sse.Event {
	return sse.Event{Type: EventPing, Data: "{}"}
}
