package bot

import (
	"fmt"
	"strings"

	"github.com/poe-platform/gopoe/pkg/poe"
)

// Attachment templates. The synthesized messages prime the model with the
// parsed content of each attachment on the final user message.
const (
	textAttachmentTemplate = "Your response must be in the language of the relevant queries related to the document.\n" +
		"Below is the content of %s:\n\n%s"

	urlAttachmentTemplate = "Assume you can access the external URL %s. " +
		"Your response must be in the language of the relevant queries related to the URL.\n" +
		"Use the URL's content below to respond to the queries:\n\n%s"

	imageAttachmentTemplate = "I have uploaded an image (%s). " +
		"Assume that you can see the attached image. " +
		"First, read the image analysis:\n\n" +
		"<image_analysis>%s</image_analysis>\n\n" +
		"Use any relevant parts to inform your response. " +
		"Do NOT reference the image analysis in your response. " +
		"Respond in the same language as my next message. "
)

// renderAttachment formats one attachment's parsed content with the template
// matching its content type. ok is false when the attachment has no parsed
// content or an unrecognized type; such attachments are left alone.
// isImage distinguishes image messages, which are inserted after text ones.
func renderAttachment(att poe.Attachment) (content string, isImage, ok bool) {
	if att.ParsedContent == "" {
		return "", false, false
	}
	parsed := att.ParsedContent
	if att.ContentType == "text/html" && containsMarkup(parsed) {
		parsed = htmlToText(parsed)
	}
	switch {
	case att.ContentType == "text/html":
		return fmt.Sprintf(urlAttachmentTemplate, att.Name, parsed), false, true
	case strings.HasPrefix(att.ContentType, "text/"), att.ContentType == "application/pdf":
		return fmt.Sprintf(textAttachmentTemplate, att.Name, parsed), false, true
	case strings.HasPrefix(att.ContentType, "image/"):
		// Parsed image content is "filename***description". Without the
		// delimiter, the whole content is the description.
		name, desc, found := strings.Cut(parsed, "***")
		if !found {
			name, desc = att.Name, parsed
		}
		return fmt.Sprintf(imageAttachmentTemplate, name, desc), true, true
	}
	return "", false, false
}

// InsertAttachmentMessages synthesizes one user message per parsed attachment
// on the final message and inserts them before it: text and URL attachments
// first, then images, then the original last message. The input request is
// not modified.
func InsertAttachmentMessages(req poe.QueryRequest) poe.QueryRequest {
	if len(req.Query) == 0 {
		return req
	}
	last := req.Query[len(req.Query)-1]

	var textMsgs, imageMsgs []poe.ProtocolMessage
	for _, att := range last.Attachments {
		content, isImage, ok := renderAttachment(att)
		if !ok {
			continue
		}
		msg := poe.ProtocolMessage{Role: poe.RoleUser, Content: content}
		if isImage {
			imageMsgs = append(imageMsgs, msg)
		} else {
			textMsgs = append(textMsgs, msg)
		}
	}
	if len(textMsgs) == 0 && len(imageMsgs) == 0 {
		return req
	}

	query := make([]poe.ProtocolMessage, 0, len(req.Query)+len(textMsgs)+len(imageMsgs))
	query = append(query, req.Query[:len(req.Query)-1]...)
	query = append(query, textMsgs...)
	query = append(query, imageMsgs...)
	query = append(query, last)
	return req.WithQuery(query)
}

// ConcatAttachmentContentToMessageBody appends each parsed attachment's
// templated content to the final message's body instead of inserting
// separate messages.
//
// Deprecated: use InsertAttachmentMessages.
func ConcatAttachmentContentToMessageBody(req poe.QueryRequest) poe.QueryRequest {
	if len(req.Query) == 0 {
		return req
	}
	last := req.Query[len(req.Query)-1]

	content := last.Content
	for _, att := range last.Attachments {
		rendered, _, ok := renderAttachment(att)
		if !ok {
			continue
		}
		content = content + "\n\n" + rendered
	}
	if content == last.Content {
		return req
	}

	query := make([]poe.ProtocolMessage, len(req.Query))
	copy(query, req.Query)
	query[len(query)-1] = last.WithContent(content)
	return req.WithQuery(query)
}

// MakeRoleAlternated merges runs of consecutive same-role messages into one
// message: contents joined with "\n\n", attachments unioned by URL with the
// earlier occurrence kept. Useful for models that require strict user/bot
// alternation. The operation is idempotent.
func MakeRoleAlternated(messages []poe.ProtocolMessage) []poe.ProtocolMessage {
	var out []poe.ProtocolMessage
	for _, msg := range messages {
		if len(out) == 0 || msg.Role != out[len(out)-1].Role {
			out = append(out, msg)
			continue
		}
		prev := out[len(out)-1]
		merged := prev.WithContent(prev.Content + "\n\n" + msg.Content)

		seen := make(map[string]bool, len(prev.Attachments))
		var atts []poe.Attachment
		for _, att := range prev.Attachments {
			if !seen[att.URL] {
				seen[att.URL] = true
				atts = append(atts, att)
			}
		}
		for _, att := range msg.Attachments {
			if !seen[att.URL] {
				seen[att.URL] = true
				atts = append(atts, att)
			}
		}
		merged.Attachments = atts
		out[len(out)-1] = merged
	}
	return out
}
