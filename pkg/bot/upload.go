package bot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/poe-platform/gopoe/pkg/poe"
)

const (
	uploadEndpoint   = "/file_upload_3RD_PARTY_POST"
	uploadTimeout    = 120 * time.Second
	uploadRetrySleep = 500 * time.Millisecond
)

// UploadRequest describes one attachment upload. Exactly one of DownloadURL
// or FileData must be set; FileData requires Filename.
type UploadRequest struct {
	// MessageID is the message the attachment belongs to. It must be the
	// message currently being answered.
	MessageID poe.Identifier

	// AccessKey authenticates the upload. Filled in automatically when
	// calling through a ResponseWriter.
	AccessKey string

	// DownloadURL asks the attachment service to fetch the file itself.
	DownloadURL string

	// FileData uploads the bytes directly. Filename is then required.
	FileData []byte
	Filename string

	// ContentType is optional for byte uploads; the service sniffs it
	// when absent.
	ContentType string

	// IsInline allocates an inline ref so the attachment can be embedded
	// in subsequent response text.
	IsInline bool
}

// uploadFilename resolves the name the attachment is stored under. For URL
// uploads without an explicit name, the last path segment of the URL is used,
// percent-decoded, falling back to "downloaded_file".
func uploadFilename(r UploadRequest) string {
	if r.Filename != "" {
		return r.Filename
	}
	u, err := url.Parse(r.DownloadURL)
	if err == nil {
		if seg := u.Path[strings.LastIndexByte(u.Path, '/')+1:]; seg != "" {
			if decoded, err := url.PathUnescape(seg); err == nil {
				return decoded
			}
			return seg
		}
	}
	return "downloaded_file"
}

// PostMessageAttachment uploads an attachment and associates it with a
// message of bot b. Inline uploads additionally allocate an 8-character
// inline ref and queue a file event that the dispatcher emits before the
// handler's next response element.
func (s *Server) PostMessageAttachment(ctx context.Context, b *Bot, r UploadRequest) (poe.AttachmentUploadResponse, error) {
	var zero poe.AttachmentUploadResponse
	if r.MessageID == "" {
		return zero, &poe.InvalidParameterError{Message: "message_id is required"}
	}
	if r.AccessKey == "" {
		r.AccessKey = b.AccessKey
	}
	if r.AccessKey == "" {
		return zero, &poe.InvalidParameterError{Message: "access key is required for attachment uploads"}
	}

	switch {
	case r.DownloadURL != "" && (r.FileData != nil || r.Filename != ""):
		return zero, &poe.InvalidParameterError{Message: "cannot provide filename or file_data if download_url is provided"}
	case r.DownloadURL == "" && r.FileData == nil:
		return zero, &poe.InvalidParameterError{Message: "must provide either download_url or file_data and filename"}
	case r.DownloadURL == "" && r.Filename == "":
		return zero, &poe.InvalidParameterError{Message: "filename is required for file_data uploads"}
	}

	filename := uploadFilename(r)

	var result struct {
		AttachmentURL string `json:"attachment_url"`
		MIMEType      string `json:"mime_type"`
	}
	var lastErr error
	for attempt := 0; attempt < s.uploadTries; attempt++ {
		if attempt > 0 {
			s.logger.Warn("retrying attachment upload", "attempt", attempt+1, "error", lastErr)
			select {
			case <-time.After(uploadRetrySleep):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}
		lastErr = s.doUpload(ctx, r, filename, &result)
		if lastErr == nil {
			break
		}
		if ctx.Err() != nil {
			return zero, lastErr
		}
	}
	if lastErr != nil {
		return zero, lastErr
	}

	resp := poe.AttachmentUploadResponse{AttachmentURL: result.AttachmentURL}
	if r.IsInline {
		resp.InlineRef = uuid.New().String()[:8]
		b.enqueueFile(r.MessageID, poe.Attachment{
			URL:         result.AttachmentURL,
			ContentType: result.MIMEType,
			Name:        filename,
			InlineRef:   resp.InlineRef,
		})
	}
	return resp, nil
}

func (s *Server) doUpload(ctx context.Context, r UploadRequest, filename string, result any) error {
	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	var body io.Reader
	var contentType string
	if r.DownloadURL != "" {
		form := url.Values{
			"message_id":        {string(r.MessageID)},
			"is_inline":         {strconv.FormatBool(r.IsInline)},
			"download_url":      {r.DownloadURL},
			"download_filename": {filename},
		}
		body = strings.NewReader(form.Encode())
		contentType = "application/x-www-form-urlencoded"
	} else {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		mw.WriteField("message_id", string(r.MessageID))
		mw.WriteField("is_inline", strconv.FormatBool(r.IsInline))
		part, err := createFilePart(mw, filename, r.ContentType)
		if err != nil {
			return fmt.Errorf("build multipart body: %w", err)
		}
		if _, err := part.Write(r.FileData); err != nil {
			return fmt.Errorf("build multipart body: %w", err)
		}
		if err := mw.Close(); err != nil {
			return fmt.Errorf("build multipart body: %w", err)
		}
		body = &buf
		contentType = mw.FormDataContentType()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.uploadBaseURL+uploadEndpoint, body)
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	// The attachment service takes the bare key, not a bearer token.
	req.Header.Set("Authorization", r.AccessKey)

	resp, err := s.http.Do(req)
	if err != nil {
		return &poe.AttachmentUploadError{Message: "request failed", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return &poe.AttachmentUploadError{
			Message: fmt.Sprintf("%d %s: %s", resp.StatusCode, http.StatusText(resp.StatusCode), b),
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return &poe.AttachmentUploadError{Message: "invalid response body", Cause: err}
	}
	return nil
}

// createFilePart builds the file part, honoring an explicit content type.
func createFilePart(mw *multipart.Writer, filename, contentType string) (io.Writer, error) {
	if contentType == "" {
		return mw.CreateFormFile("file", filename)
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	h.Set("Content-Type", contentType)
	return mw.CreatePart(h)
}
