package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/poe-platform/gopoe/pkg/poe"
)

const (
	uploadEndpoint = "/file_upload_3RD_PARTY_POST"
	uploadTimeout  = 120 * time.Second
)

// FileUpload describes a file to upload: either raw bytes with a name, or a
// URL for the attachment service to fetch itself.
type FileUpload struct {
	// File is the raw content. FileName is then required.
	File     []byte
	FileName string

	// FileURL asks the service to download the file. The name defaults to
	// the URL's last path segment, or "downloaded_file".
	FileURL string
}

func (f FileUpload) name() string {
	if f.FileName != "" {
		return f.FileName
	}
	u, err := url.Parse(f.FileURL)
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

// UploadFile uploads a file to Poe and returns an Attachment that can be
// returned from a bot or stored for later use. Retries follow the client's
// retry policy.
func (c *Client) UploadFile(ctx context.Context, f FileUpload) (poe.Attachment, error) {
	var zero poe.Attachment
	if c.apiKey == "" {
		return zero, &poe.InvalidParameterError{Message: "an API key is required to upload files (generate one at https://poe.com/api_key)"}
	}
	switch {
	case f.File == nil && f.FileURL == "":
		return zero, &poe.InvalidParameterError{Message: "provide either File or FileURL"}
	case f.File != nil && f.FileURL != "":
		return zero, &poe.InvalidParameterError{Message: "provide either File or FileURL, not both"}
	case f.File != nil && f.FileName == "":
		return zero, &poe.InvalidParameterError{Message: "FileName is mandatory when sending raw bytes"}
	}

	var att poe.Attachment
	var lastErr error
	for attempt := 0; attempt < c.numTries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.retrySleep):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}
		att, lastErr = c.doUpload(ctx, f)
		if lastErr == nil {
			return att, nil
		}
		c.onError(lastErr, fmt.Sprintf("upload attempt %d/%d failed", attempt+1, c.numTries))
		if ctx.Err() != nil {
			return zero, lastErr
		}
	}
	return zero, lastErr
}

func (c *Client) doUpload(ctx context.Context, f FileUpload) (poe.Attachment, error) {
	var zero poe.Attachment
	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	var body io.Reader
	var contentType string
	if f.FileURL != "" {
		form := url.Values{"download_url": {f.FileURL}}
		if f.FileName != "" {
			form.Set("download_filename", f.FileName)
		}
		body = strings.NewReader(form.Encode())
		contentType = "application/x-www-form-urlencoded"
	} else {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		part, err := mw.CreateFormFile("file", f.FileName)
		if err != nil {
			return zero, fmt.Errorf("build multipart body: %w", err)
		}
		if _, err := part.Write(f.File); err != nil {
			return zero, fmt.Errorf("build multipart body: %w", err)
		}
		if err := mw.Close(); err != nil {
			return zero, fmt.Errorf("build multipart body: %w", err)
		}
		body = &buf
		contentType = mw.FormDataContentType()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uploadBaseURL+uploadEndpoint, body)
	if err != nil {
		return zero, fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	// The attachment service takes the bare key, not a bearer token.
	req.Header.Set("Authorization", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return zero, &poe.AttachmentUploadError{Message: "request failed", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return zero, &poe.AttachmentUploadError{
			Message: fmt.Sprintf("%d %s: %s", resp.StatusCode, http.StatusText(resp.StatusCode), b),
		}
	}

	var result struct {
		AttachmentURL string `json:"attachment_url"`
		MIMEType      string `json:"mime_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return zero, &poe.AttachmentUploadError{Message: "invalid response body", Cause: err}
	}
	if result.AttachmentURL == "" || result.MIMEType == "" {
		return zero, &poe.AttachmentUploadError{Message: "unexpected response format"}
	}
	return poe.Attachment{
		URL:         result.AttachmentURL,
		ContentType: result.MIMEType,
		Name:        f.name(),
	}, nil
}
