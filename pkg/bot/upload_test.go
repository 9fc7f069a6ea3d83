package bot

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/poe-platform/gopoe/pkg/poe"
)

func TestUploadFilename(t *testing.T) {
	tests := []struct {
		name string
		req  UploadRequest
		want string
	}{
		{"explicit", UploadRequest{Filename: "a.txt"}, "a.txt"},
		{"from url", UploadRequest{DownloadURL: "https://x/y/report.pdf"}, "report.pdf"},
		{"percent decoded", UploadRequest{DownloadURL: "https://x/my%20file.txt"}, "my file.txt"},
		{"no segment", UploadRequest{DownloadURL: "https://x/"}, "downloaded_file"},
		{"no path", UploadRequest{DownloadURL: "https://x"}, "downloaded_file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := uploadFilename(tt.req); got != tt.want {
				t.Errorf("uploadFilename = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPostMessageAttachment_ParameterValidation(t *testing.T) {
	s := New(Options{})
	b := &Bot{Name: "TestBot"}
	key := strings.Repeat("a", poe.AccessKeyLength)

	tests := []struct {
		name string
		req  UploadRequest
	}{
		{"missing message id", UploadRequest{AccessKey: key, DownloadURL: "https://x/f"}},
		{"both modes", UploadRequest{AccessKey: key, MessageID: "m1", DownloadURL: "https://x/f", FileData: []byte("x"), Filename: "f"}},
		{"neither mode", UploadRequest{AccessKey: key, MessageID: "m1"}},
		{"bytes without name", UploadRequest{AccessKey: key, MessageID: "m1", FileData: []byte("x")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.PostMessageAttachment(context.Background(), b, tt.req)
			var invalid *poe.InvalidParameterError
			if !errors.As(err, &invalid) {
				t.Fatalf("want InvalidParameterError, got %v", err)
			}
		})
	}
}

func TestPostMessageAttachment_URLMode(t *testing.T) {
	var gotForm map[string]string
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		r.ParseForm()
		gotForm = map[string]string{
			"message_id":        r.PostFormValue("message_id"),
			"download_url":      r.PostFormValue("download_url"),
			"download_filename": r.PostFormValue("download_filename"),
			"is_inline":         r.PostFormValue("is_inline"),
		}
		json.NewEncoder(w).Encode(map[string]string{
			"attachment_url": "https://files/report.pdf",
			"mime_type":      "application/pdf",
		})
	}))
	defer ts.Close()

	key := strings.Repeat("a", poe.AccessKeyLength)
	s := New(Options{UploadBaseURL: ts.URL})
	b := &Bot{Name: "TestBot"}

	res, err := s.PostMessageAttachment(context.Background(), b, UploadRequest{
		AccessKey:   key,
		MessageID:   "m1",
		DownloadURL: "https://x/report.pdf",
	})
	if err != nil {
		t.Fatalf("PostMessageAttachment: %v", err)
	}
	if res.AttachmentURL != "https://files/report.pdf" {
		t.Errorf("attachment_url = %q", res.AttachmentURL)
	}
	if res.InlineRef != "" {
		t.Errorf("inline_ref = %q, want empty for non-inline upload", res.InlineRef)
	}
	if gotAuth != key {
		t.Errorf("Authorization = %q, want the bare key", gotAuth)
	}
	if gotForm["download_url"] != "https://x/report.pdf" || gotForm["download_filename"] != "report.pdf" {
		t.Errorf("form = %+v", gotForm)
	}
	if gotForm["is_inline"] != "false" {
		t.Errorf("is_inline = %q", gotForm["is_inline"])
	}
}

func TestPostMessageAttachment_RetriesThenFails(t *testing.T) {
	var calls int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer ts.Close()

	s := New(Options{UploadBaseURL: ts.URL, UploadTries: 3})
	b := &Bot{Name: "TestBot"}
	_, err := s.PostMessageAttachment(context.Background(), b, UploadRequest{
		AccessKey: strings.Repeat("a", poe.AccessKeyLength),
		MessageID: "m1",
		FileData:  []byte("x"),
		Filename:  "x.bin",
	})
	var uploadErr *poe.AttachmentUploadError
	if !errors.As(err, &uploadErr) {
		t.Fatalf("want AttachmentUploadError, got %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}
