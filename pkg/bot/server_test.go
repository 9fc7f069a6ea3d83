package bot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/poe-platform/gopoe/pkg/poe"
	"github.com/poe-platform/gopoe/pkg/poe/sse"
)

// stubHandler drives the dispatcher with a canned SendResponse.
type stubHandler struct {
	BaseHandler
	send     func(ctx context.Context, req *poe.QueryRequest, w *ResponseWriter) error
	feedback *poe.ReportFeedbackRequest
	reaction *poe.ReportReactionRequest
}

func (h *stubHandler) SendResponse(ctx context.Context, req *poe.QueryRequest, w *ResponseWriter) error {
	return h.send(ctx, req, w)
}

func (h *stubHandler) OnFeedback(ctx context.Context, req *poe.ReportFeedbackRequest) error {
	h.feedback = req
	return nil
}

func (h *stubHandler) OnReaction(ctx context.Context, req *poe.ReportReactionRequest) error {
	h.reaction = req
	return nil
}

func testServer(t *testing.T, h Handler, opts Options) (*Server, *httptest.Server, *Bot) {
	t.Helper()
	opts.AllowWithoutKey = true
	s := New(opts)
	b := &Bot{Name: "TestBot", Handler: h}
	if err := s.Add(b); err != nil {
		t.Fatalf("Add: %v", err)
	}
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return s, ts, b
}

func postRequest(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func queryBody(content string) map[string]any {
	return map[string]any{
		"version":         poe.ProtocolVersion,
		"type":            "query",
		"query":           []map[string]any{{"role": "user", "content": content}},
		"user_id":         "u1",
		"conversation_id": "c1",
		"message_id":      "m1",
	}
}

func readEvents(t *testing.T, body io.Reader) []sse.Event {
	t.Helper()
	r := sse.NewReader(body)
	var out []sse.Event
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("read events: %v", err)
		}
		out = append(out, ev)
	}
}

func TestQuery_StreamsTextThenDone(t *testing.T) {
	h := &stubHandler{send: func(ctx context.Context, req *poe.QueryRequest, w *ResponseWriter) error {
		if err := w.Text("Hello"); err != nil {
			return err
		}
		return w.Text(" world")
	}}
	_, ts, _ := testServer(t, h, Options{})

	resp := postRequest(t, ts.URL+"/", queryBody("hi"))
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	evs := readEvents(t, resp.Body)
	want := []string{"text", "text", "done"}
	if len(evs) != len(want) {
		t.Fatalf("want %d events, got %d: %+v", len(want), len(evs), evs)
	}
	for i, name := range want {
		if evs[i].Type != name {
			t.Errorf("event %d = %q, want %q", i, evs[i].Type, name)
		}
	}
	if evs[0].Data != `{"text":"Hello"}` {
		t.Errorf("first data = %q", evs[0].Data)
	}
}

func TestQuery_HandlerErrorEmitsErrorThenDone(t *testing.T) {
	h := &stubHandler{send: func(ctx context.Context, req *poe.QueryRequest, w *ResponseWriter) error {
		if err := w.Text("partial"); err != nil {
			return err
		}
		return errors.New("backend exploded")
	}}
	_, ts, _ := testServer(t, h, Options{})

	evs := readEvents(t, postRequest(t, ts.URL+"/", queryBody("hi")).Body)
	if len(evs) != 3 {
		t.Fatalf("want 3 events, got %+v", evs)
	}
	if evs[1].Type != "error" || evs[2].Type != "done" {
		t.Fatalf("want error then done, got %q then %q", evs[1].Type, evs[2].Type)
	}
	var payload struct {
		AllowRetry bool   `json:"allow_retry"`
		Text       string `json:"text"`
	}
	if err := json.Unmarshal([]byte(evs[1].Data), &payload); err != nil {
		t.Fatalf("error data: %v", err)
	}
	if payload.AllowRetry {
		t.Error("allow_retry = true, want false")
	}
	if !strings.Contains(payload.Text, "backend exploded") {
		t.Errorf("error text = %q", payload.Text)
	}
}

func TestQuery_HandlerPanicEmitsErrorThenDone(t *testing.T) {
	h := &stubHandler{send: func(ctx context.Context, req *poe.QueryRequest, w *ResponseWriter) error {
		if err := w.Text("partial"); err != nil {
			return err
		}
		panic("handler blew up")
	}}
	_, ts, _ := testServer(t, h, Options{})

	evs := readEvents(t, postRequest(t, ts.URL+"/", queryBody("hi")).Body)
	want := []string{"text", "error", "done"}
	if len(evs) != len(want) {
		t.Fatalf("want %v, got %+v", want, evs)
	}
	for i, name := range want {
		if evs[i].Type != name {
			t.Errorf("event %d = %q, want %q", i, evs[i].Type, name)
		}
	}
	var payload struct {
		AllowRetry bool   `json:"allow_retry"`
		Text       string `json:"text"`
	}
	if err := json.Unmarshal([]byte(evs[1].Data), &payload); err != nil {
		t.Fatalf("error data: %v", err)
	}
	if payload.AllowRetry {
		t.Error("allow_retry = true, want false")
	}
	if !strings.Contains(payload.Text, "handler blew up") {
		t.Errorf("error text = %q", payload.Text)
	}
}

func TestQuery_InsufficientFundErrorType(t *testing.T) {
	h := &stubHandler{send: func(ctx context.Context, req *poe.QueryRequest, w *ResponseWriter) error {
		return &poe.InsufficientFundError{}
	}}
	_, ts, _ := testServer(t, h, Options{})

	evs := readEvents(t, postRequest(t, ts.URL+"/", queryBody("hi")).Body)
	var payload struct {
		ErrorType string `json:"error_type"`
	}
	if err := json.Unmarshal([]byte(evs[0].Data), &payload); err != nil {
		t.Fatalf("error data: %v", err)
	}
	if payload.ErrorType != "insufficient_fund" {
		t.Errorf("error_type = %q, want insufficient_fund", payload.ErrorType)
	}
}

func TestQuery_AttachmentsPreprocessed(t *testing.T) {
	var got *poe.QueryRequest
	h := &stubHandler{send: func(ctx context.Context, req *poe.QueryRequest, w *ResponseWriter) error {
		got = req
		return w.Text("ok")
	}}
	_, ts, _ := testServer(t, h, Options{})

	body := queryBody("read this")
	body["query"] = []map[string]any{{
		"role":    "user",
		"content": "read this",
		"attachments": []map[string]any{{
			"url":            "https://x/notes.txt",
			"content_type":   "text/plain",
			"name":           "notes.txt",
			"parsed_content": "file body",
		}},
	}}
	readEvents(t, postRequest(t, ts.URL+"/", body).Body)

	if got == nil {
		t.Fatal("handler not called")
	}
	if len(got.Query) != 2 {
		t.Fatalf("want synthesized message, got %d messages", len(got.Query))
	}
	if !strings.Contains(got.Query[0].Content, "file body") {
		t.Errorf("synthesized content = %q", got.Query[0].Content)
	}
}

func TestQuery_AttachmentPreprocessingDisabled(t *testing.T) {
	var got *poe.QueryRequest
	h := &stubHandler{send: func(ctx context.Context, req *poe.QueryRequest, w *ResponseWriter) error {
		got = req
		return w.Text("ok")
	}}
	s := New(Options{AllowWithoutKey: true})
	if err := s.Add(&Bot{Name: "TestBot", Handler: h, DisableAttachmentMessages: true}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	ts := httptest.NewServer(s)
	defer ts.Close()

	body := queryBody("read this")
	body["query"] = []map[string]any{{
		"role":    "user",
		"content": "read this",
		"attachments": []map[string]any{{
			"url":            "https://x/notes.txt",
			"content_type":   "text/plain",
			"name":           "notes.txt",
			"parsed_content": "file body",
		}},
	}}
	readEvents(t, postRequest(t, ts.URL+"/", body).Body)

	if got == nil {
		t.Fatal("handler not called")
	}
	if len(got.Query) != 1 {
		t.Fatalf("want the raw query untouched, got %d messages", len(got.Query))
	}
	if got.Query[0].Content != "read this" {
		t.Errorf("content = %q, want the original body", got.Query[0].Content)
	}
}

func TestAuth_RejectsBadBearer(t *testing.T) {
	key := strings.Repeat("a", poe.AccessKeyLength)
	s := New(Options{})
	if err := s.Add(&Bot{Name: "TestBot", AccessKey: key, Handler: &stubHandler{
		send: func(ctx context.Context, req *poe.QueryRequest, w *ResponseWriter) error {
			return w.Text("secret")
		},
	}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	ts := httptest.NewServer(s)
	defer ts.Close()

	data, _ := json.Marshal(queryBody("hi"))

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/", bytes.NewReader(data))
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if resp.Header.Get("WWW-Authenticate") != "Bearer" {
		t.Errorf("WWW-Authenticate = %q", resp.Header.Get("WWW-Authenticate"))
	}

	// The bare key without the Bearer scheme must not pass either.
	req, _ = http.NewRequest(http.MethodPost, ts.URL+"/", bytes.NewReader(data))
	req.Header.Set("Authorization", key)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 for scheme-less header", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodPost, ts.URL+"/", bytes.NewReader(data))
	req.Header.Set("Authorization", "Bearer "+key)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestAdd_RejectsBadKeyLength(t *testing.T) {
	s := New(Options{})
	err := s.Add(&Bot{Name: "TestBot", AccessKey: "too-short", Handler: &stubHandler{}})
	if err == nil {
		t.Fatal("want error for wrong-length access key")
	}
}

func TestGet_ServesIndexPage(t *testing.T) {
	_, ts, _ := testServer(t, &stubHandler{}, Options{})
	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "TestBot") {
		t.Errorf("index page missing bot name: %q", body)
	}
}

func TestSettings_Routed(t *testing.T) {
	_, ts, _ := testServer(t, &stubHandler{}, Options{})
	resp := postRequest(t, ts.URL+"/", map[string]any{
		"version": poe.ProtocolVersion,
		"type":    "settings",
	})
	var settings poe.SettingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&settings); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if settings.ResponseVersion != 2 {
		t.Errorf("response_version = %d, want 2", settings.ResponseVersion)
	}
}

func TestReportFeedback_Routed(t *testing.T) {
	h := &stubHandler{}
	_, ts, _ := testServer(t, h, Options{})
	resp := postRequest(t, ts.URL+"/", map[string]any{
		"version":       poe.ProtocolVersion,
		"type":          "report_feedback",
		"message_id":    "m1",
		"user_id":       "u1",
		"feedback_type": "like",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if h.feedback == nil || h.feedback.FeedbackType != poe.FeedbackLike {
		t.Errorf("feedback = %+v", h.feedback)
	}
}

func TestReportReaction_Routed(t *testing.T) {
	h := &stubHandler{}
	_, ts, _ := testServer(t, h, Options{})
	postRequest(t, ts.URL+"/", map[string]any{
		"version":    poe.ProtocolVersion,
		"type":       "report_reaction",
		"message_id": "m1",
		"reaction":   "heart",
	})
	if h.reaction == nil || h.reaction.Reaction != "heart" {
		t.Errorf("reaction = %+v", h.reaction)
	}
}

func TestQuery_InlineAttachmentPrecedesText(t *testing.T) {
	upload := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"attachment_url": "https://files/x.png",
			"mime_type":      "image/png",
		})
	}))
	defer upload.Close()

	var inlineRef string
	h := &stubHandler{send: func(ctx context.Context, req *poe.QueryRequest, w *ResponseWriter) error {
		res, err := w.PostMessageAttachment(ctx, UploadRequest{
			AccessKey: strings.Repeat("a", poe.AccessKeyLength),
			FileData:  []byte("png-bytes"),
			Filename:  "x.png",
			IsInline:  true,
		})
		if err != nil {
			return err
		}
		inlineRef = res.InlineRef
		return w.Text("![img][" + res.InlineRef + "]")
	}}
	_, ts, _ := testServer(t, h, Options{UploadBaseURL: upload.URL})

	evs := readEvents(t, postRequest(t, ts.URL+"/", queryBody("draw")).Body)
	want := []string{"file", "text", "done"}
	if len(evs) != len(want) {
		t.Fatalf("want %v, got %+v", want, evs)
	}
	for i, name := range want {
		if evs[i].Type != name {
			t.Fatalf("event %d = %q, want %q (all: %+v)", i, evs[i].Type, name, evs)
		}
	}
	if len(inlineRef) != 8 {
		t.Errorf("inline ref = %q, want 8 characters", inlineRef)
	}
	var file struct {
		URL       string `json:"url"`
		InlineRef string `json:"inline_ref"`
	}
	if err := json.Unmarshal([]byte(evs[0].Data), &file); err != nil {
		t.Fatalf("file data: %v", err)
	}
	if file.InlineRef != inlineRef {
		t.Errorf("file inline_ref = %q, want %q", file.InlineRef, inlineRef)
	}
	if !strings.Contains(evs[1].Data, inlineRef) {
		t.Errorf("text %q does not reference %q", evs[1].Data, inlineRef)
	}
}

func TestQuery_RawEventPassthrough(t *testing.T) {
	h := &stubHandler{send: func(ctx context.Context, req *poe.QueryRequest, w *ResponseWriter) error {
		return w.SendEvent(sse.Event{Type: "text", Data: `{"text":"raw"}`})
	}}
	_, ts, _ := testServer(t, h, Options{})
	evs := readEvents(t, postRequest(t, ts.URL+"/", queryBody("hi")).Body)
	if evs[0].Type != "text" || evs[0].Data != `{"text":"raw"}` {
		t.Errorf("raw event = %+v", evs[0])
	}
}

func TestResponseWriter_SendVariants(t *testing.T) {
	h := &stubHandler{send: func(ctx context.Context, req *poe.QueryRequest, w *ResponseWriter) error {
		if err := w.Send(poe.DefaultMeta()); err != nil {
			return err
		}
		if err := w.Send(poe.PartialResponse{Text: "a"}); err != nil {
			return err
		}
		if err := w.Send(poe.PartialResponse{Text: "b", IsReplaceResponse: true}); err != nil {
			return err
		}
		if err := w.Send(poe.PartialResponse{Text: "c", IsSuggestedReply: true}); err != nil {
			return err
		}
		return w.Send(poe.PartialResponse{Data: map[string]any{"k": "v"}})
	}}
	_, ts, _ := testServer(t, h, Options{})
	evs := readEvents(t, postRequest(t, ts.URL+"/", queryBody("hi")).Body)
	want := []string{"meta", "text", "replace_response", "suggested_reply", "data", "done"}
	if len(evs) != len(want) {
		t.Fatalf("want %v, got %+v", want, evs)
	}
	for i, name := range want {
		if evs[i].Type != name {
			t.Errorf("event %d = %q, want %q", i, evs[i].Type, name)
		}
	}
}
