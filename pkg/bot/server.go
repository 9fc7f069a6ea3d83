// Package bot serves Poe bot endpoints. A Server hosts one or more bots,
// routes the platform's POST requests to their handlers, and streams handler
// output back as Server-Sent Events.
//
// # Architecture
//
//	┌──────────────┐   POST {type:query}    ┌──────────────┐   SendResponse()   ┌──────────┐
//	│ Poe platform │ ─────────────────────► │ bot.Server   │ ─────────────────► │ Handler  │
//	│              │ ◄──── SSE events ───── │ (dispatch)   │ ◄── ResponseWriter │ (yours)  │
//	└──────────────┘                        └──────────────┘                    └──────────┘
//
// # Usage
//
//	srv := bot.New(bot.Options{})
//	srv.Add(&bot.Bot{Name: "EchoBot", AccessKey: key, Handler: echo{}})
//	srv.ListenAndServe(ctx, ":8080")
package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/poe-platform/gopoe/pkg/poe"
	"github.com/poe-platform/gopoe/pkg/poe/sse"
)

const (
	defaultBotBaseURL    = "https://api.poe.com/bot/"
	defaultUploadBaseURL = "https://www.quora.com/poe_api"
)

// Handler is the contract a bot implements. SendResponse streams the answer
// to one query through the ResponseWriter; the dispatcher emits the final
// done event itself, so handlers only produce content.
type Handler interface {
	SendResponse(ctx context.Context, req *poe.QueryRequest, w *ResponseWriter) error
	Settings(ctx context.Context, req *poe.SettingsRequest) (poe.SettingsResponse, error)
	OnFeedback(ctx context.Context, req *poe.ReportFeedbackRequest) error
	OnReaction(ctx context.Context, req *poe.ReportReactionRequest) error
	OnReportedError(ctx context.Context, req *poe.ReportErrorRequest) error
}

// BaseHandler provides default implementations for everything except
// SendResponse. Embed it and override what you need.
type BaseHandler struct{}

func (BaseHandler) SendResponse(ctx context.Context, req *poe.QueryRequest, w *ResponseWriter) error {
	return errors.New("SendResponse not implemented")
}

func (BaseHandler) Settings(ctx context.Context, req *poe.SettingsRequest) (poe.SettingsResponse, error) {
	return poe.DefaultSettings(), nil
}

func (BaseHandler) OnFeedback(ctx context.Context, req *poe.ReportFeedbackRequest) error { return nil }

func (BaseHandler) OnReaction(ctx context.Context, req *poe.ReportReactionRequest) error { return nil }

func (BaseHandler) OnReportedError(ctx context.Context, req *poe.ReportErrorRequest) error {
	return nil
}

// Bot is one registered bot endpoint.
type Bot struct {
	// Name is the bot's handle on the platform, required for settings sync
	// and the cost channel.
	Name string

	// Path is the URL path the bot is served on. Defaults to "/".
	Path string

	// AccessKey authenticates the platform to this endpoint and this
	// endpoint to the platform APIs. Resolved via poe.VerifyAccessKey at
	// registration.
	AccessKey string

	Handler Handler

	// ConcatAttachments selects the deprecated pre-processing that appends
	// parsed attachment content to the message body instead of inserting
	// separate messages.
	ConcatAttachments bool

	// DisableAttachmentMessages turns attachment pre-processing off
	// entirely; the handler sees the query exactly as the platform sent it.
	DisableAttachmentMessages bool

	// pending holds attachments uploaded mid-response, queued as file
	// events and drained FIFO before the next handler emission.
	mu      sync.Mutex
	pending map[poe.Identifier][]poe.Attachment
}

func (b *Bot) enqueueFile(messageID poe.Identifier, att poe.Attachment) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending == nil {
		b.pending = make(map[poe.Identifier][]poe.Attachment)
	}
	b.pending[messageID] = append(b.pending[messageID], att)
}

func (b *Bot) drainFiles(messageID poe.Identifier) []poe.Attachment {
	b.mu.Lock()
	defer b.mu.Unlock()
	atts := b.pending[messageID]
	delete(b.pending, messageID)
	return atts
}

// Options configures a Server. The zero value is usable.
type Options struct {
	// Logger receives dispatch and sync diagnostics. Defaults to a
	// discard logger.
	Logger *slog.Logger

	// BaseURL is the platform bot API base, used by settings sync and the
	// cost channel. Defaults to "https://api.poe.com/bot/".
	BaseURL string

	// UploadBaseURL is the attachment service base. Defaults to
	// "https://www.quora.com/poe_api".
	UploadBaseURL string

	// HTTPClient is used for platform calls (settings sync, uploads,
	// cost). Per-call timeouts are applied on the request context.
	HTTPClient *http.Client

	// AllowWithoutKey permits registering bots without an access key, for
	// local development. Requests are then served unauthenticated.
	AllowWithoutKey bool

	// UploadTries is the attempt count for attachment uploads. Default 2.
	UploadTries int
}

// Server routes Poe platform requests to registered bots.
type Server struct {
	logger          *slog.Logger
	baseURL         string
	uploadBaseURL   string
	http            *http.Client
	allowWithoutKey bool
	uploadTries     int

	mu   sync.RWMutex
	bots map[string]*Bot // keyed by path
}

func defaultLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// New returns a Server with no bots registered.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = defaultLogger()
	}
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBotBaseURL
	}
	if opts.UploadBaseURL == "" {
		opts.UploadBaseURL = defaultUploadBaseURL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.UploadTries <= 0 {
		opts.UploadTries = 2
	}
	return &Server{
		logger:          opts.Logger,
		baseURL:         strings.TrimRight(opts.BaseURL, "/") + "/",
		uploadBaseURL:   strings.TrimRight(opts.UploadBaseURL, "/"),
		http:            opts.HTTPClient,
		allowWithoutKey: opts.AllowWithoutKey,
		uploadTries:     opts.UploadTries,
		bots:            make(map[string]*Bot),
	}
}

// Add registers a bot. The access key is resolved from the Bot, the
// environment, or the deprecated api-key sources, and must be exactly 32
// characters unless the server allows keyless bots.
func (s *Server) Add(b *Bot) error {
	if b.Handler == nil {
		return errors.New("bot has no handler")
	}
	key, err := poe.VerifyAccessKey(b.AccessKey, "", s.allowWithoutKey)
	if err != nil {
		return err
	}
	b.AccessKey = key
	if b.Path == "" {
		b.Path = "/"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.bots[b.Path]; exists {
		return fmt.Errorf("path %q already has a bot", b.Path)
	}
	s.bots[b.Path] = b
	return nil
}

// ListenAndServe syncs each bot's settings with the platform, then serves
// until the context is canceled or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.SyncSettings(ctx)

	srv := &http.Server{Addr: addr, Handler: s}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	s.logger.Info("server listening", "addr", addr)
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errc:
		return err
	}
}

func (s *Server) bot(path string) *Bot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bots[path]
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b := s.bot(r.URL.Path)
	if b == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, indexHTML, b.Name)
	case http.MethodPost:
		s.dispatch(w, r, b)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

const indexHTML = `<html><body><h1>Poe bot: %s</h1>
<p>POST to this path with a Poe protocol request to talk to the bot.</p>
</body></html>
`

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, b *Bot) {
	if b.AccessKey != "" {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token != b.AccessKey {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}
	var base poe.BaseRequest
	if err := json.Unmarshal(body, &base); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}
	s.logger.Info("dispatch", "bot", b.Name, "type", base.Type)

	switch base.Type {
	case poe.RequestTypeQuery:
		var req poe.QueryRequest
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
			return
		}
		s.handleQuery(w, r, b, &req)

	case poe.RequestTypeSettings:
		var req poe.SettingsRequest
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
			return
		}
		settings, err := b.Handler.Settings(r.Context(), &req)
		if err != nil {
			s.logger.Error("settings handler failed", "bot", b.Name, "error", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(settings)

	case poe.RequestTypeReportFeedback:
		var req poe.ReportFeedbackRequest
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := b.Handler.OnFeedback(r.Context(), &req); err != nil {
			s.logger.Error("feedback handler failed", "bot", b.Name, "error", err)
		}
		writeEmptyJSON(w)

	case poe.RequestTypeReportReaction:
		var req poe.ReportReactionRequest
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := b.Handler.OnReaction(r.Context(), &req); err != nil {
			s.logger.Error("reaction handler failed", "bot", b.Name, "error", err)
		}
		writeEmptyJSON(w)

	case poe.RequestTypeReportError:
		var req poe.ReportErrorRequest
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
			return
		}
		s.logger.Error("peer reported error", "bot", b.Name, "message", req.Message)
		if err := b.Handler.OnReportedError(r.Context(), &req); err != nil {
			s.logger.Error("error-report handler failed", "bot", b.Name, "error", err)
		}
		writeEmptyJSON(w)

	default:
		http.Error(w, fmt.Sprintf("unsupported request type %q", base.Type), http.StatusNotImplemented)
	}
}

func writeEmptyJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, "{}")
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request, b *Bot, req *poe.QueryRequest) {
	// The peer never supplies the key; the dispatcher injects it so the
	// handler can call platform APIs (cost, uploads) with it.
	req.AccessKey = b.AccessKey
	req.APIKey = b.AccessKey

	switch {
	case b.DisableAttachmentMessages:
		// Handler wants the query exactly as the platform sent it.
	case b.ConcatAttachments:
		*req = ConcatAttachmentContentToMessageBody(*req)
	default:
		*req = InsertAttachmentMessages(*req)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	rw := &ResponseWriter{
		server:    s,
		bot:       b,
		sw:        sse.NewWriter(w),
		accessKey: b.AccessKey,
		queryID:   req.BotQueryID,
		messageID: req.MessageID,
	}

	err := s.callHandler(r.Context(), b, req, rw)

	// Files uploaded after the handler's last emission still belong to
	// this response.
	rw.flushPendingFiles()

	if err != nil {
		s.logger.Error("query handler failed", "bot", b.Name, "error", err)
		var insufficient *poe.InsufficientFundError
		ev := poe.ErrorResponse{
			Text:        err.Error(),
			RawResponse: err.Error(),
			AllowRetry:  false,
		}
		if errors.As(err, &insufficient) {
			ev.ErrorType = poe.ErrorTypeInsufficientFund
		}
		rw.writeEvent(poe.ErrorEvent(ev.Text, ev.AllowRetry, ev.ErrorType, ev.RawResponse))
	}
	rw.writeEvent(poe.DoneEvent())
}

// callHandler invokes the handler and contains its panics: a panicking
// handler must still get the error+done epilogue, not a severed connection.
func (s *Server) callHandler(ctx context.Context, b *Bot, req *poe.QueryRequest, rw *ResponseWriter) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("query handler panicked", "bot", b.Name, "panic", rec)
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return b.Handler.SendResponse(ctx, req, rw)
}

// ---------------------------------------------------------------------------
// ResponseWriter
// ---------------------------------------------------------------------------

// ResponseWriter streams one bot response. It is not safe for concurrent use;
// a handler drives it from a single goroutine.
type ResponseWriter struct {
	server    *Server
	bot       *Bot
	sw        *sse.Writer
	accessKey string
	queryID   poe.Identifier
	messageID poe.Identifier
	err       error
}

func (w *ResponseWriter) writeEvent(ev sse.Event) error {
	if w.err != nil {
		return w.err
	}
	w.err = w.sw.WriteEvent(ev)
	return w.err
}

// flushPendingFiles emits queued file events for this message, oldest first.
// Called before every content emission so inline refs are announced before
// the text that uses them.
func (w *ResponseWriter) flushPendingFiles() error {
	for _, att := range w.bot.drainFiles(w.messageID) {
		if err := w.writeEvent(poe.FileEvent(att)); err != nil {
			return err
		}
	}
	return w.err
}

// Text appends a chunk of response text.
func (w *ResponseWriter) Text(text string) error {
	if err := w.flushPendingFiles(); err != nil {
		return err
	}
	return w.writeEvent(poe.TextEvent(text))
}

// Replace discards all previously streamed text and starts over with text.
func (w *ResponseWriter) Replace(text string) error {
	if err := w.flushPendingFiles(); err != nil {
		return err
	}
	return w.writeEvent(poe.ReplaceResponseEvent(text))
}

// SuggestedReply offers a follow-up the user can tap.
func (w *ResponseWriter) SuggestedReply(text string) error {
	if err := w.flushPendingFiles(); err != nil {
		return err
	}
	return w.writeEvent(poe.SuggestedReplyEvent(text))
}

// Meta declares rendering hints. Clients only honor it as the first event.
func (w *ResponseWriter) Meta(m poe.MetaResponse) error {
	return w.writeEvent(poe.MetaEvent(m))
}

// Data attaches opaque metadata to the response.
func (w *ResponseWriter) Data(data map[string]any) error {
	if err := w.flushPendingFiles(); err != nil {
		return err
	}
	return w.writeEvent(poe.DataEvent(data))
}

// File announces an attachment directly, bypassing the pending queue.
func (w *ResponseWriter) File(att poe.Attachment) error {
	return w.writeEvent(poe.FileEvent(att))
}

// Error emits an error event. The dispatcher still appends done afterwards.
func (w *ResponseWriter) Error(e poe.ErrorResponse) error {
	return w.writeEvent(poe.ErrorEvent(e.Text, e.AllowRetry, e.ErrorType, e.RawResponse))
}

// Send emits any Response variant, choosing the event type from its flags.
func (w *ResponseWriter) Send(resp poe.Response) error {
	switch v := resp.(type) {
	case poe.MetaResponse:
		return w.Meta(v)
	case poe.ErrorResponse:
		return w.Error(v)
	case poe.PartialResponse:
		switch {
		case v.Attachment != nil:
			return w.File(*v.Attachment)
		case v.IsSuggestedReply:
			return w.sendText(poe.EventSuggestedReply, v)
		case v.IsReplaceResponse:
			return w.sendText(poe.EventReplaceResponse, v)
		case v.Data != nil:
			return w.Data(v.Data)
		default:
			return w.sendText(poe.EventText, v)
		}
	default:
		return fmt.Errorf("unsupported response type %T", resp)
	}
}

// sendText emits a text-bearing frame, preserving the sub-stream index when
// the response carries one.
func (w *ResponseWriter) sendText(name string, v poe.PartialResponse) error {
	if err := w.flushPendingFiles(); err != nil {
		return err
	}
	if v.Index != nil {
		return w.writeEvent(poe.IndexedEvent(name, v.Text, *v.Index))
	}
	switch name {
	case poe.EventSuggestedReply:
		return w.writeEvent(poe.SuggestedReplyEvent(v.Text))
	case poe.EventReplaceResponse:
		return w.writeEvent(poe.ReplaceResponseEvent(v.Text))
	default:
		return w.writeEvent(poe.TextEvent(v.Text))
	}
}

// SendEvent writes a raw SSE frame unchanged. Used to relay upstream bot
// events without re-encoding.
func (w *ResponseWriter) SendEvent(ev sse.Event) error {
	if err := w.flushPendingFiles(); err != nil {
		return err
	}
	return w.writeEvent(ev)
}

// PostMessageAttachment uploads a file and queues its file event on this
// response. See Server.PostMessageAttachment for parameter rules.
func (w *ResponseWriter) PostMessageAttachment(ctx context.Context, upload UploadRequest) (poe.AttachmentUploadResponse, error) {
	upload.MessageID = w.messageID
	if upload.AccessKey == "" {
		upload.AccessKey = w.accessKey
	}
	return w.server.PostMessageAttachment(ctx, w.bot, upload)
}

// AuthorizeCost reserves the given amounts against this query's budget.
func (w *ResponseWriter) AuthorizeCost(ctx context.Context, amounts ...poe.CostItem) error {
	return w.server.CostRequest(ctx, costAuthorize, w.accessKey, w.queryID, amounts)
}

// CaptureCost charges the given amounts against this query's budget.
func (w *ResponseWriter) CaptureCost(ctx context.Context, amounts ...poe.CostItem) error {
	return w.server.CostRequest(ctx, costCapture, w.accessKey, w.queryID, amounts)
}
