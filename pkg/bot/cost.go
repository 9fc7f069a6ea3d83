package bot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/poe-platform/gopoe/pkg/poe"
	"github.com/poe-platform/gopoe/pkg/poe/sse"
)

const costTimeout = 300 * time.Second

type costOp string

const (
	costAuthorize costOp = "authorize"
	costCapture   costOp = "capture"
)

// AuthorizeCost reserves amounts against the query's budget. The request
// must carry a bot_query_id and the bot's access key.
func (s *Server) AuthorizeCost(ctx context.Context, req *poe.QueryRequest, amounts ...poe.CostItem) error {
	return s.CostRequest(ctx, costAuthorize, req.AccessKey, req.BotQueryID, amounts)
}

// CaptureCost charges previously authorized amounts.
func (s *Server) CaptureCost(ctx context.Context, req *poe.QueryRequest, amounts ...poe.CostItem) error {
	return s.CostRequest(ctx, costCapture, req.AccessKey, req.BotQueryID, amounts)
}

// CostRequest performs one leg of the two-phase cost protocol. The platform
// answers over SSE: a result event with status "success" means the amounts
// were accepted; any other status means the user's balance cannot cover them.
func (s *Server) CostRequest(ctx context.Context, op costOp, accessKey string, botQueryID poe.Identifier, amounts []poe.CostItem) error {
	if botQueryID == "" {
		return &poe.InvalidParameterError{Message: "bot_query_id is required for cost requests"}
	}
	if accessKey == "" {
		return &poe.InvalidParameterError{Message: "access key is required for cost requests"}
	}

	ctx, cancel := context.WithTimeout(ctx, costTimeout)
	defer cancel()

	body, err := json.Marshal(map[string]any{
		"amounts":    amounts,
		"access_key": accessKey,
	})
	if err != nil {
		return fmt.Errorf("marshal cost request: %w", err)
	}

	url := fmt.Sprintf("%scost/%s/%s", s.baseURL, botQueryID, op)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build cost request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := s.http.Do(httpReq)
	if err != nil {
		return &poe.CostRequestError{Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return &poe.CostRequestError{Message: fmt.Sprintf("%d: %s", resp.StatusCode, b)}
	}

	r := sse.NewReader(resp.Body)
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return &poe.CostRequestError{Message: "stream ended without a result event"}
		}
		if err != nil {
			return &poe.CostRequestError{Message: err.Error()}
		}
		if ev.Type != "result" {
			continue
		}
		var result struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal([]byte(ev.Data), &result); err != nil {
			return &poe.CostRequestError{Message: fmt.Sprintf("invalid result event: %v", err)}
		}
		if result.Status == "success" {
			return nil
		}
		s.logger.Warn("cost request declined", "op", string(op), "status", result.Status)
		return &poe.InsufficientFundError{}
	}
}
