package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/poe-platform/gopoe/pkg/poe"
)

// SyncBotSettings syncs a bot's settings with the Poe registry. With
// settings, they are pushed directly; with nil settings, the platform is
// asked to fetch them from the running bot server instead.
func (c *Client) SyncBotSettings(ctx context.Context, botName, accessKey string, settings *poe.SettingsResponse) error {
	var req *http.Request
	var err error
	if settings == nil {
		url := fmt.Sprintf("%sfetch_settings/%s/%s/%s", c.baseURL, botName, accessKey, poe.ProtocolVersion)
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	} else {
		var body []byte
		body, err = json.Marshal(settings)
		if err != nil {
			return fmt.Errorf("marshal settings: %w", err)
		}
		url := fmt.Sprintf("%supdate_settings/%s/%s/%s", c.baseURL, botName, accessKey, poe.ProtocolVersion)
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if req != nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return fmt.Errorf("build settings request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		msg := fmt.Sprintf("Error syncing settings for bot %s", botName)
		if settings == nil {
			msg += ". Check that the bot server is running"
		}
		return &poe.BotError{Message: msg, Cause: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return &poe.BotError{Message: fmt.Sprintf("Error syncing settings for bot %s: %s", botName, body)}
	}
	c.logger.Info("settings synced", "bot", botName, "response", string(body))
	return nil
}
