package bot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/poe-platform/gopoe/pkg/poe"
)

// SyncSettings pushes each registered bot's settings to the platform
// registry. Bots without a name or access key are skipped with a warning;
// per-bot failures are logged and do not stop the sync or the boot.
func (s *Server) SyncSettings(ctx context.Context) {
	s.mu.RLock()
	bots := make([]*Bot, 0, len(s.bots))
	for _, b := range s.bots {
		bots = append(bots, b)
	}
	s.mu.RUnlock()

	for _, b := range bots {
		if b.Name == "" || b.AccessKey == "" {
			s.logger.Warn("skipping settings sync: bot needs both a name and an access key",
				"path", b.Path)
			continue
		}
		settings, err := b.Handler.Settings(ctx, &poe.SettingsRequest{
			BaseRequest: poe.BaseRequest{Version: poe.ProtocolVersion, Type: poe.RequestTypeSettings},
		})
		if err != nil {
			s.logger.Error("settings hook failed", "bot", b.Name, "error", err)
			continue
		}
		if err := s.UpdateSettings(ctx, b.Name, b.AccessKey, settings); err != nil {
			s.logger.Error("settings sync failed", "bot", b.Name, "error", err)
			continue
		}
		s.logger.Info("settings synced", "bot", b.Name)
	}
}

// UpdateSettings pushes the given settings for one bot to the platform.
func (s *Server) UpdateSettings(ctx context.Context, botName, accessKey string, settings poe.SettingsResponse) error {
	body, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	url := fmt.Sprintf("%supdate_settings/%s/%s/%s", s.baseURL, botName, accessKey, poe.ProtocolVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build settings request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("post settings: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return &poe.BotError{Message: fmt.Sprintf("error syncing settings for bot %s: %s", botName, b)}
	}
	return nil
}
