// Binary poebot serves a demo Poe bot: an echo bot that repeats the last
// user message, with a suggested reply.
//
// Usage:
//
//	poebot [flags]
//
// Flags:
//
//	-config  path to YAML config file (optional)
//	-p       port to listen on (default: 8080, overrides config)
//	-v       log to stderr
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/poe-platform/gopoe/pkg/bot"
	"github.com/poe-platform/gopoe/pkg/poe"
)

// echoBot repeats the content of the last message back to the sender.
type echoBot struct {
	bot.BaseHandler
}

func (echoBot) SendResponse(ctx context.Context, req *poe.QueryRequest, w *bot.ResponseWriter) error {
	last := req.Query[len(req.Query)-1]
	if err := w.Text(last.Content); err != nil {
		return err
	}
	return w.SuggestedReply("Say it again")
}

func (echoBot) Settings(ctx context.Context, req *poe.SettingsRequest) (poe.SettingsResponse, error) {
	settings := poe.DefaultSettings()
	settings.AllowAttachments = true
	settings.IntroductionMessage = "Hi, I repeat what you say."
	return settings, nil
}

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	port := flag.Int("p", 0, "port to listen on (default: 8080)")
	verbose := flag.Bool("v", false, "log to stderr")
	flag.Parse()

	var logger *slog.Logger
	if *verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	var cfg *bot.FileConfig
	if *configPath != "" {
		var err error
		cfg, err = bot.LoadFileConfig(*configPath)
		if err != nil {
			fatalf("%v", err)
		}
	}

	srv := bot.New(bot.Options{
		Logger:          logger,
		BaseURL:         configBaseURL(cfg),
		AllowWithoutKey: cfg == nil || cfg.AllowWithoutKey,
	})

	if cfg != nil && len(cfg.Bots) > 0 {
		for _, bc := range cfg.Bots {
			b := &bot.Bot{Name: bc.Name, Path: bc.Path, AccessKey: bc.AccessKey, Handler: echoBot{}}
			if err := srv.Add(b); err != nil {
				fatalf("bot %s: %v", bc.Name, err)
			}
		}
	} else {
		if err := srv.Add(&bot.Bot{Name: "EchoBot", Handler: echoBot{}}); err != nil {
			fatalf("%v", err)
		}
	}

	addr := fmt.Sprintf(":%d", resolvePort(cfg, *port))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(os.Stderr, "poebot listening on %s\n", addr)
	if err := srv.ListenAndServe(ctx, addr); err != nil {
		fatalf("%v", err)
	}
}

func configBaseURL(cfg *bot.FileConfig) string {
	if cfg != nil {
		return cfg.BaseURL
	}
	return ""
}

func resolvePort(cfg *bot.FileConfig, flagPort int) int {
	if flagPort != 0 {
		return flagPort
	}
	if cfg != nil && cfg.Port != 0 {
		return cfg.Port
	}
	return 8080
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "poebot: "+format+"\n", args...)
	os.Exit(1)
}
