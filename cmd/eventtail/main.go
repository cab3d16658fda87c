// eventtail connects to the realtime server and prints every event it receives.
// Usage: go run ./cmd/eventtail --config configs/realtime.example.yaml --task 42
//
// The token comes from --token, --token-file, or TASKLINK_REALTIME_TOKEN.
// Without --config, settings are read from TASKLINK_REALTIME_* variables.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rickgao/tasklink/internal/auth"
	"github.com/rickgao/tasklink/internal/config"
	"github.com/rickgao/tasklink/internal/connection"
	"github.com/rickgao/tasklink/internal/events"
	"github.com/rickgao/tasklink/internal/model"
	"github.com/rickgao/tasklink/internal/realtime"
	"github.com/rickgao/tasklink/internal/syncbridge"
	"github.com/rickgao/tasklink/internal/version"
)

type roomList []string

func (r *roomList) String() string     { return strings.Join(*r, ",") }
func (r *roomList) Set(v string) error { *r = append(*r, v); return nil }

func main() {
	configPath := flag.String("config", "", "path to config file (default: environment only)")
	token := flag.String("token", os.Getenv(config.EnvPrefix+"TOKEN"), "bearer token")
	tokenFile := flag.String("token-file", "", "read the bearer token from a file")
	verbose := flag.Bool("verbose", false, "print full event JSON")
	showVersion := flag.Bool("version", false, "print version and exit")
	var tasks, chats roomList
	flag.Var(&tasks, "task", "task id to follow (repeatable)")
	flag.Var(&chats, "chat", "chat id to follow (repeatable)")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	cred, err := auth.LoadCredential(*token, *tokenFile)
	if err != nil {
		logger.Error("failed to load credential", "error", err)
		os.Exit(1)
	}
	if exp, ok := cred.ExpiresAt(); ok {
		logger.Info("using credential", "token", cred, "expires_at", exp)
	}

	client, err := realtime.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create client", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	client.OnStateChange(func(c connection.StateChange) {
		if c.Err != nil {
			logger.Warn("connection state", "from", c.From, "to", c.To, "error", c.Err)
			return
		}
		logger.Info("connection state", "from", c.From, "to", c.To)
	})

	client.Events().OnMany(model.Topics(), func(ev events.Event) {
		printEvent(ev, *verbose, logger)
	})

	client.Sync(logCache{logger}, logNotifier{logger})

	logger.Info("connecting",
		"url", cfg.Endpoint.URL,
		"transports", cfg.Endpoint.Transports,
		"request_timeout", client.Requests().Timeout(),
	)
	if err := client.ConnectWith(ctx, cred); err != nil {
		logger.Error("failed to connect", "error", err)
		os.Exit(1)
	}

	for _, id := range tasks {
		sub, err := client.Rooms().SubscribeToTask(ctx, id, func(p model.Payload) {
			logger.Debug("task room event", "task", id, "topic", p.Topic())
		})
		if err != nil {
			logger.Error("failed to follow task", "task", id, "error", err)
			continue
		}
		logger.Info("following", "room", sub.Room())
	}
	for _, id := range chats {
		sub, err := client.Rooms().SubscribeToChat(ctx, id, func(p model.Payload) {
			logger.Debug("chat room event", "chat", id, "topic", p.Topic())
		})
		if err != nil {
			logger.Error("failed to follow chat", "chat", id, "error", err)
			continue
		}
		logger.Info("following", "room", sub.Room())
	}

	// Stats printer
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return
		case <-ticker.C:
			logger.Info("stats", "state", client.State(), "rooms", client.Rooms().Rooms())
		}
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.FromEnv()
	}
	return config.LoadAndValidate(path)
}

func printEvent(ev events.Event, verbose bool, logger *slog.Logger) {
	if verbose {
		logger.Info("event", "topic", ev.Topic, "data", string(ev.Data))
		return
	}
	p, err := ev.Decode()
	if err != nil {
		logger.Warn("undecodable event", "topic", ev.Topic, "error", err)
		return
	}
	logger.Info("event", "topic", ev.Topic, "scope", p.ScopeID())
}

// logCache prints invalidations instead of clearing a real cache.
type logCache struct{ logger *slog.Logger }

func (c logCache) InvalidateQueries(key syncbridge.QueryKey) {
	c.logger.Debug("invalidate", "key", strings.Join(key, "/"))
}

type logNotifier struct{ logger *slog.Logger }

func (n logNotifier) Notify(notice syncbridge.Notice) {
	n.logger.Info("notice", "level", notice.Level, "title", notice.Title, "message", notice.Message)
}
