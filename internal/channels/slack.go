package channels

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

// SlackConfig configures the Slack adapter (socket mode).
type SlackConfig struct {
	BotToken string // xoxb- token for API calls
	AppToken string // xapp- token for socket mode
	Handler  Handler
	MediaDir string
	Logger   *slog.Logger
}

// Slack is a socket-mode Slack adapter. It reacts to DMs, mentions, and
// thread replies; channel chatter that never addresses the bot is
// ignored.
type Slack struct {
	cfg       SlackConfig
	client    *slack.Client
	socket    *socketmode.Client
	limiter   *RateLimiter
	logger    *slog.Logger
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	botUserMu sync.RWMutex
	botUserID string
}

// NewSlack creates a Slack adapter.
func NewSlack(cfg SlackConfig) (*Slack, error) {
	if cfg.BotToken == "" || cfg.AppToken == "" {
		return nil, fmt.Errorf("slack: bot token and app token are required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("slack: handler is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	return &Slack{
		cfg:     cfg,
		client:  client,
		socket:  socketmode.New(client),
		limiter: NewRateLimiter(1, 5),
		logger:  logger.With("adapter", "slack"),
	}, nil
}

// Name implements Adapter.
func (s *Slack) Name() string { return "slack" }

// Start authenticates and opens the socket-mode connection.
func (s *Slack) Start(ctx context.Context) error {
	auth, err := s.client.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	s.botUserMu.Lock()
	s.botUserID = auth.UserID
	s.botUserMu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.handleEvents(loopCtx)
	}()
	go func() {
		defer s.wg.Done()
		if err := s.socket.RunContext(loopCtx); err != nil && loopCtx.Err() == nil {
			s.logger.Error("socket mode stopped", "error", err)
		}
	}()

	s.logger.Info("slack adapter started", "bot_user", auth.UserID)
	return nil
}

// Stop closes the socket-mode connection.
func (s *Slack) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("slack: stop: %w", ctx.Err())
	}
}

func (s *Slack) handleEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-s.socket.Events:
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeEventsAPI:
				apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					s.socket.Ack(*evt.Request)
					continue
				}
				s.socket.Ack(*evt.Request)
				s.handleEventsAPI(ctx, apiEvent)
			case socketmode.EventTypeSlashCommand, socketmode.EventTypeInteractive:
				s.socket.Ack(*evt.Request)
			case socketmode.EventTypeConnectionError:
				s.logger.Warn("socket mode connection error", "data", evt.Data)
			}
		}
	}
}

func (s *Slack) handleEventsAPI(ctx context.Context, event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := event.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		s.deliver(ctx, ev.Channel, ev.User, ev.Text)
	case *slackevents.MessageEvent:
		if ev.BotID != "" || ev.SubType != "" {
			return
		}
		isDM := strings.HasPrefix(ev.Channel, "D")
		if !isDM && !s.mentionsBot(ev.Text) && ev.ThreadTimeStamp == "" {
			return
		}
		s.deliver(ctx, ev.Channel, ev.User, ev.Text)
	}
}

func (s *Slack) mentionsBot(text string) bool {
	s.botUserMu.RLock()
	defer s.botUserMu.RUnlock()
	return s.botUserID != "" && strings.Contains(text, "<@"+s.botUserID+">")
}

func (s *Slack) deliver(ctx context.Context, channelID, userID, text string) {
	s.botUserMu.RLock()
	botID := s.botUserID
	s.botUserMu.RUnlock()
	if botID != "" {
		text = strings.TrimSpace(strings.ReplaceAll(text, "<@"+botID+">", ""))
	}
	s.cfg.Handler(ctx, newIncoming("slack", channelID, userID, text))
}

// SendText implements Adapter.
func (s *Slack) SendText(ctx context.Context, chatID, text string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	_, _, err := s.client.PostMessageContext(ctx, chatID, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("slack: send text: %w", err)
	}
	return nil
}

// SendFile implements Adapter.
func (s *Slack) SendFile(ctx context.Context, chatID, path, caption string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("slack: stat file: %w", err)
	}
	_, err = s.client.UploadFileV2Context(ctx, slack.UploadFileV2Parameters{
		Channel:        chatID,
		File:           path,
		FileSize:       int(info.Size()),
		Filename:       filepath.Base(path),
		InitialComment: caption,
	})
	if err != nil {
		return fmt.Errorf("slack: upload file: %w", err)
	}
	return nil
}
