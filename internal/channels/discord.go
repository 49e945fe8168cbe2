package channels

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/pocketmind/pocketmind/pkg/models"
)

// DiscordConfig configures the Discord adapter.
type DiscordConfig struct {
	Token    string
	Handler  Handler
	MediaDir string
	Logger   *slog.Logger
}

// Discord is a gateway-websocket Discord adapter.
type Discord struct {
	cfg     DiscordConfig
	session *discordgo.Session
	limiter *RateLimiter
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	started bool
}

// NewDiscord creates a Discord adapter.
func NewDiscord(cfg DiscordConfig) (*Discord, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord: token is required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("discord: handler is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		cfg:     cfg,
		limiter: NewRateLimiter(5, 10),
		logger:  logger.With("adapter", "discord"),
	}, nil
}

// Name implements Adapter.
func (d *Discord) Name() string { return "discord" }

// Start opens the gateway websocket.
func (d *Discord) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return fmt.Errorf("discord: already started")
	}

	s, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: create session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	d.ctx, d.cancel = context.WithCancel(ctx)
	s.AddHandler(d.handleMessageCreate)

	if err := s.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	d.session = s
	d.started = true
	d.logger.Info("discord adapter started")
	return nil
}

// Stop closes the gateway websocket.
func (d *Discord) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return nil
	}
	if d.cancel != nil {
		d.cancel()
	}
	d.started = false
	if err := d.session.Close(); err != nil {
		return fmt.Errorf("discord: close session: %w", err)
	}
	d.logger.Info("discord adapter stopped")
	return nil
}

func (d *Discord) handleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}

	ctx := d.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	in := newIncoming("discord", m.ChannelID, m.Author.ID, m.Content)
	in.Raw = m.Message

	for _, att := range m.Attachments {
		path, err := downloadMedia(d.cfg.MediaDir, att.URL, att.Filename, "")
		if err != nil {
			d.logger.Warn("attachment download failed", "filename", att.Filename, "error", err)
			continue
		}
		ref := models.MediaRef{LocalPath: path, MimeType: att.ContentType}
		switch {
		case strings.HasPrefix(att.ContentType, "image/"):
			ref.MediaType = "image"
			in.Images = append(in.Images, ref)
		case strings.HasPrefix(att.ContentType, "audio/"):
			ref.MediaType = "voice"
			in.Voices = append(in.Voices, ref)
		default:
			ref.MediaType = "document"
			in.Attachments = append(in.Attachments, ref)
		}
	}

	d.cfg.Handler(ctx, in)
}

// SendText implements Adapter.
func (d *Discord) SendText(ctx context.Context, chatID, text string) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := d.session.ChannelMessageSend(chatID, text); err != nil {
		return fmt.Errorf("discord: send text: %w", err)
	}
	return nil
}

// SendFile implements Adapter. Discord renders images inline from plain
// file uploads, so no separate image capability is needed.
func (d *Discord) SendFile(ctx context.Context, chatID, path, caption string) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("discord: open file: %w", err)
	}
	defer f.Close()
	if _, err := d.session.ChannelFileSendWithMessage(chatID, caption, filepath.Base(path), f); err != nil {
		return fmt.Errorf("discord: send file: %w", err)
	}
	return nil
}
