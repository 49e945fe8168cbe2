package channels

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/pocketmind/pocketmind/pkg/models"
)

// TelegramConfig configures the Telegram adapter.
type TelegramConfig struct {
	Token    string
	Handler  Handler
	MediaDir string
	Logger   *slog.Logger
}

// Telegram is a long-polling Telegram adapter. Inbound photos and voice
// notes are downloaded to the media directory so the agent can reach
// them by local path.
type Telegram struct {
	cfg     TelegramConfig
	bot     *bot.Bot
	limiter *RateLimiter
	logger  *slog.Logger
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewTelegram creates a Telegram adapter.
func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram: token is required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("telegram: handler is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Telegram{
		cfg: cfg,
		// Telegram allows roughly 30 messages per second.
		limiter: NewRateLimiter(30, 20),
		logger:  logger.With("adapter", "telegram"),
	}, nil
}

// Name implements Adapter.
func (t *Telegram) Name() string { return "telegram" }

// Start opens the long-poll loop.
func (t *Telegram) Start(ctx context.Context) error {
	b, err := bot.New(t.cfg.Token, bot.WithDefaultHandler(t.handleUpdate))
	if err != nil {
		return fmt.Errorf("telegram: create bot: %w", err)
	}
	t.bot = b

	loopCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.logger.Info("telegram adapter started")
		b.Start(loopCtx)
		t.logger.Info("telegram adapter stopped")
	}()
	return nil
}

// Stop cancels the long-poll loop and waits for it to drain.
func (t *Telegram) Stop(ctx context.Context) error {
	if t.cancel != nil {
		t.cancel()
	}
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("telegram: stop: %w", ctx.Err())
	}
}

func (t *Telegram) handleUpdate(ctx context.Context, b *bot.Bot, update *tgmodels.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	in := newIncoming("telegram",
		strconv.FormatInt(msg.Chat.ID, 10),
		strconv.FormatInt(msg.From.ID, 10),
		text)
	in.Raw = msg

	if len(msg.Photo) > 0 {
		// Telegram sends several resolutions; the last is the largest.
		photo := msg.Photo[len(msg.Photo)-1]
		if path, err := t.download(ctx, photo.FileID, "photo.jpg"); err != nil {
			t.logger.Warn("photo download failed", "error", err)
		} else {
			in.Images = append(in.Images, models.MediaRef{
				LocalPath: path, MediaType: "image", MimeType: "image/jpeg",
			})
		}
	}
	if msg.Voice != nil {
		if path, err := t.download(ctx, msg.Voice.FileID, "voice.ogg"); err != nil {
			t.logger.Warn("voice download failed", "error", err)
		} else {
			in.Voices = append(in.Voices, models.MediaRef{
				LocalPath: path, MediaType: "voice", MimeType: msg.Voice.MimeType,
				DurationS: float64(msg.Voice.Duration),
			})
		}
	}
	if msg.Document != nil {
		if path, err := t.download(ctx, msg.Document.FileID, msg.Document.FileName); err != nil {
			t.logger.Warn("document download failed", "error", err)
		} else {
			in.Attachments = append(in.Attachments, models.MediaRef{
				LocalPath: path, MediaType: "document", MimeType: msg.Document.MimeType,
			})
		}
	}

	t.cfg.Handler(ctx, in)
}

func (t *Telegram) download(ctx context.Context, fileID, name string) (string, error) {
	file, err := t.bot.GetFile(ctx, &bot.GetFileParams{FileID: fileID})
	if err != nil {
		return "", fmt.Errorf("get file %s: %w", fileID, err)
	}
	return downloadMedia(t.cfg.MediaDir, t.bot.FileDownloadLink(file), name, "")
}

func telegramChatID(chatID string) any {
	if id, err := strconv.ParseInt(chatID, 10, 64); err == nil {
		return id
	}
	return chatID
}

// SendText implements Adapter.
func (t *Telegram) SendText(ctx context.Context, chatID, text string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := t.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: telegramChatID(chatID),
		Text:   text,
	})
	if err != nil {
		return fmt.Errorf("telegram: send text: %w", err)
	}
	return nil
}

// SendFile implements Adapter.
func (t *Telegram) SendFile(ctx context.Context, chatID, path, caption string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("telegram: open file: %w", err)
	}
	defer f.Close()
	_, err = t.bot.SendDocument(ctx, &bot.SendDocumentParams{
		ChatID:   telegramChatID(chatID),
		Document: &tgmodels.InputFileUpload{Filename: filepath.Base(path), Data: f},
		Caption:  caption,
	})
	if err != nil {
		return fmt.Errorf("telegram: send file: %w", err)
	}
	return nil
}

// SendImage implements ImageSender.
func (t *Telegram) SendImage(ctx context.Context, chatID, path, caption string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("telegram: open image: %w", err)
	}
	defer f.Close()
	_, err = t.bot.SendPhoto(ctx, &bot.SendPhotoParams{
		ChatID:  telegramChatID(chatID),
		Photo:   &tgmodels.InputFileUpload{Filename: filepath.Base(path), Data: f},
		Caption: caption,
	})
	if err != nil {
		return fmt.Errorf("telegram: send image: %w", err)
	}
	return nil
}

// SendVoice implements VoiceSender.
func (t *Telegram) SendVoice(ctx context.Context, chatID, path, caption string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("telegram: open voice: %w", err)
	}
	defer f.Close()
	_, err = t.bot.SendVoice(ctx, &bot.SendVoiceParams{
		ChatID:  telegramChatID(chatID),
		Voice:   &tgmodels.InputFileUpload{Filename: filepath.Base(path), Data: f},
		Caption: caption,
	})
	if err != nil {
		return fmt.Errorf("telegram: send voice: %w", err)
	}
	return nil
}
