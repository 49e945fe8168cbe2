// Package channels normalizes IM platforms behind a single adapter
// contract: adapters own their connection, convert platform events into
// IncomingMessage, and expose text/file sending with optional image and
// voice capabilities.
package channels

import (
	"context"
	"time"

	"github.com/pocketmind/pocketmind/pkg/models"
)

// Handler receives every normalized inbound message from an adapter.
type Handler func(ctx context.Context, msg *models.IncomingMessage)

// Adapter is the contract every channel implements.
type Adapter interface {
	// Name identifies the channel ("telegram", "discord", ...). It is the
	// Channel field of every message the adapter produces.
	Name() string

	// Start opens the connection and begins delivering messages to the
	// handler. It returns once the adapter is running; delivery happens on
	// adapter-owned goroutines until the context is cancelled.
	Start(ctx context.Context) error

	// Stop shuts the adapter down, waiting up to the context deadline.
	Stop(ctx context.Context) error

	SendText(ctx context.Context, chatID, text string) error
	SendFile(ctx context.Context, chatID, path, caption string) error
}

// ImageSender is implemented by adapters with a native image send.
type ImageSender interface {
	SendImage(ctx context.Context, chatID, path, caption string) error
}

// VoiceSender is implemented by adapters with a native voice send.
type VoiceSender interface {
	SendVoice(ctx context.Context, chatID, path, caption string) error
}

// SendImage sends an image through the adapter, downgrading to a plain
// file send when the adapter has no native image capability.
func SendImage(ctx context.Context, a Adapter, chatID, path, caption string) error {
	if s, ok := a.(ImageSender); ok {
		return s.SendImage(ctx, chatID, path, caption)
	}
	return a.SendFile(ctx, chatID, path, caption)
}

// SendVoice sends a voice clip through the adapter, downgrading to a
// plain file send when the adapter has no native voice capability.
func SendVoice(ctx context.Context, a Adapter, chatID, path, caption string) error {
	if s, ok := a.(VoiceSender); ok {
		return s.SendVoice(ctx, chatID, path, caption)
	}
	return a.SendFile(ctx, chatID, path, caption)
}

// newIncoming builds the common envelope for an inbound message.
func newIncoming(channel, chatID, userID, text string) *models.IncomingMessage {
	return &models.IncomingMessage{
		Channel:    channel,
		ChatID:     chatID,
		UserID:     userID,
		Text:       text,
		ReceivedAt: time.Now(),
	}
}
