package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// OneBotConfig configures the OneBot reverse-websocket adapter. The
// OneBot implementation connects to us, so the adapter runs a small
// websocket server.
type OneBotConfig struct {
	// ListenAddr is the reverse-websocket listen address, e.g. ":8090".
	ListenAddr string

	// AccessToken, when set, must match the Bearer token the client
	// presents on connect.
	AccessToken string

	Handler Handler
	Logger  *slog.Logger
}

// OneBot speaks the OneBot v11 event/action protocol over a reverse
// websocket. Chat ids are "private:<user_id>" or "group:<group_id>".
type OneBot struct {
	cfg      OneBotConfig
	upgrader websocket.Upgrader
	server   *http.Server
	logger   *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// oneBotEvent is the subset of OneBot v11 events the adapter consumes.
type oneBotEvent struct {
	PostType    string `json:"post_type"`
	MessageType string `json:"message_type"`
	UserID      int64  `json:"user_id"`
	GroupID     int64  `json:"group_id"`
	RawMessage  string `json:"raw_message"`
}

type oneBotAction struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
	Echo   string         `json:"echo"`
}

// NewOneBot creates a OneBot adapter.
func NewOneBot(cfg OneBotConfig) (*OneBot, error) {
	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("onebot: listen address is required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("onebot: handler is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &OneBot{
		cfg:      cfg,
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		logger:   logger.With("adapter", "onebot"),
	}, nil
}

// Name implements Adapter.
func (o *OneBot) Name() string { return "onebot" }

// Start launches the reverse-websocket listener.
func (o *OneBot) Start(ctx context.Context) error {
	o.ctx, o.cancel = context.WithCancel(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/", o.handleConnect)
	o.server = &http.Server{Addr: o.cfg.ListenAddr, Handler: mux}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.logger.Info("onebot adapter listening", "addr", o.cfg.ListenAddr)
		if err := o.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			o.logger.Error("onebot listener stopped", "error", err)
		}
	}()
	return nil
}

// Stop shuts the listener down and drops the active connection.
func (o *OneBot) Stop(ctx context.Context) error {
	if o.cancel != nil {
		o.cancel()
	}
	if o.server != nil {
		if err := o.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("onebot: shutdown: %w", err)
		}
	}
	o.connMu.Lock()
	if o.conn != nil {
		o.conn.Close()
		o.conn = nil
	}
	o.connMu.Unlock()
	o.wg.Wait()
	return nil
}

func (o *OneBot) handleConnect(w http.ResponseWriter, r *http.Request) {
	if o.cfg.AccessToken != "" {
		auth := r.Header.Get("Authorization")
		if auth != "Bearer "+o.cfg.AccessToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	conn, err := o.upgrader.Upgrade(w, r, nil)
	if err != nil {
		o.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	o.connMu.Lock()
	if o.conn != nil {
		// Latest connection wins.
		o.conn.Close()
	}
	o.conn = conn
	o.connMu.Unlock()
	o.logger.Info("onebot client connected", "remote", r.RemoteAddr)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.readLoop(conn)
	}()
}

func (o *OneBot) readLoop(conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if o.ctx.Err() == nil {
				o.logger.Warn("onebot read failed", "error", err)
			}
			return
		}
		var event oneBotEvent
		if err := json.Unmarshal(data, &event); err != nil {
			o.logger.Warn("onebot event parse failed", "error", err)
			continue
		}
		if event.PostType != "message" {
			// Heartbeats, notices, and action replies.
			continue
		}

		chatID := "private:" + strconv.FormatInt(event.UserID, 10)
		if event.MessageType == "group" {
			chatID = "group:" + strconv.FormatInt(event.GroupID, 10)
		}
		in := newIncoming("onebot", chatID, strconv.FormatInt(event.UserID, 10), event.RawMessage)
		in.Raw = json.RawMessage(data)
		o.cfg.Handler(o.ctx, in)
	}
}

func (o *OneBot) send(action string, params map[string]any) error {
	o.connMu.Lock()
	defer o.connMu.Unlock()
	if o.conn == nil {
		return fmt.Errorf("onebot: no client connected")
	}
	payload := oneBotAction{Action: action, Params: params, Echo: uuid.NewString()}
	o.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := o.conn.WriteJSON(payload); err != nil {
		return fmt.Errorf("onebot: write %s: %w", action, err)
	}
	return nil
}

// splitChatID parses "private:123" / "group:456".
func splitChatID(chatID string) (kind string, id int64, err error) {
	kind, raw, ok := strings.Cut(chatID, ":")
	if !ok || (kind != "private" && kind != "group") {
		return "", 0, fmt.Errorf("onebot: malformed chat id %q", chatID)
	}
	id, err = strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("onebot: malformed chat id %q", chatID)
	}
	return kind, id, nil
}

// SendText implements Adapter.
func (o *OneBot) SendText(ctx context.Context, chatID, text string) error {
	kind, id, err := splitChatID(chatID)
	if err != nil {
		return err
	}
	params := map[string]any{"message_type": kind, "message": text}
	if kind == "group" {
		params["group_id"] = id
	} else {
		params["user_id"] = id
	}
	return o.send("send_msg", params)
}

// SendFile implements Adapter. File transfer uses the upload actions the
// common OneBot implementations expose.
func (o *OneBot) SendFile(ctx context.Context, chatID, path, caption string) error {
	kind, id, err := splitChatID(chatID)
	if err != nil {
		return err
	}
	name := filepath.Base(path)
	if kind == "group" {
		return o.send("upload_group_file", map[string]any{
			"group_id": id, "file": path, "name": name,
		})
	}
	return o.send("upload_private_file", map[string]any{
		"user_id": id, "file": path, "name": name,
	})
}

// SendImage implements ImageSender via an image message segment.
func (o *OneBot) SendImage(ctx context.Context, chatID, path, caption string) error {
	kind, id, err := splitChatID(chatID)
	if err != nil {
		return err
	}
	segments := []map[string]any{
		{"type": "image", "data": map[string]any{"file": "file://" + path}},
	}
	if caption != "" {
		segments = append(segments, map[string]any{
			"type": "text", "data": map[string]any{"text": caption},
		})
	}
	params := map[string]any{"message_type": kind, "message": segments}
	if kind == "group" {
		params["group_id"] = id
	} else {
		params["user_id"] = id
	}
	return o.send("send_msg", params)
}

// SendVoice implements VoiceSender via a record message segment.
func (o *OneBot) SendVoice(ctx context.Context, chatID, path, caption string) error {
	kind, id, err := splitChatID(chatID)
	if err != nil {
		return err
	}
	segments := []map[string]any{
		{"type": "record", "data": map[string]any{"file": "file://" + path}},
	}
	params := map[string]any{"message_type": kind, "message": segments}
	if kind == "group" {
		params["group_id"] = id
	} else {
		params["user_id"] = id
	}
	return o.send("send_msg", params)
}
