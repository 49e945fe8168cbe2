package channels

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pocketmind/pocketmind/pkg/models"
)

type plainAdapter struct {
	texts []string
	files []string
}

func (p *plainAdapter) Name() string                        { return "plain" }
func (p *plainAdapter) Start(ctx context.Context) error     { return nil }
func (p *plainAdapter) Stop(ctx context.Context) error      { return nil }
func (p *plainAdapter) SendText(ctx context.Context, chatID, text string) error {
	p.texts = append(p.texts, text)
	return nil
}
func (p *plainAdapter) SendFile(ctx context.Context, chatID, path, caption string) error {
	p.files = append(p.files, path)
	return nil
}

type richAdapter struct {
	plainAdapter
	images []string
	voices []string
}

func (r *richAdapter) SendImage(ctx context.Context, chatID, path, caption string) error {
	r.images = append(r.images, path)
	return nil
}
func (r *richAdapter) SendVoice(ctx context.Context, chatID, path, caption string) error {
	r.voices = append(r.voices, path)
	return nil
}

func TestSendImageDowngradesToFile(t *testing.T) {
	ctx := context.Background()

	plain := &plainAdapter{}
	if err := SendImage(ctx, plain, "c1", "/tmp/pic.png", ""); err != nil {
		t.Fatalf("SendImage: %v", err)
	}
	if len(plain.files) != 1 || len(plain.texts) != 0 {
		t.Errorf("downgrade did not use SendFile: files=%v", plain.files)
	}

	rich := &richAdapter{}
	if err := SendImage(ctx, rich, "c1", "/tmp/pic.png", ""); err != nil {
		t.Fatalf("SendImage rich: %v", err)
	}
	if len(rich.images) != 1 || len(rich.files) != 0 {
		t.Errorf("native image capability not used")
	}
	if err := SendVoice(ctx, rich, "c1", "/tmp/note.ogg", ""); err != nil {
		t.Fatalf("SendVoice rich: %v", err)
	}
	if len(rich.voices) != 1 {
		t.Errorf("native voice capability not used")
	}
}

func TestRateLimiterAllowsBurstThenBlocks(t *testing.T) {
	r := NewRateLimiter(1, 3)
	for i := 0; i < 3; i++ {
		if !r.Allow() {
			t.Fatalf("burst token %d denied", i)
		}
	}
	if r.Allow() {
		t.Error("token granted past capacity")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := r.Wait(ctx); err == nil {
		t.Error("Wait returned before refill")
	}
}

func TestSplitChatID(t *testing.T) {
	kind, id, err := splitChatID("private:42")
	if err != nil || kind != "private" || id != 42 {
		t.Errorf("private parse: %s %d %v", kind, id, err)
	}
	kind, id, err = splitChatID("group:900")
	if err != nil || kind != "group" || id != 900 {
		t.Errorf("group parse: %s %d %v", kind, id, err)
	}
	for _, bad := range []string{"42", "channel:42", "group:abc", ""} {
		if _, _, err := splitChatID(bad); err == nil {
			t.Errorf("splitChatID(%q) accepted", bad)
		}
	}
}

func TestOneBotRoundTrip(t *testing.T) {
	var mu sync.Mutex
	var got []*models.IncomingMessage

	adapter, err := NewOneBot(OneBotConfig{
		ListenAddr: ":0",
		Handler: func(ctx context.Context, msg *models.IncomingMessage) {
			mu.Lock()
			got = append(got, msg)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("NewOneBot: %v", err)
	}
	adapter.ctx, adapter.cancel = context.WithCancel(context.Background())
	defer adapter.cancel()

	srv := httptest.NewServer(http.HandlerFunc(adapter.handleConnect))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	event := `{"post_type":"message","message_type":"group","user_id":7,"group_id":99,"raw_message":"hello there"}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(event)); err != nil {
		t.Fatalf("write event: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("handler never received the event")
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	msg := got[0]
	mu.Unlock()
	if msg.Channel != "onebot" || msg.ChatID != "group:99" || msg.UserID != "7" {
		t.Errorf("normalized message = %+v", msg)
	}
	if msg.Text != "hello there" {
		t.Errorf("text = %q", msg.Text)
	}

	// Outbound action arrives on the same connection.
	if err := adapter.SendText(context.Background(), "group:99", "hi back"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var action oneBotAction
	if err := conn.ReadJSON(&action); err != nil {
		t.Fatalf("read action: %v", err)
	}
	if action.Action != "send_msg" {
		t.Errorf("action = %q", action.Action)
	}
	if gid, ok := action.Params["group_id"].(float64); !ok || int64(gid) != 99 {
		t.Errorf("group_id = %v", action.Params["group_id"])
	}
}

func TestOneBotIgnoresNonMessageEvents(t *testing.T) {
	var data = `{"post_type":"meta_event","meta_event_type":"heartbeat"}`
	var event oneBotEvent
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if event.PostType == "message" {
		t.Error("heartbeat classified as message")
	}
}
