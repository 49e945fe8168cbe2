package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/pocketmind/pocketmind/internal/config"
	"github.com/pocketmind/pocketmind/internal/llm"
	"github.com/pocketmind/pocketmind/internal/sessions"
	"github.com/pocketmind/pocketmind/pkg/models"
)

type fakeAdapter struct {
	mu    sync.Mutex
	name  string
	sent  []string
	files []string
}

func (f *fakeAdapter) Name() string                    { return f.name }
func (f *fakeAdapter) Start(ctx context.Context) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error  { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, chatID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, chatID+": "+text)
	return nil
}

func (f *fakeAdapter) SendFile(ctx context.Context, chatID, path, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files = append(f.files, path)
	return nil
}

func (f *fakeAdapter) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type fakeAgent struct {
	mu    sync.Mutex
	seen  []string
	reply string
	err   error
}

func (f *fakeAgent) Process(ctx context.Context, session *models.Session, text string) (string, error) {
	f.mu.Lock()
	f.seen = append(f.seen, text)
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	session.Append(models.UserText(text))
	session.Append(models.AssistantText(f.reply))
	return f.reply, nil
}

type fakeInterrupter struct {
	running   bool
	cancelled int
	skipped   int
	inserted  []string
}

func (f *fakeInterrupter) Running(string) bool { return f.running }
func (f *fakeInterrupter) Cancel(string) bool {
	if f.running {
		f.cancelled++
	}
	return f.running
}
func (f *fakeInterrupter) Skip(string) bool {
	if f.running {
		f.skipped++
	}
	return f.running
}
func (f *fakeInterrupter) Insert(_, text string) bool {
	if f.running {
		f.inserted = append(f.inserted, text)
	}
	return f.running
}

type fakeSTT struct {
	text string
	err  error
}

func (f *fakeSTT) Enabled() bool { return true }
func (f *fakeSTT) Transcribe(ctx context.Context, path string) (string, error) {
	return f.text, f.err
}

func inbound(text string) *models.IncomingMessage {
	return &models.IncomingMessage{
		Channel: "telegram", ChatID: "c1", UserID: "u1", Text: text,
	}
}

func TestInboundFlowsThroughAgentAndBack(t *testing.T) {
	adapter := &fakeAdapter{name: "telegram"}
	agent := &fakeAgent{reply: "here is your answer"}
	g := New(sessions.NewManager(), agent)
	g.Register(adapter)

	g.HandleIncoming(context.Background(), inbound("what is the plan?"))

	if len(agent.seen) != 1 || agent.seen[0] != "what is the plan?" {
		t.Errorf("agent saw %v", agent.seen)
	}
	sent := adapter.messages()
	if len(sent) != 1 || sent[0] != "c1: here is your answer" {
		t.Errorf("adapter sent %v", sent)
	}
}

func TestAgentErrorSendsFriendlyMessage(t *testing.T) {
	adapter := &fakeAdapter{name: "telegram"}
	g := New(sessions.NewManager(), &fakeAgent{err: errors.New("model exploded")})
	g.Register(adapter)

	g.HandleIncoming(context.Background(), inbound("hi"))

	sent := adapter.messages()
	if len(sent) != 1 || strings.Contains(sent[0], "model exploded") {
		t.Errorf("internal error leaked to chat: %v", sent)
	}
}

func TestVoiceTranscriptionAndFallback(t *testing.T) {
	adapter := &fakeAdapter{name: "telegram"}
	agent := &fakeAgent{reply: "ok"}
	g := New(sessions.NewManager(), agent, WithTranscriber(&fakeSTT{text: "remind me at nine"}))
	g.Register(adapter)

	msg := inbound("")
	msg.Voices = []models.MediaRef{{LocalPath: "/tmp/v.ogg", DurationS: 7}}
	g.HandleIncoming(context.Background(), msg)
	if len(agent.seen) != 1 || agent.seen[0] != "remind me at nine" {
		t.Errorf("transcript not delivered: %v", agent.seen)
	}

	// A failing transcriber leaves the duration marker instead.
	g2 := New(sessions.NewManager(), agent, WithTranscriber(&fakeSTT{err: errors.New("down")}))
	g2.Register(adapter)
	msg2 := inbound("")
	msg2.Voices = []models.MediaRef{{LocalPath: "/tmp/v.ogg", DurationS: 7}}
	g2.HandleIncoming(context.Background(), msg2)
	if got := agent.seen[len(agent.seen)-1]; got != "[voice: 7s]" {
		t.Errorf("fallback marker = %q", got)
	}
}

func TestPendingMediaDecoratesSession(t *testing.T) {
	mgr := sessions.NewManager()
	agent := &fakeAgent{reply: "ok"}
	g := New(mgr, agent)
	g.Register(&fakeAdapter{name: "telegram"})

	msg := inbound("look at this")
	msg.Images = []models.MediaRef{{LocalPath: "/tmp/a.jpg", MediaType: "image"}}
	g.HandleIncoming(context.Background(), msg)

	session, err := mgr.Resolve(context.Background(), models.SessionKey{
		Channel: "telegram", ChatID: "c1", UserID: "u1",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	raw, ok := session.Meta(MetaPendingImages)
	if !ok {
		t.Fatal("pending_images not set")
	}
	refs := raw.([]models.MediaRef)
	if len(refs) != 1 || refs[0].LocalPath != "/tmp/a.jpg" {
		t.Errorf("pending images = %+v", refs)
	}
	if _, ok := session.Meta(MetaCurrentMessage); !ok {
		t.Error("_current_message not set")
	}
}

func TestStopAndSkipRouteToInterrupts(t *testing.T) {
	adapter := &fakeAdapter{name: "telegram"}
	agent := &fakeAgent{reply: "should not run"}
	ints := &fakeInterrupter{running: true}
	g := New(sessions.NewManager(), agent, WithInterrupts(ints))
	g.Register(adapter)

	g.HandleIncoming(context.Background(), inbound("/stop"))
	g.HandleIncoming(context.Background(), inbound("/skip"))
	if ints.cancelled != 1 || ints.skipped != 1 {
		t.Errorf("cancel=%d skip=%d", ints.cancelled, ints.skipped)
	}
	if len(agent.seen) != 0 {
		t.Errorf("commands reached the agent: %v", agent.seen)
	}

	// With nothing running, commands answer instead of erroring.
	ints.running = false
	g.HandleIncoming(context.Background(), inbound("/stop"))
	sent := adapter.messages()
	if sent[len(sent)-1] != "c1: Nothing is running." {
		t.Errorf("idle /stop reply = %q", sent[len(sent)-1])
	}
}

func TestMessageJoinsRunningTurn(t *testing.T) {
	adapter := &fakeAdapter{name: "telegram"}
	agent := &fakeAgent{reply: "x"}
	ints := &fakeInterrupter{running: true}
	g := New(sessions.NewManager(), agent, WithInterrupts(ints))
	g.Register(adapter)

	g.HandleIncoming(context.Background(), inbound("also check the logs"))
	if len(ints.inserted) != 1 || ints.inserted[0] != "also check the logs" {
		t.Errorf("inserted = %v", ints.inserted)
	}
	if len(agent.seen) != 0 {
		t.Errorf("message started a second run: %v", agent.seen)
	}
}

type stubBackend struct{}

func (stubBackend) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{Blocks: []models.ContentBlock{models.TextBlock("ok")}}, nil
}

func testLLM(t *testing.T) *llm.Client {
	t.Helper()
	file := &config.EndpointsFile{
		Endpoints: []config.EndpointConfig{
			{Name: "primary", APIType: config.APIOpenAI, BaseURL: "http://x", Model: "m1", Priority: 1,
				Capabilities: []config.Capability{config.CapText}, Timeout: 10},
			{Name: "backup", APIType: config.APIOpenAI, BaseURL: "http://y", Model: "m2", Priority: 2,
				Capabilities: []config.Capability{config.CapText}, Timeout: 10},
		},
		Settings: config.DefaultSettings(),
	}
	client, err := llm.New(file, llm.WithBackendFactory(
		func(cfg config.EndpointConfig) (llm.Backend, error) { return stubBackend{}, nil }))
	if err != nil {
		t.Fatalf("llm.New: %v", err)
	}
	return client
}

func TestModelCommands(t *testing.T) {
	adapter := &fakeAdapter{name: "telegram"}
	agent := &fakeAgent{reply: "x"}
	client := testLLM(t)
	g := New(sessions.NewManager(), agent, WithLLM(client))
	g.Register(adapter)
	ctx := context.Background()

	g.HandleIncoming(ctx, inbound("/model backup"))
	sent := adapter.messages()
	if !strings.Contains(sent[len(sent)-1], "Switched to backup (m2)") {
		t.Errorf("switch reply = %q", sent[len(sent)-1])
	}

	g.HandleIncoming(ctx, inbound("/model nope"))
	sent = adapter.messages()
	if !strings.Contains(sent[len(sent)-1], `Unknown endpoint "nope"`) {
		t.Errorf("unknown reply = %q", sent[len(sent)-1])
	}

	// Switching to an endpoint in cooldown reports the remaining time,
	// not a stack trace.
	p, _ := client.EndpointByName("backup")
	p.MarkUnhealthy(fmt.Errorf("429"), llm.CategoryQuota)
	g.HandleIncoming(ctx, inbound("/model backup"))
	sent = adapter.messages()
	if !strings.Contains(sent[len(sent)-1], "cooling down") {
		t.Errorf("cooldown reply = %q", sent[len(sent)-1])
	}

	g.HandleIncoming(ctx, inbound("/restore"))
	sent = adapter.messages()
	if !strings.Contains(sent[len(sent)-1], "override cleared") {
		t.Errorf("restore reply = %q", sent[len(sent)-1])
	}

	if len(agent.seen) != 0 {
		t.Errorf("commands leaked to the agent: %v", agent.seen)
	}
}

func TestChatHistoryReadsNewestSession(t *testing.T) {
	mgr := sessions.NewManager()
	agent := &fakeAgent{reply: "noted"}
	g := New(mgr, agent)
	g.Register(&fakeAdapter{name: "telegram"})

	g.HandleIncoming(context.Background(), inbound("first message"))
	history, err := g.ChatHistory(context.Background(), "telegram", "c1", 10)
	if err != nil {
		t.Fatalf("ChatHistory: %v", err)
	}
	if len(history) != 2 || history[0].PlainText() != "first message" {
		t.Errorf("history = %+v", history)
	}

	history, err = g.ChatHistory(context.Background(), "telegram", "nope", 10)
	if err != nil || history != nil {
		t.Errorf("unknown chat: %v %v", history, err)
	}
}
