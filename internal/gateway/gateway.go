// Package gateway fans inbound channel messages into sessions and the
// agent, and routes replies back through the originating adapter. It
// also intercepts the literal command prefixes (/model, /restore, /stop,
// /skip) so they never reach the LLM.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pocketmind/pocketmind/internal/channels"
	"github.com/pocketmind/pocketmind/internal/llm"
	"github.com/pocketmind/pocketmind/internal/observability"
	"github.com/pocketmind/pocketmind/internal/sessions"
	"github.com/pocketmind/pocketmind/pkg/models"
)

const (
	// modelOverrideTTL is how long a /model switch stays pinned.
	modelOverrideTTL = 12 * time.Hour

	// maxPendingMedia bounds the per-session pending media lists.
	maxPendingMedia = 20
)

// Session metadata keys the gateway decorates before each agent run.
const (
	MetaPendingImages  = "pending_images"
	MetaPendingVoices  = "pending_voices"
	MetaCurrentMessage = "_current_message"
	MetaGateway        = "_gateway"
)

// AgentHandler runs one conversational turn.
type AgentHandler interface {
	Process(ctx context.Context, session *models.Session, text string) (string, error)
}

// Interrupter is the agent's interrupt surface.
type Interrupter interface {
	Running(sessionID string) bool
	Cancel(sessionID string) bool
	Skip(sessionID string) bool
	Insert(sessionID, text string) bool
}

// Transcriber converts a voice file to text.
type Transcriber interface {
	Enabled() bool
	Transcribe(ctx context.Context, path string) (string, error)
}

// Gateway is the fan-in/out hub between channel adapters, sessions, and
// the agent. It satisfies the channel-tool and scheduler send surfaces.
type Gateway struct {
	sessions   *sessions.Manager
	agent      AgentHandler
	interrupts Interrupter
	stt        Transcriber
	llm        *llm.Client
	metrics    *observability.Metrics
	logger     *slog.Logger

	adapterMu sync.RWMutex
	adapters  map[string]channels.Adapter

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// Option configures the gateway.
type Option func(*Gateway)

// WithInterrupts wires the agent interrupt surface for /stop and /skip.
func WithInterrupts(i Interrupter) Option {
	return func(g *Gateway) { g.interrupts = i }
}

// WithTranscriber enables voice transcription.
func WithTranscriber(t Transcriber) Option {
	return func(g *Gateway) { g.stt = t }
}

// WithLLM enables the /model and /restore commands.
func WithLLM(client *llm.Client) Option {
	return func(g *Gateway) { g.llm = client }
}

// WithMetrics wires traffic counters.
func WithMetrics(m *observability.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithLogger sets the gateway logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger.With("component", "gateway")
		}
	}
}

// New creates a gateway over the session manager and agent.
func New(sessions *sessions.Manager, agent AgentHandler, opts ...Option) *Gateway {
	g := &Gateway{
		sessions: sessions,
		agent:    agent,
		logger:   slog.Default().With("component", "gateway"),
		adapters: make(map[string]channels.Adapter),
		locks:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Register adds an adapter under its channel name.
func (g *Gateway) Register(a channels.Adapter) {
	g.adapterMu.Lock()
	defer g.adapterMu.Unlock()
	g.adapters[a.Name()] = a
}

// Adapter looks an adapter up by channel name.
func (g *Gateway) Adapter(channel string) (channels.Adapter, bool) {
	g.adapterMu.RLock()
	defer g.adapterMu.RUnlock()
	a, ok := g.adapters[channel]
	return a, ok
}

// Start brings every registered adapter up. A failing adapter is logged
// and skipped; the others keep running.
func (g *Gateway) Start(ctx context.Context) {
	g.adapterMu.RLock()
	defer g.adapterMu.RUnlock()
	for name, a := range g.adapters {
		if err := a.Start(ctx); err != nil {
			g.logger.Error("adapter failed to start", "channel", name, "error", err)
		}
	}
}

// Stop shuts every adapter down.
func (g *Gateway) Stop(ctx context.Context) {
	g.adapterMu.RLock()
	defer g.adapterMu.RUnlock()
	for name, a := range g.adapters {
		if err := a.Stop(ctx); err != nil {
			g.logger.Warn("adapter stop failed", "channel", name, "error", err)
		}
	}
}

// HandleIncoming is the adapter callback: it resolves the session,
// transcribes voice, decorates metadata, intercepts commands, and runs
// the agent. Adapters call it from their own goroutines; turns within
// one session are serialized here.
func (g *Gateway) HandleIncoming(ctx context.Context, msg *models.IncomingMessage) {
	if g.metrics != nil {
		g.metrics.Messages.WithLabelValues(msg.Channel, "inbound").Inc()
	}

	session, err := g.sessions.Resolve(ctx, models.SessionKey{
		Channel: msg.Channel, ChatID: msg.ChatID, UserID: msg.UserID,
	})
	if err != nil {
		g.logger.Error("session resolve failed", "channel", msg.Channel, "error", err)
		return
	}
	if g.metrics != nil {
		byChannel := make(map[string]int)
		for _, s := range g.sessions.Active() {
			byChannel[s.Channel]++
		}
		for channel, n := range byChannel {
			g.metrics.ActiveSessions.WithLabelValues(channel).Set(float64(n))
		}
	}

	text := strings.TrimSpace(msg.Text)
	text = g.absorbMedia(ctx, session, msg, text)

	session.SetMeta(MetaCurrentMessage, msg)
	session.SetMeta(MetaGateway, g)

	if reply, handled := g.intercept(session, text); handled {
		if reply != "" {
			g.reply(ctx, session, reply)
		}
		return
	}
	if text == "" {
		return
	}

	// A message that lands while the agent is mid-run joins that run
	// instead of starting a new one.
	if g.interrupts != nil && g.interrupts.Insert(session.ID, text) {
		g.logger.Debug("message inserted into running turn", "session", session.ID)
		return
	}

	lock := g.sessionLock(session.ID)
	lock.Lock()
	defer lock.Unlock()

	answer, err := g.agent.Process(ctx, session, text)
	if err != nil {
		g.logger.Error("agent turn failed", "session", session.ID, "error", err)
		g.reply(ctx, session, "Something went wrong handling that message. Please try again.")
		return
	}
	if strings.TrimSpace(answer) != "" {
		g.reply(ctx, session, answer)
	}
}

// absorbMedia stores pending media on the session and folds voice
// transcripts (or fallback markers) into the message text.
func (g *Gateway) absorbMedia(ctx context.Context, session *models.Session, msg *models.IncomingMessage, text string) string {
	if len(msg.Images) > 0 {
		appendMedia(session, MetaPendingImages, msg.Images)
	}
	if len(msg.Voices) > 0 {
		appendMedia(session, MetaPendingVoices, msg.Voices)
	}

	for _, voice := range msg.Voices {
		var part string
		if g.stt != nil && g.stt.Enabled() {
			transcript, err := g.stt.Transcribe(ctx, voice.LocalPath)
			if err == nil {
				part = transcript
				if g.metrics != nil {
					g.metrics.Transcriptions.WithLabelValues("success").Inc()
				}
			} else {
				g.logger.Warn("transcription failed", "error", err)
				if g.metrics != nil {
					g.metrics.Transcriptions.WithLabelValues("failed").Inc()
				}
			}
		}
		if part == "" {
			// The agent still sees that a voice note arrived.
			part = fmt.Sprintf("[voice: %.0fs]", voice.DurationS)
		}
		if text == "" {
			text = part
		} else {
			text += "\n" + part
		}
	}
	return text
}

func appendMedia(session *models.Session, key string, refs []models.MediaRef) {
	existing, _ := session.Meta(key)
	list, _ := existing.([]models.MediaRef)
	list = append(list, refs...)
	if len(list) > maxPendingMedia {
		list = list[len(list)-maxPendingMedia:]
	}
	session.SetMeta(key, list)
}

// intercept handles the literal command prefixes. The returned reply is
// sent verbatim; handled=false passes the text on to the agent.
func (g *Gateway) intercept(session *models.Session, text string) (reply string, handled bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", false
	}
	switch fields[0] {
	case "/stop":
		if g.interrupts != nil && g.interrupts.Cancel(session.ID) {
			return "Stopping the current run.", true
		}
		return "Nothing is running.", true
	case "/skip":
		if g.interrupts != nil && g.interrupts.Skip(session.ID) {
			return "Skipping the current step.", true
		}
		return "Nothing is running.", true
	case "/model":
		if len(fields) < 2 {
			return g.modelStatus(session.ID), true
		}
		return g.switchModel(session.ID, fields[1]), true
	case "/restore":
		if g.llm != nil {
			g.llm.ClearConversationOverride(session.ID)
		}
		return "Model override cleared; automatic routing restored.", true
	}
	return "", false
}

func (g *Gateway) modelStatus(sessionID string) string {
	if g.llm == nil {
		return "Model switching is not available."
	}
	endpoint, model := g.llm.CurrentModel(sessionID)
	names := make([]string, 0)
	for _, p := range g.llm.Providers() {
		names = append(names, p.Name())
	}
	sort.Strings(names)
	return fmt.Sprintf("Current model: %s (%s). Available: %s.",
		endpoint, model, strings.Join(names, ", "))
}

func (g *Gateway) switchModel(sessionID, name string) string {
	if g.llm == nil {
		return "Model switching is not available."
	}
	p, ok := g.llm.EndpointByName(name)
	if !ok {
		return fmt.Sprintf("Unknown endpoint %q. %s", name, g.modelStatus(sessionID))
	}
	if !p.Healthy() {
		remaining := p.CooldownRemaining().Round(time.Second)
		return fmt.Sprintf("%s is cooling down for another %s.", name, remaining)
	}
	if err := g.llm.SetConversationOverride(sessionID, name, modelOverrideTTL, "user switch"); err != nil {
		return fmt.Sprintf("Could not switch to %q: %v", name, err)
	}
	return fmt.Sprintf("Switched to %s (%s) for the next 12 hours.", name, p.Config().Model)
}

func (g *Gateway) sessionLock(sessionID string) *sync.Mutex {
	g.lockMu.Lock()
	defer g.lockMu.Unlock()
	lock, ok := g.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		g.locks[sessionID] = lock
	}
	return lock
}

func (g *Gateway) reply(ctx context.Context, session *models.Session, text string) {
	if err := g.SendText(ctx, session.Channel, session.ChatID, text); err != nil {
		g.logger.Error("reply failed", "channel", session.Channel, "error", err)
	}
}

// SendText sends through the named channel's adapter. It serves both the
// channel tools and the scheduler's notification sink.
func (g *Gateway) SendText(ctx context.Context, channel, chatID, text string) error {
	adapter, ok := g.Adapter(channel)
	if !ok {
		return fmt.Errorf("no adapter for channel %q", channel)
	}
	if err := adapter.SendText(ctx, chatID, text); err != nil {
		return err
	}
	if g.metrics != nil {
		g.metrics.Messages.WithLabelValues(channel, "outbound").Inc()
	}
	return nil
}

// SendFile sends a local file through the named channel's adapter.
func (g *Gateway) SendFile(ctx context.Context, channel, chatID, path, caption string) error {
	adapter, ok := g.Adapter(channel)
	if !ok {
		return fmt.Errorf("no adapter for channel %q", channel)
	}
	if err := adapter.SendFile(ctx, chatID, path, caption); err != nil {
		return err
	}
	if g.metrics != nil {
		g.metrics.Messages.WithLabelValues(channel, "outbound").Inc()
	}
	return nil
}

// SendImage sends an image with graceful downgrade to a file send.
func (g *Gateway) SendImage(ctx context.Context, channel, chatID, path, caption string) error {
	adapter, ok := g.Adapter(channel)
	if !ok {
		return fmt.Errorf("no adapter for channel %q", channel)
	}
	return channels.SendImage(ctx, adapter, chatID, path, caption)
}

// ChatHistory returns the recent history of the most recently active
// session in the chat.
func (g *Gateway) ChatHistory(ctx context.Context, channel, chatID string, limit int) ([]models.ChatMessage, error) {
	var newest *models.Session
	for _, s := range g.sessions.Active() {
		if s.Channel != channel || s.ChatID != chatID {
			continue
		}
		if newest == nil || s.LastActive.After(newest.LastActive) {
			newest = s
		}
	}
	if newest == nil {
		return nil, nil
	}
	history := newest.History()
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history, nil
}
