// Package hub routes incoming messages from connectors to backends. It owns
// the per-chat serialization locks, the chat-to-session map, and the
// primary/fallback decision.
package hub

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/harun/remi/pkg/backend"
	"github.com/harun/remi/pkg/connector"
)

const observationLimit = 100

// Memory is the slice of the memory store the hub needs: context assembly
// before a turn and observation logging after it.
type Memory interface {
	Context(project string) string
	AppendDaily(entry string) error
}

// Options configures a Hub.
type Options struct {
	Primary  backend.Backend
	Fallback backend.Backend
	Memory   Memory
	CWD      string
}

// Hub fans messages from any number of connectors into the backends. One
// turn per chat at a time; distinct chats run concurrently.
type Hub struct {
	primary  backend.Backend
	fallback backend.Backend
	memory   Memory
	cwd      string
	log      zerolog.Logger

	mu       sync.Mutex
	lanes    map[string]*sync.Mutex
	sessions map[string]string

	connectors []connector.Connector
}

// New creates a Hub. Primary is required; fallback and memory are optional.
func New(opts Options, log zerolog.Logger) (*Hub, error) {
	if opts.Primary == nil {
		return nil, fmt.Errorf("hub: primary backend is required")
	}
	return &Hub{
		primary:  opts.Primary,
		fallback: opts.Fallback,
		memory:   opts.Memory,
		cwd:      opts.CWD,
		log:      log.With().Str("component", "hub").Logger(),
		lanes:    make(map[string]*sync.Mutex),
		sessions: make(map[string]string),
	}, nil
}

// AddConnector registers a connector to run under Start.
func (h *Hub) AddConnector(c connector.Connector) {
	h.connectors = append(h.connectors, c)
}

// Start runs all registered connectors until ctx is canceled or every
// connector has returned. Connector errors are returned after all have
// stopped.
func (h *Hub) Start(ctx context.Context) error {
	if len(h.connectors) == 0 {
		return fmt.Errorf("hub: no connectors registered")
	}

	var wg sync.WaitGroup
	errs := make([]error, len(h.connectors))
	for i, c := range h.connectors {
		wg.Add(1)
		go func(i int, c connector.Connector) {
			defer wg.Done()
			h.log.Info().Str("connector", c.Name()).Msg("connector starting")
			if err := c.Start(ctx, h.HandleMessage); err != nil {
				errs[i] = fmt.Errorf("connector %s: %w", c.Name(), err)
			}
			h.log.Info().Str("connector", c.Name()).Msg("connector stopped")
		}(i, c)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Stop stops every connector and closes backends that hold resources.
func (h *Hub) Stop(ctx context.Context) error {
	for _, c := range h.connectors {
		if err := c.Stop(ctx); err != nil {
			h.log.Warn().Err(err).Str("connector", c.Name()).Msg("connector stop failed")
		}
	}
	for _, b := range []backend.Backend{h.primary, h.fallback} {
		if closer, ok := b.(backend.Closer); ok {
			if err := closer.Close(); err != nil {
				h.log.Warn().Err(err).Str("backend", b.Name()).Msg("backend close failed")
			}
		}
	}
	return nil
}

// HandleMessage processes one message end to end: acquire the chat's lane,
// assemble memory context, send to the primary, fall back when the reply is
// a failure sentinel, record the observation. It never returns an error;
// failures surface as sentinel text in the response.
func (h *Hub) HandleMessage(ctx context.Context, msg connector.IncomingMessage) backend.AgentResponse {
	turnID := uuid.NewString()[:8]
	log := h.log.With().
		Str("turn", turnID).
		Str("connector", msg.ConnectorName).
		Str("chat_id", msg.ChatID).
		Logger()

	lane := h.lane(msg.ChatID)
	lane.Lock()
	defer lane.Unlock()

	log.Info().Str("sender", msg.Sender).Int("chars", len(msg.Text)).Msg("turn start")

	var memCtx string
	if h.memory != nil {
		memCtx = h.memory.Context(msg.Metadata["project"])
	}

	opts := backend.SendOptions{
		Context:   memCtx,
		CWD:       h.cwd,
		SessionID: h.session(msg.ChatID),
	}

	resp := h.primary.Send(ctx, msg.Text, opts)
	if backend.IsFailure(resp.Text) && h.fallback != nil {
		log.Warn().Str("backend", h.primary.Name()).Str("error", resp.Text).Msg("primary failed, trying fallback")
		// The fallback has no access to the primary's session history. Its
		// response stands either way: when both backends fail the user sees
		// the fallback's sentinel, the freshest account of what went wrong.
		fbOpts := opts
		fbOpts.SessionID = ""
		resp = h.fallback.Send(ctx, msg.Text, fbOpts)
	}

	if resp.SessionID != "" {
		h.setSession(msg.ChatID, resp.SessionID)
	}

	h.observe(msg)

	log.Info().
		Str("backend", resp.Model).
		Float64("cost_usd", resp.CostUSD).
		Bool("failure", backend.IsFailure(resp.Text)).
		Msg("turn done")
	return resp
}

// lane returns the chat's serialization mutex, creating it on first use.
func (h *Hub) lane(chatID string) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.lanes[chatID]
	if !ok {
		m = &sync.Mutex{}
		h.lanes[chatID] = m
	}
	return m
}

func (h *Hub) session(chatID string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions[chatID]
}

func (h *Hub) setSession(chatID, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[chatID] = sessionID
}

// observe records the incoming message in the daily log so the owner's own
// words become part of tomorrow's context.
func (h *Hub) observe(msg connector.IncomingMessage) {
	if h.memory == nil {
		return
	}
	text := msg.Text
	if runes := []rune(text); len(runes) > observationLimit {
		text = string(runes[:observationLimit]) + "..."
	}
	entry := fmt.Sprintf("[%s] %s: %s", msg.ConnectorName, msg.Sender, text)
	if err := h.memory.AppendDaily(entry); err != nil {
		h.log.Warn().Err(err).Msg("observation append failed")
	}
}
