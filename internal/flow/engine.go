// Package flow implements the conversation flow engine: it interprets the declarative
// node graph, keeps per-customer session state across inbound messages and captures
// answers into the session's data bag.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/QuotePipe/internal/models"
)

// TurnOutcome classifies how a turn ended.
type TurnOutcome string

// Turn outcomes.
const (
	OutcomeIgnored    TurnOutcome = "ignored"
	OutcomeIdlePrompt TurnOutcome = "idle_prompt"
	OutcomeStarted    TurnOutcome = "started"
	OutcomeResumed    TurnOutcome = "resumed"
	OutcomeAdvanced   TurnOutcome = "advanced"
	OutcomeReprompt   TurnOutcome = "reprompt"
	OutcomeFinished   TurnOutcome = "finished"
	OutcomeFlowBroken TurnOutcome = "flow_broken"
	OutcomeError      TurnOutcome = "error"
)

// Messages holds the fixed replies the engine sends outside of the flow content.
type Messages struct {
	InvalidOption string // sent before re-prompting a choice
	FlowBroken    string // %s is replaced with the reset keyword
	IdlePrompt    string // %s is replaced with the first greeting keyword
	GenericError  string
}

// DefaultMessages returns the Spanish replies used in production.
func DefaultMessages() Messages {
	return Messages{
		InvalidOption: "Opción inválida. Responde con el número de una de estas opciones:",
		FlowBroken:    "Lo sentimos, la conversación tuvo un problema. Escribe \"%s\" para comenzar de nuevo.",
		IdlePrompt:    "¡Hola! 👋 Escribe \"%s\" para comenzar tu cotización.",
		GenericError:  "Ha ocurrido un error. Intenta nuevamente.",
	}
}

// Inbound is one customer message as seen by the engine.
type Inbound struct {
	SessionKey string
	Body       string
	MessageID  string
}

// TurnResult is everything a turn produced. Segments are sent in order, one
// WhatsApp message each. When Finished is set, Data holds the complete capture.
type TurnResult struct {
	SessionKey string
	Outcome    TurnOutcome
	Segments   []string
	NodeID     string
	Finished   bool
	Ignored    bool
	Data       models.DataBag
	Err        error
}

// Recorder observes completed turns (metrics).
type Recorder interface {
	ObserveTurn(outcome string, elapsed time.Duration)
}

// Option configures an Engine.
type Option func(*Engine)

// WithKeywords sets the greeting and reset vocabulary.
func WithKeywords(k Keywords) Option {
	return func(e *Engine) { e.keywords = k }
}

// WithMessages overrides the engine's fixed replies.
func WithMessages(m Messages) Option {
	return func(e *Engine) { e.messages = m }
}

// WithImplicitEntry makes any message from a customer without a session start the flow.
func WithImplicitEntry(enabled bool) Option {
	return func(e *Engine) { e.implicitEntry = enabled }
}

// WithDedupGuard enables provider message deduplication.
func WithDedupGuard(g *DedupGuard) Option {
	return func(e *Engine) { e.dedup = g }
}

// WithRecorder attaches a turn observer.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine drives customers through the flow graph, one inbound message per turn.
type Engine struct {
	defs          *DefinitionStore
	sessions      *SessionManager
	dedup         *DedupGuard
	keywords      Keywords
	messages      Messages
	implicitEntry bool
	recorder      Recorder
	now           func() time.Time
}

// NewEngine creates an Engine over the given graph and session persistence.
func NewEngine(defs *DefinitionStore, sessions *SessionManager, opts ...Option) *Engine {
	e := &Engine{
		defs:     defs,
		sessions: sessions,
		keywords: DefaultKeywords(),
		messages: DefaultMessages(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	slog.Debug("Engine created", "implicit_entry", e.implicitEntry, "dedup", e.dedup != nil, "reset_keyword", e.keywords.Reset)
	return e
}

// Definitions returns the graph the engine traverses.
func (e *Engine) Definitions() *DefinitionStore {
	return e.defs
}

// HandleMessage runs one turn. It never fails outright: every error is converted into
// a customer-facing reply and reported through TurnResult.Err.
func (e *Engine) HandleMessage(ctx context.Context, in Inbound) (result TurnResult) {
	started := e.now()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Engine.HandleMessage: recovered from panic", "panic", r, "participant", in.SessionKey)
			result = e.errorResult(in.SessionKey, OutcomeError, fmt.Errorf("panic during turn: %v", r))
		}
		if e.recorder != nil {
			e.recorder.ObserveTurn(string(result.Outcome), time.Since(started))
		}
	}()

	key := in.SessionKey
	body := strings.TrimSpace(in.Body)
	slog.Debug("Engine.HandleMessage: turn started", "participant", key, "message_id", in.MessageID, "body_length", len(body))

	if key == "" {
		return e.errorResult(key, OutcomeError, errors.New("inbound message has no session key"))
	}
	if !e.dedup.ShouldProcess(ctx, in.MessageID, key) {
		slog.Info("Engine.HandleMessage: duplicate delivery ignored", "participant", key, "message_id", in.MessageID)
		return TurnResult{SessionKey: key, Outcome: OutcomeIgnored, Ignored: true}
	}

	session, err := e.sessions.Load(ctx, key)
	if err != nil {
		return e.errorResult(key, OutcomeError, err)
	}
	if session != nil && in.MessageID != "" && session.LastMessageID == in.MessageID {
		slog.Info("Engine.HandleMessage: message already applied to session", "participant", key, "message_id", in.MessageID)
		return TurnResult{SessionKey: key, Outcome: OutcomeIgnored, Ignored: true, NodeID: session.CurrentNodeID}
	}

	switch {
	case e.keywords.IsReset(body):
		slog.Info("Engine.HandleMessage: reset requested", "participant", key, "had_session", session.Active())
		return e.start(ctx, key, in.MessageID)
	case !session.Active():
		if e.implicitEntry || e.keywords.StartsWithGreeting(body) {
			return e.start(ctx, key, in.MessageID)
		}
		slog.Debug("Engine.HandleMessage: no session and no entry keyword", "participant", key)
		return TurnResult{SessionKey: key, Outcome: OutcomeIdlePrompt, Segments: []string{e.idlePrompt()}}
	case e.keywords.IsGreeting(body):
		return e.resume(ctx, key, session, in.MessageID)
	default:
		return e.advance(ctx, key, session, body, in.MessageID)
	}
}

// start discards any previous state and runs the flow from its entry node.
func (e *Engine) start(ctx context.Context, key, messageID string) TurnResult {
	entry := e.defs.FirstID()
	if entry == "" {
		return e.errorResult(key, OutcomeFlowBroken, integrityErrorf("", "no entry node loaded"))
	}
	session := models.NewSession(key, entry, e.now())
	segments, finished, err := e.autoAdvance(session)
	if err != nil {
		return e.errorResult(key, OutcomeFlowBroken, err)
	}
	return e.commit(ctx, key, session, segments, finished, messageID, OutcomeStarted)
}

// resume re-sends the prompt the customer is expected to answer.
func (e *Engine) resume(ctx context.Context, key string, session *models.Session, messageID string) TurnResult {
	segments, finished, err := e.pendingPrompt(session)
	if err != nil {
		return e.errorResult(key, OutcomeFlowBroken, err)
	}
	return e.commit(ctx, key, session, segments, finished, messageID, OutcomeResumed)
}

// advance interprets body against the session's pending input.
func (e *Engine) advance(ctx context.Context, key string, session *models.Session, body, messageID string) TurnResult {
	switch session.Pending.Mode {
	case models.PendingAwaitingAnswer:
		if body == "" {
			return e.resume(ctx, key, session, messageID)
		}
		if v := session.Pending.VariableName; v != "" {
			session.Data.Set(v, body)
			slog.Debug("Engine.advance: answer captured", "participant", key, "variable", v)
		}
		session.CurrentNodeID = session.Pending.NextID
		session.Pending = models.Pending{Mode: models.PendingNone}

	case models.PendingAwaitingChoice:
		node, err := e.choiceNode(session.Pending.NodeID)
		if err != nil {
			return e.errorResult(key, OutcomeFlowBroken, err)
		}
		opt, idx, ok := MatchOption(node, body)
		if !ok {
			slog.Info("Engine.advance: reply matched no option", "participant", key, "node_id", node.ID)
			segments := []string{e.messages.InvalidOption, choicePrompt(node, &session.Data)}
			return e.commit(ctx, key, session, segments, false, messageID, OutcomeReprompt)
		}
		if opt.SaveAs != "" {
			session.Data.Set(opt.SaveAs, opt.StoredValue())
		}
		slog.Debug("Engine.advance: option selected", "participant", key, "node_id", node.ID, "option", idx+1)
		session.CurrentNodeID = opt.NextID
		session.Pending = models.Pending{Mode: models.PendingNone}

	default:
		// A session saved without a pending mode resumes auto-advance from its
		// current node; the message itself is not flow input.
		slog.Warn("Engine.advance: session had no pending input", "participant", key, "node_id", session.CurrentNodeID)
	}

	segments, finished, err := e.autoAdvance(session)
	if err != nil {
		return e.errorResult(key, OutcomeFlowBroken, err)
	}
	return e.commit(ctx, key, session, segments, finished, messageID, OutcomeAdvanced)
}

// autoAdvance walks Message nodes from the session's current node, stopping at the
// first Question or Choice or at the end of the flow. The walk is capped at one hop
// per node plus one, so a Message cycle surfaces as an integrity error.
// A Message node that renders to blank text advances without emitting a segment.
func (e *Engine) autoAdvance(session *models.Session) ([]string, bool, error) {
	var segments []string
	limit := e.defs.Len() + 1
	for hops := 0; ; hops++ {
		if session.CurrentNodeID == "" {
			return segments, true, nil
		}
		if hops >= limit {
			return nil, false, integrityErrorf(session.CurrentNodeID, "auto-advance exceeded %d hops", limit)
		}
		node, err := e.defs.Get(session.CurrentNodeID)
		if err != nil {
			return nil, false, integrityErrorf(session.CurrentNodeID, "node not found")
		}
		switch node.Kind {
		case models.NodeKindMessage:
			if text := Render(node.Content, &session.Data); strings.TrimSpace(text) != "" {
				segments = append(segments, text)
			}
			session.CurrentNodeID = node.NextID
		case models.NodeKindQuestion:
			segments = append(segments, Render(node.Content, &session.Data))
			session.Pending = models.Pending{
				Mode:         models.PendingAwaitingAnswer,
				VariableName: node.VariableName,
				NextID:       node.NextID,
			}
			return segments, false, nil
		case models.NodeKindChoice:
			if len(node.Options) == 0 {
				return nil, false, integrityErrorf(node.ID, "choice node has no options")
			}
			segments = append(segments, choicePrompt(node, &session.Data))
			session.Pending = models.Pending{Mode: models.PendingAwaitingChoice, NodeID: node.ID}
			return segments, false, nil
		default:
			return nil, false, integrityErrorf(node.ID, "unrecognized node type %q", node.Tag)
		}
	}
}

// pendingPrompt renders the prompt the session is currently waiting on.
func (e *Engine) pendingPrompt(session *models.Session) ([]string, bool, error) {
	switch session.Pending.Mode {
	case models.PendingAwaitingChoice:
		node, err := e.choiceNode(session.Pending.NodeID)
		if err != nil {
			return nil, false, err
		}
		return []string{choicePrompt(node, &session.Data)}, false, nil
	case models.PendingAwaitingAnswer:
		node, err := e.defs.Get(session.CurrentNodeID)
		if err != nil {
			return nil, false, integrityErrorf(session.CurrentNodeID, "node not found")
		}
		return []string{Render(node.Content, &session.Data)}, false, nil
	default:
		return e.autoAdvance(session)
	}
}

func (e *Engine) choiceNode(id string) (models.FlowNode, error) {
	node, err := e.defs.Get(id)
	if err != nil {
		return models.FlowNode{}, integrityErrorf(id, "node not found")
	}
	if node.Kind != models.NodeKindChoice {
		return models.FlowNode{}, integrityErrorf(id, "expected a choice node, found %q", node.Tag)
	}
	return node, nil
}

// commit persists the session (or clears it when the flow finished) and builds the result.
func (e *Engine) commit(ctx context.Context, key string, session *models.Session, segments []string, finished bool, messageID string, outcome TurnOutcome) TurnResult {
	if finished {
		if err := e.sessions.Reset(ctx, key); err != nil {
			// The session expires on its own; the capture is still complete.
			slog.Warn("Engine.commit: failed to clear finished session", "error", err, "participant", key)
		}
		slog.Info("Engine.commit: flow finished", "participant", key, "variables", session.Data.Len())
		return TurnResult{
			SessionKey: key,
			Outcome:    OutcomeFinished,
			Segments:   segments,
			Finished:   true,
			Data:       session.Data.Clone(),
		}
	}

	session.LastMessageID = messageID
	session.UpdatedAt = e.now()
	if err := e.sessions.Save(ctx, key, session); err != nil {
		return e.errorResult(key, OutcomeError, err)
	}
	slog.Debug("Engine.commit: turn complete", "participant", key, "outcome", outcome, "node_id", session.CurrentNodeID, "segments", len(segments))
	return TurnResult{
		SessionKey: key,
		Outcome:    outcome,
		Segments:   segments,
		NodeID:     session.CurrentNodeID,
	}
}

// errorResult converts a turn failure into the apologetic reply for its class.
func (e *Engine) errorResult(key string, outcome TurnOutcome, err error) TurnResult {
	msg := e.messages.GenericError
	if errors.Is(err, ErrFlowIntegrity) {
		outcome = OutcomeFlowBroken
		msg = e.flowBroken()
		slog.Error("Engine: flow integrity error", "error", err, "participant", key)
	} else {
		slog.Error("Engine: turn failed", "error", err, "participant", key)
	}
	return TurnResult{SessionKey: key, Outcome: outcome, Segments: []string{msg}, Err: err}
}

func (e *Engine) flowBroken() string {
	if strings.Contains(e.messages.FlowBroken, "%s") {
		return fmt.Sprintf(e.messages.FlowBroken, e.keywords.Reset)
	}
	return e.messages.FlowBroken
}

func (e *Engine) idlePrompt() string {
	keyword := e.keywords.Reset
	if len(e.keywords.Greetings) > 0 {
		keyword = e.keywords.Greetings[0]
	}
	if strings.Contains(e.messages.IdlePrompt, "%s") {
		return fmt.Sprintf(e.messages.IdlePrompt, keyword)
	}
	return e.messages.IdlePrompt
}

// choicePrompt renders a choice node's content followed by its enumerated options.
func choicePrompt(node models.FlowNode, data *models.DataBag) string {
	options := FormatOptions(node.Options)
	content := Render(node.Content, data)
	if strings.TrimSpace(content) == "" {
		return options
	}
	return content + "\n" + options
}
