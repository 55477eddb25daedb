package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"agentrelay/internal/bus"
	"agentrelay/internal/dedupe"
	"agentrelay/internal/domain"

	"github.com/google/uuid"
)

var errEmptyCompletion = domain.NewFatal("completion", domain.CodeEmptyResponse, "completion returned no text")

const defaultFallback = "Sorry, I'm having trouble answering right now. Please try again in a moment."

// Replier produces agent text. *completion.Client satisfies it.
type Replier interface {
	GenerateReply(ctx context.Context, agent *domain.Agent, turns []domain.ChatTurn) (string, error)
	Summarize(ctx context.Context, agent *domain.Agent, prompt string) (string, error)
}

// ReplyFunc is told about every reply appended to a conversation, once per
// unit of work.
type ReplyFunc func(conversationID, text string)

// Orchestrator runs inbound units through verification, context building,
// completion and dispatch. It holds no per-unit state; units for different
// conversations run fully in parallel.
//
// An Outcome's Trace lists every step taken. Its State is the verdict: a
// unit answered with the fallback apology ends Failed even though the
// apology was dispatched.
type Orchestrator struct {
	store       domain.ConversationStore
	agents      domain.AgentRepository
	replier     Replier
	contexts    *ContextBuilder
	locks       *ConversationLocks
	seen        *dedupe.Cache
	limiter     Limiter
	events      *bus.EventBus
	fallback    func(language string) string
	unitTimeout time.Duration
	onReply     ReplyFunc
	logger      *slog.Logger
}

type OrchestratorConfig struct {
	Store    domain.ConversationStore
	Agents   domain.AgentRepository
	Replier  Replier
	Contexts *ContextBuilder
	Locks    *ConversationLocks

	Dedupe   *dedupe.Cache // optional
	Limiter  Limiter       // optional
	Events   *bus.EventBus // optional
	Fallback func(language string) string

	// UnitTimeout bounds one Process call; zero means only the caller's ctx.
	UnitTimeout time.Duration
	OnReply     ReplyFunc
	Logger      *slog.Logger
}

func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Contexts == nil {
		cfg.Contexts = NewContextBuilder(ContextBuilderConfig{Logger: cfg.Logger})
	}
	if cfg.Locks == nil {
		cfg.Locks = NewConversationLocks()
	}
	if cfg.Fallback == nil {
		cfg.Fallback = func(string) string { return defaultFallback }
	}
	return &Orchestrator{
		store:       cfg.Store,
		agents:      cfg.Agents,
		replier:     cfg.Replier,
		contexts:    cfg.Contexts,
		locks:       cfg.Locks,
		seen:        cfg.Dedupe,
		limiter:     cfg.Limiter,
		events:      cfg.Events,
		fallback:    cfg.Fallback,
		unitTimeout: cfg.UnitTimeout,
		onReply:     cfg.OnReply,
		logger:      cfg.Logger,
	}
}

// Process verifies and handles one raw payload. The returned error is set
// only when the unit as a whole could not be handled: a failed verification,
// an unparseable payload, an unavailable agent or an expired deadline.
// Per-item failures that still produced a reply are reported in the
// outcomes.
func (o *Orchestrator) Process(ctx context.Context, unit domain.Unit) ([]domain.Outcome, error) {
	if o.unitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.unitTimeout)
		defer cancel()
	}
	ch := unit.Adapter.Channel()
	log := o.logger.With("channel", ch)
	o.emit(bus.EventUnitReceived, map[string]any{"channel": ch})

	if !unit.Adapter.VerifyInbound(unit.Token) {
		log.Warn("inbound rejected: verification failed")
		out := rejected(domain.ErrVerificationFailed)
		o.emit(bus.EventUnitRejected, map[string]any{"channel": ch, "kind": "unknown", "reason": "verification"})
		return []domain.Outcome{out}, fmt.Errorf("%s inbound: %w", ch, domain.ErrVerificationFailed)
	}

	inbounds, err := unit.Adapter.NormalizeInbound(unit.Payload)
	if err != nil {
		if !errors.Is(err, domain.ErrMalformedPayload) {
			err = fmt.Errorf("%w: %w", domain.ErrMalformedPayload, err)
		}
		log.Warn("inbound rejected: malformed payload", "err", err)
		o.emit(bus.EventUnitRejected, map[string]any{"channel": ch, "kind": "unknown", "reason": "malformed"})
		return []domain.Outcome{rejected(err)}, fmt.Errorf("%s inbound: %w", ch, err)
	}

	var agent *domain.Agent
	for _, in := range inbounds {
		if in.Kind == domain.InboundMessage || in.Kind == domain.InboundEvent {
			if agent, err = o.resolveAgent(ctx, unit.AgentID, ch); err != nil {
				log.Warn("inbound not routed", "agent", unit.AgentID, "err", err)
				o.emit(bus.EventUnitRejected, map[string]any{"channel": ch, "kind": string(in.Kind), "reason": "agent"})
				return []domain.Outcome{rejected(err)}, err
			}
			break
		}
	}

	outcomes := make([]domain.Outcome, 0, len(inbounds))
	for _, in := range inbounds {
		start := time.Now()
		out := domain.Outcome{Kind: in.Kind}
		out.Enter(domain.StateReceived)
		out.Enter(domain.StateVerified)

		switch in.Kind {
		case domain.InboundMessage:
			o.handleMessage(ctx, unit.Adapter, agent, in.Message, &out)
		case domain.InboundEvent:
			o.handleEvent(ctx, unit.Adapter, agent, in.Event, &out)
		case domain.InboundCommand:
			o.handleCommand(ctx, unit.Adapter, in.Command, &out)
		case domain.InboundStatus:
			o.handleStatus(ctx, ch, in.Status, &out)
		default:
			out.Enter(domain.StateRejected)
			out.Err = fmt.Errorf("%w: unknown inbound kind %q", domain.ErrMalformedPayload, in.Kind)
		}
		outcomes = append(outcomes, out)
		o.report(ch, out, time.Since(start))

		if err := ctx.Err(); err != nil {
			log.Error("unit aborted", "conversation", out.ConversationID, "err", err)
			return outcomes, fmt.Errorf("%s inbound aborted: %w", ch, err)
		}
	}
	return outcomes, nil
}

func rejected(err error) domain.Outcome {
	out := domain.Outcome{Err: err}
	out.Enter(domain.StateReceived)
	out.Enter(domain.StateRejected)
	return out
}

func (o *Orchestrator) resolveAgent(ctx context.Context, id string, ch domain.Channel) (*domain.Agent, error) {
	agent, err := o.agents.GetByID(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: %w", domain.ErrAgentUnavailable, err)
	}
	if err != nil {
		return nil, fmt.Errorf("load agent %s: %w", id, err)
	}
	if !agent.Serves(ch) {
		return nil, fmt.Errorf("%w: agent %s does not serve %s (status %s)", domain.ErrAgentUnavailable, id, ch, agent.Status)
	}
	return agent, nil
}

// claim marks an external id as seen. It returns false for a redelivery.
// The returned release func forgets the id again if the unit was aborted
// before anything was dispatched, so a redelivery never answers twice.
func (o *Orchestrator) claim(ctx context.Context, ch domain.Channel, externalID string, out *domain.Outcome) (bool, func()) {
	if o.seen == nil || externalID == "" {
		return true, func() {}
	}
	key := dedupe.Key(string(ch), externalID)
	if o.seen.CheckAndMark(key) {
		return false, nil
	}
	return true, func() {
		if ctx.Err() != nil && !out.Reached(domain.StateDispatched) {
			o.seen.Forget(key)
		}
	}
}

func (o *Orchestrator) handleMessage(ctx context.Context, adapter domain.ChannelAdapter, agent *domain.Agent, msg *domain.Message, out *domain.Outcome) {
	ch := adapter.Channel()
	log := o.logger.With("channel", ch, "agent", agent.ID)

	fresh, release := o.claim(ctx, ch, msg.ExternalID, out)
	if !fresh {
		log.Info("duplicate delivery ignored", "external_id", msg.ExternalID)
		out.Duplicate = true
		return
	}
	defer release()

	participant := msg.SenderID
	conv, err := o.store.FindOrCreate(ctx, ch, participant)
	if err != nil {
		o.fail(out, fmt.Errorf("resolve conversation: %w", err))
		return
	}
	out.ConversationID = conv.ID
	log = log.With("conversation", conv.ID)

	if msg.SenderName != "" && conv.Metadata["name"] != msg.SenderName {
		if err := o.store.MergeMetadata(ctx, conv.ID, map[string]string{"name": msg.SenderName}); err != nil {
			log.Warn("failed to store participant name", "err", err)
		}
		if conv.Metadata == nil {
			conv.Metadata = map[string]string{}
		}
		conv.Metadata["name"] = msg.SenderName
	}

	msg.Channel = ch
	msg.Origin = domain.OriginCounterpart
	msg.AgentID = agent.ID
	if msg.RecipientID == "" {
		msg.RecipientID = agent.ID
	}
	msg.Status = domain.StatusDelivered

	err = o.withConversation(ctx, conv.ID, func() error {
		if err := o.store.Append(ctx, conv.ID, msg); err != nil {
			return fmt.Errorf("append inbound: %w", err)
		}
		recent, err := o.store.RecentMessages(ctx, conv.ID, o.contexts.HistoryLimit())
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}
		conv.Messages = recent
		return nil
	})
	if err != nil {
		o.fail(out, err)
		return
	}
	turns := o.contexts.Build(agent, conv)
	out.Enter(domain.StateContextBuilt)

	text, genErr := o.generate(ctx, func(ctx context.Context) (string, error) {
		return o.replier.GenerateReply(ctx, agent, turns)
	})
	if genErr == nil && strings.TrimSpace(text) == "" {
		genErr = errEmptyCompletion
	}
	if ctx.Err() != nil {
		o.fail(out, fmt.Errorf("completion: %w", ctx.Err()))
		return
	}
	if genErr != nil {
		log.Error("completion failed, sending fallback", "err", genErr)
		o.flagIfFatal(ctx, agent, genErr)
		text = o.fallback(agent.Personality.Language)
		out.Err = genErr
	}

	reply := &domain.Message{
		ID:          uuid.NewString(),
		Channel:     ch,
		Type:        domain.MessageText,
		Origin:      domain.OriginAgent,
		SenderID:    agent.ID,
		SenderName:  agent.Name,
		RecipientID: participant,
		AgentID:     agent.ID,
		Status:      domain.StatusPending,
		Timestamp:   time.Now().UTC(),
		Text:        text,
	}
	err = o.withConversation(ctx, conv.ID, func() error {
		return o.store.Append(ctx, conv.ID, reply)
	})
	if err != nil {
		o.fail(out, fmt.Errorf("append reply: %w", errors.Join(err, out.Err)))
		return
	}
	out.Reply = reply
	if genErr != nil {
		out.Enter(domain.StateFailed)
	} else {
		out.Enter(domain.StateCompleted)
	}

	o.dispatch(ctx, adapter, reply, out, true)
	if genErr != nil {
		out.State = domain.StateFailed
	}
	if o.onReply != nil {
		o.onReply(conv.ID, reply.Text)
	}
}

func (o *Orchestrator) handleEvent(ctx context.Context, adapter domain.ChannelAdapter, agent *domain.Agent, ev *domain.DomainEvent, out *domain.Outcome) {
	ch := adapter.Channel()
	log := o.logger.With("channel", ch, "agent", agent.ID, "event", ev.ID)

	fresh, release := o.claim(ctx, ch, ev.ID, out)
	if !fresh {
		log.Info("duplicate event ignored")
		out.Duplicate = true
		return
	}
	defer release()

	summary, err := o.generate(ctx, func(ctx context.Context) (string, error) {
		return o.replier.Summarize(ctx, agent, ev.Prompt())
	})
	if err == nil && strings.TrimSpace(summary) == "" {
		err = errEmptyCompletion
	}
	if ctx.Err() != nil {
		o.fail(out, fmt.Errorf("summarize: %w", ctx.Err()))
		return
	}
	if err != nil {
		log.Error("event summary failed, using plain description", "err", err)
		o.flagIfFatal(ctx, agent, err)
		summary = ev.Describe()
		out.Err = err
	}

	notice := &domain.Message{
		ID:          uuid.NewString(),
		Channel:     ch,
		Origin:      domain.OriginAgent,
		SenderID:    agent.ID,
		SenderName:  agent.Name,
		RecipientID: ev.RecipientID(),
		AgentID:     agent.ID,
		Status:      domain.StatusPending,
		Timestamp:   time.Now().UTC(),
	}
	switch ev.Kind {
	case domain.EventOrderStatusChanged:
		notice.Type = domain.MessageOrderUpdate
		notice.Order = &domain.OrderUpdate{
			OrderID:    ev.Order.ID,
			ExternalID: ev.Order.ExternalID,
			Platform:   ev.Platform,
			Status:     ev.Order.Status,
			Text:       summary,
		}
	case domain.EventBuyerQuestionAsked:
		notice.Type = domain.MessageBuyerQuestion
		notice.Question = &domain.BuyerQuestion{
			QuestionID: ev.Question.ID,
			ProductID:  ev.Question.ProductID,
			Question:   ev.Question.Text,
			Answer:     summary,
		}
	default:
		o.fail(out, fmt.Errorf("%w: unknown event kind %q", domain.ErrMalformedPayload, ev.Kind))
		return
	}
	out.Reply = notice
	if err != nil {
		out.Enter(domain.StateFailed)
	} else {
		out.Enter(domain.StateSummarized)
	}
	o.dispatch(ctx, adapter, notice, out, false)
	if err != nil {
		out.State = domain.StateFailed
	}
}

func (o *Orchestrator) handleCommand(ctx context.Context, adapter domain.ChannelAdapter, cmd *domain.Command, out *domain.Outcome) {
	handler, ok := adapter.(domain.CommandHandler)
	if !ok {
		o.fail(out, fmt.Errorf("%s does not handle commands", adapter.Channel()))
		return
	}
	out.Delivery = handler.HandleCommand(ctx, cmd)
	out.Enter(domain.StateDispatched)
	if err := out.Delivery.Err(); err != nil {
		out.Err = err
		o.logger.Warn("command reply not delivered", "channel", adapter.Channel(), "command", cmd.Name, "err", err)
	}
}

func (o *Orchestrator) handleStatus(ctx context.Context, ch domain.Channel, st *domain.StatusUpdate, out *domain.Outcome) {
	err := o.store.UpdateDeliveryStatusByExternalID(ctx, ch, st.ExternalID, st.Status, st.Error)
	switch {
	case err == nil:
		o.emit(bus.EventStatusUpdated, map[string]any{"channel": ch, "status": string(st.Status)})
	case errors.Is(err, domain.ErrStatusRegression), errors.Is(err, domain.ErrNotFound):
		o.logger.Debug("delivery receipt ignored", "channel", ch, "external_id", st.ExternalID, "status", st.Status, "err", err)
	default:
		o.fail(out, fmt.Errorf("apply delivery receipt: %w", err))
		return
	}
	out.Enter(domain.StateCompleted)
}

// generate waits for the rate limiter, then calls fn.
func (o *Orchestrator) generate(ctx context.Context, fn func(context.Context) (string, error)) (string, error) {
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limiter: %w", err)
		}
	}
	return fn(ctx)
}

// dispatch hands msg to the adapter and records the delivery outcome. The
// status write outlives ctx so a reply that left is never shown as pending.
func (o *Orchestrator) dispatch(ctx context.Context, adapter domain.ChannelAdapter, msg *domain.Message, out *domain.Outcome, stored bool) {
	res := adapter.Dispatch(ctx, msg)
	out.Delivery = res
	msg.ExternalID = res.ExternalID

	status := domain.StatusSent
	if !res.Success {
		status = domain.StatusFailed
		msg.Error = res.Error
		out.Err = errors.Join(out.Err, res.Err())
		o.logger.Warn("dispatch failed", "channel", adapter.Channel(), "conversation", out.ConversationID, "err", res.Error)
		o.emit(bus.EventDeliveryFailed, map[string]any{"channel": adapter.Channel()})
	}
	msg.Status = status

	if stored {
		if err := o.store.UpdateDeliveryStatus(context.WithoutCancel(ctx), msg.ID, status, res.ExternalID, res.Error); err != nil {
			o.logger.Error("failed to record delivery status", "message", msg.ID, "status", status, "err", err)
		}
	}
	out.Enter(domain.StateDispatched)
}

func (o *Orchestrator) withConversation(ctx context.Context, conversationID string, fn func() error) error {
	unlock, err := o.locks.Lock(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("conversation %s busy: %w", conversationID, err)
	}
	defer unlock()
	return fn()
}

// flagIfFatal marks the agent as errored on a fatal upstream failure. An
// empty answer is fatal for the unit but says nothing about the agent's
// configuration, so it does not flag.
func (o *Orchestrator) flagIfFatal(ctx context.Context, agent *domain.Agent, err error) {
	if !errors.Is(err, domain.ErrFatalUpstream) {
		return
	}
	reason := err.Error()
	var up *domain.UpstreamError
	if errors.As(err, &up) {
		if up.Code == domain.CodeEmptyResponse {
			return
		}
		reason = up.Error()
	}
	if serr := o.agents.SetStatus(context.WithoutCancel(ctx), agent.ID, domain.AgentError, reason); serr != nil {
		o.logger.Error("failed to flag agent", "agent", agent.ID, "err", serr)
		return
	}
	agent.Status = domain.AgentError
	agent.LastError = reason
	o.emit(bus.EventAgentFlagged, map[string]any{"agent": agent.ID})
}

func (o *Orchestrator) fail(out *domain.Outcome, err error) {
	out.Err = errors.Join(out.Err, err)
	out.Enter(domain.StateFailed)
}

func (o *Orchestrator) report(ch domain.Channel, out domain.Outcome, elapsed time.Duration) {
	payload := map[string]any{"channel": ch, "kind": string(out.Kind), "duration": elapsed, "state": string(out.State)}
	switch {
	case out.Duplicate:
		o.emit(bus.EventUnitDuplicate, payload)
	case out.State == domain.StateDispatched:
		o.emit(bus.EventUnitDispatched, payload)
	case out.State == domain.StateFailed:
		o.emit(bus.EventUnitFailed, payload)
	}
}

func (o *Orchestrator) emit(eventType string, payload map[string]any) {
	o.events.Emit(bus.Event{Type: eventType, Source: "router", Payload: payload})
}
