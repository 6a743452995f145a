// Package orchestrator runs one conversation turn: it resolves the
// learner's profile, finds or creates the thread's topic, retrieves
// long-term context, corrects the learner's message and streams the
// tutor's reply as a sequence of [Event] values.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/parley/internal/agents"
	"github.com/nugget/parley/internal/chat"
)

// ProfileProvider resolves the learner a turn is for.
type ProfileProvider interface {
	Profile(ctx context.Context) (chat.UserProfile, error)
}

// NewsAgent finds an article related to the learner's message.
type NewsAgent interface {
	Run(ctx context.Context, query string) (chat.Article, error)
}

// AnalysisAgent turns an article into a topic.
type AnalysisAgent interface {
	Run(ctx context.Context, in agents.AnalysisInput) (chat.TopicContext, error)
}

// CorrectionAgent checks the learner's message.
type CorrectionAgent interface {
	Run(ctx context.Context, in agents.CorrectionInput) (chat.Correction, error)
}

// ConversationAgent produces the reply as a lazy sequence of fragments.
type ConversationAgent interface {
	Run(ctx context.Context, in agents.ConversationInput) (iter.Seq2[string, error], error)
}

// ContextRetriever looks up long-term context for a message.
type ContextRetriever interface {
	SearchRelevantContext(ctx context.Context, query, userID string) chat.RelevantContext
}

// Observer is told how long each stage took. Implementations must be
// safe for concurrent use.
type Observer interface {
	ObserveStage(stage string, d time.Duration, outcome string)
	ObserveTurn(d time.Duration, err error)
}

// Stage names passed to [Observer.ObserveStage].
const (
	StageProfile      = "profile"
	StageTopic        = "topic"
	StageRetrieval    = "retrieval"
	StageCorrection   = "correction"
	StageConversation = "conversation"
)

// Deps are the collaborators of an [Orchestrator]. Profiles, Correction
// and Conversation are required. Without News and Analysis every thread
// stays topic-less; without Retriever the context is always empty.
type Deps struct {
	Profiles     ProfileProvider
	News         NewsAgent
	Analysis     AnalysisAgent
	Correction   CorrectionAgent
	Conversation ConversationAgent
	Retriever    ContextRetriever
	Observer     Observer
}

// Request is one turn's input. History is never modified.
type Request struct {
	History []chat.Message     `json:"history"`
	Message string             `json:"message"`
	Topic   *chat.TopicContext `json:"topic,omitempty"`
}

// Result summarises a completed turn for archiving and telemetry.
type Result struct {
	TurnID  string
	Profile chat.UserProfile
	Message string

	Topic       *chat.TopicContext
	TopicSource TopicSource
	// Article and SystemMessage are set when the topic was fetched this
	// turn.
	Article       *chat.Article
	SystemMessage *chat.Message

	Correction chat.Correction
	Context    chat.RelevantContext
	Reply      string
	Fragments  int

	States   []State
	Duration time.Duration
}

// Orchestrator runs conversation turns. It holds no per-turn state and
// is safe for concurrent use.
type Orchestrator struct {
	deps   Deps
	logger *slog.Logger
	now    func() time.Time
}

// New creates an orchestrator.
func New(deps Deps, logger *slog.Logger) (*Orchestrator, error) {
	switch {
	case deps.Profiles == nil:
		return nil, errors.New("orchestrator: profile provider is required")
	case deps.Correction == nil:
		return nil, errors.New("orchestrator: correction agent is required")
	case deps.Conversation == nil:
		return nil, errors.New("orchestrator: conversation agent is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		deps:   deps,
		logger: logger.With("component", "orchestrator"),
		now:    time.Now,
	}, nil
}

// turn is the mutable state of one Process call.
type turn struct {
	o      *Orchestrator
	ctx    context.Context
	emit   func(Event) error
	logger *slog.Logger
	res    *Result

	staged  []Event
	started bool
}

func (t *turn) advance(s State) {
	if n := len(t.res.States); n > 0 && t.res.States[n-1] >= s {
		panic(fmt.Sprintf("orchestrator: backward transition %s -> %s", t.res.States[n-1], s))
	}
	t.res.States = append(t.res.States, s)
	t.logger.Debug("turn state", "state", s)
}

func (t *turn) observe(stage string, start time.Time, outcome string) {
	if t.o.deps.Observer != nil {
		t.o.deps.Observer.ObserveStage(stage, t.o.now().Sub(start), outcome)
	}
}

// send emits ev unless the turn has been cancelled.
func (t *turn) send(ev Event) error {
	if err := t.ctx.Err(); err != nil {
		return err
	}
	if err := t.emit(ev); err != nil {
		return fmt.Errorf("emit %s: %w", ev.Type, err)
	}
	return nil
}

// flush emits the staged events once, ahead of the first chunk.
func (t *turn) flush() error {
	if t.started {
		return nil
	}
	t.started = true
	for _, ev := range t.staged {
		if err := t.send(ev); err != nil {
			return err
		}
	}
	t.staged = nil
	return nil
}

// Process runs one turn, calling emit for each output event in order:
// an optional system-article, an optional correction, the reply chunks
// and a final end. Events are held back until the first reply fragment
// exists, so a failure returned before that point means nothing was
// emitted.
//
// It returns [ErrEmptyMessage], [ErrProfileUnavailable] or
// [ErrGenerationFailed] for the corresponding failures; any error from
// emit or ctx aborts the turn and is returned as is.
func (o *Orchestrator) Process(ctx context.Context, req Request, emit func(Event) error) (res *Result, err error) {
	start := o.now()
	defer func() {
		if o.deps.Observer != nil {
			o.deps.Observer.ObserveTurn(o.now().Sub(start), err)
		}
	}()

	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, ErrEmptyMessage
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("turn id: %w", err)
	}
	t := &turn{
		o:      o,
		ctx:    ctx,
		emit:   emit,
		logger: o.logger.With("turn", id.String()),
		res:    &Result{TurnID: id.String(), Message: message},
	}
	t.advance(StateStart)

	// Profile.
	stageStart := o.now()
	profile, err := o.deps.Profiles.Profile(ctx)
	if err != nil {
		t.observe(StageProfile, stageStart, "error")
		t.logger.Error("profile unavailable", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrProfileUnavailable, err)
	}
	t.observe(StageProfile, stageStart, "ok")
	t.res.Profile = profile
	t.advance(StateProfileResolved)

	// Topic and retrieval depend only on the profile and message.
	history := slices.Clone(req.History)
	existing, found := existingTopic(req)

	var (
		topic   *chat.TopicContext
		article *chat.Article
		rc      chat.RelevantContext
	)
	g, gctx := errgroup.WithContext(ctx)
	if !found {
		g.Go(func() error {
			topic, article = t.fetchTopic(gctx, message, profile)
			return nil
		})
	}
	g.Go(func() error {
		rc = t.retrieve(gctx, message, profile.ID)
		return nil
	})
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch {
	case found:
		t.res.TopicSource = TopicFound
		topic = existing
	case topic != nil:
		sys, err := chat.NewTopicMessage(*topic, o.now())
		if err != nil {
			t.logger.Warn("topic message not encodable, continuing without topic", "error", err)
			topic, article = nil, nil
			t.res.TopicSource = TopicUnavailable
			break
		}
		t.res.TopicSource = TopicFetched
		t.res.SystemMessage = &sys
		t.res.Article = article
		t.staged = append(t.staged, SystemArticleEvent(sys))
		history = append(history, sys)
	default:
		t.res.TopicSource = TopicUnavailable
	}
	t.res.Topic = topic
	t.advance(StateTopicResolved)
	t.logger.Debug("topic resolved", "source", t.res.TopicSource)

	t.res.Context = rc
	t.advance(StateContextRetrieved)

	// Correction.
	stageStart = o.now()
	correction, err := o.deps.Correction.Run(ctx, agents.CorrectionInput{
		Message:  message,
		Feedback: rc.FeedbackText(),
	})
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		t.logger.Warn("correction failed, continuing without suggestion", "error", err)
		correction = chat.NoSuggestion(agents.FallbackFeedback)
	}
	t.observe(StageCorrection, stageStart, outcome(correction.HasSuggestion, "suggestion", "none"))
	t.res.Correction = correction
	if correction.HasSuggestion {
		t.staged = append(t.staged, CorrectionEvent(correction))
	}
	t.advance(StateCorrected)

	// Conversation.
	chosen := message
	if rewrite, ok := correction.Rewrite(); ok {
		chosen = rewrite
	}
	stageStart = o.now()
	fragments, err := o.deps.Conversation.Run(ctx, agents.ConversationInput{
		Profile: profile,
		Topic:   topic,
		History: history,
		Message: chosen,
		Context: rc,
	})
	if err != nil {
		t.observe(StageConversation, stageStart, "error")
		return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}
	t.advance(StateResponding)

	var reply strings.Builder
	for frag, ferr := range fragments {
		if ferr != nil {
			t.observe(StageConversation, stageStart, "error")
			if cerr := ctx.Err(); cerr != nil {
				return nil, cerr
			}
			t.logger.Error("reply generation failed", "fragments", t.res.Fragments, "error", ferr)
			if t.started {
				// Best effort; the stream is already broken.
				_ = t.send(ErrorEvent(ErrorKindGeneration, "The tutor could not finish this reply."))
			}
			return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, ferr)
		}
		if err := t.flush(); err != nil {
			return nil, err
		}
		if err := t.send(ChunkEvent(frag)); err != nil {
			return nil, err
		}
		reply.WriteString(frag)
		t.res.Fragments++
	}
	t.observe(StageConversation, stageStart, "ok")

	if err := t.flush(); err != nil {
		return nil, err
	}
	if err := t.send(EndEvent()); err != nil {
		return nil, err
	}
	t.advance(StateDone)

	t.res.Reply = reply.String()
	t.res.Duration = o.now().Sub(start)
	t.logger.Info("turn complete",
		"topic", t.res.TopicSource,
		"suggestion", correction.HasSuggestion,
		"fragments", t.res.Fragments,
		"elapsed", t.res.Duration,
	)
	return t.res, nil
}

// existingTopic finds a topic the client already holds: the explicit
// request field first, then the latest topic system message in history.
func existingTopic(req Request) (*chat.TopicContext, bool) {
	if req.Topic != nil {
		tc := *req.Topic
		return &tc, true
	}
	return chat.FindTopic(req.History)
}

// fetchTopic runs news then analysis. Either failing leaves the turn
// without a topic.
func (t *turn) fetchTopic(ctx context.Context, message string, profile chat.UserProfile) (*chat.TopicContext, *chat.Article) {
	start := t.o.now()
	if t.o.deps.News == nil || t.o.deps.Analysis == nil {
		t.observe(StageTopic, start, "disabled")
		return nil, nil
	}

	article, err := t.o.deps.News.Run(ctx, message)
	if err != nil {
		t.observe(StageTopic, start, "error")
		t.logger.Warn("news lookup failed, continuing without topic", "error", err)
		return nil, nil
	}
	topic, err := t.o.deps.Analysis.Run(ctx, agents.AnalysisInput{Article: article, Profile: profile})
	if err != nil {
		t.observe(StageTopic, start, "error")
		t.logger.Warn("article analysis failed, continuing without topic", "error", err)
		return nil, nil
	}
	t.observe(StageTopic, start, "ok")
	return &topic, &article
}

// retrieve is best-effort and always structurally complete.
func (t *turn) retrieve(ctx context.Context, message, userID string) chat.RelevantContext {
	start := t.o.now()
	if t.o.deps.Retriever == nil {
		t.observe(StageRetrieval, start, "disabled")
		return chat.EmptyContext()
	}
	rc := t.o.deps.Retriever.SearchRelevantContext(ctx, message, userID).Normalize()
	t.observe(StageRetrieval, start, "ok")
	return rc
}

func outcome(cond bool, yes, no string) string {
	if cond {
		return yes
	}
	return no
}
