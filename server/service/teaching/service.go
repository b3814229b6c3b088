// Package teaching orchestrates the teaching-interaction pipeline: one
// learner submission flows through constraint checks, prompt assembly,
// streamed generation, tiered validation, and an atomic commit of the
// interaction, screen progress, and learner memory.
//
// Each session is a single-writer domain. Submissions are never queued; a
// new submission supersedes the in-flight one, and stale results are
// discarded by an epoch check at commit time.
package teaching

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/courseloop/courseloop/internal/profile"
	"github.com/courseloop/courseloop/plugin/ai"
	"github.com/courseloop/courseloop/server/constraint"
	"github.com/courseloop/courseloop/server/finops"
	"github.com/courseloop/courseloop/server/insight"
	"github.com/courseloop/courseloop/internal/errors"
	"github.com/courseloop/courseloop/server/internal/observability"
	"github.com/courseloop/courseloop/server/prompt"
	"github.com/courseloop/courseloop/server/validator"
	"github.com/courseloop/courseloop/store"
)

const historyTurns = 3

// TeachingService implements Service.
type TeachingService struct {
	store     *store.Store
	generator ai.Generator
	profile   *profile.Profile

	engine    *constraint.Engine
	assembler *prompt.Assembler
	validator *validator.Validator
	coord     *Coordinator
	costs     *finops.CostMonitor

	logger *slog.Logger
	now    func() time.Time
	sleep  func(time.Duration)
}

// Option customizes the service.
type Option func(*TeachingService)

// WithCostMonitor enables cost telemetry for terminal interactions.
func WithCostMonitor(m *finops.CostMonitor) Option {
	return func(s *TeachingService) { s.costs = m }
}

// WithValidator replaces the built-in rule set.
func WithValidator(v *validator.Validator) Option {
	return func(s *TeachingService) { s.validator = v }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *TeachingService) { s.logger = l }
}

// NewService creates the session orchestrator.
func NewService(st *store.Store, generator ai.Generator, p *profile.Profile, opts ...Option) *TeachingService {
	s := &TeachingService{
		store:     st,
		generator: generator,
		profile:   p,
		engine:    constraint.NewEngine(),
		assembler: prompt.NewAssembler(),
		validator: validator.New(),
		coord:     NewCoordinator(),
		logger:    slog.Default(),
		now:       time.Now,
		sleep:     time.Sleep,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateSession snapshots the instructor profile and materializes the lesson
// plan. The snapshot is the only instructor identity the session will ever
// see; later profile edits cannot drift into it.
func (s *TeachingService) CreateSession(ctx context.Context, learnerID, profileID string, plan []*ScreenBlueprint) (*store.TeachingSession, error) {
	if learnerID == "" || profileID == "" {
		return nil, errors.InvalidArgument("learner and profile ids are required")
	}
	if len(plan) == 0 {
		return nil, errors.InvalidArgument("lesson plan cannot be empty")
	}

	instructor, err := s.store.GetInstructorProfile(ctx, profileID)
	if err != nil {
		return nil, errors.StorageFailed(err)
	}
	if instructor == nil {
		return nil, errors.NotFound("instructor profile", profileID)
	}

	now := s.now().Unix()
	session := &store.TeachingSession{
		ID:        shortuuid.New(),
		LearnerID: learnerID,
		ProfileID: profileID,
		Snapshot:  instructor.Snapshot(now),
		State:     store.SessionActive,
		CreatedTs: now,
		UpdatedTs: now,
	}
	screens := make([]*store.ScreenState, 0, len(plan))
	for _, bp := range plan {
		constraints := bp.Constraints
		if constraints.RateLimitPerMinute == 0 {
			constraints.RateLimitPerMinute = s.profile.DefaultRatePerMinute
		}
		if constraints.MaxHints == 0 {
			constraints.MaxHints = s.profile.DefaultMaxHints
		}

		phase := store.ScreenLocked
		if len(bp.Prerequisites) == 0 {
			phase = store.ScreenUnlocked
		}
		screen := &store.ScreenState{
			ID:            bp.ID,
			SessionID:     session.ID,
			Type:          bp.Type,
			Phase:         phase,
			Topic:         bp.Topic,
			Objective:     bp.Objective,
			Concepts:      bp.Concepts,
			Prerequisites: bp.Prerequisites,
			Constraints:   constraints,
			Progress:      store.ScreenProgress{},
			CreatedTs:     now,
			UpdatedTs:     now,
		}
		if screen.ID == "" {
			screen.ID = shortuuid.New()
		}
		screens = append(screens, screen)
	}

	if err := s.store.CreateSessionPlan(ctx, session, screens); err != nil {
		return nil, errors.StorageFailed(err)
	}
	return session, nil
}

// StartScreen activates a screen for the session.
func (s *TeachingService) StartScreen(ctx context.Context, sessionID, screenID string) (*store.ScreenState, error) {
	unlock := s.coord.LockSession(sessionID)
	defer unlock()

	session, screen, err := s.loadSessionScreen(ctx, sessionID, screenID)
	if err != nil {
		return nil, err
	}

	// BLOCKED is reversible; LOCKED clears once the prerequisites complete.
	switch screen.Phase {
	case store.ScreenBlocked:
		screen.Phase = store.ScreenUnlocked
	case store.ScreenLocked:
		met, err := s.prerequisitesMet(ctx, session.ID, screen)
		if err != nil {
			return nil, err
		}
		if met {
			screen.Phase = store.ScreenUnlocked
		}
	}

	if err := s.engine.Evaluate(screen, constraint.ActionStart); err != nil {
		return nil, err
	}

	active, err := s.store.ListScreenStates(ctx, &store.FindScreenState{
		SessionID: &session.ID,
		Phase:     phasePtr(store.ScreenActive),
		Limit:     1,
	})
	if err != nil {
		return nil, errors.StorageFailed(err)
	}
	if len(active) > 0 {
		return nil, errors.AlreadyActive(active[0].ID)
	}

	now := s.now().Unix()
	progress := screen.Progress
	progress.ActivatedAt = now
	updated, err := s.store.UpdateScreenState(ctx, &store.UpdateScreenState{
		ID:        screen.ID,
		Phase:     phasePtr(store.ScreenActive),
		Progress:  &progress,
		UpdatedTs: &now,
	})
	if err != nil {
		return nil, errors.StorageFailed(err)
	}
	return updated, nil
}

// SubmitInteraction admits one submission, superseding any in-flight one,
// and returns its event stream. The stream closes after the terminal event,
// or without one if the submission is superseded mid-flight.
func (s *TeachingService) SubmitInteraction(ctx context.Context, sessionID, screenID, interactionID, text string) (<-chan Event, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.InvalidArgument("submission text cannot be empty")
	}
	if interactionID == "" {
		interactionID = shortuuid.New()
	}

	unlock := s.coord.LockSession(sessionID)
	session, screen, err := s.loadSessionScreen(ctx, sessionID, screenID)
	if err != nil {
		unlock()
		return nil, err
	}
	if err := s.engine.Evaluate(screen, constraint.ActionSubmit); err != nil {
		// An exhausted attempt budget is durable, unlike a cooldown or rate
		// window, so the screen is parked until the learner restarts it.
		if errors.IsCode(err, errors.ErrCodeMaxAttemptsReached) && screen.Phase == store.ScreenActive {
			s.blockScreen(ctx, screen)
		}
		unlock()
		return nil, err
	}
	if err := s.restoreEpoch(ctx, sessionID); err != nil {
		unlock()
		return nil, err
	}

	existing, err := s.store.ListInteractions(ctx, &store.FindInteraction{ID: &interactionID, Limit: 1})
	if err != nil {
		unlock()
		return nil, errors.StorageFailed(err)
	}
	if len(existing) > 0 {
		unlock()
		return nil, errors.InvalidArgument(fmt.Sprintf("interaction id %s already used", interactionID))
	}

	// The pipeline must outlive the caller's request context: its lifetime is
	// bounded by the generation deadline and by supersession, not by the
	// submitting request hanging around.
	genCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	epoch, superseded := s.coord.Admit(sessionID, interactionID, cancel)
	if superseded != nil {
		s.markCancelled(genCtx, superseded.InteractionID)
		s.logger.Info("superseded in-flight interaction",
			slog.String(observability.LogFieldInteractionID, superseded.InteractionID),
			slog.String(observability.LogFieldErrorCode, string(errors.ErrCodeSuperseded)))
	}

	now := s.now().Unix()
	interaction := &store.Interaction{
		ID:        interactionID,
		SessionID: sessionID,
		ScreenID:  screenID,
		Epoch:     epoch,
		Input:     text,
		State:     store.InteractionPending,
		CreatedTs: now,
		UpdatedTs: now,
	}
	if _, err := s.store.CreateInteraction(ctx, interaction); err != nil {
		s.coord.Release(sessionID, epoch)
		cancel()
		unlock()
		return nil, errors.StorageFailed(err)
	}
	unlock()

	rc := observability.NewRequestContext(s.logger, sessionID, session.LearnerID, screenID)
	genCtx = observability.WithRequestContext(genCtx, rc)
	events := make(chan Event, 16)
	go s.runPipeline(genCtx, ctx.Done(), rc, session, screen, interaction, events)
	return events, nil
}

// pipelineOutcome is the internal result of generation plus validation.
type pipelineOutcome struct {
	text        string
	chunks      []string
	result      *validator.Result
	generations int
	// err is the permanent generation failure, nil for validation outcomes.
	err error
}

func (s *TeachingService) runPipeline(ctx context.Context, callerDone <-chan struct{}, rc *observability.RequestContext, session *store.TeachingSession, screen *store.ScreenState, interaction *store.Interaction, events chan<- Event) {
	defer close(events)

	// send delivers an event best-effort: once the consumer has gone away it
	// stops blocking, so an abandoned stream never pins the pipeline on a
	// full buffer. Delivery failure never aborts commit work.
	send := func(e Event) {
		e.InteractionID = interaction.ID
		e.Epoch = interaction.Epoch
		select {
		case events <- e:
		case <-callerDone:
		}
	}
	// emit additionally gates on epoch currency: a superseded pipeline falls
	// silent, and a false return tells the caller to stop.
	emit := func(e Event) bool {
		if !s.coord.IsCurrent(session.ID, interaction.Epoch) {
			return false
		}
		send(e)
		return true
	}

	if !emit(Event{Type: EventStarted}) {
		return
	}
	s.transition(ctx, interaction, store.InteractionGenerating)

	memory, err := s.store.GetLearnerMemory(ctx, session.LearnerID)
	if err != nil {
		s.abortStorage(ctx, rc, session, interaction, emit, err)
		return
	}
	history, err := s.screenHistory(ctx, screen.ID)
	if err != nil {
		s.abortStorage(ctx, rc, session, interaction, emit, err)
		return
	}

	req := s.assembler.Assemble(session.Snapshot, memory, screen, history, interaction.Input)
	promptChars := requestChars(req)
	outcome := s.generateValidated(ctx, rc, req, interaction, &validator.CheckContext{
		Input:   interaction.Input,
		Screen:  screen,
		Profile: session.Snapshot,
	})

	if ctx.Err() != nil {
		// Superseded mid-generation: nothing to emit. The admission path
		// already marked the interaction cancelled; finalize again here in
		// case a state transition raced past that write.
		s.markCancelled(context.WithoutCancel(ctx), interaction.ID)
		rc.Debug("generation superseded",
			slog.String(observability.LogFieldInteractionID, interaction.ID),
			slog.Int64(observability.LogFieldEpoch, interaction.Epoch))
		return
	}

	if outcome.err == nil && outcome.result.Action == validator.ActionAccept {
		s.commitAccepted(ctx, rc, session, screen, interaction, outcome, promptChars, emit, send)
		return
	}
	s.commitFailed(ctx, rc, session, screen, interaction, outcome, promptChars, emit, send)
}

// generateValidated runs the generate/validate/regenerate loop until the
// response is accepted, rejected, or the retry budget runs out.
func (s *TeachingService) generateValidated(ctx context.Context, rc *observability.RequestContext, req *ai.Request, interaction *store.Interaction, cc *validator.CheckContext) *pipelineOutcome {
	outcome := &pipelineOutcome{}
	regens := 0

	for {
		text, chunks, err := s.generateOnce(ctx, req)
		outcome.generations++
		if err != nil {
			outcome.err = err
			return outcome
		}

		result := s.validator.Validate(text, cc)
		outcome.text, outcome.chunks, outcome.result = text, chunks, result

		switch result.Action {
		case validator.ActionAccept, validator.ActionReject:
			return outcome
		}

		if regens >= result.RetryCeiling || regens >= validator.MaxRetries {
			result.Action = validator.ActionReject
			return outcome
		}
		regens++
		s.transition(ctx, interaction, store.InteractionRegenerating)
		rc.Warn("regenerating response",
			slog.String(observability.LogFieldInteractionID, interaction.ID),
			slog.Int("attempt", regens),
			slog.Any("violations", result.Messages()))
		req = s.assembler.AssembleFallback(req, result.Messages())
	}
}

// generateOnce performs one bounded generation call, retrying transient
// failures with exponential backoff.
func (s *TeachingService) generateOnce(ctx context.Context, req *ai.Request) (string, []string, error) {
	var lastErr error
	for attempt := 0; attempt <= s.profile.GenerationRetries; attempt++ {
		if attempt > 0 {
			s.sleep(ai.Backoff(attempt - 1))
		}

		gctx, cancel := context.WithTimeout(ctx, s.profile.GenerationDeadline)
		chunkCh, errCh := s.generator.GenerateStream(gctx, req)

		var b strings.Builder
		var chunks []string
		for chunk := range chunkCh {
			b.WriteString(chunk)
			chunks = append(chunks, chunk)
		}
		err := <-errCh
		cancel()

		if err == nil {
			return b.String(), chunks, nil
		}
		if ctx.Err() != nil {
			return "", nil, ctx.Err()
		}
		if !ai.IsTransient(err) {
			return "", nil, err
		}
		lastErr = err
	}
	return "", nil, lastErr
}

func (s *TeachingService) commitAccepted(ctx context.Context, rc *observability.RequestContext, session *store.TeachingSession, screen *store.ScreenState, interaction *store.Interaction, outcome *pipelineOutcome, promptChars int, emit func(Event) bool, send func(Event)) {
	unlock := s.coord.LockSession(session.ID)

	if !s.coord.IsCurrent(session.ID, interaction.Epoch) {
		unlock()
		s.markCancelled(context.WithoutCancel(ctx), interaction.ID)
		return
	}

	s.transition(ctx, interaction, store.InteractionValidating)

	current, err := s.store.GetScreenState(ctx, screen.ID)
	if err != nil || current == nil {
		unlock()
		s.abortStorage(ctx, rc, session, interaction, emit, err)
		return
	}

	now := s.now().Unix()
	s.consumeAttempt(current, now)
	if score := masteryScore(outcome); score > current.Progress.BestScore {
		current.Progress.BestScore = score
	}

	memory, err := s.store.GetLearnerMemory(ctx, session.LearnerID)
	if err != nil {
		unlock()
		s.abortStorage(ctx, rc, session, interaction, emit, err)
		return
	}

	interaction.State = store.InteractionCommitted
	interaction.ResultText = outcome.text
	interaction.UpdatedTs = now

	insights := insight.Derive(interaction, current)
	updatedMemory, err := insight.Update(memory, interaction, insights)
	if err != nil {
		unlock()
		s.abortStorage(ctx, rc, session, interaction, emit, err)
		return
	}

	err = s.store.CommitInteraction(ctx, &store.InteractionCommit{
		Interaction: interaction,
		Screen:      current,
		Memory:      updatedMemory,
	})
	if err != nil {
		unlock()
		s.abortStorage(ctx, rc, session, interaction, emit, err)
		return
	}
	s.coord.Release(session.ID, interaction.Epoch)
	unlock()

	// The commit is durable, so the replay is unconditional: a racing
	// admission after Release must not truncate this stream.
	for _, chunk := range outcome.chunks {
		send(Event{Type: EventChunk, Chunk: chunk})
	}
	send(Event{Type: EventValidated})
	send(Event{Type: EventCommitted, Text: outcome.text})

	rc.Info("interaction committed",
		slog.String(observability.LogFieldInteractionID, interaction.ID),
		slog.Int64(observability.LogFieldEpoch, interaction.Epoch),
		slog.Int("generations", outcome.generations),
		slog.Int64(observability.LogFieldDuration, rc.DurationMs()))
	s.recordCost(rc, session, interaction, outcome, promptChars)
}

func (s *TeachingService) commitFailed(ctx context.Context, rc *observability.RequestContext, session *store.TeachingSession, screen *store.ScreenState, interaction *store.Interaction, outcome *pipelineOutcome, promptChars int, emit func(Event) bool, send func(Event)) {
	unlock := s.coord.LockSession(session.ID)

	if !s.coord.IsCurrent(session.ID, interaction.Epoch) {
		unlock()
		s.markCancelled(context.WithoutCancel(ctx), interaction.ID)
		return
	}

	current, err := s.store.GetScreenState(ctx, screen.ID)
	if err != nil || current == nil {
		unlock()
		s.abortStorage(ctx, rc, session, interaction, emit, err)
		return
	}

	now := s.now().Unix()
	// A rejected response still consumes an attempt; only cancellation is
	// free. Rejected text is never persisted as a result.
	s.consumeAttempt(current, now)

	var violations []string
	if outcome.result != nil {
		for _, v := range outcome.result.Violations {
			violations = append(violations, v.CheckID)
		}
	}
	interaction.State = store.InteractionFailed
	interaction.ResultText = ""
	interaction.Violations = violations
	interaction.UpdatedTs = now

	err = s.store.CommitInteraction(ctx, &store.InteractionCommit{
		Interaction: interaction,
		Screen:      current,
	})
	if err != nil {
		unlock()
		s.abortStorage(ctx, rc, session, interaction, emit, err)
		return
	}
	s.coord.Release(session.ID, interaction.Epoch)
	unlock()

	var cause error = errors.ValidationRejected(strings.Join(violations, ", "))
	if outcome.err != nil {
		cause = generationCause(outcome.err)
	}
	if outcome.result != nil {
		send(Event{Type: EventValidated, Violations: outcome.result.Messages()})
	}
	send(Event{Type: EventFallback, Text: fallbackText(screen), Violations: violations, Err: cause})

	if outcome.err != nil {
		rc.Error("generation failed, served fallback", cause,
			slog.String(observability.LogFieldInteractionID, interaction.ID))
	} else {
		rc.Warn("response rejected, served fallback",
			slog.String(observability.LogFieldInteractionID, interaction.ID),
			slog.Any("violations", violations))
	}
	s.recordCost(rc, session, interaction, outcome, promptChars)
}

// RequestHint generates a progressive hint for the active screen.
func (s *TeachingService) RequestHint(ctx context.Context, sessionID, screenID string, level int) (*Hint, error) {
	if level < 1 {
		level = 1
	}

	unlock := s.coord.LockSession(sessionID)
	session, screen, err := s.loadSessionScreen(ctx, sessionID, screenID)
	if err != nil {
		unlock()
		return nil, err
	}
	if err := s.engine.Evaluate(screen, constraint.ActionHint); err != nil {
		unlock()
		return nil, err
	}
	memory, err := s.store.GetLearnerMemory(ctx, session.LearnerID)
	if err != nil {
		unlock()
		return nil, errors.StorageFailed(err)
	}
	unlock()

	// Generation runs outside the session lock so hints never block a
	// racing submission.
	req := s.assembler.AssembleHint(session.Snapshot, memory, screen, level)
	text, _, err := s.generateOnce(ctx, req)
	if err != nil {
		text = hintFallbackText(screen, level)
	} else if result := s.validator.Validate(text, &validator.CheckContext{
		Screen:  screen,
		Profile: session.Snapshot,
	}); result.Action != validator.ActionAccept {
		text = hintFallbackText(screen, level)
	}

	unlock = s.coord.LockSession(sessionID)
	defer unlock()

	current, err := s.store.GetScreenState(ctx, screenID)
	if err != nil {
		return nil, errors.StorageFailed(err)
	}
	if current == nil {
		return nil, errors.NotFound("screen", screenID)
	}
	if max := current.Constraints.MaxHints; max > 0 && current.Progress.HintsUsed >= max {
		return nil, errors.NoHintsRemaining(max)
	}

	now := s.now().Unix()
	progress := current.Progress
	progress.HintsUsed++
	if _, err := s.store.UpdateScreenState(ctx, &store.UpdateScreenState{
		ID:        current.ID,
		Progress:  &progress,
		UpdatedTs: &now,
	}); err != nil {
		return nil, errors.StorageFailed(err)
	}

	remaining := -1
	if max := current.Constraints.MaxHints; max > 0 {
		remaining = max - progress.HintsUsed
	}
	return &Hint{Level: level, Text: text, HintsRemaining: remaining}, nil
}

// CompleteScreen finishes the active screen, unlocks the next one, and
// completes the session when no screens remain.
func (s *TeachingService) CompleteScreen(ctx context.Context, sessionID, screenID string) (*CompletionResult, error) {
	unlock := s.coord.LockSession(sessionID)
	defer unlock()

	session, screen, err := s.loadSessionScreen(ctx, sessionID, screenID)
	if err != nil {
		return nil, err
	}
	if err := s.engine.Evaluate(screen, constraint.ActionComplete); err != nil {
		return nil, err
	}

	if required := screen.Constraints.RequiredAttempts; required > 0 && screen.Progress.Attempts < required {
		return nil, errors.RequirementsNotMet(
			fmt.Sprintf("%d of %d required attempts made", screen.Progress.Attempts, required))
	}
	if threshold := screen.Constraints.MasteryThreshold; threshold > 0 && screen.Progress.BestScore < threshold {
		return nil, errors.RequirementsNotMet(
			fmt.Sprintf("best score %.2f below mastery threshold %.2f", screen.Progress.BestScore, threshold))
	}

	now := s.now().Unix()
	progress := screen.Progress
	if progress.ActivatedAt > 0 {
		if live := now - progress.ActivatedAt; live > progress.TimeSpentSeconds {
			progress.TimeSpentSeconds = live
		}
	}
	if _, err := s.store.UpdateScreenState(ctx, &store.UpdateScreenState{
		ID:        screen.ID,
		Phase:     phasePtr(store.ScreenCompleted),
		Progress:  &progress,
		UpdatedTs: &now,
	}); err != nil {
		return nil, errors.StorageFailed(err)
	}

	result := &CompletionResult{
		MasteryAchieved: screen.Constraints.MasteryThreshold == 0 ||
			screen.Progress.BestScore >= screen.Constraints.MasteryThreshold,
	}

	screens, err := s.store.ListScreenStates(ctx, &store.FindScreenState{SessionID: &session.ID})
	if err != nil {
		return nil, errors.StorageFailed(err)
	}
	completed := map[string]bool{screen.ID: true}
	for _, sc := range screens {
		if sc.Phase == store.ScreenCompleted {
			completed[sc.ID] = true
		}
	}

	remaining := false
	for _, sc := range screens {
		if completed[sc.ID] {
			continue
		}
		remaining = true
		if sc.Phase != store.ScreenLocked {
			if result.NextScreenID == "" {
				result.NextScreenID = sc.ID
			}
			continue
		}
		ready := true
		for _, pre := range sc.Prerequisites {
			if !completed[pre] {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}
		if _, err := s.store.UpdateScreenState(ctx, &store.UpdateScreenState{
			ID:        sc.ID,
			Phase:     phasePtr(store.ScreenUnlocked),
			UpdatedTs: &now,
		}); err != nil {
			return nil, errors.StorageFailed(err)
		}
		if result.NextScreenID == "" {
			result.NextScreenID = sc.ID
		}
	}

	if !remaining {
		result.SessionCompleted = true
		if _, err := s.store.UpdateTeachingSession(ctx, &store.UpdateTeachingSession{
			ID:        session.ID,
			State:     statePtr(store.SessionCompleted),
			UpdatedTs: &now,
		}); err != nil {
			return nil, errors.StorageFailed(err)
		}
	}
	return result, nil
}

// SessionOverview lists the session's screens with derived availability.
func (s *TeachingService) SessionOverview(ctx context.Context, sessionID string) ([]*ScreenOverview, error) {
	session, err := s.store.GetTeachingSession(ctx, sessionID)
	if err != nil {
		return nil, errors.StorageFailed(err)
	}
	if session == nil {
		return nil, errors.NotFound("session", sessionID)
	}

	screens, err := s.store.ListScreenStates(ctx, &store.FindScreenState{SessionID: &sessionID})
	if err != nil {
		return nil, errors.StorageFailed(err)
	}

	now := s.now()
	overview := make([]*ScreenOverview, 0, len(screens))
	for _, sc := range screens {
		overview = append(overview, &ScreenOverview{
			Screen:       sc,
			Availability: constraint.Derive(sc, now),
		})
	}
	return overview, nil
}

// ---- helpers ----

func (s *TeachingService) loadSessionScreen(ctx context.Context, sessionID, screenID string) (*store.TeachingSession, *store.ScreenState, error) {
	session, err := s.store.GetTeachingSession(ctx, sessionID)
	if err != nil {
		return nil, nil, errors.StorageFailed(err)
	}
	if session == nil {
		return nil, nil, errors.NotFound("session", sessionID)
	}
	if session.State != store.SessionActive {
		return nil, nil, errors.SessionNotActive(sessionID)
	}

	screen, err := s.store.GetScreenState(ctx, screenID)
	if err != nil {
		return nil, nil, errors.StorageFailed(err)
	}
	if screen == nil {
		return nil, nil, errors.NotFound("screen", screenID)
	}
	if screen.SessionID != sessionID {
		return nil, nil, errors.InvalidArgument(
			fmt.Sprintf("screen %s does not belong to session %s", screenID, sessionID))
	}
	return session, screen, nil
}

func (s *TeachingService) prerequisitesMet(ctx context.Context, sessionID string, screen *store.ScreenState) (bool, error) {
	if len(screen.Prerequisites) == 0 {
		return true, nil
	}
	screens, err := s.store.ListScreenStates(ctx, &store.FindScreenState{SessionID: &sessionID})
	if err != nil {
		return false, errors.StorageFailed(err)
	}
	completed := map[string]bool{}
	for _, sc := range screens {
		if sc.Phase == store.ScreenCompleted {
			completed[sc.ID] = true
		}
	}
	for _, pre := range screen.Prerequisites {
		if !completed[pre] {
			return false, nil
		}
	}
	return true, nil
}

// restoreEpoch seeds the coordinator from persisted interactions after a
// restart, keeping epochs monotonic per session.
func (s *TeachingService) restoreEpoch(ctx context.Context, sessionID string) error {
	if s.coord.CurrentEpoch(sessionID) > 0 {
		return nil
	}
	interactions, err := s.store.ListInteractions(ctx, &store.FindInteraction{SessionID: &sessionID})
	if err != nil {
		return errors.StorageFailed(err)
	}
	if len(interactions) > 0 {
		s.coord.Restore(sessionID, interactions[len(interactions)-1].Epoch)
	}
	return nil
}

// screenHistory builds the conversation history from the screen's committed
// interactions, most recent turns last.
func (s *TeachingService) screenHistory(ctx context.Context, screenID string) ([]ai.Message, error) {
	committed := store.InteractionCommitted
	interactions, err := s.store.ListInteractions(ctx, &store.FindInteraction{
		ScreenID: &screenID,
		State:    &committed,
	})
	if err != nil {
		return nil, err
	}
	if len(interactions) > historyTurns {
		interactions = interactions[len(interactions)-historyTurns:]
	}
	history := make([]ai.Message, 0, len(interactions)*2)
	for _, it := range interactions {
		history = append(history, ai.UserMessage(prompt.Neutralize(it.Input)))
		history = append(history, ai.AssistantMessage(it.ResultText))
	}
	return history, nil
}

// transition applies a non-terminal interaction state change. Failures are
// logged only: the authoritative terminal write happens at commit.
func (s *TeachingService) transition(ctx context.Context, interaction *store.Interaction, state store.InteractionState) {
	now := s.now().Unix()
	if _, err := s.store.UpdateInteraction(ctx, &store.UpdateInteraction{
		ID:        interaction.ID,
		State:     &state,
		UpdatedTs: &now,
	}); err != nil {
		s.logger.Warn("failed to update interaction state",
			slog.String(observability.LogFieldInteractionID, interaction.ID),
			slog.String("state", state.String()),
			slog.String("error", err.Error()))
	} else {
		interaction.State = state
	}
}

// blockScreen parks a screen whose attempt budget is exhausted. StartScreen
// reverses the phase, so the learner can still come back for hints or to
// complete the screen.
func (s *TeachingService) blockScreen(ctx context.Context, screen *store.ScreenState) {
	now := s.now().Unix()
	if _, err := s.store.UpdateScreenState(ctx, &store.UpdateScreenState{
		ID:        screen.ID,
		Phase:     phasePtr(store.ScreenBlocked),
		UpdatedTs: &now,
	}); err != nil {
		s.logger.Warn("failed to block screen",
			slog.String(observability.LogFieldScreenID, screen.ID),
			slog.String("error", err.Error()))
	}
}

// markCancelled finalizes a superseded interaction. Already-terminal states
// are left untouched.
func (s *TeachingService) markCancelled(ctx context.Context, interactionID string) {
	existing, err := s.store.ListInteractions(ctx, &store.FindInteraction{ID: &interactionID, Limit: 1})
	if err != nil || len(existing) == 0 || existing[0].State.IsTerminal() {
		return
	}
	cancelled := store.InteractionCancelled
	now := s.now().Unix()
	if _, err := s.store.UpdateInteraction(ctx, &store.UpdateInteraction{
		ID:        interactionID,
		State:     &cancelled,
		UpdatedTs: &now,
	}); err != nil {
		logger := s.logger
		if rc, ok := observability.FromContext(ctx); ok {
			logger = rc.Logger.With(
				slog.String(observability.LogFieldRequestID, rc.RequestID),
				slog.String(observability.LogFieldSessionID, rc.SessionID))
		}
		logger.Warn("failed to mark interaction cancelled",
			slog.String(observability.LogFieldInteractionID, interactionID),
			slog.String("error", err.Error()))
	}
}

func (s *TeachingService) abortStorage(ctx context.Context, rc *observability.RequestContext, session *store.TeachingSession, interaction *store.Interaction, emit func(Event) bool, cause error) {
	s.coord.Release(session.ID, interaction.Epoch)
	if cause == nil {
		cause = fmt.Errorf("entity disappeared mid-operation")
	}
	rc.Error("storage failure aborted interaction", cause,
		slog.String(observability.LogFieldInteractionID, interaction.ID))
	emit(Event{Type: EventError, Err: errors.StorageFailed(cause)})
}

func (s *TeachingService) consumeAttempt(screen *store.ScreenState, now int64) {
	screen.Progress.Attempts++
	screen.Progress.LastAttemptAt = now
	if screen.Progress.ActivatedAt > 0 {
		if live := now - screen.Progress.ActivatedAt; live > screen.Progress.TimeSpentSeconds {
			screen.Progress.TimeSpentSeconds = live
		}
	}
	screen.UpdatedTs = now
}

func (s *TeachingService) recordCost(rc *observability.RequestContext, session *store.TeachingSession, interaction *store.Interaction, outcome *pipelineOutcome, promptChars int) {
	if s.costs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	responseChars := len(outcome.text)
	record := &finops.InteractionCostRecord{
		InteractionID: interaction.ID,
		SessionID:     session.ID,
		Outcome:       interaction.State.String(),
		PromptChars:   promptChars,
		ResponseChars: responseChars,
		Generations:   outcome.generations,
		EstimatedCost: finops.EstimateGenerationCost(promptChars*outcome.generations, responseChars),
		LatencyMs:     rc.DurationMs(),
		CreatedTs:     s.now().Unix(),
	}
	if err := s.costs.Record(ctx, record); err != nil {
		s.logger.Warn("failed to record interaction cost",
			slog.String(observability.LogFieldInteractionID, interaction.ID),
			slog.String("error", err.Error()))
	}
}

// generationCause classifies a permanent generation failure for the caller:
// a blown deadline reads differently from an upstream error.
func generationCause(err error) error {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Timeout("generation deadline exceeded")
	}
	return errors.GenerationFailed(err)
}

// masteryScore grades an accepted outcome for the screen's mastery
// tracking: full credit for a clean first pass, discounted for every
// regeneration it took to reach an acceptable response.
func masteryScore(outcome *pipelineOutcome) float64 {
	score := outcome.result.Score()
	if outcome.generations > 1 {
		score -= 0.2 * float64(outcome.generations-1)
	}
	if score < 0 {
		return 0
	}
	return score
}

func requestChars(req *ai.Request) int {
	total := 0
	for _, m := range req.Messages {
		total += len(m.Content)
	}
	return total
}

func fallbackText(screen *store.ScreenState) string {
	switch screen.Type {
	case store.ScreenTypeQuiz:
		return "I want to give that answer the attention it deserves, and I couldn't put together a response I trust just now. Take another look at the question and tell me which part feels least certain."
	case store.ScreenTypeReflection:
		return "I couldn't put together a good response just now. While I regroup, keep writing: what was the most surprising thing you noticed on this screen?"
	default:
		return "I couldn't put together a response I'm confident in just now. Let's keep going: try restating the problem in your own words, and tell me the first step you would take."
	}
}

func hintFallbackText(screen *store.ScreenState, level int) string {
	if len(screen.Concepts) > 0 && level > 1 {
		return fmt.Sprintf("Focus on %s: re-read the objective and work out how it applies to what you have so far.", screen.Concepts[0])
	}
	return "Re-read the objective and break the problem into the smallest step you already know how to do."
}

func phasePtr(p store.ScreenPhase) *store.ScreenPhase { return &p }

func statePtr(st store.SessionState) *store.SessionState { return &st }
