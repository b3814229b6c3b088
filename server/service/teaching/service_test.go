package teaching

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courseloop/courseloop/internal/profile"
	"github.com/courseloop/courseloop/plugin/ai"
	"github.com/courseloop/courseloop/server/finops"
	"github.com/courseloop/courseloop/internal/errors"
	"github.com/courseloop/courseloop/store"
	"github.com/courseloop/courseloop/store/db/sqlite"
)

// genStep scripts one GenerateStream call. A nil gate produces immediately;
// a non-nil gate blocks production until closed or the context ends.
// ignoreCtx mimics a backend that never observes cancellation and delivers
// its full response regardless.
type genStep struct {
	chunks    []string
	err       error
	started   chan struct{}
	gate      chan struct{}
	ignoreCtx bool
	once      sync.Once
}

// scriptedGenerator replays steps in call order, repeating the last step for
// any extra calls.
type scriptedGenerator struct {
	mu    sync.Mutex
	steps []*genStep
	calls int
}

func scripted(steps ...*genStep) *scriptedGenerator {
	return &scriptedGenerator{steps: steps}
}

func respondWith(chunks ...string) *genStep {
	return &genStep{chunks: chunks}
}

func (g *scriptedGenerator) GenerateStream(ctx context.Context, _ *ai.Request) (<-chan string, <-chan error) {
	g.mu.Lock()
	idx := g.calls
	g.calls++
	if idx >= len(g.steps) {
		idx = len(g.steps) - 1
	}
	step := g.steps[idx]
	g.mu.Unlock()

	chunkCh := make(chan string)
	errCh := make(chan error, 1)
	go func() {
		defer close(chunkCh)
		if step.started != nil {
			step.once.Do(func() { close(step.started) })
		}
		if step.ignoreCtx {
			if step.gate != nil {
				<-step.gate
			}
			for _, c := range step.chunks {
				chunkCh <- c
			}
			errCh <- step.err
			return
		}
		if step.gate != nil {
			select {
			case <-step.gate:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
		for _, c := range step.chunks {
			select {
			case chunkCh <- c:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
		errCh <- step.err
	}()
	return chunkCh, errCh
}

func (g *scriptedGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type fixture struct {
	svc    *TeachingService
	store  *store.Store
	driver store.Driver
}

func newFixture(t *testing.T, gen ai.Generator, mutate func(*profile.Profile)) *fixture {
	t.Helper()
	p := &profile.Profile{
		Mode:                 "demo",
		Driver:               "sqlite",
		DSN:                  filepath.Join(t.TempDir(), "teaching_test.db"),
		GenerationDeadline:   5 * time.Second,
		GenerationRetries:    2,
		DefaultRatePerMinute: 60,
		DefaultMaxHints:      3,
	}
	if mutate != nil {
		mutate(p)
	}
	driver, err := sqlite.NewDB(p)
	require.NoError(t, err)
	t.Cleanup(func() { driver.Close() })
	st := store.New(driver, p)
	require.NoError(t, st.Migrate(context.Background()))

	svc := NewService(st, gen, p)
	svc.sleep = func(time.Duration) {}
	return &fixture{svc: svc, store: st, driver: driver}
}

func (f *fixture) seedSession(t *testing.T, plan []*ScreenBlueprint) *store.TeachingSession {
	t.Helper()
	ctx := context.Background()
	now := time.Now().Unix()
	_, err := f.store.CreateInstructorProfile(ctx, &store.InstructorProfile{
		ID:                  "prof-ada",
		DisplayName:         "Ada",
		Style:               "socratic",
		Tone:                "warm",
		Persona:             "You are Ada, a patient programming instructor.",
		RequireVerification: true,
		CreatedTs:           now,
		UpdatedTs:           now,
	})
	require.NoError(t, err)

	session, err := f.svc.CreateSession(ctx, "learner-1", "prof-ada", plan)
	require.NoError(t, err)
	return session
}

func (f *fixture) getInteraction(t *testing.T, id string) *store.Interaction {
	t.Helper()
	list, err := f.store.ListInteractions(context.Background(), &store.FindInteraction{ID: &id, Limit: 1})
	require.NoError(t, err)
	require.Len(t, list, 1)
	return list[0]
}

func (f *fixture) getScreen(t *testing.T, id string) *store.ScreenState {
	t.Helper()
	screen, err := f.store.GetScreenState(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, screen)
	return screen
}

func strPtr(s string) *string { return &s }

func twoScreenPlan() []*ScreenBlueprint {
	return []*ScreenBlueprint{
		{
			ID:        "screen-recursion",
			Type:      store.ScreenTypePractice,
			Topic:     "Recursion basics",
			Objective: "Identify the base case of a recursive function",
			Concepts:  []string{"recursion"},
		},
		{
			ID:            "screen-quiz",
			Type:          store.ScreenTypeQuiz,
			Topic:         "Recursion quiz",
			Objective:     "Answer questions about recursion without running the code",
			Concepts:      []string{"recursion"},
			Prerequisites: []string{"screen-recursion"},
		},
	}
}

// collectEvents drains an event stream until it closes.
func collectEvents(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(10 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, e)
		case <-deadline:
			t.Fatalf("timed out waiting for event stream to close, got %d events", len(out))
		}
	}
}

func eventTypes(events []Event) []EventType {
	types := make([]EventType, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}
	return types
}

const cleanResponse = "Good thinking. What value does n take when the recursion finally stops?"

func cleanStep() *genStep {
	return respondWith("Good thinking. ", "What value does n take when the recursion finally stops?")
}

func TestCreateSession(t *testing.T) {
	f := newFixture(t, scripted(cleanStep()), nil)
	ctx := context.Background()
	session := f.seedSession(t, twoScreenPlan())

	assert.Equal(t, store.SessionActive, session.State)
	assert.Equal(t, "learner-1", session.LearnerID)
	require.NotNil(t, session.Snapshot)
	assert.Equal(t, "prof-ada", session.Snapshot.ProfileID)
	assert.True(t, session.Snapshot.RequireVerification)

	first := f.getScreen(t, "screen-recursion")
	assert.Equal(t, store.ScreenUnlocked, first.Phase)
	assert.Equal(t, 60, first.Constraints.RateLimitPerMinute)
	assert.Equal(t, 3, first.Constraints.MaxHints)

	second := f.getScreen(t, "screen-quiz")
	assert.Equal(t, store.ScreenLocked, second.Phase)

	_, err := f.svc.CreateSession(ctx, "learner-1", "prof-ada", nil)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))
	_, err = f.svc.CreateSession(ctx, "learner-1", "prof-missing", twoScreenPlan())
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
}

func TestStartScreen(t *testing.T) {
	f := newFixture(t, scripted(cleanStep()), nil)
	ctx := context.Background()
	session := f.seedSession(t, twoScreenPlan())

	screen, err := f.svc.StartScreen(ctx, session.ID, "screen-recursion")
	require.NoError(t, err)
	assert.Equal(t, store.ScreenActive, screen.Phase)
	assert.Greater(t, screen.Progress.ActivatedAt, int64(0))

	_, err = f.svc.StartScreen(ctx, session.ID, "screen-recursion")
	assert.True(t, errors.IsCode(err, errors.ErrCodeAlreadyActive))

	_, err = f.svc.StartScreen(ctx, session.ID, "screen-quiz")
	assert.True(t, errors.IsCode(err, errors.ErrCodeScreenLocked))

	_, err = f.svc.StartScreen(ctx, session.ID, "no-such-screen")
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
	_, err = f.svc.StartScreen(ctx, "no-such-session", "screen-recursion")
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
}

func TestStartScreen_SingleActivePerSession(t *testing.T) {
	f := newFixture(t, scripted(cleanStep()), nil)
	ctx := context.Background()
	session := f.seedSession(t, []*ScreenBlueprint{
		{ID: "screen-a", Type: store.ScreenTypeConcept, Topic: "Loops", Objective: "Understand loops"},
		{ID: "screen-b", Type: store.ScreenTypeConcept, Topic: "Branches", Objective: "Understand branches"},
	})

	_, err := f.svc.StartScreen(ctx, session.ID, "screen-a")
	require.NoError(t, err)

	_, err = f.svc.StartScreen(ctx, session.ID, "screen-b")
	assert.True(t, errors.IsCode(err, errors.ErrCodeAlreadyActive))
}

func TestSubmitInteraction_CommitFlow(t *testing.T) {
	gen := scripted(cleanStep())
	f := newFixture(t, gen, nil)
	ctx := context.Background()
	session := f.seedSession(t, twoScreenPlan())
	_, err := f.svc.StartScreen(ctx, session.ID, "screen-recursion")
	require.NoError(t, err)

	monitor := finops.NewCostMonitor(f.driver.GetDB())
	f.svc.costs = monitor

	stream, err := f.svc.SubmitInteraction(ctx, session.ID, "screen-recursion", "i-1", "The base case is when n is zero")
	require.NoError(t, err)
	events := collectEvents(t, stream)

	require.Equal(t, []EventType{EventStarted, EventChunk, EventChunk, EventValidated, EventCommitted}, eventTypes(events))
	assert.Equal(t, "Good thinking. ", events[1].Chunk)
	assert.Equal(t, cleanResponse, events[4].Text)
	assert.Empty(t, events[3].Violations)
	for _, e := range events {
		assert.Equal(t, "i-1", e.InteractionID)
		assert.Equal(t, int64(1), e.Epoch)
	}

	interaction := f.getInteraction(t, "i-1")
	assert.Equal(t, store.InteractionCommitted, interaction.State)
	assert.Equal(t, cleanResponse, interaction.ResultText)
	assert.Equal(t, int64(1), interaction.Epoch)

	screen := f.getScreen(t, "screen-recursion")
	assert.Equal(t, 1, screen.Progress.Attempts)
	assert.Greater(t, screen.Progress.LastAttemptAt, int64(0))

	memory, err := f.store.GetLearnerMemory(ctx, "learner-1")
	require.NoError(t, err)
	assert.Equal(t, 1, memory.Concepts["recursion"].Level)
	assert.True(t, memory.AppliedInteractions["i-1"])

	report, err := monitor.GetCostReport(ctx, "daily")
	require.NoError(t, err)
	require.Contains(t, report.ByOutcome, "COMMITTED")
	assert.Equal(t, int64(1), report.ByOutcome["COMMITTED"].Count)
}

func TestSubmitInteraction_RegeneratesOnHighViolation(t *testing.T) {
	gen := scripted(
		respondWith("The answer is 42, just write it down and move on."),
		cleanStep(),
	)
	f := newFixture(t, gen, nil)
	ctx := context.Background()
	session := f.seedSession(t, twoScreenPlan())
	_, err := f.svc.StartScreen(ctx, session.ID, "screen-recursion")
	require.NoError(t, err)

	stream, err := f.svc.SubmitInteraction(ctx, session.ID, "screen-recursion", "i-1", "Is it 42?")
	require.NoError(t, err)
	events := collectEvents(t, stream)

	// Only the accepted generation's chunks ever reach the stream.
	require.Equal(t, []EventType{EventStarted, EventChunk, EventChunk, EventValidated, EventCommitted}, eventTypes(events))
	assert.Equal(t, cleanResponse, events[4].Text)
	assert.Equal(t, 2, gen.callCount())

	interaction := f.getInteraction(t, "i-1")
	assert.Equal(t, store.InteractionCommitted, interaction.State)
	assert.Equal(t, cleanResponse, interaction.ResultText)
}

func TestSubmitInteraction_RejectsCriticalViolation(t *testing.T) {
	gen := scripted(respondWith("Remember, this is always true. There is no need to question it."))
	f := newFixture(t, gen, nil)
	ctx := context.Background()
	session := f.seedSession(t, twoScreenPlan())
	_, err := f.svc.StartScreen(ctx, session.ID, "screen-recursion")
	require.NoError(t, err)

	stream, err := f.svc.SubmitInteraction(ctx, session.ID, "screen-recursion", "i-1", "Is recursion always safe?")
	require.NoError(t, err)
	events := collectEvents(t, stream)

	// Critical violations short-circuit: one generation, no regenerate.
	require.Equal(t, []EventType{EventStarted, EventValidated, EventFallback}, eventTypes(events))
	assert.Equal(t, 1, gen.callCount())
	assert.NotEmpty(t, events[1].Violations)
	assert.NotEmpty(t, events[2].Text)
	assert.Contains(t, events[2].Violations, "overconfident_claim")
	assert.True(t, errors.IsCode(events[2].Err, errors.ErrCodeValidationRejected))

	interaction := f.getInteraction(t, "i-1")
	assert.Equal(t, store.InteractionFailed, interaction.State)
	assert.Empty(t, interaction.ResultText)
	assert.Contains(t, interaction.Violations, "overconfident_claim")

	// A rejected response still consumes an attempt but never touches memory.
	screen := f.getScreen(t, "screen-recursion")
	assert.Equal(t, 1, screen.Progress.Attempts)
	memory, err := f.store.GetLearnerMemory(ctx, "learner-1")
	require.NoError(t, err)
	assert.Empty(t, memory.Concepts)
	assert.Empty(t, memory.AppliedInteractions)
}

func TestSubmitInteraction_GenerationFailureServesFallback(t *testing.T) {
	gen := scripted(&genStep{err: fmt.Errorf("model endpoint returned garbage")})
	f := newFixture(t, gen, nil)
	ctx := context.Background()
	session := f.seedSession(t, twoScreenPlan())
	_, err := f.svc.StartScreen(ctx, session.ID, "screen-recursion")
	require.NoError(t, err)

	stream, err := f.svc.SubmitInteraction(ctx, session.ID, "screen-recursion", "i-1", "What is a base case?")
	require.NoError(t, err)
	events := collectEvents(t, stream)

	require.Equal(t, []EventType{EventStarted, EventFallback}, eventTypes(events))
	assert.NotEmpty(t, events[1].Text)
	assert.True(t, errors.IsCode(events[1].Err, errors.ErrCodeGenerationFailed))
	// Permanent failure: no retries for a non-transient error.
	assert.Equal(t, 1, gen.callCount())

	interaction := f.getInteraction(t, "i-1")
	assert.Equal(t, store.InteractionFailed, interaction.State)
	assert.Empty(t, interaction.Violations)
}

func TestSubmitInteraction_RetriesTransientFailure(t *testing.T) {
	gen := scripted(
		&genStep{err: &openai.APIError{HTTPStatusCode: 500, Message: "upstream hiccup"}},
		cleanStep(),
	)
	f := newFixture(t, gen, nil)
	ctx := context.Background()
	session := f.seedSession(t, twoScreenPlan())
	_, err := f.svc.StartScreen(ctx, session.ID, "screen-recursion")
	require.NoError(t, err)

	stream, err := f.svc.SubmitInteraction(ctx, session.ID, "screen-recursion", "i-1", "What is a base case?")
	require.NoError(t, err)
	events := collectEvents(t, stream)

	assert.Equal(t, EventCommitted, events[len(events)-1].Type)
	assert.Equal(t, 2, gen.callCount())
}

func TestSubmitInteraction_DeadlineServesFallback(t *testing.T) {
	gen := scripted(&genStep{gate: make(chan struct{})})
	f := newFixture(t, gen, func(p *profile.Profile) {
		p.GenerationDeadline = 30 * time.Millisecond
		p.GenerationRetries = 0
	})
	ctx := context.Background()
	session := f.seedSession(t, twoScreenPlan())
	_, err := f.svc.StartScreen(ctx, session.ID, "screen-recursion")
	require.NoError(t, err)

	stream, err := f.svc.SubmitInteraction(ctx, session.ID, "screen-recursion", "i-1", "What is a base case?")
	require.NoError(t, err)
	events := collectEvents(t, stream)

	require.Equal(t, []EventType{EventStarted, EventFallback}, eventTypes(events))
	assert.True(t, errors.IsCode(events[1].Err, errors.ErrCodeTimeout))
	interaction := f.getInteraction(t, "i-1")
	assert.Equal(t, store.InteractionFailed, interaction.State)
}

func TestSubmitInteraction_SupersededIsCancelled(t *testing.T) {
	started := make(chan struct{})
	gen := scripted(
		&genStep{started: started, gate: make(chan struct{})},
		cleanStep(),
	)
	f := newFixture(t, gen, nil)
	ctx := context.Background()
	session := f.seedSession(t, twoScreenPlan())
	_, err := f.svc.StartScreen(ctx, session.ID, "screen-recursion")
	require.NoError(t, err)

	first, err := f.svc.SubmitInteraction(ctx, session.ID, "screen-recursion", "i-1", "Is it the loop counter?")
	require.NoError(t, err)
	<-started

	second, err := f.svc.SubmitInteraction(ctx, session.ID, "screen-recursion", "i-2", "Is it when n reaches zero?")
	require.NoError(t, err)

	secondEvents := collectEvents(t, second)
	assert.Equal(t, EventCommitted, secondEvents[len(secondEvents)-1].Type)
	assert.Equal(t, int64(2), secondEvents[0].Epoch)

	// The superseded stream closes after "started" with no terminal event.
	firstEvents := collectEvents(t, first)
	require.Equal(t, []EventType{EventStarted}, eventTypes(firstEvents))

	assert.Equal(t, store.InteractionCancelled, f.getInteraction(t, "i-1").State)
	assert.Equal(t, store.InteractionCommitted, f.getInteraction(t, "i-2").State)
	assert.Equal(t, int64(2), f.svc.coord.CurrentEpoch(session.ID))

	// Cancellation is free: only the committed interaction consumed an attempt.
	screen := f.getScreen(t, "screen-recursion")
	assert.Equal(t, 1, screen.Progress.Attempts)

	memory, err := f.store.GetLearnerMemory(ctx, "learner-1")
	require.NoError(t, err)
	assert.False(t, memory.AppliedInteractions["i-1"])
	assert.True(t, memory.AppliedInteractions["i-2"])
	assert.Equal(t, 1, memory.Concepts["recursion"].Level)
}

func TestSubmitInteraction_LateResultIsDiscarded(t *testing.T) {
	started := make(chan struct{})
	gate := make(chan struct{})
	gen := scripted(
		&genStep{
			chunks:    []string{"A full response ", "that nobody should ever see?"},
			started:   started,
			gate:      gate,
			ignoreCtx: true,
		},
		cleanStep(),
	)
	f := newFixture(t, gen, nil)
	ctx := context.Background()
	session := f.seedSession(t, twoScreenPlan())
	_, err := f.svc.StartScreen(ctx, session.ID, "screen-recursion")
	require.NoError(t, err)

	first, err := f.svc.SubmitInteraction(ctx, session.ID, "screen-recursion", "i-1", "Is it the loop counter?")
	require.NoError(t, err)
	<-started

	second, err := f.svc.SubmitInteraction(ctx, session.ID, "screen-recursion", "i-2", "Is it when n reaches zero?")
	require.NoError(t, err)
	secondEvents := collectEvents(t, second)
	assert.Equal(t, EventCommitted, secondEvents[len(secondEvents)-1].Type)

	// The superseded generation ignores cancellation and runs to completion.
	// Its finished response must still be discarded, not committed.
	close(gate)
	firstEvents := collectEvents(t, first)
	require.Equal(t, []EventType{EventStarted}, eventTypes(firstEvents))

	stale := f.getInteraction(t, "i-1")
	assert.Equal(t, store.InteractionCancelled, stale.State)
	assert.Empty(t, stale.ResultText)
	assert.Equal(t, store.InteractionCommitted, f.getInteraction(t, "i-2").State)

	assert.Equal(t, 1, f.getScreen(t, "screen-recursion").Progress.Attempts)
	memory, err := f.store.GetLearnerMemory(ctx, "learner-1")
	require.NoError(t, err)
	assert.False(t, memory.AppliedInteractions["i-1"])
	assert.True(t, memory.AppliedInteractions["i-2"])
}

func TestSubmitInteraction_AbandonedConsumerDoesNotBlockCommit(t *testing.T) {
	chunks := make([]string, 0, 40)
	for i := 0; i < 39; i++ {
		chunks = append(chunks, "keep going ")
	}
	chunks = append(chunks, "so what finally stops the recursion?")
	gen := scripted(&genStep{chunks: chunks})
	f := newFixture(t, gen, nil)
	session := f.seedSession(t, twoScreenPlan())
	_, err := f.svc.StartScreen(context.Background(), session.ID, "screen-recursion")
	require.NoError(t, err)

	callerCtx, cancel := context.WithCancel(context.Background())
	stream, err := f.svc.SubmitInteraction(callerCtx, session.ID, "screen-recursion", "i-1", "What stops it?")
	require.NoError(t, err)

	// The caller walks away without ever reading the stream. The response is
	// far larger than the channel buffer, yet the pipeline must still finish
	// and commit.
	cancel()
	require.Eventually(t, func() bool {
		list, err := f.store.ListInteractions(context.Background(), &store.FindInteraction{ID: strPtr("i-1"), Limit: 1})
		return err == nil && len(list) == 1 && list[0].State == store.InteractionCommitted
	}, 5*time.Second, 10*time.Millisecond)

	// The stream still closes, so the pipeline goroutine is gone.
	collectEvents(t, stream)
}

func TestSubmitInteraction_CommittedStreamSurvivesNewAdmission(t *testing.T) {
	chunks := make([]string, 0, 20)
	for i := 0; i < 19; i++ {
		chunks = append(chunks, "keep going ")
	}
	chunks = append(chunks, "so what finally stops the recursion?")
	gen := scripted(&genStep{chunks: chunks}, cleanStep())
	f := newFixture(t, gen, nil)
	ctx := context.Background()
	session := f.seedSession(t, twoScreenPlan())
	_, err := f.svc.StartScreen(ctx, session.ID, "screen-recursion")
	require.NoError(t, err)

	// More chunks than the stream buffer holds: the replay is still in
	// flight when the next submission is admitted.
	first, err := f.svc.SubmitInteraction(ctx, session.ID, "screen-recursion", "i-1", "What stops it?")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		list, err := f.store.ListInteractions(ctx, &store.FindInteraction{ID: strPtr("i-1"), Limit: 1})
		return err == nil && len(list) == 1 && list[0].State == store.InteractionCommitted
	}, 5*time.Second, 10*time.Millisecond)

	second, err := f.svc.SubmitInteraction(ctx, session.ID, "screen-recursion", "i-2", "Is it when n reaches zero?")
	require.NoError(t, err)
	secondEvents := collectEvents(t, second)
	assert.Equal(t, EventCommitted, secondEvents[len(secondEvents)-1].Type)

	// The first stream reports its committed outcome in full; the later
	// admission must not truncate it.
	firstEvents := collectEvents(t, first)
	types := eventTypes(firstEvents)
	require.Equal(t, EventStarted, types[0])
	require.Equal(t, EventCommitted, types[len(types)-1])
	chunkCount := 0
	for _, e := range firstEvents {
		if e.Type == EventChunk {
			chunkCount++
		}
	}
	assert.Equal(t, 20, chunkCount)
	assert.Equal(t, 2, f.getScreen(t, "screen-recursion").Progress.Attempts)
}

func TestSubmitInteraction_Validation(t *testing.T) {
	gen := scripted(cleanStep())
	f := newFixture(t, gen, nil)
	ctx := context.Background()
	session := f.seedSession(t, twoScreenPlan())

	_, err := f.svc.SubmitInteraction(ctx, session.ID, "screen-recursion", "i-1", "   ")
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))

	// Screens accept submissions only while active.
	_, err = f.svc.SubmitInteraction(ctx, session.ID, "screen-recursion", "i-1", "hello there")
	assert.True(t, errors.IsCode(err, errors.ErrCodeScreenNotActive))
	_, err = f.svc.SubmitInteraction(ctx, session.ID, "screen-quiz", "i-1", "hello there")
	assert.True(t, errors.IsCode(err, errors.ErrCodeScreenLocked))

	_, err = f.svc.StartScreen(ctx, session.ID, "screen-recursion")
	require.NoError(t, err)
	stream, err := f.svc.SubmitInteraction(ctx, session.ID, "screen-recursion", "i-1", "The base case stops it")
	require.NoError(t, err)
	collectEvents(t, stream)

	// Interaction ids are never reused.
	_, err = f.svc.SubmitInteraction(ctx, session.ID, "screen-recursion", "i-1", "Asking again")
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))
}

func TestSubmitInteraction_MaxAttempts(t *testing.T) {
	gen := scripted(cleanStep())
	f := newFixture(t, gen, nil)
	ctx := context.Background()
	session := f.seedSession(t, []*ScreenBlueprint{{
		ID:          "screen-limited",
		Type:        store.ScreenTypePractice,
		Topic:       "Recursion basics",
		Objective:   "Identify the base case",
		Concepts:    []string{"recursion"},
		Constraints: store.ScreenConstraints{MaxAttempts: 2},
	}})
	_, err := f.svc.StartScreen(ctx, session.ID, "screen-limited")
	require.NoError(t, err)

	now := time.Now().Unix()
	progress := f.getScreen(t, "screen-limited").Progress
	progress.Attempts = 2
	_, err = f.store.UpdateScreenState(ctx, &store.UpdateScreenState{
		ID:        "screen-limited",
		Progress:  &progress,
		UpdatedTs: &now,
	})
	require.NoError(t, err)

	_, err = f.svc.SubmitInteraction(ctx, session.ID, "screen-limited", "i-3", "One more try")
	assert.True(t, errors.IsCode(err, errors.ErrCodeMaxAttemptsReached))

	// Exhausting the attempt budget parks the screen; restarting it is the
	// way back to hints and completion.
	blocked := f.getScreen(t, "screen-limited")
	assert.Equal(t, store.ScreenBlocked, blocked.Phase)

	restarted, err := f.svc.StartScreen(ctx, session.ID, "screen-limited")
	require.NoError(t, err)
	assert.Equal(t, store.ScreenActive, restarted.Phase)
}

func TestRequestHint(t *testing.T) {
	gen := scripted(respondWith("Think about what stops the calls. What happens when n reaches zero?"))
	f := newFixture(t, gen, nil)
	ctx := context.Background()
	session := f.seedSession(t, []*ScreenBlueprint{{
		ID:          "screen-recursion",
		Type:        store.ScreenTypePractice,
		Topic:       "Recursion basics",
		Objective:   "Identify the base case",
		Concepts:    []string{"recursion"},
		Constraints: store.ScreenConstraints{MaxHints: 2},
	}})

	_, err := f.svc.RequestHint(ctx, session.ID, "screen-recursion", 1)
	assert.True(t, errors.IsCode(err, errors.ErrCodeScreenNotActive))

	_, err = f.svc.StartScreen(ctx, session.ID, "screen-recursion")
	require.NoError(t, err)

	hint, err := f.svc.RequestHint(ctx, session.ID, "screen-recursion", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, hint.Level)
	assert.NotEmpty(t, hint.Text)
	assert.Equal(t, 1, hint.HintsRemaining)

	hint, err = f.svc.RequestHint(ctx, session.ID, "screen-recursion", 2)
	require.NoError(t, err)
	assert.Equal(t, 0, hint.HintsRemaining)

	_, err = f.svc.RequestHint(ctx, session.ID, "screen-recursion", 3)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNoHintsRemaining))

	assert.Equal(t, 2, f.getScreen(t, "screen-recursion").Progress.HintsUsed)
}

func TestRequestHint_FallsBackOnGenerationFailure(t *testing.T) {
	gen := scripted(&genStep{err: fmt.Errorf("model endpoint down")})
	f := newFixture(t, gen, nil)
	ctx := context.Background()
	session := f.seedSession(t, twoScreenPlan())
	_, err := f.svc.StartScreen(ctx, session.ID, "screen-recursion")
	require.NoError(t, err)

	hint, err := f.svc.RequestHint(ctx, session.ID, "screen-recursion", 1)
	require.NoError(t, err)
	assert.NotEmpty(t, hint.Text)
	// The canned hint still spends the hint budget.
	assert.Equal(t, 1, f.getScreen(t, "screen-recursion").Progress.HintsUsed)
}

func TestCompleteScreen_MinTime(t *testing.T) {
	f := newFixture(t, scripted(cleanStep()), nil)
	ctx := context.Background()
	session := f.seedSession(t, []*ScreenBlueprint{{
		ID:          "screen-slow",
		Type:        store.ScreenTypeConcept,
		Topic:       "Recursion basics",
		Objective:   "Read the material",
		Constraints: store.ScreenConstraints{MinTimeSeconds: 3600},
	}})
	_, err := f.svc.StartScreen(ctx, session.ID, "screen-slow")
	require.NoError(t, err)

	_, err = f.svc.CompleteScreen(ctx, session.ID, "screen-slow")
	assert.True(t, errors.IsCode(err, errors.ErrCodeMinTimeNotMet))

	now := time.Now().Unix()
	progress := f.getScreen(t, "screen-slow").Progress
	progress.TimeSpentSeconds = 3600
	_, err = f.store.UpdateScreenState(ctx, &store.UpdateScreenState{
		ID:        "screen-slow",
		Progress:  &progress,
		UpdatedTs: &now,
	})
	require.NoError(t, err)

	result, err := f.svc.CompleteScreen(ctx, session.ID, "screen-slow")
	require.NoError(t, err)
	assert.True(t, result.SessionCompleted)
}

func TestCompleteScreen_MasteryThreshold(t *testing.T) {
	gen := scripted(cleanStep())
	f := newFixture(t, gen, nil)
	ctx := context.Background()
	session := f.seedSession(t, []*ScreenBlueprint{{
		ID:          "screen-mastery",
		Type:        store.ScreenTypeQuiz,
		Topic:       "Recursion quiz",
		Objective:   "Demonstrate mastery of base cases",
		Concepts:    []string{"recursion"},
		Constraints: store.ScreenConstraints{MasteryThreshold: 0.5},
	}})
	_, err := f.svc.StartScreen(ctx, session.ID, "screen-mastery")
	require.NoError(t, err)

	_, err = f.svc.CompleteScreen(ctx, session.ID, "screen-mastery")
	assert.True(t, errors.IsCode(err, errors.ErrCodeRequirementsNotMet))

	stream, err := f.svc.SubmitInteraction(ctx, session.ID, "screen-mastery", "i-1", "The base case is n equal to zero")
	require.NoError(t, err)
	events := collectEvents(t, stream)
	require.Equal(t, EventCommitted, events[len(events)-1].Type)

	// A clean first-pass accept scores full credit.
	assert.Equal(t, 1.0, f.getScreen(t, "screen-mastery").Progress.BestScore)

	result, err := f.svc.CompleteScreen(ctx, session.ID, "screen-mastery")
	require.NoError(t, err)
	assert.True(t, result.MasteryAchieved)
	assert.True(t, result.SessionCompleted)
}

func TestCompleteScreen_MasteryScoreDiscountsRegenerations(t *testing.T) {
	gen := scripted(
		respondWith("The answer is 42, just write it down and move on."),
		cleanStep(),
	)
	f := newFixture(t, gen, nil)
	ctx := context.Background()
	session := f.seedSession(t, []*ScreenBlueprint{{
		ID:          "screen-mastery",
		Type:        store.ScreenTypeQuiz,
		Topic:       "Recursion quiz",
		Objective:   "Demonstrate mastery of base cases",
		Concepts:    []string{"recursion"},
		Constraints: store.ScreenConstraints{MasteryThreshold: 0.9},
	}})
	_, err := f.svc.StartScreen(ctx, session.ID, "screen-mastery")
	require.NoError(t, err)

	stream, err := f.svc.SubmitInteraction(ctx, session.ID, "screen-mastery", "i-1", "Is it 42?")
	require.NoError(t, err)
	events := collectEvents(t, stream)
	require.Equal(t, EventCommitted, events[len(events)-1].Type)

	// Accepted only on the second generation: below the 0.9 bar.
	assert.InDelta(t, 0.8, f.getScreen(t, "screen-mastery").Progress.BestScore, 0.001)
	_, err = f.svc.CompleteScreen(ctx, session.ID, "screen-mastery")
	assert.True(t, errors.IsCode(err, errors.ErrCodeRequirementsNotMet))
}

func TestCompleteScreen_Progression(t *testing.T) {
	gen := scripted(cleanStep())
	f := newFixture(t, gen, nil)
	ctx := context.Background()
	plan := twoScreenPlan()
	plan[0].Constraints.RequiredAttempts = 1
	session := f.seedSession(t, plan)

	_, err := f.svc.StartScreen(ctx, session.ID, "screen-recursion")
	require.NoError(t, err)

	_, err = f.svc.CompleteScreen(ctx, session.ID, "screen-recursion")
	assert.True(t, errors.IsCode(err, errors.ErrCodeRequirementsNotMet))

	stream, err := f.svc.SubmitInteraction(ctx, session.ID, "screen-recursion", "i-1", "The base case stops it")
	require.NoError(t, err)
	collectEvents(t, stream)

	result, err := f.svc.CompleteScreen(ctx, session.ID, "screen-recursion")
	require.NoError(t, err)
	assert.False(t, result.SessionCompleted)
	assert.Equal(t, "screen-quiz", result.NextScreenID)
	assert.Equal(t, store.ScreenUnlocked, f.getScreen(t, "screen-quiz").Phase)

	_, err = f.svc.StartScreen(ctx, session.ID, "screen-quiz")
	require.NoError(t, err)
	result, err = f.svc.CompleteScreen(ctx, session.ID, "screen-quiz")
	require.NoError(t, err)
	assert.True(t, result.SessionCompleted)
	assert.Empty(t, result.NextScreenID)

	updated, err := f.store.GetTeachingSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionCompleted, updated.State)

	_, err = f.svc.StartScreen(ctx, session.ID, "screen-recursion")
	assert.True(t, errors.IsCode(err, errors.ErrCodeSessionNotActive))
}

func TestSessionOverview(t *testing.T) {
	f := newFixture(t, scripted(cleanStep()), nil)
	ctx := context.Background()
	session := f.seedSession(t, twoScreenPlan())

	overview, err := f.svc.SessionOverview(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, overview, 2)

	byID := map[string]*ScreenOverview{}
	for _, o := range overview {
		byID[o.Screen.ID] = o
	}
	assert.True(t, byID["screen-recursion"].Availability.CanStart)
	assert.False(t, byID["screen-quiz"].Availability.CanStart)

	_, err = f.svc.SessionOverview(ctx, "no-such-session")
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
}
