package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"fitcoachdev/logger"
	"fitcoachdev/modelapi"
	"fitcoachdev/ops"
	"fitcoachdev/profile"
	"fitcoachdev/prompt"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubGenerator struct {
	mu    sync.Mutex
	calls int
	text  string
	err   error
}

func (s *stubGenerator) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.text, s.err
}

func (s *stubGenerator) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestEngine(t *testing.T, gen Generator, clock *fakeClock) (*Engine, *profile.Store) {
	t.Helper()
	store, err := profile.Connect(profile.StoreConnectProps{DataDir: t.TempDir()})
	require.NoError(t, err)
	e := Connect(EngineConnectProps{
		Logger:          logger.NewNop(),
		Store:           store,
		Builder:         prompt.Connect(prompt.BuilderConnectProps{Rng: rand.New(rand.NewSource(1))}),
		Generator:       gen,
		Status:          ops.NewStatus(),
		RateLimitWindow: 30 * time.Second,
		Now:             clock.Now,
	})
	return e, store
}

var onboardingAnswers = []string{
	"anna", "lose weight", "female", "29", "168", "62", "58", "none", "3", "beginner", "legs",
}

func completeOnboarding(t *testing.T, e *Engine, userID int64) {
	t.Helper()
	ctx := context.Background()
	e.HandleEvent(ctx, Event{UserID: userID, Kind: EventCommand, Payload: "/start"})
	for _, answer := range onboardingAnswers {
		e.HandleEvent(ctx, Event{UserID: userID, Kind: EventText, Payload: answer})
	}
}

func requestProgram(t *testing.T, e *Engine, userID int64, focus, style string) []Reply {
	t.Helper()
	ctx := context.Background()
	e.HandleEvent(ctx, Event{UserID: userID, Kind: EventSelection, Payload: MenuGenerate})
	e.HandleEvent(ctx, Event{UserID: userID, Kind: EventSelection, Payload: focus})
	return e.HandleEvent(ctx, Event{UserID: userID, Kind: EventSelection, Payload: style})
}

func TestOnboardingElevenAnswersReachesReady(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	e, store := newTestEngine(t, &stubGenerator{text: "ok"}, clock)

	completeOnboarding(t, e, 7)

	p, err := store.Load(7)
	require.NoError(t, err)
	assert.Equal(t, profile.StateReady, p.Session.State)
	assert.True(t, p.Completed())
	assert.Equal(t, len(profile.StageOrder), p.Stage)
	assert.Equal(t, "Anna", p.Name)
	assert.Equal(t, "lose weight", p.Goal)
	assert.Equal(t, 3, p.Frequency)
	assert.Equal(t, "legs", p.Emphasis)
}

func TestOnboardingInvalidAnswerLeavesProfileUntouched(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	e, store := newTestEngine(t, &stubGenerator{text: "ok"}, clock)
	ctx := context.Background()

	e.HandleEvent(ctx, Event{UserID: 7, Kind: EventText, Payload: "anna"})
	e.HandleEvent(ctx, Event{UserID: 7, Kind: EventText, Payload: "lose weight"})
	e.HandleEvent(ctx, Event{UserID: 7, Kind: EventText, Payload: "female"})

	// Stage 3 expects an age; feed it garbage.
	replies := e.HandleEvent(ctx, Event{UserID: 7, Kind: EventText, Payload: "not a number"})
	require.NotEmpty(t, replies)
	assert.Contains(t, replies[0].Text, "How old are you?")

	p, err := store.Load(7)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Stage)
	assert.Zero(t, p.Age)
	assert.Equal(t, "Anna", p.Name)

	// Out-of-range values are rejected the same way.
	e.HandleEvent(ctx, Event{UserID: 7, Kind: EventText, Payload: "7"})
	p, err = store.Load(7)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Stage)
	assert.Zero(t, p.Age)
}

func TestProgramGenerationAppendsHistory(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	gen := &stubGenerator{text: "Program X"}
	e, store := newTestEngine(t, gen, clock)

	completeOnboarding(t, e, 7)
	replies := requestProgram(t, e, 7, "legs", "strength")

	require.NotEmpty(t, replies)
	assert.Contains(t, replies[0].Text, "Program X")
	assert.Contains(t, replies[0].Text, "Anna")
	assert.Equal(t, 1, gen.callCount())

	p, err := store.Load(7)
	require.NoError(t, err)
	require.Len(t, p.Programs, 1)
	assert.Equal(t, "legs", p.Programs[0].MuscleFocus)
	assert.Equal(t, "strength", p.Programs[0].Style)
	assert.Equal(t, "Program X", p.Programs[0].Text)
	assert.Equal(t, clock.Now(), p.LastGenerationAt)
	assert.Equal(t, profile.StateReady, p.Session.State)
}

func TestSecondRequestInsideWindowIsRefusedWithoutRemoteCall(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	gen := &stubGenerator{text: "Program X"}
	e, store := newTestEngine(t, gen, clock)

	completeOnboarding(t, e, 7)
	requestProgram(t, e, 7, "legs", "strength")
	require.Equal(t, 1, gen.callCount())

	clock.Advance(5 * time.Second)
	replies := requestProgram(t, e, 7, "back", "basic")

	require.NotEmpty(t, replies)
	assert.Contains(t, replies[0].Text, "25 seconds")
	assert.Equal(t, 1, gen.callCount(), "refused request must not reach the model")

	p, err := store.Load(7)
	require.NoError(t, err)
	assert.Len(t, p.Programs, 1, "refused request must not grow history")
	assert.Equal(t, profile.StateReady, p.Session.State)
}

func TestFailedGenerationStillSpendsTheWindow(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	gen := &stubGenerator{err: &modelapi.GenerationError{
		Kind: modelapi.KindTransient,
		Err:  errors.New("upstream hiccup"),
	}}
	e, store := newTestEngine(t, gen, clock)

	completeOnboarding(t, e, 7)
	dispatchedAt := clock.Now()
	replies := requestProgram(t, e, 7, "legs", "strength")

	require.NotEmpty(t, replies)
	assert.Contains(t, replies[0].Text, "Something went wrong")

	p, err := store.Load(7)
	require.NoError(t, err)
	assert.Empty(t, p.Programs)
	assert.Equal(t, dispatchedAt, p.LastGenerationAt, "failed dispatch still stamps the window")

	// An immediate retry is rate limited, not re-dispatched.
	clock.Advance(2 * time.Second)
	replies = requestProgram(t, e, 7, "legs", "strength")
	require.NotEmpty(t, replies)
	assert.Contains(t, replies[0].Text, "Easy there")
	assert.Equal(t, 1, gen.callCount())
}

func TestFailureMessagesMatchErrorKind(t *testing.T) {
	for _, tc := range []struct {
		kind modelapi.ErrorKind
		want string
	}{
		{modelapi.KindTimeout, "taking too long"},
		{modelapi.KindAuthFailure, "temporarily unavailable"},
		{modelapi.KindMalformedResponse, "empty answer"},
		{modelapi.KindTransient, "Something went wrong"},
	} {
		t.Run(tc.kind.String(), func(t *testing.T) {
			clock := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
			gen := &stubGenerator{err: &modelapi.GenerationError{Kind: tc.kind, Err: errors.New("x")}}
			e, _ := newTestEngine(t, gen, clock)

			completeOnboarding(t, e, 7)
			replies := requestProgram(t, e, 7, "legs", "strength")
			require.NotEmpty(t, replies)
			assert.Contains(t, replies[0].Text, tc.want)
		})
	}
}

func TestQuestionPipelineDoesNotStoreHistory(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	gen := &stubGenerator{text: "Eat more protein."}
	e, store := newTestEngine(t, gen, clock)
	ctx := context.Background()

	completeOnboarding(t, e, 7)
	e.HandleEvent(ctx, Event{UserID: 7, Kind: EventSelection, Payload: MenuQuestion})
	replies := e.HandleEvent(ctx, Event{UserID: 7, Kind: EventText, Payload: "How much protein do I need?"})

	require.NotEmpty(t, replies)
	assert.Contains(t, replies[0].Text, "Eat more protein.")

	p, err := store.Load(7)
	require.NoError(t, err)
	assert.Empty(t, p.Programs)
	assert.Equal(t, clock.Now(), p.LastGenerationAt, "questions spend the window too")
	assert.Equal(t, profile.StateReady, p.Session.State)
}

func TestMenuButtonsWhileAwaitingQuestionAreNotQuestions(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	gen := &stubGenerator{text: "an answer"}
	e, store := newTestEngine(t, gen, clock)
	ctx := context.Background()

	completeOnboarding(t, e, 7)
	e.HandleEvent(ctx, Event{UserID: 7, Kind: EventSelection, Payload: MenuQuestion})

	// Pressing a menu button instead of asking must act as a menu
	// action: no model call, no rate-limit spend.
	replies := e.HandleEvent(ctx, Event{UserID: 7, Kind: EventSelection, Payload: MenuGenerate})
	require.NotEmpty(t, replies)
	assert.Contains(t, replies[0].Text, "muscle group")
	assert.Zero(t, gen.callCount())

	p, err := store.Load(7)
	require.NoError(t, err)
	assert.Equal(t, profile.StateAwaitingFocus, p.Session.State)
	assert.True(t, p.LastGenerationAt.IsZero())
}

func TestRestartPreservesProgramsAndWindow(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	gen := &stubGenerator{text: "Program X"}
	e, store := newTestEngine(t, gen, clock)
	ctx := context.Background()

	completeOnboarding(t, e, 7)
	requestProgram(t, e, 7, "legs", "strength")
	stamp := clock.Now()

	replies := e.HandleEvent(ctx, Event{UserID: 7, Kind: EventCommand, Payload: "/restart"})
	require.NotEmpty(t, replies)
	assert.Contains(t, replies[0].Text, "What's your name?")

	p, err := store.Load(7)
	require.NoError(t, err)
	assert.Equal(t, profile.StateOnboarding, p.Session.State)
	assert.Zero(t, p.Stage)
	assert.Empty(t, p.Name)
	require.Len(t, p.Programs, 1, "restart keeps past programs")
	assert.Equal(t, stamp, p.LastGenerationAt)
}

func TestEditsOnlyFromReady(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	e, store := newTestEngine(t, &stubGenerator{text: "ok"}, clock)
	ctx := context.Background()

	// Mid-onboarding edits are refused.
	e.HandleEvent(ctx, Event{UserID: 7, Kind: EventText, Payload: "anna"})
	replies := e.HandleEvent(ctx, Event{UserID: 7, Kind: EventCommand, Payload: "/set frequency 5"})
	require.NotEmpty(t, replies)
	assert.Contains(t, replies[0].Text, "finish your questionnaire")

	p, err := store.Load(7)
	require.NoError(t, err)
	assert.Zero(t, p.Frequency)

	// From Ready they apply.
	e.HandleEvent(ctx, Event{UserID: 7, Kind: EventCommand, Payload: "/restart"})
	completeOnboarding(t, e, 7)
	e.HandleEvent(ctx, Event{UserID: 7, Kind: EventCommand, Payload: "/set frequency 5"})
	e.HandleEvent(ctx, Event{UserID: 7, Kind: EventCommand, Payload: "/goal gain muscle"})

	p, err = store.Load(7)
	require.NoError(t, err)
	assert.Equal(t, 5, p.Frequency)
	assert.Equal(t, "gain muscle", p.Goal)
}

func TestInvalidFocusAndStyleReprompt(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	gen := &stubGenerator{text: "Program X"}
	e, store := newTestEngine(t, gen, clock)
	ctx := context.Background()

	completeOnboarding(t, e, 7)
	e.HandleEvent(ctx, Event{UserID: 7, Kind: EventSelection, Payload: MenuGenerate})

	replies := e.HandleEvent(ctx, Event{UserID: 7, Kind: EventText, Payload: "earlobes"})
	require.NotEmpty(t, replies)
	assert.Contains(t, replies[0].Text, "pick a muscle group")

	p, err := store.Load(7)
	require.NoError(t, err)
	assert.Equal(t, profile.StateAwaitingFocus, p.Session.State)

	e.HandleEvent(ctx, Event{UserID: 7, Kind: EventSelection, Payload: "legs"})
	replies = e.HandleEvent(ctx, Event{UserID: 7, Kind: EventText, Payload: "chaotic"})
	require.NotEmpty(t, replies)
	assert.Contains(t, replies[0].Text, "pick a style")
	assert.Zero(t, gen.callCount())
}

func TestConcurrentEventsPerUserAreSerialized(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	e, store := newTestEngine(t, &stubGenerator{text: "ok"}, clock)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			e.HandleEvent(ctx, Event{UserID: 7, Kind: EventText, Payload: fmt.Sprintf("name-%d", n)})
		}(i)
	}
	wg.Wait()

	// One answer becomes the name, exactly one more becomes the free-text
	// goal; every later event hits the sex stage and is rejected there.
	p, err := store.Load(7)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Stage)
	assert.True(t, strings.HasPrefix(p.Name, "Name-"))
	assert.True(t, strings.HasPrefix(p.Goal, "name-"))
	assert.Empty(t, p.Sex)
}
