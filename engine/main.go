// Package engine is the per-user conversation state machine: it drives the
// onboarding questionnaire, the program/question menus and the generation
// pipeline. All session state lives on the persisted profile, so a process
// restart resumes every conversation exactly where it stopped.
package engine

import (
	"context"
	"errors"
	"fitcoachdev/logger"
	"fitcoachdev/modelapi"
	"fitcoachdev/ops"
	"fitcoachdev/profile"
	"fitcoachdev/prompt"
	"fitcoachdev/ratelimit"
	"fitcoachdev/weights"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type EventKind string

const (
	EventText      EventKind = "text"
	EventCommand   EventKind = "command"
	EventSelection EventKind = "menu_selection"
)

// Event is what the chat transport hands us: one user, one input.
type Event struct {
	UserID  int64
	Kind    EventKind
	Payload string
}

// Reply is what the transport delivers back; Options, when present, are
// rendered as a selection menu.
type Reply struct {
	Text    string
	Options []string
}

// Generator is the single outbound generation contract. Satisfied by
// geminiapi via a thin adapter, and by stubs in tests.
type Generator interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Main menu labels. The transport shows these as buttons; we accept them
// as either menu selections or plain text.
const (
	MenuGenerate = "Generate program"
	MenuQuestion = "Ask the coach"
	MenuProfile  = "My profile"
	MenuRestart  = "Start over"
)

var mainMenuOptions = []string{MenuGenerate, MenuQuestion, MenuProfile, MenuRestart}

func isMenuOption(text string) bool {
	for _, option := range mainMenuOptions {
		if text == option {
			return true
		}
	}
	return false
}

var onboardingQuestions = map[profile.Field]string{
	profile.FieldName:         "Let's get you set up. What's your name?",
	profile.FieldGoal:         "What's your training goal?",
	profile.FieldSex:          "What's your sex?",
	profile.FieldAge:          "How old are you?",
	profile.FieldHeight:       "Your height in centimeters?",
	profile.FieldWeight:       "Your current weight in kilograms?",
	profile.FieldTargetWeight: "Your target weight in kilograms?",
	profile.FieldRestrictions: "Any injuries, health restrictions or equipment limits? (write \"none\" if not)",
	profile.FieldFrequency:    "How many times per week can you train? (1-7)",
	profile.FieldLevel:        "What's your training level?",
	profile.FieldEmphasis:     "Which muscle groups do you want to emphasize by default?",
}

// Some onboarding stages come with a keyboard.
var onboardingOptions = map[profile.Field][]string{
	profile.FieldGoal:     profile.Goals,
	profile.FieldSex:      profile.Sexes,
	profile.FieldLevel:    profile.Levels,
	profile.FieldEmphasis: profile.Emphases,
}

type EngineConnectProps struct {
	Logger          *logger.LogMiddleware
	Store           *profile.Store
	Builder         *prompt.Builder
	Generator       Generator
	Status          *ops.Status
	RateLimitWindow time.Duration
	Now             func() time.Time
}

type Engine struct {
	logger    *logger.LogMiddleware
	store     *profile.Store
	builder   *prompt.Builder
	generator Generator
	status    *ops.Status
	window    time.Duration
	now       func() time.Time

	mu        sync.Mutex
	userLocks map[int64]*sync.Mutex
}

func Connect(args EngineConnectProps) *Engine {
	now := args.Now
	if now == nil {
		now = time.Now
	}
	status := args.Status
	if status == nil {
		status = ops.NewStatus()
	}
	return &Engine{
		logger:    args.Logger,
		store:     args.Store,
		builder:   args.Builder,
		generator: args.Generator,
		status:    status,
		window:    args.RateLimitWindow,
		now:       now,
		userLocks: map[int64]*sync.Mutex{},
	}
}

// userLock serializes events per user id. Two events for the same user
// never interleave; different users proceed independently.
func (e *Engine) userLock(userID int64) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.userLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		e.userLocks[userID] = l
	}
	return l
}

// HandleEvent is the single entry point for inbound user events. It always
// leaves the session in a well-defined state; no failure here is fatal.
func (e *Engine) HandleEvent(ctx context.Context, ev Event) []Reply {
	tracer := otel.Tracer("engine/HandleEvent")
	ctx, span := tracer.Start(ctx, "HandleEvent")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("user.id", ev.UserID),
		attribute.String("event.kind", string(ev.Kind)),
	)

	lock := e.userLock(ev.UserID)
	lock.Lock()
	defer lock.Unlock()

	var replies []Reply

	p, err := e.store.Load(ev.UserID)
	if errors.Is(err, profile.ErrCorrupt) {
		// Load already returned a fresh skeleton; persist it and warn.
		e.logger.Logger(ctx).Warn("[Engine] Corrupt profile reset",
			zap.Int64("user_id", ev.UserID), zap.Error(err))
		if saveErr := e.store.Save(ev.UserID, p); saveErr != nil {
			e.logger.Logger(ctx).Error("[Engine] Could not persist reset profile",
				zap.Int64("user_id", ev.UserID), zap.Error(saveErr))
		}
		replies = append(replies, Reply{
			Text: "Your saved profile could not be read, so we're starting fresh. Sorry about that!",
		})
	}

	replies = append(replies, e.dispatch(ctx, ev, p)...)
	return replies
}

func (e *Engine) dispatch(ctx context.Context, ev Event, p *profile.UserProfile) []Reply {
	text := strings.TrimSpace(ev.Payload)

	if ev.Kind == EventCommand {
		return e.handleCommand(ctx, ev.UserID, p, text)
	}

	// Restart is honored from any state, menu button included.
	if text == MenuRestart {
		return e.restart(ctx, ev.UserID, p)
	}

	switch p.Session.State {
	case profile.StateOnboarding:
		return e.handleOnboarding(ctx, ev.UserID, p, text)
	case profile.StateAwaitingFocus:
		return e.handleFocusSelection(ctx, ev.UserID, p, text)
	case profile.StateAwaitingStyle:
		return e.handleStyleSelection(ctx, ev.UserID, p, text)
	case profile.StateAwaitingQuestion:
		// Menu buttons pressed while a question is expected are menu
		// actions, not questions for the model.
		if isMenuOption(text) {
			p.Session.State = profile.StateReady
			e.save(ctx, ev.UserID, p)
			return e.handleReady(ctx, ev.UserID, p, text)
		}
		return e.runQuestion(ctx, ev.UserID, p, text)
	case profile.StateReady:
		return e.handleReady(ctx, ev.UserID, p, text)
	}

	// Unknown persisted state: recover to something sensible.
	if p.Completed() {
		p.Session.State = profile.StateReady
		e.save(ctx, ev.UserID, p)
		return e.mainMenu("")
	}
	p.Session.State = profile.StateOnboarding
	e.save(ctx, ev.UserID, p)
	return e.askCurrentQuestion(p, "")
}

// ---------- Commands ----------

func (e *Engine) handleCommand(ctx context.Context, userID int64, p *profile.UserProfile, text string) []Reply {
	cmd, args, _ := strings.Cut(text, " ")
	args = strings.TrimSpace(args)

	switch strings.ToLower(cmd) {
	case "/start":
		if !p.Completed() {
			return e.askCurrentQuestion(p, "")
		}
		return e.mainMenu(greeting(p.Name))

	case "/restart":
		return e.restart(ctx, userID, p)

	case "/menu":
		if !p.Completed() {
			return e.askCurrentQuestion(p, "")
		}
		return e.mainMenu("")

	case "/profile":
		rendered, err := e.store.ProfileText(userID)
		if err != nil {
			return []Reply{{Text: "Could not read your profile right now."}}
		}
		return []Reply{{Text: rendered, Options: e.optionsFor(p)}}

	case "/goal":
		if !p.Completed() {
			return e.finishOnboardingFirst(p)
		}
		if args == "" {
			return []Reply{{Text: "Usage: /goal <your new goal>"}}
		}
		if err := e.store.SetGoal(userID, args); err != nil {
			return []Reply{{Text: "That goal did not work: " + err.Error()}}
		}
		return []Reply{{Text: fmt.Sprintf("Goal updated to: %s", args), Options: mainMenuOptions}}

	case "/set":
		if !p.Completed() {
			return e.finishOnboardingFirst(p)
		}
		field, value, ok := strings.Cut(args, " ")
		value = strings.TrimSpace(value)
		if !ok || value == "" {
			return []Reply{{Text: "Usage: /set <field> <value>, e.g. /set frequency 4"}}
		}
		if err := e.store.UpdateParam(userID, profile.Field(strings.ToLower(field)), value); err != nil {
			return []Reply{{Text: "That change did not work: " + err.Error()}}
		}
		return []Reply{{Text: fmt.Sprintf("Updated %s.", field), Options: mainMenuOptions}}
	}

	return []Reply{{Text: "Unknown command. Try /start, /menu, /profile, /goal, /set or /restart."}}
}

func (e *Engine) finishOnboardingFirst(p *profile.UserProfile) []Reply {
	return e.askCurrentQuestion(p, "Let's finish your questionnaire first.")
}

// ---------- Onboarding ----------

func (e *Engine) handleOnboarding(ctx context.Context, userID int64, p *profile.UserProfile, text string) []Reply {
	field, ok := p.CurrentField()
	if !ok {
		// Stage says done but state lagged; promote and show the menu.
		p.Session.State = profile.StateReady
		e.save(ctx, userID, p)
		return e.mainMenu(greeting(p.Name))
	}

	if err := p.SetField(field, text); err != nil {
		// Invalid input: stage unchanged, nothing mutated, same question.
		return e.askCurrentQuestion(p, "That didn't work: "+err.Error())
	}

	p.Stage++
	if p.Completed() {
		p.Session.State = profile.StateReady
		if err := e.save(ctx, userID, p); err != nil {
			return []Reply{{Text: "Could not save your answers, please repeat the last one."}}
		}
		return e.mainMenu(fmt.Sprintf("All set, %s! Your profile is complete.", p.Name))
	}

	if err := e.save(ctx, userID, p); err != nil {
		p.Stage--
		return e.askCurrentQuestion(p, "Could not save that answer, please try again.")
	}
	return e.askCurrentQuestion(p, "")
}

func (e *Engine) askCurrentQuestion(p *profile.UserProfile, prefix string) []Reply {
	field, ok := p.CurrentField()
	if !ok {
		return e.mainMenu(prefix)
	}
	text := onboardingQuestions[field]
	if prefix != "" {
		text = prefix + "\n" + text
	}
	return []Reply{{Text: text, Options: onboardingOptions[field]}}
}

// ---------- Ready / menus ----------

func (e *Engine) handleReady(ctx context.Context, userID int64, p *profile.UserProfile, text string) []Reply {
	switch text {
	case MenuGenerate:
		p.Session.State = profile.StateAwaitingFocus
		e.save(ctx, userID, p)
		return []Reply{{Text: "Which muscle group should the program emphasize?", Options: profile.Emphases}}

	case MenuQuestion:
		p.Session.State = profile.StateAwaitingQuestion
		e.save(ctx, userID, p)
		return []Reply{{Text: "Ask me anything about training, load or nutrition 👇"}}

	case MenuProfile:
		rendered, err := e.store.ProfileText(userID)
		if err != nil {
			return []Reply{{Text: "Could not read your profile right now."}}
		}
		return []Reply{{Text: rendered, Options: mainMenuOptions}}
	}

	if text == "" {
		return e.mainMenu("")
	}

	// Free text from the main menu is treated as a question to the coach.
	return e.runQuestion(ctx, userID, p, text)
}

func (e *Engine) handleFocusSelection(ctx context.Context, userID int64, p *profile.UserProfile, text string) []Reply {
	focus := strings.ToLower(text)
	valid := false
	for _, em := range profile.Emphases {
		if focus == em {
			valid = true
			break
		}
	}
	if !valid {
		return []Reply{{Text: "Please pick a muscle group from the menu.", Options: profile.Emphases}}
	}

	p.Session.PendingFocus = focus
	p.Session.State = profile.StateAwaitingStyle
	e.save(ctx, userID, p)

	options := make([]string, len(prompt.Styles))
	for i, s := range prompt.Styles {
		options[i] = string(s)
	}
	return []Reply{{Text: "And which program style?", Options: options}}
}

func (e *Engine) handleStyleSelection(ctx context.Context, userID int64, p *profile.UserProfile, text string) []Reply {
	style, ok := prompt.ParseStyle(text)
	if !ok {
		options := make([]string, len(prompt.Styles))
		for i, s := range prompt.Styles {
			options[i] = string(s)
		}
		return []Reply{{Text: "Please pick a style from the menu.", Options: options}}
	}

	focus := p.Session.PendingFocus
	if focus == "" {
		focus = p.Emphasis
	}
	return e.runProgram(ctx, userID, p, focus, style)
}

func (e *Engine) restart(ctx context.Context, userID int64, p *profile.UserProfile) []Reply {
	p.ResetQuestionnaire()
	if err := e.save(ctx, userID, p); err != nil {
		return []Reply{{Text: "Could not reset your profile, try again."}}
	}
	return e.askCurrentQuestion(p, "Starting over! Your past programs are kept.")
}

func (e *Engine) mainMenu(prefix string) []Reply {
	text := "What's next? Pick an action 👇"
	if prefix != "" {
		text = prefix + "\n" + text
	}
	return []Reply{{Text: text, Options: mainMenuOptions}}
}

func (e *Engine) optionsFor(p *profile.UserProfile) []string {
	if p.Completed() {
		return mainMenuOptions
	}
	return nil
}

func greeting(name string) string {
	if name == "" {
		return "Welcome back!"
	}
	return fmt.Sprintf("Welcome back, %s!", name)
}

// ---------- Generation pipeline ----------

// runProgram executes the full pipeline for a program request: rate-limit
// check, prompt build, dispatch-time persist, remote call, history append.
// The session returns to Ready whatever happens.
func (e *Engine) runProgram(ctx context.Context, userID int64, p *profile.UserProfile, focus string, style prompt.Style) []Reply {
	tracer := otel.Tracer("engine/runProgram")
	ctx, span := tracer.Start(ctx, "runProgram")
	defer span.End()
	span.SetAttributes(
		attribute.String("program.focus", focus),
		attribute.String("program.style", string(style)),
	)

	now := e.now()
	p.Session.State = profile.StateReady
	p.Session.PendingFocus = ""

	if allowed, wait := ratelimit.Check(p.LastGenerationAt, now, e.window); !allowed {
		e.save(ctx, userID, p)
		return []Reply{{
			Text:    fmt.Sprintf("Easy there! You can request another generation in ~%d seconds.", int(wait.Seconds())),
			Options: mainMenuOptions,
		}}
	}

	resolved := e.builder.ResolveStyle(style)
	span.SetAttributes(attribute.String("program.style.resolved", string(resolved)))
	userPrompt := e.builder.Program(p, focus, resolved)

	// Dispatch time is recorded before the call and kept even when the
	// call fails: a slow or broken attempt still spends the window.
	p.LastGenerationAt = now
	if err := e.save(ctx, userID, p); err != nil {
		return []Reply{{Text: "Could not prepare the request, try again.", Options: mainMenuOptions}}
	}

	text, err := e.generator.Generate(ctx, prompt.PROGRAM_SYSTEM_PROMPT, userPrompt)
	e.status.RecordGeneration(err)
	if err != nil {
		return e.failureReplies(ctx, userID, err)
	}

	cleaned := prompt.CleanProgramText(text)
	annotated := weights.AnnotatePlan(cleaned, weightsUser(p), nil)

	p.AppendProgram(profile.Program{
		Timestamp:   now,
		MuscleFocus: focus,
		Style:       string(resolved),
		Text:        annotated,
	})
	if err := e.save(ctx, userID, p); err != nil {
		e.logger.Logger(ctx).Error("[Engine] Could not persist generated program",
			zap.Int64("user_id", userID), zap.Error(err))
	}

	return []Reply{
		{Text: withNamePrefix(p.Name, annotated)},
		{Text: "What's next? Pick an action 👇", Options: mainMenuOptions},
	}
}

// runQuestion is the Q&A variant of the pipeline: same rate limiting and
// dispatch accounting, but the answer is delivered without being stored.
func (e *Engine) runQuestion(ctx context.Context, userID int64, p *profile.UserProfile, question string) []Reply {
	tracer := otel.Tracer("engine/runQuestion")
	ctx, span := tracer.Start(ctx, "runQuestion")
	defer span.End()

	now := e.now()
	p.Session.State = profile.StateReady

	if question == "" {
		e.save(ctx, userID, p)
		return []Reply{{Text: "I didn't catch a question there.", Options: mainMenuOptions}}
	}

	if allowed, wait := ratelimit.Check(p.LastGenerationAt, now, e.window); !allowed {
		e.save(ctx, userID, p)
		return []Reply{{
			Text:    fmt.Sprintf("Easy there! You can ask again in ~%d seconds.", int(wait.Seconds())),
			Options: mainMenuOptions,
		}}
	}

	userPrompt := e.builder.Question(p, question)

	p.LastGenerationAt = now
	if err := e.save(ctx, userID, p); err != nil {
		return []Reply{{Text: "Could not prepare the request, try again.", Options: mainMenuOptions}}
	}

	answer, err := e.generator.Generate(ctx, prompt.QA_SYSTEM_PROMPT, userPrompt)
	e.status.RecordGeneration(err)
	if err != nil {
		return e.failureReplies(ctx, userID, err)
	}

	return []Reply{
		{Text: prompt.CleanProgramText(answer)},
		{Text: "Anything else? 👇", Options: mainMenuOptions},
	}
}

func (e *Engine) failureReplies(ctx context.Context, userID int64, err error) []Reply {
	kind := modelapi.KindOf(err)
	log := e.logger.Logger(ctx)

	var text string
	switch kind {
	case modelapi.KindTimeout:
		text = "The coach is taking too long to answer. Please try again in a minute."
	case modelapi.KindAuthFailure:
		// User sees a soft message; the broken credential goes to ops.
		log.Error("[Engine] Generation auth failure",
			zap.Int64("user_id", userID), zap.Error(err))
		text = "The coach service is temporarily unavailable. We're on it."
	case modelapi.KindMalformedResponse:
		text = "The coach returned an empty answer. Please try again."
	default:
		text = "Something went wrong talking to the coach service. Please try again shortly."
	}

	log.Warn("[Engine] Generation failed",
		zap.Int64("user_id", userID),
		zap.String("kind", kind.String()),
		zap.Error(err))

	return []Reply{{Text: text, Options: mainMenuOptions}}
}

// LastProgram returns the most recently generated program, for transport
// level export.
func (e *Engine) LastProgram(userID int64) (profile.Program, bool, error) {
	lock := e.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	p, err := e.store.Load(userID)
	if err != nil {
		return profile.Program{}, false, err
	}
	if len(p.Programs) == 0 {
		return profile.Program{}, false, nil
	}
	return p.Programs[0], true, nil
}

func (e *Engine) save(ctx context.Context, userID int64, p *profile.UserProfile) error {
	if err := e.store.Save(userID, p); err != nil {
		e.logger.Logger(ctx).Error("[Engine] Could not save profile",
			zap.Int64("user_id", userID), zap.Error(err))
		return err
	}
	return nil
}

func weightsUser(p *profile.UserProfile) weights.User {
	return weights.User{
		Sex:      p.Sex,
		Age:      p.Age,
		WeightKg: p.WeightKg,
		Level:    p.Level,
		Goal:     p.Goal,
	}
}

func withNamePrefix(name, text string) string {
	if name == "" {
		return text
	}
	return fmt.Sprintf("%s, here's what I put together for you ⬇️\n\n%s", name, text)
}
