// Package profile is the persistent per-user record behind the bot: the
// questionnaire answers, the active goal, the generated-program history and
// the conversation position. One JSON document per user, replaced
// atomically on every save.
package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// ErrCorrupt marks an on-disk record that could not be decoded. The caller
// gets a fresh profile alongside it and is expected to warn the user, not
// to treat it as fatal.
var ErrCorrupt = errors.New("corrupt profile record")

// Conversation states persisted on the profile so the engine survives
// process restarts mid-dialog.
const (
	StateOnboarding       = "onboarding"
	StateReady            = "ready"
	StateAwaitingFocus    = "awaiting_muscle_focus"
	StateAwaitingStyle    = "awaiting_style"
	StateAwaitingQuestion = "awaiting_question"
)

// Field names the questionnaire answers in their fixed onboarding order.
type Field string

const (
	FieldName         Field = "name"
	FieldGoal         Field = "goal"
	FieldSex          Field = "sex"
	FieldAge          Field = "age"
	FieldHeight       Field = "height"
	FieldWeight       Field = "weight"
	FieldTargetWeight Field = "target_weight"
	FieldRestrictions Field = "restrictions"
	FieldFrequency    Field = "frequency"
	FieldLevel        Field = "level"
	FieldEmphasis     Field = "emphasis"
)

// StageOrder is the required questionnaire sequence. The persisted stage
// index only moves forward through it, one answered field at a time.
var StageOrder = []Field{
	FieldName,
	FieldGoal,
	FieldSex,
	FieldAge,
	FieldHeight,
	FieldWeight,
	FieldTargetWeight,
	FieldRestrictions,
	FieldFrequency,
	FieldLevel,
	FieldEmphasis,
}

const (
	maxNameLen     = 80
	maxProgramKeep = 10
)

var (
	Sexes  = []string{"female", "male"}
	Levels = []string{"beginner", "intermediate", "advanced"}
	Goals  = []string{"lose weight", "gain muscle", "stay fit"}

	// Emphases users may pick as a standing preference or a per-program
	// focus.
	Emphases = []string{"full body", "legs", "back", "chest", "shoulders", "arms", "core"}
)

type Program struct {
	Timestamp   time.Time `json:"timestamp"`
	MuscleFocus string    `json:"muscle_focus"`
	Style       string    `json:"style"`
	Text        string    `json:"text"`
}

type Session struct {
	State        string `json:"state"`
	PendingFocus string `json:"pending_focus,omitempty"`
}

type UserProfile struct {
	Name           string  `json:"name,omitempty"`
	Goal           string  `json:"goal,omitempty"`
	Sex            string  `json:"sex,omitempty"`
	Age            int     `json:"age,omitempty"`
	HeightCm       int     `json:"height_cm,omitempty"`
	WeightKg       float64 `json:"weight_kg,omitempty"`
	TargetWeightKg float64 `json:"target_weight_kg,omitempty"`
	Restrictions   string  `json:"restrictions,omitempty"`
	Frequency      int     `json:"frequency,omitempty"`
	Level          string  `json:"level,omitempty"`
	Emphasis       string  `json:"emphasis,omitempty"`

	// Programs is most-recent-first and append-only: editing a parameter
	// later never rewrites what was generated before.
	Programs []Program `json:"programs"`

	LastGenerationAt time.Time `json:"last_generation_at,omitempty"`

	Stage   int     `json:"questionnaire_stage"`
	Session Session `json:"session"`
}

// Completed reports whether every questionnaire field has been answered.
func (p *UserProfile) Completed() bool {
	return p.Stage >= len(StageOrder)
}

// CurrentField returns the field the onboarding flow is waiting on.
func (p *UserProfile) CurrentField() (Field, bool) {
	if p.Completed() {
		return "", false
	}
	return StageOrder[p.Stage], true
}

var titleCaser = cases.Title(language.Und)

// SetField validates raw input for one questionnaire field and applies it.
// It is the single validator for both onboarding answers and later /set
// edits; on error nothing is mutated.
func (p *UserProfile) SetField(field Field, raw string) error {
	value := strings.TrimSpace(raw)
	if value == "" {
		return fmt.Errorf("%s cannot be empty", field)
	}

	switch field {
	case FieldName:
		runes := []rune(value)
		if len(runes) > maxNameLen {
			runes = runes[:maxNameLen]
		}
		p.Name = titleCaser.String(strings.ToLower(string(runes)))
	case FieldGoal:
		p.Goal = value
	case FieldSex:
		v, err := oneOf(value, Sexes)
		if err != nil {
			return fmt.Errorf("sex: %w", err)
		}
		p.Sex = v
	case FieldAge:
		n, err := intInRange(value, 10, 100)
		if err != nil {
			return fmt.Errorf("age: %w", err)
		}
		p.Age = n
	case FieldHeight:
		n, err := intInRange(value, 100, 250)
		if err != nil {
			return fmt.Errorf("height: %w", err)
		}
		p.HeightCm = n
	case FieldWeight:
		f, err := floatInRange(value, 30, 300)
		if err != nil {
			return fmt.Errorf("weight: %w", err)
		}
		p.WeightKg = f
	case FieldTargetWeight:
		f, err := floatInRange(value, 30, 300)
		if err != nil {
			return fmt.Errorf("target weight: %w", err)
		}
		p.TargetWeightKg = f
	case FieldRestrictions:
		p.Restrictions = value
	case FieldFrequency:
		n, err := intInRange(value, 1, 7)
		if err != nil {
			return fmt.Errorf("training frequency: %w", err)
		}
		p.Frequency = n
	case FieldLevel:
		v, err := oneOf(value, Levels)
		if err != nil {
			return fmt.Errorf("level: %w", err)
		}
		p.Level = v
	case FieldEmphasis:
		v, err := oneOf(value, Emphases)
		if err != nil {
			return fmt.Errorf("muscle emphasis: %w", err)
		}
		p.Emphasis = v
	default:
		return fmt.Errorf("unknown field %q", field)
	}
	return nil
}

func oneOf(value string, allowed []string) (string, error) {
	v := strings.ToLower(strings.TrimSpace(value))
	for _, a := range allowed {
		if v == a {
			return a, nil
		}
	}
	return "", fmt.Errorf("expected one of %s", strings.Join(allowed, ", "))
}

func intInRange(value string, lo, hi int) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("expected a whole number")
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("expected a value between %d and %d", lo, hi)
	}
	return n, nil
}

func floatInRange(value string, lo, hi float64) (float64, error) {
	v := strings.ReplaceAll(strings.TrimSpace(value), ",", ".")
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("expected a number")
	}
	if f < lo || f > hi {
		return 0, fmt.Errorf("expected a value between %.0f and %.0f", lo, hi)
	}
	return f, nil
}

// Store keeps one JSON document per user id under a data directory.
type Store struct {
	dir string
}

type StoreConnectProps struct {
	DataDir string
}

func Connect(args StoreConnectProps) (*Store, error) {
	if err := os.MkdirAll(args.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create data dir: %w", err)
	}
	return &Store{dir: args.DataDir}, nil
}

func (s *Store) path(userID int64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%d.json", userID))
}

// Load returns the stored profile, or a fresh skeleton when the user has
// never been seen. A record that fails to decode also yields a fresh
// skeleton, together with ErrCorrupt so the caller can warn.
func (s *Store) Load(userID int64) (*UserProfile, error) {
	raw, err := os.ReadFile(s.path(userID))
	if errors.Is(err, os.ErrNotExist) {
		return newProfile(), nil
	}
	if err != nil {
		return newProfile(), fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	var p UserProfile
	if err := json.Unmarshal(raw, &p); err != nil {
		return newProfile(), fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	normalize(&p)
	return &p, nil
}

func newProfile() *UserProfile {
	return &UserProfile{
		Programs: []Program{},
		Session:  Session{State: StateOnboarding},
	}
}

// normalize defaults fields a record written by an older schema may lack,
// so profiles stay forward-readable across additions.
func normalize(p *UserProfile) {
	if p.Programs == nil {
		p.Programs = []Program{}
	}
	if p.Session.State == "" {
		if p.Completed() {
			p.Session.State = StateReady
		} else {
			p.Session.State = StateOnboarding
		}
	}
	if p.Stage < 0 {
		p.Stage = 0
	}
	if p.Stage > len(StageOrder) {
		p.Stage = len(StageOrder)
	}
}

// Save atomically replaces the persisted record: write to a temp file in
// the same directory, then rename over the target. A crash mid-write never
// corrupts the previous record.
func (s *Store) Save(userID int64, p *UserProfile) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("could not encode profile: %w", err)
	}

	path := s.path(userID)
	tmp, err := os.CreateTemp(s.dir, fmt.Sprintf("%d-*.tmp", userID))
	if err != nil {
		return fmt.Errorf("could not create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("could not write profile: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("could not close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("could not replace profile: %w", err)
	}
	return nil
}

// SetGoal is a targeted load-apply-save mutation.
func (s *Store) SetGoal(userID int64, goal string) error {
	p, err := s.Load(userID)
	if err != nil {
		return err
	}
	if err := p.SetField(FieldGoal, goal); err != nil {
		return err
	}
	return s.Save(userID, p)
}

// UpdateParam applies one validated field edit as a single logical unit.
func (s *Store) UpdateParam(userID int64, field Field, value string) error {
	p, err := s.Load(userID)
	if err != nil {
		return err
	}
	if err := p.SetField(field, value); err != nil {
		return err
	}
	return s.Save(userID, p)
}

// AppendProgram records a successful generation, most-recent-first. Older
// entries are never rewritten; only the tail beyond the keep limit is
// dropped.
func (p *UserProfile) AppendProgram(entry Program) {
	p.Programs = append([]Program{entry}, p.Programs...)
	if len(p.Programs) > maxProgramKeep {
		p.Programs = p.Programs[:maxProgramKeep]
	}
}

// ResetQuestionnaire clears the questionnaire answers and the active goal
// but keeps the generated-program history and the rate-limit timestamp.
func (p *UserProfile) ResetQuestionnaire() {
	history := p.Programs
	last := p.LastGenerationAt
	*p = *newProfile()
	p.Programs = history
	p.LastGenerationAt = last
}

// ProfileText renders the current profile for display. Pure formatting.
func (s *Store) ProfileText(userID int64) (string, error) {
	p, err := s.Load(userID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	line := func(label, value string) {
		if value == "" {
			value = "not set"
		}
		fmt.Fprintf(&b, "%s: %s\n", label, value)
	}

	line("Name", p.Name)
	line("Goal", p.Goal)
	line("Sex", p.Sex)
	line("Age", nonZero(p.Age, "%d"))
	line("Height", nonZero(p.HeightCm, "%d cm"))
	line("Weight", nonZeroF(p.WeightKg, "%.1f kg"))
	line("Target weight", nonZeroF(p.TargetWeightKg, "%.1f kg"))
	line("Restrictions", p.Restrictions)
	line("Training frequency", nonZero(p.Frequency, "%d per week"))
	line("Level", p.Level)
	line("Muscle emphasis", p.Emphasis)
	fmt.Fprintf(&b, "Programs generated: %d\n", len(p.Programs))

	return b.String(), nil
}

func nonZero(v int, format string) string {
	if v == 0 {
		return ""
	}
	return fmt.Sprintf(format, v)
}

func nonZeroF(v float64, format string) string {
	if v == 0 {
		return ""
	}
	return fmt.Sprintf(format, v)
}
