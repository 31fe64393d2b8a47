// Package prompt turns a user profile and a request into the structured
// instruction sent to the generation client. Builders are deterministic for
// identical inputs; the only randomness is the explicit random-style draw,
// which happens before the prompt is assembled so the resolved choice can
// be recorded with the saved program.
package prompt

import (
	"fmt"
	"math/rand"
	"regexp"
	"strings"

	"fitcoachdev/profile"
)

// Style is the workout variation axis the user picks before generation.
type Style string

const (
	StyleBasic     Style = "basic"
	StyleIsolation Style = "isolation"
	StyleStrength  Style = "strength"
	StyleEndurance Style = "endurance"
	StyleRandom    Style = "random"
)

// Styles lists the selectable options, random last.
var Styles = []Style{StyleBasic, StyleIsolation, StyleStrength, StyleEndurance, StyleRandom}

var concreteStyles = []Style{StyleBasic, StyleIsolation, StyleStrength, StyleEndurance}

var styleInstruction = map[Style]string{
	StyleBasic:     "Favor fundamental compound movements with straightforward set and rep schemes.",
	StyleIsolation: "Emphasize isolation work for the focus muscles while keeping one compound lift per day.",
	StyleStrength:  "Bias toward heavy compound lifts, lower reps (4-6) and longer rest periods.",
	StyleEndurance: "Bias toward higher reps (12-20), shorter rest and circuit-style pacing.",
}

// ParseStyle matches user input to a style option.
func ParseStyle(raw string) (Style, bool) {
	v := Style(strings.ToLower(strings.TrimSpace(raw)))
	for _, s := range Styles {
		if v == s {
			return s, true
		}
	}
	return "", false
}

type Builder struct {
	rng *rand.Rand
}

type BuilderConnectProps struct {
	Rng *rand.Rand
}

func Connect(args BuilderConnectProps) *Builder {
	return &Builder{rng: args.Rng}
}

// ResolveStyle replaces the random option with one concrete style, chosen
// uniformly. Concrete styles pass through untouched.
func (b *Builder) ResolveStyle(s Style) Style {
	if s != StyleRandom {
		return s
	}
	return concreteStyles[b.rng.Intn(len(concreteStyles))]
}

// Program builds a full program-generation prompt. The style must already
// be concrete; callers resolve random first.
func (b *Builder) Program(p *profile.UserProfile, focus string, style Style) string {
	var sb strings.Builder
	sb.WriteString("Client intake:\n")
	sb.WriteString(profileContext(p))
	sb.WriteString("\n\nRequest:\n")
	fmt.Fprintf(&sb, "Create a weekly gym program emphasizing: %s.\n", focus)
	if instr, ok := styleInstruction[style]; ok {
		fmt.Fprintf(&sb, "Program style: %s. %s\n", style, instr)
	}
	sb.WriteString(strictRequirements(p))
	return sb.String()
}

// Question wraps a free-form fitness question with just enough profile
// context to keep the answer personal, without replaying history.
func (b *Builder) Question(p *profile.UserProfile, question string) string {
	var sb strings.Builder
	sb.WriteString("Client context:\n")
	fmt.Fprintf(&sb, "Goal: %s\n", orUnknown(p.Goal))
	fmt.Fprintf(&sb, "Level: %s\n", orUnknown(p.Level))
	fmt.Fprintf(&sb, "Restrictions: %s\n", orNone(p.Restrictions))
	sb.WriteString("\nQuestion:\n")
	sb.WriteString(strings.TrimSpace(question))
	return sb.String()
}

func profileContext(p *profile.UserProfile) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Goal: %s\n", orUnknown(p.Goal))
	fmt.Fprintf(&sb, "Sex: %s\n", orUnknown(p.Sex))
	fmt.Fprintf(&sb, "Age: %s\n", orUnknownInt(p.Age, "%d years"))
	fmt.Fprintf(&sb, "Height: %s\n", orUnknownInt(p.HeightCm, "%d cm"))
	fmt.Fprintf(&sb, "Current weight: %s\n", orUnknownFloat(p.WeightKg, "%.1f kg"))
	fmt.Fprintf(&sb, "Target weight: %s\n", orUnknownFloat(p.TargetWeightKg, "%.1f kg"))
	fmt.Fprintf(&sb, "Restrictions: %s\n", orNone(p.Restrictions))
	fmt.Fprintf(&sb, "Training frequency: %s\n", orUnknownInt(p.Frequency, "%d per week"))
	fmt.Fprintf(&sb, "Level: %s", orUnknown(p.Level))
	return sb.String()
}

// strictRequirements pins the structural constraints the model must not
// negotiate: exact day count from the intake, exercise volume by level.
func strictRequirements(p *profile.UserProfile) string {
	perDay := "4-5"
	if p.Level == "intermediate" || p.Level == "advanced" {
		perDay = "5-7"
	}

	var sb strings.Builder
	sb.WriteString("\nStrict requirements:\n")
	if p.Frequency > 0 {
		fmt.Fprintf(&sb, "- Produce EXACTLY %d training days per week.\n", p.Frequency)
	}
	fmt.Fprintf(&sb, "- List %s strength exercises per day, not counting warm-up and cool-down.\n", perDay)
	sb.WriteString("- If a day has fewer exercises add some, if more trim it.\n")
	sb.WriteString("- No HTML tags (<br>, <p>); Markdown and plain line breaks only.\n")
	return sb.String()
}

func orUnknown(v string) string {
	if v == "" {
		return "not specified"
	}
	return v
}

func orNone(v string) string {
	if v == "" {
		return "none"
	}
	return v
}

func orUnknownInt(v int, format string) string {
	if v == 0 {
		return "not specified"
	}
	return fmt.Sprintf(format, v)
}

func orUnknownFloat(v float64, format string) string {
	if v == 0 {
		return "not specified"
	}
	return fmt.Sprintf(format, v)
}

var (
	rpePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\(?\s*RPE\s*=?\s*\d+(\s*-\s*\d+)?\s*\)?`),
		regexp.MustCompile(`(?i)\(?\s*RIR\s*=?\s*\d+(\s*-\s*\d+)?\s*\)?`),
		regexp.MustCompile(`(?i)\b(almost\s+)?to\s+failure\b`),
	}
	brTag        = regexp.MustCompile(`(?i)\s*<br\s*/?>\s*`)
	pTag         = regexp.MustCompile(`(?i)</?p\s*/?>`)
	bulletMark   = regexp.MustCompile(`(?m)^\s*•\s+`)
	repsNotation = regexp.MustCompile(`(\d)\s*[xX*]\s*(\d)`)
	emptyParens  = regexp.MustCompile(`\(\s*\)`)
	doubleComma  = regexp.MustCompile(`,\s*,`)
	trailingWS   = regexp.MustCompile(`[ \t]+\n`)
	leadingWS    = regexp.MustCompile(`\n[ \t]+`)
	manyBlanks   = regexp.MustCompile(`\n{3,}`)
	multiSpace   = regexp.MustCompile(`[ \t]{2,}`)
)

// CleanProgramText normalizes model output before delivery: strips effort
// notation the prompts forbid anyway, converts stray HTML to line breaks,
// standardizes rep notation (3x12 -> 3×12) and collapses whitespace noise
// without breaking Markdown.
func CleanProgramText(text string) string {
	out := text
	for _, p := range rpePatterns {
		out = p.ReplaceAllString(out, "")
	}
	out = brTag.ReplaceAllString(out, "\n")
	out = pTag.ReplaceAllString(out, "\n")
	out = bulletMark.ReplaceAllString(out, "- ")
	out = repsNotation.ReplaceAllString(out, "$1×$2")
	out = emptyParens.ReplaceAllString(out, "")
	out = doubleComma.ReplaceAllString(out, ", ")
	out = multiSpace.ReplaceAllString(out, " ")
	out = trailingWS.ReplaceAllString(out, "\n")
	out = leadingWS.ReplaceAllString(out, "\n")
	out = manyBlanks.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}
