// Package weights estimates safe starting weights for the exercises of a
// generated program, from either the user's lift history (via an estimated
// one-rep max) or bodyweight coefficients adjusted for sex, age, level and
// goal. Annotation is best-effort: an unrecognized exercise line is left
// untouched.
package weights

import (
	"fmt"
	"math"
	"regexp"
	"strings"
)

// Starting-weight coefficients as a fraction of bodyweight, novice and
// experienced.
var coeffsBW = map[string][2]float64{
	"squat":        {0.55, 0.75},
	"deadlift":     {0.65, 0.90},
	"bench":        {0.40, 0.65},
	"ohp":          {0.25, 0.40},
	"row":          {0.35, 0.55},
	"lat_pulldown": {0.25, 0.40},
	"leg_curl":     {0.20, 0.30},
	"leg_press":    {0.90, 1.30},
}

// alias maps substrings of exercise names to a base-lift key. Matching is
// case-insensitive and first-match-wins in iteration-stable order.
var aliasOrder = []struct {
	substr string
	key    string
}{
	{"front squat", "squat"},
	{"squat", "squat"},
	{"deadlift", "deadlift"},
	{"romanian", "deadlift"},
	{"bench press", "bench"},
	{"bench", "bench"},
	{"overhead press", "ohp"},
	{"shoulder press", "ohp"},
	{"military press", "ohp"},
	{"pulldown", "lat_pulldown"},
	{"pull-down", "lat_pulldown"},
	{"lat pull", "lat_pulldown"},
	{"bent-over row", "row"},
	{"barbell row", "row"},
	{"row", "row"},
	{"leg curl", "leg_curl"},
	{"hamstring curl", "leg_curl"},
	{"leg press", "leg_press"},
}

const (
	plateStep    = 2.5
	dumbbellStep = 1.0
	machineStep  = 2.5
)

type User struct {
	Sex      string
	Age      int
	WeightKg float64
	Level    string
	Goal     string
}

// History is the last recorded set for one base lift.
type History struct {
	LastWeight float64
	Reps       int
}

// BaseKey resolves an exercise name to its base-lift key, or "" when the
// movement is unknown.
func BaseKey(name string) string {
	n := strings.ToLower(name)
	for _, a := range aliasOrder {
		if strings.Contains(n, a.substr) {
			return a.key
		}
	}
	return ""
}

// EquipmentStep is the smallest sensible load increment for the equipment
// implied by the exercise name.
func EquipmentStep(name string) float64 {
	n := strings.ToLower(name)
	if strings.Contains(n, "dumbbell") {
		return dumbbellStep
	}
	if strings.Contains(n, "machine") || strings.Contains(n, "cable") || strings.Contains(n, "pulldown") || strings.Contains(n, "pull-down") {
		return machineStep
	}
	return plateStep
}

// RoundToStep rounds to the nearest equipment step, never below one step.
func RoundToStep(x, step float64) float64 {
	if step <= 0 {
		return x
	}
	return math.Max(step, math.Round(x/step)*step)
}

// Estimate1RM applies the Epley formula.
func Estimate1RM(weight float64, reps int) float64 {
	return weight * (1 + float64(reps)/30.0)
}

// WeightForReps maps a one-rep max to a working weight for a rep target.
func WeightForReps(oneRM float64, targetReps int) float64 {
	switch {
	case targetReps >= 10:
		return oneRM * 0.675
	case targetReps >= 7:
		return oneRM * 0.75
	default:
		return oneRM * 0.85
	}
}

func sexCorr(sex string) float64 {
	if strings.HasPrefix(strings.ToLower(sex), "f") {
		return 0.8
	}
	return 1.0
}

func ageCorr(age int) float64 {
	switch {
	case age >= 60:
		return 0.90
	case age >= 40:
		return 0.95
	default:
		return 1.0
	}
}

func goalCorr(goal string) float64 {
	g := strings.ToLower(goal)
	switch {
	case strings.Contains(g, "lose"):
		return 0.95
	case strings.Contains(g, "gain"), strings.Contains(g, "muscle"), strings.Contains(g, "mass"):
		return 1.05
	default:
		return 1.0
	}
}

func levelIdx(level string) int {
	l := strings.ToLower(level)
	if strings.HasPrefix(l, "interm") || strings.HasPrefix(l, "adv") {
		return 1
	}
	return 0
}

// Recommend computes a starting weight for one exercise. History, when
// present, wins over the bodyweight estimate. ok is false when neither
// path has enough data.
func Recommend(exercise string, user User, targetReps int, hist *History) (kg float64, ok bool) {
	step := EquipmentStep(exercise)

	if hist != nil && hist.LastWeight > 0 && hist.Reps > 0 {
		oneRM := Estimate1RM(hist.LastWeight, hist.Reps)
		return RoundToStep(WeightForReps(oneRM, targetReps), step), true
	}

	key := BaseKey(exercise)
	if key == "" || user.WeightKg <= 0 {
		return 0, false
	}

	coeffs := coeffsBW[key]
	base := coeffs[levelIdx(user.Level)]
	w := user.WeightKg * base * sexCorr(user.Sex) * ageCorr(user.Age) * goalCorr(user.Goal)
	return RoundToStep(w, step), true
}

// exerciseLine matches the program's exercise bullet format:
//
//	- Barbell Squat — 3×10, rest 90 sec
var exerciseLine = regexp.MustCompile(`^\s*-\s*(.+?)\s+—\s+\d+\s*×\s*\d+`)

// AnnotatePlan appends a starting-weight suggestion to every recognized
// exercise line of a generated program. Lines that already carry a
// suggestion, or that the tables cannot price, pass through unchanged.
func AnnotatePlan(text string, user User, lifts map[string]History) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, ln := range lines {
		m := exerciseLine.FindStringSubmatch(ln)
		if m == nil || strings.Contains(ln, "suggested start") {
			out = append(out, ln)
			continue
		}

		name := m[1]
		var hist *History
		if key := BaseKey(name); key != "" {
			if h, found := lifts[key]; found {
				hist = &h
			}
		}

		kg, ok := Recommend(name, user, 10, hist)
		if !ok {
			out = append(out, ln)
			continue
		}

		out = append(out, fmt.Sprintf("%s, suggested start: ~%s kg", ln, formatKg(kg)))
	}
	return strings.Join(out, "\n")
}

func formatKg(kg float64) string {
	if kg == math.Trunc(kg) {
		return fmt.Sprintf("%d", int(kg))
	}
	return fmt.Sprintf("%.1f", kg)
}
