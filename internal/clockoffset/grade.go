package clockoffset

import (
	"encoding/json"
	"fmt"
)

// Grade is the quality class of a measurement, ordered A > B > C > D > X.
type Grade int

const (
	GradeX Grade = iota
	GradeD
	GradeC
	GradeB
	GradeA
)

// Grades lists all grades best first.
var Grades = []Grade{GradeA, GradeB, GradeC, GradeD, GradeX}

type gradeRule struct {
	grade         Grade
	minSNR        float64
	minConfidence float64
	maxSpreadMs   float64
	uncertaintyMs float64
}

// A detection gets the first grade whose every threshold it meets.
var gradeRules = []gradeRule{
	{GradeA, 20, 0.8, 0.5, 0.5},
	{GradeB, 12, 0.6, 1.0, 1},
	{GradeC, 6, 0.4, 2.0, 2},
	{GradeD, 0, 0.2, 1e9, 4},
}

const gradeXUncertaintyMs = 10

// AssignGrade grades a detection from its SNR in dB, the detector's
// confidence in [0, 1] and the delay spread of its propagation mode.
func AssignGrade(snr, confidence, spreadMs float64) Grade {
	for _, r := range gradeRules {
		if snr >= r.minSNR && confidence >= r.minConfidence && spreadMs <= r.maxSpreadMs {
			return r.grade
		}
	}
	return GradeX
}

// BaseUncertaintyMs is the timing uncertainty attributed to a grade
// before the mode spread is added.
func (g Grade) BaseUncertaintyMs() float64 {
	for _, r := range gradeRules {
		if r.grade == g {
			return r.uncertaintyMs
		}
	}
	return gradeXUncertaintyMs
}

func (g Grade) String() string {
	switch g {
	case GradeA:
		return "A"
	case GradeB:
		return "B"
	case GradeC:
		return "C"
	case GradeD:
		return "D"
	case GradeX:
		return "X"
	}
	return fmt.Sprintf("Grade(%d)", int(g))
}

// ParseGrade is the inverse of String.
func ParseGrade(s string) (Grade, error) {
	for _, g := range Grades {
		if g.String() == s {
			return g, nil
		}
	}
	return GradeX, fmt.Errorf("unknown grade %q", s)
}

// MarshalJSON encodes the grade letter.
func (g Grade) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.String())
}

// UnmarshalJSON decodes a grade letter.
func (g *Grade) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseGrade(s)
	if err != nil {
		return err
	}
	*g = parsed
	return nil
}
