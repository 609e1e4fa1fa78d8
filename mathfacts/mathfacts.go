// Package mathfacts stands in for the out-of-scope fact-catalog module: a
// pure function mapping (grade, track) to the set of arithmetic facts a
// player at that level drills. It follows the same embedded-JSON,
// sync.Once-loaded package-global idiom as the teacher's items.GameData,
// expanding compact range rules into concrete fact definitions once at
// first use.
package mathfacts

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"
)

//go:embed factdata/catalog.json
var catalogJSON []byte

// Operation identifies one of the four arithmetic operations.
type Operation string

const (
	Add Operation = "add"
	Sub Operation = "sub"
	Mul Operation = "mul"
	Div Operation = "div"
)

// Symbol returns the display glyph for an operation.
func (o Operation) Symbol() string {
	switch o {
	case Add:
		return "+"
	case Sub:
		return "-"
	case Mul:
		return "×"
	case Div:
		return "÷"
	default:
		return "?"
	}
}

// Commutative reports whether operand order doesn't affect the canonical key.
func (o Operation) Commutative() bool {
	return o == Add || o == Mul
}

// Fact is one concrete arithmetic fact: an operation over two operands.
type Fact struct {
	Op Operation
	A  int
	B  int
}

// Answer computes the result of the fact. Division is defined to be exact
// (the catalog never emits a fact with a remainder); division by zero
// yields 0 per the generator's dead-fact safety net, though the catalog
// never produces a zero divisor.
func (f Fact) Answer() int {
	switch f.Op {
	case Add:
		return f.A + f.B
	case Sub:
		return f.A - f.B
	case Mul:
		return f.A * f.B
	case Div:
		if f.B == 0 {
			return 0
		}
		return f.A / f.B
	default:
		return 0
	}
}

// Key returns the canonical fact key used to index FactMastery rows:
// commutative operations (Add, Mul) are ordered min-then-max so that 3+5
// and 5+3 share one key; non-commutative operations (Sub, Div) preserve
// operand order since 9-4 and 4-9 are different facts.
func (f Fact) Key() string {
	a, b := f.A, f.B
	if f.Op.Commutative() && a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d%s%d", a, f.Op.Symbol(), b)
}

type rawRule struct {
	Op      string `json:"op"`
	Min     int    `json:"min"`
	Max     int    `json:"max"`
	Step    int    `json:"step"`
	Factors []int  `json:"factors"`
}

type rawTrack struct {
	Name string `json:"name"`
	rawRule
}

type rawGrade struct {
	Grade  int        `json:"grade"`
	Tracks []rawTrack `json:"tracks"`
}

type rawCatalog struct {
	Grades []rawGrade `json:"grades"`
}

var (
	catalog     map[int]map[string][]Fact
	catalogOnce sync.Once
	catalogErr  error
)

// Load parses the embedded catalog once. Safe to call repeatedly; returns
// the error from the first (and only) parse attempt.
func Load() error {
	catalogOnce.Do(func() {
		var raw rawCatalog
		if err := json.Unmarshal(catalogJSON, &raw); err != nil {
			catalogErr = fmt.Errorf("mathfacts: parse catalog: %w", err)
			return
		}
		catalog = make(map[int]map[string][]Fact, len(raw.Grades))
		for _, g := range raw.Grades {
			tracks := make(map[string][]Fact, len(g.Tracks)+1)
			var all []Fact
			seen := make(map[string]bool)
			for _, t := range g.Tracks {
				facts := expand(t.rawRule)
				tracks[t.Name] = facts
				for _, f := range facts {
					k := f.Key()
					if !seen[k] {
						seen[k] = true
						all = append(all, f)
					}
				}
			}
			tracks["ALL"] = all
			catalog[g.Grade] = tracks
		}
	})
	return catalogErr
}

func expand(r rawRule) []Fact {
	step := r.Step
	if step <= 0 {
		step = 1
	}
	op := Operation(r.Op)

	if len(r.Factors) > 0 {
		var facts []Fact
		for _, factor := range r.Factors {
			for operand := r.Min; operand <= r.Max; operand += step {
				facts = append(facts, Fact{Op: op, A: factor, B: operand})
			}
		}
		return facts
	}

	var facts []Fact
	switch op {
	case Add:
		for a := r.Min; a <= r.Max; a += step {
			for b := a; b <= r.Max; b += step {
				facts = append(facts, Fact{Op: Add, A: a, B: b})
			}
		}
	case Sub:
		for a := r.Min; a <= r.Max; a += step {
			for b := r.Min; b <= a; b += step {
				facts = append(facts, Fact{Op: Sub, A: a, B: b})
			}
		}
	case Mul:
		for a := r.Min; a <= r.Max; a += step {
			for b := a; b <= r.Max; b += step {
				facts = append(facts, Fact{Op: Mul, A: a, B: b})
			}
		}
	case Div:
		for divisor := r.Min; divisor <= r.Max; divisor += step {
			if divisor == 0 {
				continue
			}
			for quotient := r.Min; quotient <= r.Max; quotient += step {
				facts = append(facts, Fact{Op: Div, A: divisor * quotient, B: divisor})
			}
		}
	}
	return facts
}

// FactsFor returns the fact set for (grade, track). An empty track or
// "ALL" returns the full grade set; any other value restricts to that
// track's subset. Returns nil if the grade or track is unknown.
func FactsFor(grade int, track string) []Fact {
	if track == "" {
		track = "ALL"
	}
	tracks, ok := catalog[grade]
	if !ok {
		return nil
	}
	return tracks[track]
}

// Grades returns the set of grades the catalog covers, for validation.
func Grades() []int {
	out := make([]int, 0, len(catalog))
	for g := range catalog {
		out = append(out, g)
	}
	return out
}
