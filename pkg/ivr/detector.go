// Package ivr recognizes automated attendant menus in caller-side transcriptions
// and derives the digit that reaches a target department.
package ivr

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const DefaultFuzzyThreshold = 0.9

// DefaultTargets are the departments a sales agent tries to reach.
var DefaultTargets = []string{"compras", "purchasing", "procurement", "adquisiciones"}

type Config struct {
	Targets        []string
	FuzzyThreshold float64
}

// Result describes what Detect found in one utterance.
type Result struct {
	// Menu is true when the text looks like an attendant menu at all.
	Menu bool
	// Digit is the key associated with Department, empty for keyword-only hits.
	Digit      string
	Department string
	// Phrase is the normalized menu option that produced the result.
	Phrase string
	// Target is true when Department overlaps a configured target.
	Target bool
}

// Actionable reports whether pressing Digit would reach a target department.
func (r Result) Actionable() bool {
	return r.Target && r.Digit != ""
}

const (
	esVerbList = `marque|marca|presione|presiona|oprima|oprime|pulse|pulsa|digite|teclee`
	enVerbList = `press|dial|push|enter|select`

	esVerbs = `\b(?:` + esVerbList + `)`
	enVerbs = `\b(?:` + enVerbList + `)`
	key     = `([0-9*#])`
	dept    = `([a-z][a-z ]{1,40}?)`
)

type pattern struct {
	re          *regexp.Regexp
	dept, digit int
}

// Options that name the key first ("marque 3 para compras") are matched before
// the department-first forms, and their spans are masked so a department-first
// pattern can never pair one option's department with the next option's key.
var keyFirst = []pattern{
	{regexp.MustCompile(esVerbs + `\s+(?:el\s+)?(?:numero\s+)?` + key + `\s+para\s+` + dept + `(?:\s*[.,;:]|\s+(?:o|y|para)\b|$)`), 2, 1},
	{regexp.MustCompile(enVerbs + `\s+(?:the\s+)?(?:number\s+)?` + key + `\s+for\s+` + dept + `(?:\s*[.,;:]|\s+(?:or|and|for)\b|$)`), 2, 1},
}

var deptFirst = []pattern{
	{regexp.MustCompile(`\bpara\s+` + dept + `\s*,?\s*` + esVerbs + `\s+(?:el\s+)?(?:numero\s+)?` + key), 1, 2},
	{regexp.MustCompile(`\bfor\s+` + dept + `\s*,?\s*(?:please\s+)?` + enVerbs + `\s+(?:the\s+)?(?:number\s+)?` + key), 1, 2},
}

var menuVerbRe = regexp.MustCompile(`\b(?:` + esVerbList + `|` + enVerbList + `)\b`)

// Generic department vocabulary, used when no option phrasing matched.
var departmentKeywords = []string{
	"ventas", "compras", "adquisiciones", "facturacion", "cobranza",
	"administracion", "contabilidad", "soporte", "atencion a clientes", "recursos humanos",
	"sales", "purchasing", "procurement", "billing", "administration",
	"accounting", "support", "customer service",
}

var spokenDigits = map[string]string{
	"cero": "0", "uno": "1", "dos": "2", "tres": "3", "cuatro": "4",
	"cinco": "5", "seis": "6", "siete": "7", "ocho": "8", "nueve": "9",
	"zero": "0", "one": "1", "two": "2", "three": "3", "four": "4",
	"five": "5", "six": "6", "seven": "7", "eight": "8", "nine": "9",
	"asterisco": "*", "estrella": "*", "star": "*",
	"gato": "#", "numeral": "#", "pound": "#", "hash": "#",
}

var spokenDigitRe = func() *regexp.Regexp {
	words := make([]string, 0, len(spokenDigits))
	for w := range spokenDigits {
		words = append(words, w)
	}
	return regexp.MustCompile(`\b(?:` + strings.Join(words, "|") + `)\b`)
}()

// Detector is read-only after construction and safe for concurrent use.
type Detector struct {
	targets   []string
	threshold float64
}

func NewDetector(cfg Config) *Detector {
	targets := cfg.Targets
	if len(targets) == 0 {
		targets = DefaultTargets
	}
	d := &Detector{threshold: cfg.FuzzyThreshold}
	if d.threshold <= 0 || d.threshold > 1 {
		d.threshold = DefaultFuzzyThreshold
	}
	for _, t := range targets {
		if n := Normalize(t); n != "" {
			d.targets = append(d.targets, n)
		}
	}
	return d
}

// Detect inspects one completed caller utterance. When several menu options are
// present the first one, in reading order, that reaches a target wins; otherwise
// the first option is reported as non-actionable.
func (d *Detector) Detect(text string) Result {
	s := Normalize(text)
	if s == "" {
		return Result{}
	}
	var opts []option
	masked := []byte(s)
	for _, p := range keyFirst {
		for _, loc := range p.re.FindAllStringSubmatchIndex(s, -1) {
			opts = append(opts, d.option(s, p, loc))
			for i := loc[0]; i < loc[1]; i++ {
				masked[i] = ';'
			}
		}
	}
	rest := string(masked)
	for _, p := range deptFirst {
		for _, loc := range p.re.FindAllStringSubmatchIndex(rest, -1) {
			opts = append(opts, d.option(s, p, loc))
		}
	}
	if len(opts) > 0 {
		sort.SliceStable(opts, func(i, j int) bool { return opts[i].start < opts[j].start })
		for _, o := range opts {
			if o.Target {
				return o.Result
			}
		}
		return opts[0].Result
	}
	if !menuVerbRe.MatchString(s) {
		return Result{}
	}
	for _, kw := range departmentKeywords {
		if containsPhrase(s, kw) {
			return Result{Menu: true, Department: kw, Phrase: s, Target: d.matchesTarget(kw)}
		}
	}
	return Result{}
}

type option struct {
	Result
	start int
}

func (d *Detector) option(s string, p pattern, loc []int) option {
	r := Result{
		Menu:       true,
		Digit:      s[loc[2*p.digit]:loc[2*p.digit+1]],
		Department: strings.TrimSpace(s[loc[2*p.dept]:loc[2*p.dept+1]]),
		Phrase:     strings.TrimSpace(strings.TrimRight(s[loc[0]:loc[1]], ".,;:")),
	}
	r.Target = d.matchesTarget(r.Department)
	return option{Result: r, start: loc[0]}
}

func (d *Detector) matchesTarget(department string) bool {
	tokens := strings.Fields(department)
	for _, target := range d.targets {
		if containsPhrase(department, target) {
			return true
		}
		if strings.Contains(target, " ") {
			continue
		}
		for _, tok := range tokens {
			if len(tok) < 4 {
				continue
			}
			if matchr.JaroWinkler(tok, target, false) >= d.threshold {
				return true
			}
		}
	}
	return false
}

// Normalize lowercases text, strips diacritics and turns spoken digits into
// their keypad characters.
func Normalize(text string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, text)
	if err != nil {
		folded = text
	}
	folded = strings.ToLower(strings.TrimSpace(folded))
	folded = spokenDigitRe.ReplaceAllStringFunc(folded, func(w string) string {
		return spokenDigits[w]
	})
	return strings.Join(strings.Fields(folded), " ")
}

func containsPhrase(s, phrase string) bool {
	for i := 0; ; {
		j := strings.Index(s[i:], phrase)
		if j < 0 {
			return false
		}
		start, end := i+j, i+j+len(phrase)
		if boundary(s, start-1) && boundary(s, end) {
			return true
		}
		i = start + 1
	}
}

func boundary(s string, i int) bool {
	if i < 0 || i >= len(s) {
		return true
	}
	c := s[i]
	return !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9')
}
