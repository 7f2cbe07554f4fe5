package negotiate

import (
	"fmt"
	"regexp"

	"github.com/meshalign/alignd/internal/intent"
)

// injectionPattern pairs a stable name with its detection expression. The
// names appear in logs and must not change meaning between releases.
type injectionPattern struct {
	name string
	re   *regexp.Regexp
}

var injectionPatterns = []injectionPattern{
	{"instruction-override", regexp.MustCompile(`(?i)\b(ignore|disregard|forget|override)\b[^.\n]{0,40}\b(previous|prior|above|earlier|all)\b[^.\n]{0,40}\b(instruction|prompt|rule|direction)s?\b`)},
	{"role-manipulation", regexp.MustCompile(`(?i)\b(you are now|act as|pretend (?:to be|you are)|roleplay as|assume the role of)\b`)},
	{"system-marker", regexp.MustCompile(`(?im)(<\s*/?\s*(?:system|assistant|instructions)\s*>|\[\s*/?\s*(?:system|inst)\s*\]|<<\s*/?\s*sys\s*>>|^\s*(?:system|assistant)\s*:)`)},
	{"jailbreak", regexp.MustCompile(`(?i)\b(jailbreak|dan mode|developer mode|god mode|unfiltered mode|no (?:restrictions|filters|limits) apply)\b`)},
	{"prompt-termination", regexp.MustCompile(`(?i)\b(end of (?:prompt|instructions|system message)|ignore (?:the|everything) (?:above|before))\b`)},
}

const filteredToken = "[filtered]"

// Hit records one pattern match in one intent field.
type Hit struct {
	Field   string
	Pattern string
}

// ScanText returns the names of injection patterns matching s.
func ScanText(s string) []string {
	var names []string
	for _, p := range injectionPatterns {
		if p.re.MatchString(s) {
			names = append(names, p.name)
		}
	}
	return names
}

// ScanIntent checks every user-authored field of an intent.
func ScanIntent(in *intent.Intent) []Hit {
	var hits []Hit
	for _, name := range ScanText(in.Prose) {
		hits = append(hits, Hit{Field: "prose", Pattern: name})
	}
	for i, d := range in.Desires {
		for _, name := range ScanText(d) {
			hits = append(hits, Hit{Field: fmt.Sprintf("desires[%d]", i), Pattern: name})
		}
	}
	for i, c := range in.Constraints {
		for _, name := range ScanText(c) {
			hits = append(hits, Hit{Field: fmt.Sprintf("constraints[%d]", i), Pattern: name})
		}
	}
	return hits
}

// NeutraliseText replaces every matched span with a fixed token and returns
// the patterns that fired. Replacement is deterministic so neutralised text
// embeds stably.
func NeutraliseText(s string) (string, []string) {
	var names []string
	for _, p := range injectionPatterns {
		if p.re.MatchString(s) {
			names = append(names, p.name)
			s = p.re.ReplaceAllString(s, filteredToken)
		}
	}
	return s, names
}

// NeutraliseIntent returns a copy of the intent safe for embedding. The
// original is untouched; negotiation always rescans the raw record.
func NeutraliseIntent(in *intent.Intent) (*intent.Intent, []Hit) {
	var hits []Hit
	out := *in

	prose, names := NeutraliseText(in.Prose)
	out.Prose = prose
	for _, name := range names {
		hits = append(hits, Hit{Field: "prose", Pattern: name})
	}

	out.Desires = make([]string, len(in.Desires))
	for i, d := range in.Desires {
		clean, names := NeutraliseText(d)
		out.Desires[i] = clean
		for _, name := range names {
			hits = append(hits, Hit{Field: fmt.Sprintf("desires[%d]", i), Pattern: name})
		}
	}

	out.Constraints = make([]string, len(in.Constraints))
	for i, c := range in.Constraints {
		clean, names := NeutraliseText(c)
		out.Constraints[i] = clean
		for _, name := range names {
			hits = append(hits, Hit{Field: fmt.Sprintf("constraints[%d]", i), Pattern: name})
		}
	}
	return &out, hits
}
