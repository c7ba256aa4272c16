package tutor

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

const mask = "[…]"

const trimSet = " \t\r\n\"'`.,!?;:()[]{}«»“”‘’"

var affirmRegex = regexp.MustCompile(`(?i)(^|[^\p{L}])(correct|right|exactly|well done|great job|good job|yes|верно|правильно|отлично)($|[^\p{L}])`)

// normalize lowercases s, drops surrounding quotes and punctuation, and
// collapses whitespace.
func normalize(s string) string {
	s = strings.Trim(strings.ToLower(s), trimSet)
	return strings.Join(strings.Fields(s), " ")
}

func wordRegex(answer string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)(^|[^\p{L}\p{N}])(` + regexp.QuoteMeta(answer) + `)($|[^\p{L}\p{N}])`)
}

// letterRegex matches a single-letter answer only where it reads as a
// choice: "(B)", "B)", "option B", "answer is B".
func letterRegex(letter string) *regexp.Regexp {
	q := regexp.QuoteMeta(letter)
	return regexp.MustCompile(`(?i)(\(|\b(?:option|choice|letter|answer|answer is)\s+)(` + q + `)($|[^\p{L}\p{N}])|(^|[^\p{L}\p{N}(])(` + q + `)(\))`)
}

// leadIns are phrases a student may put before a plain answer. They are
// stripped repeatedly, longest first.
var leadIns = []string{
	"i'm pretty sure", "i am pretty sure", "i'm sure", "i am sure",
	"the answer is", "my answer is", "answer is", "answer",
	"i think", "i believe", "i guess",
	"that's", "that is", "it's", "it is", "its",
	"so", "ok", "okay", "well", "then", "=",
	"я думаю", "ответ", "это",
}

var negationRegex = regexp.MustCompile(`(?i)(^|[^\p{L}])(not|no|never|dont|isnt|нет|не)($|[^\p{L}])|n['’]t`)

// stripLeadIns removes leading filler so "well, I think it's 4" reads as
// "4".
func stripLeadIns(u string) string {
	for changed := true; changed; {
		changed = false
		for _, l := range leadIns {
			rest, ok := strings.CutPrefix(u, l)
			if !ok || rest == "" {
				continue
			}
			// only whole-word lead-ins
			if r := rest[0]; l != "=" && r != ' ' && r != ',' && r != ':' {
				continue
			}
			u = normalize(rest)
			changed = true
			break
		}
	}
	return u
}

// StatesAnswer reports whether utterance plainly states answer: equal
// after normalization and lead-in removal, or numerically equal. Negated
// utterances never state the answer.
func StatesAnswer(utterance, answer string) bool {
	u, a := normalize(utterance), normalize(answer)
	if a == "" || u == "" {
		return false
	}
	if u == a {
		return true
	}
	if negationRegex.MatchString(u) && !negationRegex.MatchString(a) {
		return false
	}
	u = stripLeadIns(u)
	if u == a {
		return true
	}
	if uf, err := strconv.ParseFloat(u, 64); err == nil {
		if af, err := strconv.ParseFloat(a, 64); err == nil {
			return uf == af
		}
	}
	return false
}

// MaskAnswer replaces whole-word occurrences of answer in reply. A
// single-letter answer is only masked where it reads as a choice. It
// reports whether anything was masked.
func MaskAnswer(reply, answer string) (string, bool) {
	a := strings.Trim(answer, trimSet)
	if a == "" || strings.Contains(mask, a) {
		return reply, false
	}
	if r := []rune(a); len(r) == 1 && unicode.IsLetter(r[0]) {
		re := letterRegex(a)
		if !re.MatchString(reply) {
			return reply, false
		}
		return re.ReplaceAllString(reply, "${1}${4}"+mask+"${3}${6}"), true
	}
	re := wordRegex(a)
	masked := false
	// Adjacent matches share a boundary character, so repeat until stable.
	for i := 0; i < 8 && re.MatchString(reply); i++ {
		reply = re.ReplaceAllString(reply, "${1}"+mask+"${3}")
		masked = true
	}
	return reply, masked
}

// Affirm makes sure reply contains an affirmation, prepending one if not.
func Affirm(reply, affirmation string) string {
	if affirmRegex.MatchString(reply) {
		return reply
	}
	if strings.TrimSpace(reply) == "" {
		return affirmation
	}
	return affirmation + " " + reply
}
