// Package guardrail turns raw extraction-model output into a validated
// notification intent.
//
// Model output is treated as untrusted text: it may arrive wrapped in
// markdown fences, surrounded by prose, quoted, truncated, or syntactically
// broken in small recoverable ways. The normalizer makes a bounded effort to
// locate and repair a single JSON object and then validates it against the
// intent schema. It never invents values that were not present in the input,
// and for a given input it always returns the same result.
//
// Failures are reported through two typed errors so callers can distinguish
// "the text contained no usable JSON" (MalformedError) from "the JSON was
// readable but violates the schema" (SchemaError).
package guardrail

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/uo277440/go-notify-backend/internal/domain"
)

// MalformedError indicates that no JSON object could be recovered from the
// raw model output, even after bounded repair.
type MalformedError struct {
	Reason string
}

func (e *MalformedError) Error() string {
	return "malformed model output: " + e.Reason
}

// SchemaError indicates that a JSON object was recovered but one of its
// fields is missing or invalid.
type SchemaError struct {
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema violation on %q: %s", e.Field, e.Reason)
}

var (
	// Loose-but-practical shapes; the provider, not this service, is the
	// final authority on deliverability.
	emailRe = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	phoneRe = regexp.MustCompile(`^\+?[0-9(][0-9 ().-]{5,}$`)

	fenceRe = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)```")

	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
	unquotedKeyRe   = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_-]*)\s*:`)

	lowerCaser = cases.Lower(language.Und)
)

// Field name aliases accepted for each canonical intent field. Extraction
// models drift between synonyms; the first alias present wins.
var (
	toAliases      = []string{"to", "recipient", "destination"}
	messageAliases = []string{"message", "body", "text"}
	typeAliases    = []string{"type", "channel", "method"}
)

// Normalize extracts and validates a notification intent from raw model
// output. The returned intent has a lowercased type and trimmed fields.
//
// Errors are *MalformedError when no JSON object can be recovered and
// *SchemaError when the recovered object fails validation.
func Normalize(raw string) (*domain.Intent, error) {
	candidate := extractCandidate(raw)
	if candidate == "" {
		return nil, &MalformedError{Reason: "no JSON object found"}
	}

	obj, err := parseObject(candidate)
	if err != nil {
		// One bounded repair pass, then one retry. No loop.
		repaired := repair(candidate)
		if repaired == candidate {
			return nil, &MalformedError{Reason: err.Error()}
		}
		obj, err = parseObject(repaired)
		if err != nil {
			return nil, &MalformedError{Reason: err.Error()}
		}
	}

	return validate(obj)
}

// extractCandidate locates the most plausible JSON object inside raw text.
// It first unwraps markdown fences and a fully quoted payload, then scans for
// a balanced top-level {...} span, honoring strings and escapes.
func extractCandidate(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}

	if m := fenceRe.FindStringSubmatch(s); m != nil {
		s = strings.TrimSpace(m[1])
	}

	// A payload the model quoted whole: "{\"to\": ...}"
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		var unq string
		if err := json.Unmarshal([]byte(s), &unq); err == nil && strings.Contains(unq, "{") {
			s = strings.TrimSpace(unq)
		}
	}

	return balancedObject(s)
}

// balancedObject returns the first balanced top-level JSON object in s, or
// "" when braces never balance (e.g. truncated output).
func balancedObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inStr := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inStr {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

func parseObject(s string) (map[string]json.RawMessage, error) {
	var obj map[string]json.RawMessage
	dec := json.NewDecoder(strings.NewReader(s))
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// repair applies a fixed set of conservative syntactic fixes:
// doubled-brace unescaping, trailing-comma removal, single-to-double quote
// conversion, and unquoted-key quoting. Each fix only rewrites syntax; none
// can introduce field values.
func repair(s string) string {
	out := s

	// Template-escaped braces: {{"to": ...}}
	if strings.HasPrefix(out, "{{") && strings.HasSuffix(out, "}}") {
		inner := strings.TrimSpace(out[1 : len(out)-1])
		if strings.HasPrefix(inner, "{") {
			out = inner
		}
	}

	out = trailingCommaRe.ReplaceAllString(out, "$1")

	// Single-quoted JSON, only when no double quotes are present at all so
	// we never corrupt apostrophes inside valid strings.
	if !strings.Contains(out, `"`) && strings.Contains(out, `'`) {
		out = strings.ReplaceAll(out, `'`, `"`)
	}

	out = unquotedKeyRe.ReplaceAllString(out, `$1"$2":`)

	return out
}

// validate maps the parsed object onto the intent schema via field aliases
// and enforces per-field constraints. Key casing drifts just like key names
// do ("To", "TYPE"), so keys are folded to lowercase first.
func validate(obj map[string]json.RawMessage) (*domain.Intent, error) {
	obj = foldKeys(obj)

	to, err := stringField(obj, toAliases)
	if err != nil {
		return nil, err
	}
	msg, err := stringField(obj, messageAliases)
	if err != nil {
		return nil, err
	}
	typ, err := stringField(obj, typeAliases)
	if err != nil {
		return nil, err
	}

	typ = lowerCaser.String(strings.TrimSpace(typ))
	switch typ {
	case domain.IntentTypeEmail, domain.IntentTypeSMS:
	case "":
		return nil, &SchemaError{Field: "type", Reason: "empty"}
	default:
		return nil, &SchemaError{Field: "type", Reason: fmt.Sprintf("unsupported value %q", typ)}
	}

	to = strings.TrimSpace(to)
	if to == "" {
		return nil, &SchemaError{Field: "to", Reason: "empty"}
	}
	switch typ {
	case domain.IntentTypeEmail:
		if !emailRe.MatchString(to) {
			return nil, &SchemaError{Field: "to", Reason: "not a valid email address"}
		}
	case domain.IntentTypeSMS:
		if !phoneRe.MatchString(to) {
			return nil, &SchemaError{Field: "to", Reason: "not a valid phone number"}
		}
	}

	msg = strings.TrimSpace(msg)
	if msg == "" {
		return nil, &SchemaError{Field: "message", Reason: "empty"}
	}

	return &domain.Intent{To: to, Message: msg, Type: typ}, nil
}

// foldKeys lowercases object keys. An exact-lowercase key always wins over a
// cased variant; remaining variants are applied in sorted order so the result
// never depends on map iteration.
func foldKeys(obj map[string]json.RawMessage) map[string]json.RawMessage {
	folded := make(map[string]json.RawMessage, len(obj))
	var cased []string
	for k, v := range obj {
		if lowerCaser.String(k) == k {
			folded[k] = v
			continue
		}
		cased = append(cased, k)
	}
	sort.Strings(cased)
	for _, k := range cased {
		lk := lowerCaser.String(k)
		if _, ok := folded[lk]; !ok {
			folded[lk] = obj[k]
		}
	}
	return folded
}

// stringField resolves the first alias present in obj and requires it to be
// a JSON string. The canonical (first) alias names the field in errors.
func stringField(obj map[string]json.RawMessage, aliases []string) (string, error) {
	canonical := aliases[0]
	for _, k := range aliases {
		rawVal, ok := obj[k]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(rawVal, &s); err != nil {
			return "", &SchemaError{Field: canonical, Reason: "not a string"}
		}
		return s, nil
	}
	return "", &SchemaError{Field: canonical, Reason: "missing"}
}
