package transcript

import (
	"encoding/json"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Outcome tags the result of a single extraction strategy.
type Outcome int

const (
	// NeedsNextStrategy means the strategy did not apply or recovered nothing.
	NeedsNextStrategy Outcome = iota
	// Extracted means Utterances holds at least one entry.
	Extracted
)

// Extraction is the result of one strategy.
type Extraction struct {
	Outcome    Outcome
	Utterances []Utterance
}

func extracted(utterances []Utterance) Extraction {
	if len(utterances) == 0 {
		return Extraction{Outcome: NeedsNextStrategy}
	}
	return Extraction{Outcome: Extracted, Utterances: utterances}
}

// Strategy names reported to observers.
const (
	StrategyMalformed = "malformed_string"
	StrategyObject    = "indexed_object"
	StrategyArray     = "array"
)

type strategy struct {
	name    string
	extract func(p payload, obs Observer) Extraction
}

// strategies are tried in order. The shapes they accept do not overlap, so at most one
// of them can produce entries for a given payload.
var strategies = []strategy{
	{name: StrategyMalformed, extract: extractMalformed},
	{name: StrategyObject, extract: extractObject},
	{name: StrategyArray, extract: extractArray},
}

var (
	fragmentKeyPrefix = regexp.MustCompile(`^\d+"\s*:\s*"`)

	textPattern        = regexp.MustCompile(`"text"\s*:\s*"([^"]*)"`)
	displayNamePattern = regexp.MustCompile(`"display_name"\s*:\s*"([^"]*)"`)
	timestampPattern   = regexp.MustCompile(`"timestamp"\s*:\s*"([^"]*)"`)
)

// extractMalformed recovers entries from text that failed strict parsing by treating it
// as a run of quoted, comma-separated entry fragments. Fragments that do not parse fall
// back to field patterns.
func extractMalformed(p payload, obs Observer) Extraction {
	if p.parsed {
		return Extraction{Outcome: NeedsNextStrategy}
	}

	body := strings.TrimSpace(p.text)
	if len(body) >= 2 && strings.HasPrefix(body, "{") && strings.HasSuffix(body, "}") {
		body = body[1 : len(body)-1]
	}

	var out []Utterance
	for i, fragment := range strings.Split(body, `","`) {
		fragment = strings.TrimPrefix(fragment, `"`)
		fragment = fragmentKeyPrefix.ReplaceAllString(fragment, "")
		fragment = strings.TrimSuffix(fragment, `"`)
		fragment = unescapeFragment(fragment)

		v, err := parseFragment(fragment)
		if err != nil {
			// A cut-off fragment often still holds readable fields.
			if u, ok := fromPatterns(fragment); ok {
				out = append(out, u)
				continue
			}
			obs.EntrySkipped(StrategyMalformed, strconv.Itoa(i), "fragment is not valid JSON")
			continue
		}
		entry, ok := v.(map[string]any)
		if !ok {
			obs.EntrySkipped(StrategyMalformed, strconv.Itoa(i), "fragment is not an object")
			continue
		}
		out = append(out, fromObject(entry))
	}
	return extracted(out)
}

// unescapeFragment reverses the escape sequences in a fixed order.
func unescapeFragment(s string) string {
	s = strings.ReplaceAll(s, `\"`, `"`)
	s = strings.ReplaceAll(s, `\\`, `\`)
	s = strings.ReplaceAll(s, `\n`, "\n")
	s = strings.ReplaceAll(s, `\r`, "\r")
	s = strings.ReplaceAll(s, `\t`, "\t")
	return s
}

var controlEscaper = strings.NewReplacer("\n", `\n`, "\r", `\r`, "\t", `\t`)

// parseFragment parses an unescaped fragment. Unescaping leaves raw control characters
// inside string literals, which strict JSON rejects, so a second attempt re-escapes them.
func parseFragment(s string) (any, error) {
	v, err := strictParse(s)
	if err == nil {
		return v, nil
	}
	return strictParse(controlEscaper.Replace(s))
}

// extractObject handles a mapping keyed by stringified integers. A mapping without
// integer keys that looks like a single entry is returned as one utterance.
func extractObject(p payload, obs Observer) Extraction {
	m, ok := p.value.(map[string]any)
	if !ok || len(m) == 0 {
		return Extraction{Outcome: NeedsNextStrategy}
	}

	type indexedKey struct {
		key   string
		index int
	}
	keys := make([]indexedKey, 0, len(m))
	for k := range m {
		n, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil || n < 0 {
			continue
		}
		keys = append(keys, indexedKey{key: k, index: n})
	}

	if len(keys) == 0 {
		if looksLikeEntry(m) {
			return extracted([]Utterance{fromObject(m)})
		}
		return Extraction{Outcome: NeedsNextStrategy}
	}

	sort.SliceStable(keys, func(i, j int) bool {
		if keys[i].index != keys[j].index {
			return keys[i].index < keys[j].index
		}
		return keys[i].key < keys[j].key
	})

	out := make([]Utterance, 0, len(keys))
	for _, k := range keys {
		if u, ok := fromValue(m[k.key], StrategyObject, k.key, obs); ok {
			out = append(out, u)
		}
	}
	return extracted(out)
}

func extractArray(p payload, obs Observer) Extraction {
	items, ok := p.value.([]any)
	if !ok {
		return Extraction{Outcome: NeedsNextStrategy}
	}
	out := make([]Utterance, 0, len(items))
	for i, item := range items {
		if u, ok := fromValue(item, StrategyArray, strconv.Itoa(i), obs); ok {
			out = append(out, u)
		}
	}
	return extracted(out)
}

// fromValue converts one entry value. Strings are parsed strictly and then by field
// pattern; objects are used as they are.
func fromValue(v any, strategyName, key string, obs Observer) (Utterance, bool) {
	switch entry := v.(type) {
	case map[string]any:
		return fromObject(entry), true
	case string:
		if parsed, err := strictParse(entry); err == nil {
			if obj, ok := parsed.(map[string]any); ok {
				return fromObject(obj), true
			}
		}
		if u, ok := fromPatterns(entry); ok {
			return u, true
		}
		obs.EntrySkipped(strategyName, key, "no recoverable fields")
	default:
		obs.EntrySkipped(strategyName, key, "unsupported entry type")
	}
	return Utterance{}, false
}

// fromPatterns pulls individual fields out of a damaged entry string.
func fromPatterns(s string) (Utterance, bool) {
	text := firstSubmatch(textPattern, s)
	speaker := firstSubmatch(displayNamePattern, s)
	ts := firstSubmatch(timestampPattern, s)
	if text == nil && speaker == nil && ts == nil {
		return Utterance{}, false
	}

	u := Utterance{Speaker: UnknownSpeaker}
	if speaker != nil && *speaker != "" {
		u.Speaker = *speaker
	}
	if text != nil {
		u.Text = *text
	}
	if ts != nil {
		u.Timestamp = *ts
	}
	return u, true
}

func firstSubmatch(re *regexp.Regexp, s string) *string {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return nil
	}
	return &m[1]
}

func looksLikeEntry(m map[string]any) bool {
	for _, k := range []string{"speaker", "text", "content"} {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

// fromObject maps an entry object onto an Utterance, applying field fallbacks.
func fromObject(m map[string]any) Utterance {
	u := Utterance{Speaker: UnknownSpeaker}

	switch sp := m["speaker"].(type) {
	case map[string]any:
		if name := scalarString(sp["display_name"]); name != "" {
			u.Speaker = name
		}
	case string:
		if sp != "" {
			u.Speaker = sp
		}
	}

	u.Text = scalarString(m["text"])
	if u.Text == "" {
		u.Text = scalarString(m["content"])
	}

	u.Timestamp = scalarString(m["timestamp"])
	if u.Timestamp == "" {
		u.Timestamp = scalarString(m["time"])
	}
	return u
}

func scalarString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	case json.Number:
		return s.String()
	case bool:
		return strconv.FormatBool(s)
	default:
		return ""
	}
}
