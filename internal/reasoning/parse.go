package reasoning

import (
	"strings"

	"github.com/tidwall/gjson"
)

// extractJSON returns the JSON object embedded in a model response: the text
// between the first '{' and the last '}'. Code fences and prose around it are
// ignored.
func extractJSON(text string) (string, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", false
	}
	candidate := text[start : end+1]
	if !gjson.Valid(candidate) {
		return "", false
	}
	return candidate, true
}

// response wraps a parsed model reply with lenient accessors.
type response struct {
	raw    string
	json   string
	parsed bool
}

func parseResponse(text string) response {
	js, ok := extractJSON(text)
	return response{raw: text, json: js, parsed: ok}
}

func (r response) get(path string) gjson.Result {
	if !r.parsed {
		return gjson.Result{}
	}
	return gjson.Get(r.json, path)
}

func (r response) has(path string) bool {
	return r.get(path).Exists()
}

// text renders a field as prose: strings verbatim, arrays one item per line,
// objects as their raw JSON.
func (r response) text(path string) string {
	res := r.get(path)
	switch {
	case !res.Exists():
		return ""
	case res.IsArray():
		var lines []string
		res.ForEach(func(_, v gjson.Result) bool {
			lines = append(lines, v.String())
			return true
		})
		return strings.Join(lines, "\n")
	default:
		return strings.TrimSpace(res.String())
	}
}

// number reads a float that may arrive as a number or numeric string. Values
// written on a 0-10 or 0-100 scale are normalized to [0,1].
func (r response) number(path string, def float64) float64 {
	res := r.get(path)
	if !res.Exists() {
		return def
	}
	v := res.Float()
	switch {
	case v > 10:
		v /= 100
	case v > 1:
		v /= 10
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (r response) boolean(path string, def bool) bool {
	res := r.get(path)
	if !res.Exists() {
		return def
	}
	return res.Bool()
}

func (r response) strings(path string) []string {
	res := r.get(path)
	if !res.Exists() {
		return nil
	}
	if !res.IsArray() {
		if s := strings.TrimSpace(res.String()); s != "" {
			return []string{s}
		}
		return nil
	}
	var out []string
	res.ForEach(func(_, v gjson.Result) bool {
		if s := strings.TrimSpace(v.String()); s != "" {
			out = append(out, s)
		}
		return true
	})
	return out
}

func (r response) object(path string) map[string]any {
	res := r.get(path)
	if !res.IsObject() {
		return nil
	}
	out, _ := res.Value().(map[string]interface{})
	return out
}
