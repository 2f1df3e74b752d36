package intent

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	kvRe      = regexp.MustCompile(`(\w+)=("[^"]*"|'[^']*'|\S+)`)
	decimalRe = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?$`)
)

// ParsePayload decodes a free-form argument payload. It accepts a JSON
// object, space separated key=value pairs, or key: value lines, in that
// order, and returns an empty map when none of them yields anything.
func ParsePayload(payload string) map[string]any {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return map[string]any{}
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(payload), &obj); err == nil && obj != nil {
		return obj
	}

	if args := parseKV(payload); len(args) > 0 {
		return args
	}
	if args := parseLines(payload); len(args) > 0 {
		return args
	}
	return map[string]any{}
}

func parseKV(payload string) map[string]any {
	out := map[string]any{}
	for _, m := range kvRe.FindAllStringSubmatch(payload, -1) {
		out[m[1]] = parseScalar(m[2])
	}
	return out
}

func parseLines(payload string) map[string]any {
	out := map[string]any{}
	for _, line := range strings.Split(payload, "\n") {
		line = strings.TrimSpace(line)
		idx := strings.Index(line, ":")
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		if key == "" {
			continue
		}
		out[key] = parseScalar(line[idx+1:])
	}
	return out
}

func parseScalar(value string) any {
	v := strings.TrimSpace(value)
	if len(v) >= 2 && ((v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'')) {
		return v[1 : len(v)-1]
	}
	switch v {
	case "true":
		return true
	case "false":
		return false
	}
	if f, ok := numberValue(v); ok {
		return f
	}
	return v
}

// numberValue converts decimal literals and 0x, 0o, 0b integer literals.
// Infinity and values that overflow stay strings since JSON cannot carry them.
func numberValue(v string) (float64, bool) {
	if len(v) > 2 && v[0] == '0' {
		base := 0
		switch v[1] {
		case 'x', 'X':
			base = 16
		case 'o', 'O':
			base = 8
		case 'b', 'B':
			base = 2
		}
		if base != 0 {
			n, err := strconv.ParseUint(v[2:], base, 64)
			return float64(n), err == nil
		}
	}
	if !decimalRe.MatchString(v) {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// rawInputs accepts a composer rawInputs value: an object or a JSON string
// holding one.
func rawInputs(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case nil:
		return map[string]any{}, true
	case map[string]any:
		return t, true
	case string:
		if strings.TrimSpace(t) == "" {
			return map[string]any{}, true
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(t), &obj); err == nil && obj != nil {
			return obj, true
		}
	}
	return map[string]any{}, false
}
