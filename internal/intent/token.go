package intent

import (
	"encoding/base64"
	"encoding/json"
	"regexp"
	"strings"
)

var (
	explicitTokenRe = regexp.MustCompile(`(?i)dt-meeting-agent-token[\s:=："']*([^\s"'，。；;]+)`)
	jwtShapeRe      = regexp.MustCompile(`[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`)
	segmentRe       = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	tokenSuffixRe   = regexp.MustCompile(`(?i)(token|jwt)$`)
	leadingNoiseRe  = regexp.MustCompile("^[`\"'“”‘’(\\[{<\\s]+")
	trailingNoiseRe = regexp.MustCompile("[`\"'“”‘’)\\]}>。，、；;:：\\s]+$")
)

// HS* signatures have a fixed base64url length; anything longer is trailing
// text glued onto the token.
var signatureLength = map[string]int{
	"HS256": 43,
	"HS384": 64,
	"HS512": 86,
}

// ExtractMeetingToken finds a meeting agent token in free text. An explicit
// dt-meeting-agent-token label wins; otherwise the last JWT-shaped token
// starting with eyJ is used. Later occurrences win in both cases.
func ExtractMeetingToken(text string) string {
	if text == "" {
		return ""
	}
	explicit := explicitTokenRe.FindAllStringSubmatch(text, -1)
	for i := len(explicit) - 1; i >= 0; i-- {
		if tok := SanitizeMeetingToken(explicit[i][1]); tok != "" {
			return tok
		}
	}
	shaped := jwtShapeRe.FindAllString(text, -1)
	for i := len(shaped) - 1; i >= 0; i-- {
		if !strings.HasPrefix(shaped[i], "eyJ") {
			continue
		}
		if tok := SanitizeMeetingToken(shaped[i]); tok != "" {
			return tok
		}
	}
	return ""
}

// SanitizeMeetingToken strips surrounding punctuation and trailing garbage
// from a candidate token and returns it only if it is a well-formed JWT.
func SanitizeMeetingToken(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	stripped := trailingNoiseRe.ReplaceAllString(leadingNoiseRe.ReplaceAllString(raw, ""), "")
	for _, candidate := range []string{raw, stripped} {
		if tok := normalizeJWT(candidate); tok != "" {
			return tok
		}
	}
	return ""
}

func normalizeJWT(candidate string) string {
	parts := strings.Split(candidate, ".")
	if len(parts) != 3 {
		return ""
	}
	header, payload, sig := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), strings.TrimSpace(parts[2])
	if header == "" || payload == "" || sig == "" {
		return ""
	}
	if !segmentRe.MatchString(header) || !segmentRe.MatchString(payload) {
		return ""
	}
	claims, ok := decodeSegment(header)
	if !ok {
		return ""
	}
	if _, ok := decodeSegment(payload); !ok {
		return ""
	}
	alg, _ := claims["alg"].(string)
	for _, s := range signatureVariants(sig, alg) {
		if segmentRe.MatchString(s) {
			return header + "." + payload + "." + s
		}
	}
	return ""
}

func signatureVariants(sig, alg string) []string {
	var out []string
	add := func(v string) {
		if v == "" {
			return
		}
		for _, existing := range out {
			if existing == v {
				return
			}
		}
		out = append(out, v)
	}
	stripped := tokenSuffixRe.ReplaceAllString(sig, "")
	expected := signatureLength[strings.ToUpper(alg)]
	if tokenSuffixRe.MatchString(sig) {
		add(stripped)
	}
	if expected > 0 && len(stripped) > expected {
		add(stripped[:expected])
	}
	if expected > 0 && len(sig) > expected {
		add(sig[:expected])
	}
	add(sig)
	return out
}

func decodeSegment(seg string) (map[string]any, bool) {
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(seg, "="))
	if err != nil {
		return nil, false
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}
