package intent

import "regexp"

// LinkPattern binds a recognizable URL shape to a fixed skill operation.
type LinkPattern struct {
	Name      string
	Pattern   *regexp.Regexp
	SkillKey  string
	Operation string
	// URLArg is the argument name the matched URL is passed under.
	URLArg string
	// Extra pulls auxiliary arguments from the surrounding text.
	Extra func(text string) map[string]any
}

// ShanjiLinkPattern matches DingTalk Shanji transcription links and picks up
// an adjacent meeting agent token.
func ShanjiLinkPattern() LinkPattern {
	return LinkPattern{
		Name:      "dingtalk_shanji",
		Pattern:   regexp.MustCompile(`(?i)https?://shanji\.dingtalk\.com/app/transcribes/[A-Za-z0-9_%\-]+`),
		SkillKey:  "dingtalk_shanji",
		Operation: "extract",
		URLArg:    "url",
		Extra: func(text string) map[string]any {
			if tok := ExtractMeetingToken(text); tok != "" {
				return map[string]any{"meetingAgentToken": tok}
			}
			return nil
		},
	}
}

// DefaultLinkPatterns returns the link patterns enabled out of the box.
func DefaultLinkPatterns() []LinkPattern {
	return []LinkPattern{ShanjiLinkPattern()}
}
