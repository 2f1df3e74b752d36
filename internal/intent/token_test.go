package intent

import "testing"

func TestExtractMeetingToken(t *testing.T) {
	other := "eyJhbGciOiJIUzI1NiJ9." + testJWTPayload + "." + testJWTSig
	cases := []struct {
		name string
		text string
		want string
	}{
		{"explicit label", "dt-meeting-agent-token=" + testJWT, testJWT},
		{"explicit label full-width colon", "dt-meeting-agent-token：" + testJWT + "。", testJWT},
		{"explicit wins over later bare token", "dt-meeting-agent-token: " + testJWT + "\n" + other, testJWT},
		{"last bare token wins", other + " and " + testJWT, testJWT},
		{"trailing token suffix", "dt-meeting-agent-token " + testJWT + "token", testJWT},
		{"overlong hs256 signature", testJWT + "XYZ", testJWT},
		{"wrapped in quotes", `"` + testJWT + `"`, testJWT},
		{"not a jwt", "shanji.dingtalk.com", ""},
		{"undecodable header", "eyJub3Q.eyJub3Q.sig", ""},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExtractMeetingToken(tc.text); got != tc.want {
				t.Fatalf("ExtractMeetingToken = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSanitizeMeetingToken(t *testing.T) {
	if got := SanitizeMeetingToken("(" + testJWT + ")"); got != testJWT {
		t.Errorf("parenthesized token = %q", got)
	}
	if got := SanitizeMeetingToken("a.b"); got != "" {
		t.Errorf("two segments accepted: %q", got)
	}
}
