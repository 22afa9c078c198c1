package agent

import "testing"

func TestReviewFromOutput(t *testing.T) {
	tests := []struct {
		name        string
		output      string
		wantVerdict Verdict
		wantIssues  int
	}{
		{
			name:        "pass",
			output:      "Looks good overall.\n{\"type\":\"review\",\"verdict\":\"pass\"}",
			wantVerdict: VerdictPass,
			wantIssues:  0,
		},
		{
			name:        "fail with issues",
			output:      `{"type":"review","verdict":"fail","issues":[{"type":"codex_review","description":"missing error check","file":"main.go","line":42,"severity":"warning"}]}`,
			wantVerdict: VerdictFail,
			wantIssues:  1,
		},
		{
			name:        "prose only",
			output:      "I think this change is fine, ship it!",
			wantVerdict: VerdictFail,
			wantIssues:  1,
		},
		{
			name:        "malformed json",
			output:      `{"type":"review","verdict":"maybe"}`,
			wantVerdict: VerdictFail,
			wantIssues:  1,
		},
		{
			name:        "fail without issues is unparseable",
			output:      `{"type":"review","verdict":"fail"}`,
			wantVerdict: VerdictFail,
			wantIssues:  1,
		},
		{
			name:        "last message wins",
			output:      "{\"type\":\"review\",\"verdict\":\"fail\",\"issues\":[{\"type\":\"codex_review\",\"description\":\"x\"}]}\n{\"type\":\"review\",\"verdict\":\"pass\"}",
			wantVerdict: VerdictPass,
			wantIssues:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rev := ReviewFromOutput(tt.output)
			if rev.Verdict != tt.wantVerdict {
				t.Errorf("Verdict = %q, want %q", rev.Verdict, tt.wantVerdict)
			}
			if len(rev.Issues) != tt.wantIssues {
				t.Errorf("issues = %d, want %d", len(rev.Issues), tt.wantIssues)
			}
		})
	}
}

func TestReviewFromOutput_SyntheticIssue(t *testing.T) {
	rev := ReviewFromOutput("no json here")
	if rev.Issues[0].Description != "reviewer produced no parseable verdict" {
		t.Errorf("synthetic issue = %+v", rev.Issues[0])
	}
}

func TestPermissionFromOutput(t *testing.T) {
	out := "I need to install a package first.\n" +
		`{"type":"permission_request","tool":"Bash","command":"npm install leftpad","reason":"dependency missing"}`

	req, ok := PermissionFromOutput(out)
	if !ok {
		t.Fatal("PermissionFromOutput() ok = false")
	}
	if req.Tool != "Bash" || req.Command != "npm install leftpad" {
		t.Errorf("req = %+v", req)
	}
}

func TestPermissionFromOutput_NotARequest(t *testing.T) {
	if _, ok := PermissionFromOutput(`{"type":"review","verdict":"pass"}`); ok {
		t.Error("PermissionFromOutput() ok = true for a review message")
	}

	if _, ok := PermissionFromOutput(`{"type":"permission_request","reason":"no tool"}`); ok {
		t.Error("PermissionFromOutput() ok = true for request without tool")
	}

	if _, ok := PermissionFromOutput("plain text"); ok {
		t.Error("PermissionFromOutput() ok = true for prose")
	}
}
