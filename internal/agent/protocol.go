package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Verdict is a reviewer's overall judgement.
type Verdict string

const (
	VerdictPass Verdict = "pass"
	VerdictFail Verdict = "fail"
)

// Finding is one issue reported by a reviewer.
type Finding struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	File        string `json:"file,omitempty"`
	Line        int    `json:"line,omitempty"`
	Severity    string `json:"severity,omitempty"`
}

// Review is the reviewer's structured result.
type Review struct {
	Verdict Verdict   `json:"verdict"`
	Issues  []Finding `json:"issues,omitempty"`
}

// PermissionRequest is an implementer asking for an action it is not
// allowed to take on its own.
type PermissionRequest struct {
	Tool    string `json:"tool"`
	Command string `json:"command,omitempty"`
	Reason  string `json:"reason"`
}

// MessageType tags the structured messages agents may emit as the last
// JSON object of their output.
type MessageType string

const (
	MessagePermissionRequest MessageType = "permission_request"
	MessageReview            MessageType = "review"
)

// Message is the decoded tagged union.
type Message struct {
	Type       MessageType
	Permission *PermissionRequest
	Review     *Review
}

// LastMessage scans agent output from the end for the last line that is
// a JSON object with a recognized "type" tag. Agents emit prose first
// and their structured message last, so the final parseable line wins.
func LastMessage(output string) (*Message, bool) {
	lines := strings.Split(output, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		msg, err := decodeMessage(line)
		if err != nil {
			continue
		}
		return msg, true
	}
	return nil, false
}

func decodeMessage(line string) (*Message, error) {
	var envelope struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal([]byte(line), &envelope); err != nil {
		return nil, err
	}

	switch envelope.Type {
	case MessagePermissionRequest:
		var body struct {
			Type    MessageType `json:"type"`
			Tool    string      `json:"tool"`
			Command string      `json:"command"`
			Reason  string      `json:"reason"`
		}
		if err := json.Unmarshal([]byte(line), &body); err != nil {
			return nil, err
		}
		if body.Tool == "" {
			return nil, fmt.Errorf("permission_request without tool")
		}
		return &Message{
			Type:       MessagePermissionRequest,
			Permission: &PermissionRequest{Tool: body.Tool, Command: body.Command, Reason: body.Reason},
		}, nil

	case MessageReview:
		var body struct {
			Type    MessageType `json:"type"`
			Verdict Verdict     `json:"verdict"`
			Issues  []Finding   `json:"issues"`
		}
		if err := json.Unmarshal([]byte(line), &body); err != nil {
			return nil, err
		}
		if body.Verdict != VerdictPass && body.Verdict != VerdictFail {
			return nil, fmt.Errorf("review with verdict %q", body.Verdict)
		}
		if body.Verdict == VerdictFail && len(body.Issues) == 0 {
			return nil, fmt.Errorf("failing review without issues")
		}
		return &Message{Type: MessageReview, Review: &Review{Verdict: body.Verdict, Issues: body.Issues}}, nil

	default:
		return nil, fmt.Errorf("unrecognized message type %q", envelope.Type)
	}
}

// ReviewFromOutput extracts the reviewer's verdict. Unparseable output
// counts as a failing review with one synthetic finding, so a broken
// reviewer can never wave a change through.
func ReviewFromOutput(output string) Review {
	msg, ok := LastMessage(output)
	if ok && msg.Type == MessageReview {
		return *msg.Review
	}
	return Review{
		Verdict: VerdictFail,
		Issues: []Finding{{
			Type:        "codex_review",
			Description: "reviewer produced no parseable verdict",
			Severity:    "error",
		}},
	}
}

// PermissionFromOutput reports whether the implementer stopped to ask
// for permission instead of finishing its work.
func PermissionFromOutput(output string) (*PermissionRequest, bool) {
	msg, ok := LastMessage(output)
	if !ok || msg.Type != MessagePermissionRequest {
		return nil, false
	}
	return msg.Permission, true
}
