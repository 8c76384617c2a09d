package goal

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentcom/agentcom/pkg/types"
)

const decompositionSystem = `You are a planning assistant for a task hub that dispatches work to autonomous agents. Decompose the goal into the smallest set of independent tasks that achieves it. Respond with JSON only, no prose, matching:
{"tasks":[{"description":"...","priority":"urgent|high|normal|low","needed_capabilities":["..."],"depends_on":[0],"files":["relative/path"],"complexity":"trivial|standard|complex","verification_steps":["..."]}]}
depends_on entries are zero-based indices into this same list and must reference earlier tasks only. files lists every repository file the task touches.`

const verificationSystem = `You are a verification assistant. Judge whether the completed tasks satisfy the goal's success criteria. Respond with JSON only, matching:
{"verdict":"pass|fail","reasoning":"..."}`

type decomposition struct {
	Tasks []childSpec `json:"tasks"`
}

type childSpec struct {
	Description        string   `json:"description"`
	Priority           string   `json:"priority"`
	NeededCapabilities []string `json:"needed_capabilities"`
	DependsOn          []int    `json:"depends_on"`
	Files              []string `json:"files"`
	Complexity         string   `json:"complexity"`
	VerificationSteps  []string `json:"verification_steps"`
}

type verdict struct {
	Verdict   string `json:"verdict"`
	Reasoning string `json:"reasoning"`
	Pass      bool   `json:"-"`
}

type childOutcome struct {
	Description string `json:"description"`
	Status      string `json:"status"`
	Result      string `json:"result,omitempty"`
	Failure     string `json:"failure,omitempty"`
}

func decompositionPrompt(g *types.Goal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n\n%s\n\nSuccess criteria: %s\n", g.Title, g.Description, g.SuccessCriteria)
	if g.FailureReason != "" {
		fmt.Fprintf(&b, "\nA previous attempt failed verification: %s\nPlan only the missing work.\n", g.FailureReason)
	}
	return b.String()
}

func verificationPrompt(g *types.Goal, outcomes []childOutcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n\nSuccess criteria: %s\n\nTask outcomes:\n", g.Title, g.SuccessCriteria)
	enc, _ := json.MarshalIndent(outcomes, "", "  ")
	b.Write(enc)
	return b.String()
}

func parseDecomposition(text string) (*decomposition, error) {
	raw, err := extractJSON(text)
	if err != nil {
		return nil, err
	}
	var plan decomposition
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, fmt.Errorf("malformed decomposition: %w", err)
	}
	return &plan, nil
}

func parseVerdict(text string) (*verdict, error) {
	raw, err := extractJSON(text)
	if err != nil {
		return nil, err
	}
	var v verdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("malformed verdict: %w", err)
	}
	switch v.Verdict {
	case "pass":
		v.Pass = true
	case "fail":
	default:
		return nil, fmt.Errorf("unknown verdict %q", v.Verdict)
	}
	return &v, nil
}

// extractJSON pulls the outermost JSON object out of a completion that
// may wrap it in prose or a code fence.
func extractJSON(text string) (string, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", fmt.Errorf("no JSON object in response")
	}
	return text[start : end+1], nil
}
