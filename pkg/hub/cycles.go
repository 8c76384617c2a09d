package hub

import (
	"bufio"
	"context"
	"encoding/xml"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentcom/agentcom/pkg/goal"
	"github.com/agentcom/agentcom/pkg/health"
	"github.com/agentcom/agentcom/pkg/ledger"
	"github.com/agentcom/agentcom/pkg/llm"
	"github.com/agentcom/agentcom/pkg/log"
	"github.com/agentcom/agentcom/pkg/queue"
	"github.com/agentcom/agentcom/pkg/storage"
	"github.com/agentcom/agentcom/pkg/types"
)

// healingHistoryKey is the hubstate table key the healing log persists under.
const healingHistoryKey = "healing_history"

// HealingRecord is one completed healing cycle.
type HealingRecord struct {
	Trigger     string          `json:"trigger"`
	Actions     []health.Action `json:"actions,omitempty"`
	Outcome     string          `json:"outcome"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
}

// HealingHistory returns past healing cycles, newest last.
func (h *Hub) HealingHistory() []HealingRecord {
	h.healingMu.Lock()
	defer h.healingMu.Unlock()
	var records []HealingRecord
	if err := h.Store.Table(storage.TableHubState).Get(healingHistoryKey, &records); err != nil {
		return nil
	}
	return records
}

func (h *Hub) appendHealingRecord(rec HealingRecord) {
	h.healingMu.Lock()
	defer h.healingMu.Unlock()
	var records []HealingRecord
	table := h.Store.Table(storage.TableHubState)
	_ = table.Get(healingHistoryKey, &records)
	records = append(records, rec)
	if len(records) > historySize {
		records = records[len(records)-historySize:]
	}
	if err := table.Put(healingHistoryKey, records); err != nil {
		logger := log.WithComponent("hub")
		logger.Error().Err(err).Msg("failed to persist healing history")
	}
}

// heal runs one remediation cycle under a watchdog, then returns to
// resting whatever happened.
func (h *Hub) heal(trigger string) {
	logger := log.WithComponent("hub")
	rec := HealingRecord{Trigger: trigger, StartedAt: time.Now()}

	ctx, cancel := context.WithTimeout(context.Background(), healWatchdog)
	defer cancel()

	done := make(chan []health.Action, 1)
	go func() {
		done <- h.remediate(ctx)
	}()

	select {
	case actions := <-done:
		rec.Actions = actions
		rec.Outcome = "remediation complete"
	case <-ctx.Done():
		rec.Outcome = "watchdog timeout"
		logger.Error().Msg("healing watchdog fired")
	}

	rec.CompletedAt = time.Now()
	h.appendHealingRecord(rec)
	h.FSM.Transition(types.HubResting, rec.Outcome)
}

// remediate executes the remediation actions the health report proposes.
func (h *Hub) remediate(ctx context.Context) []health.Action {
	logger := log.WithComponent("hub")
	report := h.Health.Run(ctx)

	for _, action := range report.Actions {
		if ctx.Err() != nil {
			return report.Actions
		}
		switch action.Kind {
		case health.ActionRetryDeadLetters:
			for _, task := range h.Queue.List(queue.Filter{Status: types.TaskDeadLetter}) {
				if err := h.Queue.DeadLetterRetry(task.ID); err != nil {
					logger.Warn().Str("task_id", task.ID).Err(err).Msg("dead letter retry failed")
				}
			}

		case health.ActionCompactTable:
			h.Coordinator.CompactAll()

		case health.ActionRebuildTable:
			h.Coordinator.Recover(action.Target)

		default:
			logger.Warn().Str("kind", string(action.Kind)).Msg("unknown remediation action")
		}
	}
	return report.Actions
}

// improve scans the configured repository for deferred-work markers.
// Findings become an internally submitted goal, which pulls the hub to
// executing; a clean scan moves on to contemplating.
func (h *Hub) improve() {
	logger := log.WithComponent("hub")

	findings := h.scanRepo()
	if h.FSM.State() != types.HubImproving {
		// A mid-cycle goal already pulled us out.
		return
	}

	if len(findings) == 0 {
		if err := h.FSM.Transition(types.HubContemplating, "scan produced zero findings"); err == nil &&
			h.FSM.State() == types.HubContemplating {
			h.contemplate()
		}
		return
	}

	logger.Info().Int("findings", len(findings)).Msg("improvement scan found deferred work")
	_, err := h.Goals.Submit(goal.SubmitRequest{
		Title:           "address deferred work markers",
		Description:     "Resolve the following deferred-work markers found in the repository:\n" + strings.Join(findings, "\n"),
		SuccessCriteria: "each listed marker is resolved or removed with justification",
		Priority:        types.PriorityLow,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to submit improvement goal")
		h.FSM.Transition(types.HubResting, "cycle complete")
		return
	}
	// The goal.submitted event routes improving -> executing.
}

// scanRepo walks the repo tree collecting TODO and FIXME markers from
// Go sources. Bounded so a pathological tree cannot wedge the cycle.
func (h *Hub) scanRepo() []string {
	root := h.cfg.RepoRoot
	if root == "" {
		return nil
	}

	const maxFindings = 50
	var findings []string

	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || len(findings) >= maxFindings {
			return filepath.SkipAll
		}
		if d.IsDir() {
			name := d.Name()
			if name == ".git" || name == "vendor" || name == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return nil
		}
		defer f.Close()

		rel, _ := filepath.Rel(root, path)
		scanner := bufio.NewScanner(f)
		line := 0
		for scanner.Scan() && len(findings) < maxFindings {
			line++
			text := scanner.Text()
			if strings.Contains(text, "TODO") || strings.Contains(text, "FIXME") {
				findings = append(findings, fmt.Sprintf("%s:%d: %s", rel, line, strings.TrimSpace(text)))
			}
		}
		return nil
	})
	return findings
}

// Proposal is the XML document the contemplating state produces.
type Proposal struct {
	XMLName   xml.Name  `xml:"proposal"`
	Title     string    `xml:"title"`
	Body      string    `xml:"body"`
	Model     string    `xml:"model"`
	CreatedAt time.Time `xml:"created_at"`
}

// contemplate asks the LLM for a scalability and improvement proposal
// and writes it as an XML document under the proposals directory.
func (h *Hub) contemplate() {
	logger := log.WithComponent("hub")
	defer h.FSM.Transition(types.HubResting, "cycle complete")

	if h.Ledger.CheckBudget(string(types.HubContemplating)) == ledger.VerdictExhausted {
		h.FSM.Transition(types.HubResting, "budget exhausted")
		return
	}

	counts := h.Queue.Counts()
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.LLMTimeout)
	defer cancel()

	resp, err := h.LLM.Complete(ctx, llm.Request{
		System: "You analyze a task-coordination hub and propose one concrete scalability or reliability improvement. Respond with a short title on the first line, then the proposal body.",
		Prompt: fmt.Sprintf(
			"Connected agents: %d. Task counts by status: %v. Recent transitions: %d. Propose one improvement.",
			h.Presence.Count(), counts, len(h.FSM.History()),
		),
	})
	if err != nil {
		logger.Warn().Err(err).Msg("contemplation call failed")
		return
	}
	h.Ledger.Record(string(types.HubContemplating), resp.InputTokens, resp.OutputTokens,
		float64(resp.InputTokens)*3/1e6+float64(resp.OutputTokens)*15/1e6)

	title, body := splitProposal(resp.Text)
	if err := h.writeProposal(Proposal{
		Title:     title,
		Body:      body,
		Model:     h.cfg.LLMModel,
		CreatedAt: time.Now(),
	}); err != nil {
		logger.Error().Err(err).Msg("failed to write proposal")
		return
	}
	logger.Info().Str("title", title).Msg("proposal written")
}

func splitProposal(text string) (string, string) {
	text = strings.TrimSpace(text)
	if i := strings.IndexByte(text, '\n'); i > 0 {
		return strings.TrimSpace(text[:i]), strings.TrimSpace(text[i+1:])
	}
	return "proposal", text
}

func (h *Hub) writeProposal(p Proposal) error {
	if err := os.MkdirAll(h.cfg.ProposalsDir, 0755); err != nil {
		return err
	}
	data, err := xml.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	name := fmt.Sprintf("proposal-%s.xml", p.CreatedAt.UTC().Format("20060102T150405"))
	return os.WriteFile(filepath.Join(h.cfg.ProposalsDir, name), append([]byte(xml.Header), data...), 0644)
}
