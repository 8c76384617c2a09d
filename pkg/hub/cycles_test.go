package hub

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcom/agentcom/pkg/config"
)

func TestHealingHistoryPersistsAndBounds(t *testing.T) {
	h := &Hub{Store: testStore(t)}

	for i := 0; i < historySize+5; i++ {
		h.appendHealingRecord(HealingRecord{
			Trigger:     fmt.Sprintf("trigger %d", i),
			Outcome:     "remediation complete",
			StartedAt:   time.Now(),
			CompletedAt: time.Now(),
		})
	}

	records := h.HealingHistory()
	require.Len(t, records, historySize)
	assert.Equal(t, fmt.Sprintf("trigger %d", historySize+4), records[len(records)-1].Trigger)
}

func TestScanRepoFindsMarkers(t *testing.T) {
	root := t.TempDir()
	write := func(name, content string) {
		require.NoError(t, os.MkdirAll(filepath.Dir(filepath.Join(root, name)), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(content), 0o644))
	}
	write("main.go", "package main\n// TODO: wire retries\nfunc main() {}\n")
	write("main_test.go", "package main\n// TODO: ignored in tests\n")
	write("vendor/dep.go", "package dep\n// FIXME: ignored in vendor\n")
	write("util.txt", "TODO: not a go file\n")

	h := &Hub{cfg: &config.Config{RepoRoot: root}}
	findings := h.scanRepo()

	require.Len(t, findings, 1)
	assert.Contains(t, findings[0], "main.go:2")
	assert.Contains(t, findings[0], "TODO: wire retries")
}

func TestScanRepoEmptyRootDisabled(t *testing.T) {
	h := &Hub{cfg: &config.Config{}}
	assert.Nil(t, h.scanRepo())
}

func TestSplitProposal(t *testing.T) {
	title, body := splitProposal("Shard the mailbox\nSplit mailbox keys by recipient hash.")
	assert.Equal(t, "Shard the mailbox", title)
	assert.Equal(t, "Split mailbox keys by recipient hash.", body)

	title, body = splitProposal("just one line")
	assert.Equal(t, "proposal", title)
	assert.Equal(t, "just one line", body)
}

func TestWriteProposalProducesXML(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "proposals")
	h := &Hub{cfg: &config.Config{ProposalsDir: dir}}

	require.NoError(t, h.writeProposal(Proposal{
		Title:     "Batch bolt writes",
		Body:      "Coalesce queue updates into one transaction per pass.",
		Model:     "test-model",
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "proposal-20260301T120000.xml", entries[0].Name())

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)

	var p Proposal
	require.NoError(t, xml.Unmarshal(data, &p))
	assert.Equal(t, "Batch bolt writes", p.Title)
	assert.Contains(t, string(data), xml.Header[:5])
}
