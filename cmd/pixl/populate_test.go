package main

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/UCLH-Foundry/PIXL/internal/cohort"
	"github.com/UCLH-Foundry/PIXL/internal/config"
	"github.com/UCLH-Foundry/PIXL/internal/message"
)

func testMessage(t *testing.T, mrn, project string) message.Message {
	t.Helper()
	return message.Message{
		MRN: mrn, AccessionNumber: "A-" + mrn, ProjectName: project,
		StudyDate:       message.NewDate(2023, time.March, 1),
		ExtractDatetime: time.Date(2023, time.March, 2, 12, 0, 0, 0, time.UTC),
	}
}

func writeStateFile(t *testing.T, path string, msgs []message.Message) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	for _, m := range msgs {
		data, err := m.Serialise()
		require.NoError(t, err)
		_, err = f.Write(append(data, '\n'))
		require.NoError(t, err)
	}
}

func TestLoadQueueMessagesLeavesCheckpointOnDisk(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{StateDir: dir}
	state := cohort.StatePath(dir, "imaging")
	writeStateFile(t, state, []message.Message{
		testMessage(t, "M1", "proj-a"),
		testMessage(t, "M2", "proj-a"),
	})

	msgs, got, err := loadQueueMessages(cfg, t.TempDir(), "imaging", true, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, state, got)

	// Until the batch is back on the broker the checkpoint is the only
	// copy of these messages; loading must not consume it.
	_, err = os.Stat(state)
	assert.NoError(t, err)
}

func TestLoadQueueMessagesSkipsCheckpointWithoutRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{StateDir: dir}
	writeStateFile(t, cohort.StatePath(dir, "imaging"), []message.Message{
		testMessage(t, "M1", "proj-a"),
	})

	// --no-restart rereads the cohort; an empty cohort dir is an error,
	// not a silent fall-back to the state file.
	_, got, err := loadQueueMessages(cfg, t.TempDir(), "imaging", false, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Empty(t, got)
}

type recordingFilter struct {
	calls map[string][]message.Message
	drop  string
}

func (r *recordingFilter) FilterUnexported(_ context.Context, slug string, msgs []message.Message) ([]message.Message, error) {
	if r.calls == nil {
		r.calls = make(map[string][]message.Message)
	}
	r.calls[slug] = msgs
	var kept []message.Message
	for _, m := range msgs {
		if m.MRN != r.drop {
			kept = append(kept, m)
		}
	}
	return kept, nil
}

func TestFilterBySlugSplitsMixedProjectBatches(t *testing.T) {
	msgs := []message.Message{
		testMessage(t, "M1", "Project A"),
		testMessage(t, "M2", "Project B"),
		testMessage(t, "M3", "Project A"),
		testMessage(t, "M4", "Project B"),
	}
	reg := &recordingFilter{drop: "M2"}

	kept, err := filterBySlug(context.Background(), reg, msgs)
	require.NoError(t, err)

	// Each project is filtered against its own extract only.
	require.Len(t, reg.calls, 2)
	require.Len(t, reg.calls["project-a"], 2)
	require.Len(t, reg.calls["project-b"], 2)
	for _, m := range reg.calls["project-a"] {
		assert.Equal(t, "Project A", m.ProjectName)
	}
	for _, m := range reg.calls["project-b"] {
		assert.Equal(t, "Project B", m.ProjectName)
	}

	require.Len(t, kept, 3)
	mrns := []string{kept[0].MRN, kept[1].MRN, kept[2].MRN}
	assert.Equal(t, []string{"M1", "M3", "M4"}, mrns)
}
