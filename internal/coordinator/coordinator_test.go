package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/UCLH-Foundry/PIXL/internal/dicomtags"
	"github.com/UCLH-Foundry/PIXL/internal/errs"
	"github.com/UCLH-Foundry/PIXL/internal/message"
	"github.com/UCLH-Foundry/PIXL/internal/orthanc"
)

// fakeStore scripts the raw store for one scenario.
type fakeStore struct {
	orthanc.Client

	pending     int
	local       []orthanc.Resource
	afterMove   []orthanc.Resource
	remoteByUID string
	remoteByIDs string

	retrieved []string
	waited    []string
	tagged    map[string]string
	sent      []string
	deleted   []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{tagged: map[string]string{}}
}

func (f *fakeStore) PendingJobs(context.Context) (int, error) { return f.pending, nil }

func (f *fakeStore) QueryLocal(_ context.Context, q orthanc.Query) ([]orthanc.Resource, error) {
	if len(f.retrieved) > 0 {
		return f.afterMove, nil
	}
	return f.local, nil
}

func (f *fakeStore) QueryRemote(_ context.Context, q orthanc.Query, _ string) (string, error) {
	if _, ok := q.Query["StudyInstanceUID"]; ok {
		return f.remoteByUID, nil
	}
	return f.remoteByIDs, nil
}

func (f *fakeStore) Retrieve(_ context.Context, queryID string) (string, error) {
	f.retrieved = append(f.retrieved, queryID)
	return "job-" + queryID, nil
}

func (f *fakeStore) WaitForJob(_ context.Context, jobID string, _ time.Duration) error {
	f.waited = append(f.waited, jobID)
	return nil
}

func (f *fakeStore) ModifyPrivateTag(_ context.Context, studyID, _ string, replace map[string]string) error {
	f.tagged[studyID] = replace[dicomtags.ProjectNameNickname]
	return nil
}

func (f *fakeStore) SendToAnon(_ context.Context, resourceID string) error {
	f.sent = append(f.sent, resourceID)
	return nil
}

func (f *fakeStore) DeleteStudy(_ context.Context, studyID string) error {
	f.deleted = append(f.deleted, studyID)
	return nil
}

func testMessage() message.Message {
	return message.Message{
		MRN: "M1", AccessionNumber: "A1", StudyUID: "1.2.3.4.5",
		ProjectName: "proj-x",
		StudyDate:   message.NewDate(2023, time.January, 1),
	}
}

func newCoordinator(t *testing.T, store *fakeStore) *Coordinator {
	t.Helper()
	return New(store, Options{VNAModality: "VNA", TransferTimeout: time.Minute}, zaptest.NewLogger(t))
}

func TestPendingJobsRequeues(t *testing.T) {
	store := newFakeStore()
	store.pending = 3

	err := newCoordinator(t, store).ProcessMessage(context.Background(), testMessage())
	assert.True(t, errs.IsRequeue(err))
	assert.Empty(t, store.retrieved)
}

func TestAlreadyTaggedStudyIsResent(t *testing.T) {
	store := newFakeStore()
	store.local = []orthanc.Resource{{
		ID:            "s1",
		RequestedTags: map[string]string{dicomtags.ProjectNameNickname: "proj-x"},
	}}

	err := newCoordinator(t, store).ProcessMessage(context.Background(), testMessage())
	require.NoError(t, err)

	assert.Equal(t, []string{"s1"}, store.sent)
	assert.Empty(t, store.tagged)
	assert.Empty(t, store.retrieved)
}

func TestMismatchedTagIsRewritten(t *testing.T) {
	store := newFakeStore()
	store.local = []orthanc.Resource{{
		ID:            "s1",
		RequestedTags: map[string]string{dicomtags.ProjectNameNickname: "other-project"},
	}}

	err := newCoordinator(t, store).ProcessMessage(context.Background(), testMessage())
	require.NoError(t, err)

	assert.Equal(t, "proj-x", store.tagged["s1"])
	assert.Empty(t, store.sent)
	assert.Empty(t, store.retrieved)
}

func TestDuplicateStudiesCulledKeepingNewest(t *testing.T) {
	store := newFakeStore()
	store.local = []orthanc.Resource{
		{ID: "old", LastUpdate: "20230101T000000", RequestedTags: map[string]string{}},
		{ID: "new", LastUpdate: "20230301T000000", RequestedTags: map[string]string{}},
		{ID: "mid", LastUpdate: "20230201T000000", RequestedTags: map[string]string{}},
	}

	err := newCoordinator(t, store).ProcessMessage(context.Background(), testMessage())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"old", "mid"}, store.deleted)
	assert.Equal(t, "proj-x", store.tagged["new"])
}

func TestMissingStudyRetrievedByUIDAndTagged(t *testing.T) {
	store := newFakeStore()
	store.remoteByUID = "q1"
	store.afterMove = []orthanc.Resource{{ID: "s9"}}

	err := newCoordinator(t, store).ProcessMessage(context.Background(), testMessage())
	require.NoError(t, err)

	assert.Equal(t, []string{"q1"}, store.retrieved)
	assert.Equal(t, []string{"job-q1"}, store.waited)
	assert.Equal(t, "proj-x", store.tagged["s9"])
}

func TestRemoteFallsBackToPatientQuery(t *testing.T) {
	store := newFakeStore()
	store.remoteByIDs = "q2"
	store.afterMove = []orthanc.Resource{{ID: "s9"}}

	m := testMessage()
	m.StudyUID = ""
	err := newCoordinator(t, store).ProcessMessage(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, []string{"q2"}, store.retrieved)
}

func TestStudyNowhereIsDiscarded(t *testing.T) {
	store := newFakeStore()

	err := newCoordinator(t, store).ProcessMessage(context.Background(), testMessage())
	assert.True(t, errs.IsDiscard(err))
	assert.Empty(t, store.retrieved)
}

func TestStudyVanishedAfterRetrievalIsDiscarded(t *testing.T) {
	store := newFakeStore()
	store.remoteByUID = "q1"
	store.afterMove = nil

	err := newCoordinator(t, store).ProcessMessage(context.Background(), testMessage())
	assert.True(t, errs.IsDiscard(err))
	assert.Equal(t, []string{"job-q1"}, store.waited)
}
