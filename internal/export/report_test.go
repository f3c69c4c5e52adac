package export

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/UCLH-Foundry/PIXL/internal/message"
)

type recordedReport struct {
	slug, imageIdentifier string
	procedureOccurrenceID int64
}

type fakeReportRegistry struct {
	rows []recordedReport
}

func (f *fakeReportRegistry) UpsertReport(_ context.Context, slug string, m message.Message, id string) error {
	f.rows = append(f.rows, recordedReport{slug: slug, imageIdentifier: id, procedureOccurrenceID: m.ProcedureOccurrenceID})
	return nil
}

type recordingHasher struct {
	calls []string
}

func (r *recordingHasher) Hash(_ context.Context, slug, value string, length int) (string, error) {
	r.calls = append(r.calls, slug+"/"+value)
	return "hashed-identifier", nil
}

func TestReportHandlerHashesMRNPlusAccession(t *testing.T) {
	reg := &fakeReportRegistry{}
	h := &recordingHasher{}
	handle := ReportHandler(reg, h, zaptest.NewLogger(t))

	m := message.Message{
		MRN: "M1", AccessionNumber: "A1", ProjectName: "Proj X",
		ProcedureOccurrenceID: 42,
		StudyDate:             message.NewDate(2023, time.January, 1),
	}
	require.NoError(t, handle(context.Background(), m))

	assert.Equal(t, []string{"proj-x/M1A1"}, h.calls)
	require.Len(t, reg.rows, 1)
	assert.Equal(t, "proj-x", reg.rows[0].slug)
	assert.Equal(t, "hashed-identifier", reg.rows[0].imageIdentifier)
	assert.Equal(t, int64(42), reg.rows[0].procedureOccurrenceID)
}
