package cohort

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/UCLH-Foundry/PIXL/internal/message"
)

// Columns a CSV cohort must carry; study_uid is optional.
var requiredCSVColumns = []string{
	"procedure_id", "mrn", "accession_number", "project_name",
	"extract_generated_timestamp", "study_date",
}

var (
	timestampLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "02/01/2006 15:04"}
	dateLayouts      = []string{"2006-01-02", "02/01/2006"}
)

// MessagesFromCSV reads a one-row-per-study CSV cohort.
func MessagesFromCSV(path string) ([]message.Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read %s header: %w", path, err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[name] = i
	}
	for _, name := range requiredCSVColumns {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("%s is expected to have at least columns %v", path, requiredCSVColumns)
		}
	}

	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var msgs []message.Message
	for i, row := range rows {
		procedureID, err := strconv.ParseInt(row[col["procedure_id"]], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s row %d procedure_id: %w", path, i+2, err)
		}
		extracted, err := parseAny(row[col["extract_generated_timestamp"]], timestampLayouts)
		if err != nil {
			return nil, fmt.Errorf("%s row %d extract_generated_timestamp: %w", path, i+2, err)
		}
		studyDate, err := parseAny(row[col["study_date"]], dateLayouts)
		if err != nil {
			return nil, fmt.Errorf("%s row %d study_date: %w", path, i+2, err)
		}

		m := message.Message{
			MRN:                   row[col["mrn"]],
			AccessionNumber:       row[col["accession_number"]],
			StudyDate:             message.NewDate(studyDate.Year(), studyDate.Month(), studyDate.Day()),
			ProcedureOccurrenceID: procedureID,
			ProjectName:           row[col["project_name"]],
			ExtractDatetime:       extracted,
		}
		if idx, ok := col["study_uid"]; ok {
			m.StudyUID = row[idx]
		}
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("%s row %d: %w", path, i+2, err)
		}
		msgs = append(msgs, m)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("no messages found in %s", path)
	}
	return msgs, nil
}

func parseAny(s string, layouts []string) (time.Time, error) {
	var lastErr error
	for _, layout := range layouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
