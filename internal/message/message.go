// Package message defines the queue payload that moves a (project, study)
// pair through the extraction pipeline. Messages are UTF-8 JSON on the wire
// and are decoded on the consumer side.
package message

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gosimple/slug"
)

// dateLayout is the wire format for StudyDate (calendar date, no time part).
const dateLayout = "2006-01-02"

// Date is a calendar date serialised as YYYY-MM-DD.
type Date struct {
	time.Time
}

// NewDate builds a Date truncated to midnight UTC.
func NewDate(year int, month time.Month, day int) Date {
	return Date{time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Format(dateLayout))
}

func (d *Date) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("study_date: %w", err)
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return fmt.Errorf("study_date %q: %w", s, err)
	}
	d.Time = t
	return nil
}

// Message identifies one imaging study to extract for one project.
//
// A message is uniquely identified by (project_name, mrn, accession_number,
// study_date); duplicates are idempotent retries.
type Message struct {
	MRN                   string    `json:"mrn"`
	AccessionNumber       string    `json:"accession_number"`
	StudyUID              string    `json:"study_uid,omitempty"`
	StudyDate             Date      `json:"study_date"`
	ProcedureOccurrenceID int64     `json:"procedure_occurrence_id"`
	ProjectName           string    `json:"project_name"`
	ExtractDatetime       time.Time `json:"extract_datetime"`
}

// Identifier is the human-readable handle used in log lines.
func (m Message) Identifier() string {
	return fmt.Sprintf("%s/%s", m.MRN, m.AccessionNumber)
}

// ProjectSlug is the filesystem- and registry-safe form of the project name.
func (m Message) ProjectSlug() string {
	return slug.Make(m.ProjectName)
}

// Validate rejects messages that cannot be processed by any stage.
func (m Message) Validate() error {
	if strings.TrimSpace(m.MRN) == "" {
		return fmt.Errorf("message has empty mrn")
	}
	if strings.TrimSpace(m.AccessionNumber) == "" {
		return fmt.Errorf("message has empty accession_number")
	}
	if strings.TrimSpace(m.ProjectName) == "" {
		return fmt.Errorf("message has empty project_name")
	}
	return nil
}

// Serialise encodes the message for publication.
func (m Message) Serialise() ([]byte, error) {
	return json.Marshal(m)
}

// Deserialise decodes a queue payload.
func Deserialise(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("unmarshal study message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
