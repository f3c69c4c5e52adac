// Package cohort reads the tabular study lists that seed the pipeline:
// OMOP parquet extracts, plain CSV cohorts, and the per-queue state files
// written when a run is stopped.
package cohort

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/UCLH-Foundry/PIXL/internal/message"
)

// Summary is the extract_summary.json log written next to an OMOP extract.
type Summary struct {
	ProjectName     string
	ExtractDatetime time.Time
}

// ReadSummary parses <dir>/extract_summary.json for the project name and the
// instant the extract was generated.
func ReadSummary(dir string) (Summary, error) {
	path := filepath.Join(dir, "extract_summary.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return Summary{}, fmt.Errorf("read %s: %w", path, err)
	}
	var log struct {
		Settings struct {
			CDMSourceName string `json:"cdm_source_name"`
		} `json:"settings"`
		Datetime string `json:"datetime"`
	}
	if err := json.Unmarshal(raw, &log); err != nil {
		return Summary{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if log.Settings.CDMSourceName == "" {
		return Summary{}, fmt.Errorf("%s has no settings.cdm_source_name", path)
	}
	when, err := time.Parse(time.RFC3339, log.Datetime)
	if err != nil {
		return Summary{}, fmt.Errorf("%s datetime: %w", path, err)
	}
	return Summary{ProjectName: log.Settings.CDMSourceName, ExtractDatetime: when}, nil
}

type personLink struct {
	PersonID   int64  `parquet:"person_id"`
	PrimaryMRN string `parquet:"PrimaryMrn"`
}

type procedureLink struct {
	ProcedureOccurrenceID int64  `parquet:"procedure_occurrence_id"`
	AccessionNumber       string `parquet:"AccessionNumber"`
}

type procedureOccurrence struct {
	ProcedureOccurrenceID int64     `parquet:"procedure_occurrence_id"`
	PersonID              int64     `parquet:"person_id"`
	ProcedureDate         time.Time `parquet:"procedure_date"`
}

// MessagesFromParquet joins the private person/procedure link files with the
// public procedure occurrences and emits one message per study.
//
// Layout under dir:
//
//	private/PERSON_LINKS.parquet
//	private/PROCEDURE_OCCURRENCE_LINKS.parquet
//	public/PROCEDURE_OCCURRENCE.parquet
func MessagesFromParquet(dir, projectName string, extractDatetime time.Time) ([]message.Message, error) {
	people, err := parquet.ReadFile[personLink](filepath.Join(dir, "private", "PERSON_LINKS.parquet"))
	if err != nil {
		return nil, fmt.Errorf("person links: %w", err)
	}
	accessions, err := parquet.ReadFile[procedureLink](filepath.Join(dir, "private", "PROCEDURE_OCCURRENCE_LINKS.parquet"))
	if err != nil {
		return nil, fmt.Errorf("procedure links: %w", err)
	}
	procedures, err := parquet.ReadFile[procedureOccurrence](filepath.Join(dir, "public", "PROCEDURE_OCCURRENCE.parquet"))
	if err != nil {
		return nil, fmt.Errorf("procedure occurrences: %w", err)
	}

	mrnByPerson := make(map[int64]string, len(people))
	for _, p := range people {
		mrnByPerson[p.PersonID] = p.PrimaryMRN
	}
	accessionByProcedure := make(map[int64]string, len(accessions))
	for _, a := range accessions {
		accessionByProcedure[a.ProcedureOccurrenceID] = a.AccessionNumber
	}

	var msgs []message.Message
	for _, proc := range procedures {
		mrn, ok := mrnByPerson[proc.PersonID]
		if !ok {
			continue
		}
		accession, ok := accessionByProcedure[proc.ProcedureOccurrenceID]
		if !ok {
			continue
		}
		d := proc.ProcedureDate.UTC()
		msgs = append(msgs, message.Message{
			MRN:                   mrn,
			AccessionNumber:       accession,
			StudyDate:             message.NewDate(d.Year(), d.Month(), d.Day()),
			ProcedureOccurrenceID: proc.ProcedureOccurrenceID,
			ProjectName:           projectName,
			ExtractDatetime:       extractDatetime,
		})
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("no messages found in %s", dir)
	}
	return msgs, nil
}
