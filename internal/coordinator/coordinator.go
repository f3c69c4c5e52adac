// Package coordinator drives a (project, study) pair from "requested" to
// "forwarded for anonymisation". It consumes the imaging queue and decides,
// per message, whether the study is already staged, must be retrieved from
// the VNA, or must only be re-tagged. The state machine is idempotent: the
// same message may arrive many times.
package coordinator

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/UCLH-Foundry/PIXL/internal/dicomtags"
	"github.com/UCLH-Foundry/PIXL/internal/errs"
	"github.com/UCLH-Foundry/PIXL/internal/message"
	"github.com/UCLH-Foundry/PIXL/internal/orthanc"
)

// Options binds the coordinator to its environment.
type Options struct {
	// VNAModality is the remote modality queried for missing studies.
	VNAModality string

	// TransferTimeout bounds one C-MOVE; exceeding it discards the attempt.
	TransferTimeout time.Duration
}

// Coordinator processes imaging queue messages against the raw store.
type Coordinator struct {
	raw    orthanc.Client
	opts   Options
	logger *zap.Logger
	tracer trace.Tracer
}

func New(raw orthanc.Client, opts Options, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		raw:    raw,
		opts:   opts,
		logger: logger,
		tracer: otel.Tracer("pixl-imaging-coordinator"),
	}
}

// ProcessMessage is the imaging queue handler.
//
// Steps, in order: back-pressure check, local presence query, tag
// comparison or rewrite, otherwise remote find + retrieve + tag set. All
// failures are translated to the errs taxonomy; the consumer loop acts on
// the kind.
func (c *Coordinator) ProcessMessage(ctx context.Context, m message.Message) error {
	ctx, span := c.tracer.Start(ctx, "pixl.coordinator.process")
	defer span.End()

	c.logger.Debug("processing study", zap.String("identifier", m.Identifier()))

	// Bound concurrent C-MOVEs: while the raw store has pending jobs we
	// requeue rather than pile more work on it.
	pending, err := c.raw.PendingJobs(ctx)
	if err != nil {
		return err
	}
	if pending > 0 {
		return errs.Requeuef("%d pending jobs on raw store", pending)
	}

	handled, err := c.updateOrResendExistingStudy(ctx, m)
	if err != nil {
		return err
	}
	if handled {
		return nil
	}

	queryID, err := c.findStudyInVNA(ctx, m)
	if err != nil {
		return err
	}

	jobID, err := c.raw.Retrieve(ctx, queryID)
	if err != nil {
		return err
	}
	if err := c.raw.WaitForJob(ctx, jobID, c.opts.TransferTimeout); err != nil {
		return err
	}

	// The study has arrived; stamp the project tag on it.
	studies, err := c.raw.QueryLocal(ctx, localQuery(m, false))
	if err != nil {
		return err
	}
	if len(studies) == 0 {
		return errs.Discardf("study %s vanished after retrieval", m.Identifier())
	}
	return c.tagStudies(ctx, m, studies)
}

// updateOrResendExistingStudy reports true when the study already exists in
// the raw store and was either re-tagged or forwarded downstream.
func (c *Coordinator) updateOrResendExistingStudy(ctx context.Context, m message.Message) (bool, error) {
	existing, err := c.raw.QueryLocal(ctx, localQuery(m, true))
	if err != nil {
		return false, err
	}
	if len(existing) == 0 {
		return false, nil
	}

	survivor, err := c.cullDuplicates(ctx, m, existing)
	if err != nil {
		return false, err
	}

	// Compare the private project tag: rewrite when absent or different,
	// otherwise just re-send the study downstream without touching the VNA.
	if survivor.RequestedTags[dicomtags.ProjectNameNickname] != m.ProjectSlug() {
		c.logger.Info("updating project tag on existing study",
			zap.String("identifier", m.Identifier()),
			zap.String("study_id", survivor.ID),
			zap.String("project", m.ProjectSlug()),
		)
		return true, c.tagStudies(ctx, m, []orthanc.Resource{survivor})
	}

	c.logger.Info("study already tagged, resending for anonymisation",
		zap.String("identifier", m.Identifier()),
		zap.String("study_id", survivor.ID),
	)
	return true, c.raw.SendToAnon(ctx, survivor.ID)
}

// cullDuplicates keeps the most recently updated of several studies matching
// the same (MRN, AccessionNumber) and deletes the rest before any tag
// modification.
func (c *Coordinator) cullDuplicates(ctx context.Context, m message.Message, existing []orthanc.Resource) (orthanc.Resource, error) {
	if len(existing) == 1 {
		return existing[0], nil
	}

	sorted := make([]orthanc.Resource, len(existing))
	copy(sorted, existing)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].LastUpdate < sorted[j].LastUpdate
	})
	survivor := sorted[len(sorted)-1]

	c.logger.Warn("multiple studies for message, keeping most recent",
		zap.String("identifier", m.Identifier()),
		zap.Int("count", len(sorted)),
		zap.String("survivor", survivor.ID),
	)
	for _, stale := range sorted[:len(sorted)-1] {
		if err := c.raw.DeleteStudy(ctx, stale.ID); err != nil {
			return orthanc.Resource{}, err
		}
	}
	return survivor, nil
}

// findStudyInVNA queries the remote by StudyInstanceUID first, falling back
// to MRN + accession number. An empty result on both is a permanent discard.
func (c *Coordinator) findStudyInVNA(ctx context.Context, m message.Message) (string, error) {
	if m.StudyUID != "" {
		queryID, err := c.raw.QueryRemote(ctx, uidQuery(m), c.opts.VNAModality)
		if err != nil {
			return "", err
		}
		if queryID != "" {
			return queryID, nil
		}
	}

	queryID, err := c.raw.QueryRemote(ctx, localQuery(m, false), c.opts.VNAModality)
	if err != nil {
		return "", err
	}
	if queryID == "" {
		return "", errs.Discardf("failed to find %s in the VNA", m.Identifier())
	}
	return queryID, nil
}

func (c *Coordinator) tagStudies(ctx context.Context, m message.Message, studies []orthanc.Resource) error {
	if len(studies) > 1 {
		c.logger.Error("expected one study with matching patient and accession",
			zap.String("identifier", m.Identifier()),
			zap.Int("count", len(studies)),
		)
	}
	replacement := map[string]string{
		dicomtags.ProjectNameNickname: m.ProjectSlug(),
	}
	for _, study := range studies {
		c.logger.Debug("writing project tag",
			zap.String("study_id", study.ID),
			zap.String("project", m.ProjectSlug()),
		)
		if err := c.raw.ModifyPrivateTag(ctx, study.ID, dicomtags.ProjectNameCreator, replacement); err != nil {
			return err
		}
	}
	return nil
}

func localQuery(m message.Message, projectTag bool) orthanc.Query {
	q := orthanc.Query{
		Level: "Study",
		Query: map[string]string{
			"PatientID":       m.MRN,
			"AccessionNumber": m.AccessionNumber,
		},
	}
	if projectTag {
		q.RequestedTags = []string{dicomtags.ProjectNameNickname}
		q.Expand = true
	}
	return q
}

func uidQuery(m message.Message) orthanc.Query {
	return orthanc.Query{
		Level: "Study",
		Query: map[string]string{
			"StudyInstanceUID": m.StudyUID,
		},
	}
}
