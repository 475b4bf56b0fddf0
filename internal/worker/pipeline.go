package worker

import (
	"context"
	"strings"

	"github.com/cellular-imaging/omero-ingest/internal/domain"
	"github.com/cellular-imaging/omero-ingest/internal/importer"
	"github.com/cellular-imaging/omero-ingest/internal/pkg/logger"
	"github.com/cellular-imaging/omero-ingest/internal/preprocess"
	"github.com/cellular-imaging/omero-ingest/internal/validate"
)

// EventRecorder is the tracker slice the pipeline writes terminal events
// through.
type EventRecorder interface {
	Record(ctx context.Context, uuid string, stage domain.Stage, message string) error
}

// Pipeline runs one claimed order through validate → preprocess → import
// and writes exactly one terminal event. Errors never escape: every
// failure becomes a single IMPORT_FAILED event with a one-line message.
type Pipeline struct {
	validator    *validate.Validator
	preprocessor *preprocess.Preprocessor
	importer     *importer.Importer
	tracker      EventRecorder
}

// NewPipeline wires the per-order processing steps.
func NewPipeline(v *validate.Validator, p *preprocess.Preprocessor, imp *importer.Importer, tracker EventRecorder) *Pipeline {
	return &Pipeline{validator: v, preprocessor: p, importer: imp, tracker: tracker}
}

// Process executes the pipeline for one order and reports whether it
// completed. The terminal event write itself retries inside the tracker;
// if it still fails there is nothing left to do but log.
func (p *Pipeline) Process(ctx context.Context, order *domain.Order) bool {
	if err := p.process(ctx, order); err != nil {
		logger.Warn("order failed", "uuid", order.UUID, "error", failMessage(err))
		p.record(ctx, order.UUID, domain.StageFailed, failMessage(err))
		return false
	}
	p.record(ctx, order.UUID, domain.StageCompleted, "")
	return true
}

func (p *Pipeline) process(ctx context.Context, order *domain.Order) error {
	validated, err := p.validator.Validate(ctx, order)
	if err != nil {
		return err
	}

	session, err := p.importer.Session(ctx, validated)
	if err != nil {
		return err
	}

	var processed []domain.ProcessedFile
	if order.Preprocessing != nil {
		staging := p.importer.StagingDir(session, order.UUID)
		processed, err = p.preprocessor.Run(ctx, order, staging)
		if err != nil {
			return err
		}
	}

	return p.importer.Run(ctx, session, validated, processed)
}

func (p *Pipeline) record(ctx context.Context, uuid string, stage domain.Stage, message string) {
	if err := p.tracker.Record(ctx, uuid, stage, message); err != nil {
		logger.Error("terminal event write failed", "uuid", uuid, "stage", stage, "error", err)
	}
}

// failMessage flattens an error chain to a concise single line.
func failMessage(err error) string {
	msg := strings.SplitN(err.Error(), "\n", 2)[0]
	const max = 500
	if len(msg) > max {
		msg = msg[:max]
	}
	return msg
}
