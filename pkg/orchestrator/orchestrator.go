// Package orchestrator implements the thin registration orchestrator from
// §4.8: it binds the pipeline's APPROVED→REGISTERED transition to the
// registry writer's catalog/graph fan-out and emits a summary event.
package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/protoreg/pkg/logger"
	"github.com/stacklok/protoreg/pkg/manifest"
	"github.com/stacklok/protoreg/pkg/persistence"
	"github.com/stacklok/protoreg/pkg/pipeline"
	"github.com/stacklok/protoreg/pkg/registrywriter"
)

// Orchestrator binds a Pipeline and a Writer together.
type Orchestrator struct {
	Pipeline *pipeline.Pipeline
	Writer   *registrywriter.Writer
	Events   *persistence.EventLog
}

// New builds an Orchestrator over the given pipeline and writer, appending
// events through the same event log the pipeline already uses.
func New(p *pipeline.Pipeline, w *registrywriter.Writer) *Orchestrator {
	return &Orchestrator{Pipeline: p, Writer: w, Events: p.Events}
}

// Result aggregates the pipeline transition and registry-writer fan-out
// outcomes for one register call.
type Result struct {
	State         manifest.VersionedState
	WriterResult  registrywriter.Result
}

// Register runs the full §4.8 flow: load current state, check for a URN
// conflict against the catalog, transition APPROVED→REGISTERED through the
// pipeline (which itself guards on URN presence), invoke the registry
// writer, and append an integration.completed event summarizing both
// phases. A failure at any step is logged as an error.occurred event
// against the manifest and returned to the caller.
func (o *Orchestrator) Register(ctx context.Context, manifestID string) (Result, error) {
	snapshot, err := o.Pipeline.Snapshots.Load(manifestID)
	if err != nil {
		o.recordFailure(manifestID, err)
		return Result{}, err
	}

	urn := snapshot.State.Manifest.URN
	conflictingURN := ""
	if o.Writer.Catalog.Has(urn) {
		conflictingURN = urn
	}

	state, err := o.Pipeline.Register(ctx, manifestID, conflictingURN)
	if err != nil {
		o.recordFailure(manifestID, err)
		return Result{}, err
	}

	writerResult, err := o.Writer.Register(manifestID, state.State.Manifest)
	if err != nil {
		o.recordFailure(manifestID, err)
		return Result{}, err
	}

	result := Result{State: state, WriterResult: writerResult}

	event := manifest.Envelope{
		EventID:    uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		EventType:  manifest.EventTypeIntegrationCompleted,
		ManifestID: manifestID,
		Payload: map[string]any{
			"urn":         urn,
			"catalogSize": writerResult.CatalogSize,
			"timings":     writerResult.Timings,
		},
	}
	if err := o.Events.Append(manifestID, event); err != nil {
		o.recordFailure(manifestID, err)
		return result, err
	}

	return result, nil
}

func (o *Orchestrator) recordFailure(manifestID string, cause error) {
	logger.Errorw("registration orchestration failed", "manifestId", manifestID, "error", cause)

	event := manifest.Envelope{
		EventID:    uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		EventType:  manifest.EventTypeErrorOccurred,
		ManifestID: manifestID,
		Payload: map[string]any{
			"error": cause.Error(),
		},
	}
	_ = o.Events.Append(manifestID, event)
}
