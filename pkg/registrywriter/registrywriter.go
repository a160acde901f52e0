// Package registrywriter implements the atomic registration fan-out from
// §4.7: URN conflict check, catalog insert, dependency-graph batch apply,
// and a post-condition cycle check, with per-phase timings and running
// metrics.
package registrywriter

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/protoreg/pkg/catalog"
	protoerrors "github.com/stacklok/protoreg/pkg/errors"
	"github.com/stacklok/protoreg/pkg/graph"
	"github.com/stacklok/protoreg/pkg/logger"
	"github.com/stacklok/protoreg/pkg/manifest"
	"github.com/stacklok/protoreg/pkg/notify"
	"github.com/stacklok/protoreg/pkg/persistence"
)

// Writer ties a Catalog and Graph together behind the registration
// fan-out, tracking running metrics across every call.
type Writer struct {
	Catalog *catalog.Catalog
	Graph   *graph.Graph
	Events  *persistence.EventLog
	Bus     *notify.Bus

	mu      sync.Mutex
	metrics Metrics
}

// Metrics is the running performance/error surface called for by §4.7.
type Metrics struct {
	Registrations    int64
	Unregistrations  int64
	ConflictCount    int64
	ErrorCount       int64
	TotalCatalogMs   float64
	TotalGraphMs     float64
	LastOperationURN string
}

// New builds a Writer over the given catalog and graph.
func New(c *catalog.Catalog, g *graph.Graph, events *persistence.EventLog, bus *notify.Bus) *Writer {
	if bus == nil {
		bus = notify.New()
	}
	return &Writer{Catalog: c, Graph: g, Events: events, Bus: bus}
}

// PhaseTimings records how long each registration phase took, in
// milliseconds.
type PhaseTimings struct {
	ConflictCheckMs float64
	PrepareBatchMs  float64
	CatalogAddMs    float64
	GraphApplyMs    float64
	PostCheckMs     float64
}

// Result is the structured outcome of Register: per-phase timings, graph
// batch statistics, and any cycle warning raised by the post-condition
// check.
type Result struct {
	URN           string
	Timings       PhaseTimings
	BatchResult   graph.BatchResult
	CycleWarning  *graph.CycleReport
	CatalogSize   int
}

// Register runs the full fan-out for m, as described in §4.7: conflict
// check, batch preparation, catalog insert, graph apply, and a
// post-condition cycle check that never rolls back.
func (w *Writer) Register(manifestID string, m manifest.Manifest) (Result, error) {
	var result Result
	result.URN = m.URN

	checkStart := time.Now()
	if w.Catalog.Has(m.URN) {
		w.bumpConflict()
		return Result{}, protoerrors.NewConflictError(fmt.Sprintf("urn %q already registered", m.URN), nil)
	}
	result.Timings.ConflictCheckMs = elapsedMs(checkStart)

	prepStart := time.Now()
	batch := w.prepareBatch(m)
	result.Timings.PrepareBatchMs = elapsedMs(prepStart)

	addStart := time.Now()
	w.Catalog.Add(m)
	result.Timings.CatalogAddMs = elapsedMs(addStart)

	applyStart := time.Now()
	result.BatchResult = w.Graph.ApplyBatch(batch)
	result.Timings.GraphApplyMs = elapsedMs(applyStart)

	postStart := time.Now()
	if report := w.Graph.DetectCycles(); report.Count > 0 {
		result.CycleWarning = &report
		logger.Warnw("cycle introduced by registration", "urn", m.URN, "cycle", report.FirstCycle)
	}
	result.Timings.PostCheckMs = elapsedMs(postStart)

	result.CatalogSize = w.Catalog.Size()

	w.recordMetrics(m.URN, result, false)

	if w.Events != nil {
		event := manifest.Envelope{
			EventID:    uuid.NewString(),
			Timestamp:  time.Now().UTC(),
			EventType:  manifest.EventTypeRegistrationCompleted,
			ManifestID: manifestID,
			Payload: map[string]any{
				"urn":         m.URN,
				"catalogSize": result.CatalogSize,
				"timings":     result.Timings,
			},
		}
		if err := w.Events.Append(manifestID, event); err != nil {
			return result, err
		}
	}
	w.Bus.Publish("registrywriter.registered", result)

	return result, nil
}

// prepareBatch builds the primary node, dependency edges, and (for
// api-typed manifests) one endpoint child node plus an edge to it per
// entry in m.Endpoints (§4.7 phase 2). graph.Edge carries no kind, so an
// endpoint edge is stored exactly like a dependency edge.
func (w *Writer) prepareBatch(m manifest.Manifest) graph.Batch {
	batch := graph.Batch{
		Nodes: []graph.Node{{URN: m.URN, Kind: m.Type}},
	}
	for _, dep := range m.Dependencies {
		batch.Edges = append(batch.Edges, graph.Edge{From: m.URN, To: dep})
	}

	if m.Type == manifest.TypeAPI {
		for _, ep := range m.Endpoints {
			childURN := fmt.Sprintf("%s#%s %s", m.URN, ep.Method, ep.Path)
			batch.Nodes = append(batch.Nodes, graph.Node{URN: childURN, Kind: manifest.TypeAPI})
			batch.Edges = append(batch.Edges, graph.Edge{From: m.URN, To: childURN})
		}
	}

	return batch
}

// Reapply re-indexes an already-registered manifest: it overwrites the
// catalog entry and re-applies the dependency batch, without Register's
// conflict guard. Callers use this for idempotent re-registration of a URN
// that has already completed the lifecycle pipeline once.
func (w *Writer) Reapply(m manifest.Manifest) (Result, error) {
	var result Result
	result.URN = m.URN

	batch := w.prepareBatch(m)

	addStart := time.Now()
	w.Catalog.Add(m)
	result.Timings.CatalogAddMs = elapsedMs(addStart)

	applyStart := time.Now()
	result.BatchResult = w.Graph.ApplyBatch(batch)
	result.Timings.GraphApplyMs = elapsedMs(applyStart)

	if report := w.Graph.DetectCycles(); report.Count > 0 {
		result.CycleWarning = &report
		logger.Warnw("cycle introduced by re-registration", "urn", m.URN, "cycle", report.FirstCycle)
	}

	result.CatalogSize = w.Catalog.Size()
	w.Bus.Publish("registrywriter.reapplied", result)

	return result, nil
}

// UnregisterResult reports the outcome of Unregister, which removes urn
// from both the catalog and the graph's primary node. Both sub-steps are
// attempted even if one fails.
type UnregisterResult struct {
	CatalogRemoved bool
	GraphRemoved   bool
	Errors         []error
}

// Unregister implements §4.7's unregister operation.
func (w *Writer) Unregister(urn string) UnregisterResult {
	var result UnregisterResult

	func() {
		defer func() {
			if r := recover(); r != nil {
				result.Errors = append(result.Errors, fmt.Errorf("catalog remove panicked: %v", r))
			}
		}()
		w.Catalog.Remove(urn)
		result.CatalogRemoved = true
	}()

	func() {
		defer func() {
			if r := recover(); r != nil {
				result.Errors = append(result.Errors, fmt.Errorf("graph remove panicked: %v", r))
			}
		}()
		result.GraphRemoved = w.Graph.RemoveNode(urn)
	}()

	w.mu.Lock()
	w.metrics.Unregistrations++
	w.mu.Unlock()

	w.Bus.Publish("registrywriter.unregistered", result)
	return result
}

func (w *Writer) bumpConflict() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.metrics.ConflictCount++
}

func (w *Writer) recordMetrics(urn string, result Result, failed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.metrics.Registrations++
	w.metrics.TotalCatalogMs += result.Timings.CatalogAddMs
	w.metrics.TotalGraphMs += result.Timings.GraphApplyMs
	w.metrics.LastOperationURN = urn
	if failed {
		w.metrics.ErrorCount++
	}
}

// MetricsSnapshot returns a point-in-time snapshot of the writer's running metrics.
func (w *Writer) MetricsSnapshot() Metrics {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.metrics
}

func elapsedMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
