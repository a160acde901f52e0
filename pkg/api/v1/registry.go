package v1

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	protoerrors "github.com/stacklok/protoreg/pkg/errors"
	"github.com/stacklok/protoreg/pkg/graph"
	"github.com/stacklok/protoreg/pkg/logger"
	"github.com/stacklok/protoreg/pkg/manifest"
	"github.com/stacklok/protoreg/pkg/orchestrator"
	"github.com/stacklok/protoreg/pkg/pipeline"
	"github.com/stacklok/protoreg/pkg/provenance"
	"github.com/stacklok/protoreg/pkg/registrywriter"
)

// Store is the subset of pkg/storage/sqlite.Store the HTTP layer needs.
type Store interface {
	UpsertManifest(ctx context.Context, m manifest.Manifest) error
	GetProvenance(ctx context.Context, urn string) (envelope, predicateType, builder string, found bool, err error)
	RecordProvenance(ctx context.Context, urn, envelope, predicateType, builder string) error
	CountManifests(ctx context.Context) (int64, error)
	SchemaVersion(ctx context.Context) (int64, error)
}

// Registry wires the core lifecycle/index/graph packages behind the
// operations the HTTP handlers need, so handlers stay thin translators
// between wire shapes and these calls.
type Registry struct {
	Pipeline     *pipeline.Pipeline
	Writer       *registrywriter.Writer
	Orchestrator *orchestrator.Orchestrator
	Graph        *graph.Graph
	Verifier     *provenance.Verifier
	DB           Store

	RequireProvenance bool
	// AllowCycles, when false (the default), turns a cycle introduced by an
	// upsert into a cycle_detected error (HTTP 500) at the HTTP boundary. The lower
	// layers (pkg/registrywriter) never refuse a cycle-forming write
	// themselves; this is a policy check layered on top of their warning.
	AllowCycles bool
}

// ManifestRecord is what GET /v1/registry/{urn} returns.
type ManifestRecord struct {
	Manifest   manifest.Manifest   `json:"manifest"`
	Digest     string              `json:"digest"`
	Issuer     string              `json:"issuer,omitempty"`
	Signature  string              `json:"signature,omitempty"`
	Provenance *provenance.Summary `json:"provenance,omitempty"`
}

// digestOf computes the content digest carried in every registry response:
// the hex sha256 of the manifest's canonical JSON encoding.
func digestOf(m manifest.Manifest) (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", protoerrors.NewInternalError("failed to serialize manifest for digest", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Get returns the manifest known to urn along with its digest and any
// recorded provenance.
func (r *Registry) Get(ctx context.Context, urn string) (ManifestRecord, error) {
	m, ok := r.Writer.Catalog.Get(urn)
	if !ok {
		return ManifestRecord{}, protoerrors.NewNotFoundError(fmt.Sprintf("manifest %q not registered", urn), nil)
	}

	digest, err := digestOf(m)
	if err != nil {
		return ManifestRecord{}, err
	}

	record := ManifestRecord{Manifest: m, Digest: digest}

	if r.DB != nil {
		envelope, predicateType, builder, found, err := r.DB.GetProvenance(ctx, urn)
		if err != nil {
			return ManifestRecord{}, err
		}
		if found {
			record.Provenance = &provenance.Summary{PredicateType: predicateType, Builder: builder}
			record.Issuer = builder
			record.Signature = envelope
		}
	}

	return record, nil
}

// UpsertRequest is the PUT /v1/registry/{urn} body.
type UpsertRequest struct {
	Manifest   manifest.Manifest `json:"manifest"`
	Issuer     string            `json:"issuer,omitempty"`
	Signature  string            `json:"signature,omitempty"`
	Provenance json.RawMessage   `json:"provenance,omitempty"`
}

// UpsertResult is what PUT /v1/registry/{urn} returns.
type UpsertResult struct {
	Status     string              `json:"status"`
	URN        string              `json:"urn"`
	Digest     string              `json:"digest"`
	Provenance *provenance.Summary `json:"provenance,omitempty"`
}

// Upsert registers or re-registers urn with the given manifest, walking the
// manifest through the review pipeline the first time it is seen and
// re-applying catalog/graph indexing directly on every subsequent call (the
// lifecycle machine has no transition out of REGISTERED, so re-registration
// bypasses it rather than failing).
func (r *Registry) Upsert(ctx context.Context, urn string, req UpsertRequest) (UpsertResult, error) {
	if req.Manifest.URN != urn {
		return UpsertResult{}, protoerrors.NewValidationError("manifest urn does not match path", nil)
	}

	var summary *provenance.Summary
	if len(req.Provenance) > 0 {
		if r.Verifier == nil {
			return UpsertResult{}, protoerrors.NewProvenanceInvalidError("no provenance keys configured", nil)
		}
		s, err := r.Verifier.Verify(req.Provenance)
		if err != nil {
			return UpsertResult{}, err
		}
		summary = &s
	} else if r.RequireProvenance {
		return UpsertResult{}, protoerrors.NewProvenanceInvalidError("provenance is required but was not supplied", nil)
	}

	if err := r.ensureRegistered(ctx, urn, req.Manifest); err != nil {
		return UpsertResult{}, err
	}

	if r.DB != nil {
		if err := r.DB.UpsertManifest(ctx, req.Manifest); err != nil {
			return UpsertResult{}, err
		}
		if summary != nil {
			if err := r.DB.RecordProvenance(ctx, urn, string(req.Provenance), summary.PredicateType, summary.Builder); err != nil {
				return UpsertResult{}, err
			}
		}
	}

	digest, err := digestOf(req.Manifest)
	if err != nil {
		return UpsertResult{}, err
	}

	return UpsertResult{Status: "ok", URN: urn, Digest: digest, Provenance: summary}, nil
}

func (r *Registry) ensureRegistered(ctx context.Context, urn string, m manifest.Manifest) error {
	_, err := r.Pipeline.Initialize(ctx, urn, m)
	switch {
	case err == nil:
		if _, err := r.Pipeline.SubmitForReview(ctx, urn); err != nil {
			return err
		}
		if _, err := r.Pipeline.Approve(ctx, urn, "registry-api", "auto-approved on upsert"); err != nil {
			return err
		}
		result, err := r.Orchestrator.Register(ctx, urn)
		if err != nil {
			return err
		}
		return r.checkCyclePolicy(result.WriterResult.CycleWarning)
	case protoerrors.IsConflict(err):
		// Already known: refresh the catalog/graph in place rather than
		// re-walking a lifecycle machine with no outbound REGISTERED edge.
		result, err := r.Writer.Reapply(m)
		if err != nil {
			return err
		}
		return r.checkCyclePolicy(result.CycleWarning)
	default:
		return err
	}
}

func (r *Registry) checkCyclePolicy(report *graph.CycleReport) error {
	if report == nil || r.AllowCycles {
		return nil
	}
	return protoerrors.NewCycleDetectedError("registration would introduce a dependency cycle",
		fmt.Errorf("cycle: %v", report.FirstCycle))
}

// Resolution is what GET /v1/resolve returns.
type Resolution struct {
	Manifest     manifest.Manifest `json:"manifest"`
	Capabilities []string          `json:"capabilities"`
}

// Resolve looks up urn and flattens its declared capabilities into one list.
func (r *Registry) Resolve(urn string) (Resolution, error) {
	m, ok := r.Writer.Catalog.Get(urn)
	if !ok {
		return Resolution{}, protoerrors.NewNotFoundError(fmt.Sprintf("manifest %q not registered", urn), nil)
	}

	caps := make([]string, 0, len(m.Capabilities.Tools)+len(m.Capabilities.Resources)+
		len(m.Capabilities.Workflows)+len(m.Capabilities.APIs))
	caps = append(caps, m.Capabilities.Tools...)
	caps = append(caps, m.Capabilities.Resources...)
	caps = append(caps, m.Capabilities.Workflows...)
	caps = append(caps, m.Capabilities.APIs...)
	sort.Strings(caps)

	return Resolution{Manifest: m, Capabilities: caps}, nil
}

// Query answers which URNs offer a given capability, searching every
// capability index in turn.
func (r *Registry) Query(capability string) []string {
	seen := make(map[string]struct{})

	add := func(urns []string) {
		for _, u := range urns {
			seen[u] = struct{}{}
		}
	}
	add(r.Writer.Catalog.FindAgentsByTool(capability).Results)
	add(r.Writer.Catalog.FindAgentsByResource(capability).Results)
	add(r.Writer.Catalog.FindAgentsByWorkflow(capability).Results)
	add(r.Writer.Catalog.FindAgentsByAPI(capability).Results)
	add(r.Writer.Catalog.FindByTag(capability).Results)

	out := make([]string, 0, len(seen))
	for u := range seen {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Dependencies wraps the dependency graph's BFS tree lookup for urn.
func (r *Registry) Dependencies(urn string) ([]string, error) {
	if !r.Graph.HasNode(urn) {
		return nil, protoerrors.NewNotFoundError(fmt.Sprintf("urn %q not present in dependency graph", urn), nil)
	}
	return r.Graph.GetDependencyTree(urn), nil
}

// BuildOrder wraps the graph's topological build order.
func (r *Registry) BuildOrder() ([]string, error) {
	order, err := r.Graph.GetBuildOrder()
	if err != nil {
		logger.Warnw("build order request failed", "error", err.Error())
		return nil, err
	}
	return order, nil
}
