// Package catalog implements the in-memory registry index from §4.5: a
// primary urn→manifest map, secondary inverted indexes for tag/namespace/
// owner/type/classification/pii lookups, and agent-capability indexes used
// to answer "which agents can reach this tool/resource/workflow/api".
package catalog

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/stacklok/protoreg/pkg/manifest"
)

// Result wraps a query's matches together with the measured latency, per
// §4.5's "{results, count, took_ms}" contract.
type Result struct {
	Results []string
	Count   int
	TookMs  float64
}

// Catalog is safe for concurrent use; every mutating and reading method
// takes the single internal mutex.
type Catalog struct {
	mu sync.RWMutex

	primary map[string]manifest.Manifest

	byNamespace      map[string]map[string]struct{}
	byTag            map[string]map[string]struct{}
	byOwner          map[string]map[string]struct{}
	byType           map[string]map[string]struct{}
	byClassification map[string]map[string]struct{}
	byPII            map[string]struct{}

	agentsByTool     map[string]map[string]struct{}
	agentsByResource map[string]map[string]struct{}
	agentsByWorkflow map[string]map[string]struct{}
	agentsByAPI      map[string]map[string]struct{}
}

// New returns an empty Catalog.
func New() *Catalog {
	return &Catalog{
		primary:           make(map[string]manifest.Manifest),
		byNamespace:       make(map[string]map[string]struct{}),
		byTag:             make(map[string]map[string]struct{}),
		byOwner:           make(map[string]map[string]struct{}),
		byType:            make(map[string]map[string]struct{}),
		byClassification:  make(map[string]map[string]struct{}),
		byPII:             make(map[string]struct{}),
		agentsByTool:      make(map[string]map[string]struct{}),
		agentsByResource:  make(map[string]map[string]struct{}),
		agentsByWorkflow:  make(map[string]map[string]struct{}),
		agentsByAPI:       make(map[string]map[string]struct{}),
	}
}

func addTo(index map[string]map[string]struct{}, key, urn string) {
	if key == "" {
		return
	}
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[urn] = struct{}{}
}

func removeFrom(index map[string]map[string]struct{}, key, urn string) {
	if set, ok := index[key]; ok {
		delete(set, urn)
	}
}

// Add inserts m into the catalog and every index derived from it. Inserting
// a URN that already exists overwrites the prior entry's indexes.
func (c *Catalog) Add(m manifest.Manifest) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prior, exists := c.primary[m.URN]; exists {
		c.removeIndexesLocked(prior)
	}

	c.primary[m.URN] = m
	addTo(c.byNamespace, m.Namespace, m.URN)
	for _, tag := range m.Metadata.Tags {
		addTo(c.byTag, tag, m.URN)
	}
	addTo(c.byOwner, m.Governance.Owner, m.URN)
	addTo(c.byType, string(m.Type), m.URN)
	addTo(c.byClassification, m.Governance.Classification, m.URN)
	if m.Governance.PII {
		c.byPII[m.URN] = struct{}{}
	}

	if m.Type == manifest.TypeAgent {
		c.indexAgentCapabilitiesLocked(m)
	}
}

// Remove deletes urn from the catalog and every index it participates in.
// Empty index entries are permitted to remain but no longer report urn.
func (c *Catalog) Remove(urn string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.primary[urn]
	if !ok {
		return
	}
	c.removeIndexesLocked(m)
	delete(c.primary, urn)
}

func (c *Catalog) removeIndexesLocked(m manifest.Manifest) {
	removeFrom(c.byNamespace, m.Namespace, m.URN)
	for _, tag := range m.Metadata.Tags {
		removeFrom(c.byTag, tag, m.URN)
	}
	removeFrom(c.byOwner, m.Governance.Owner, m.URN)
	removeFrom(c.byType, string(m.Type), m.URN)
	removeFrom(c.byClassification, m.Governance.Classification, m.URN)
	delete(c.byPII, m.URN)

	if m.Type == manifest.TypeAgent {
		for _, tool := range m.Capabilities.Tools {
			removeFrom(c.agentsByTool, tool, m.URN)
		}
		for _, res := range m.Capabilities.Resources {
			removeFrom(c.agentsByResource, res, m.URN)
		}
		for _, wf := range m.Capabilities.Workflows {
			removeFrom(c.agentsByWorkflow, wf, m.URN)
		}
		for _, api := range m.Capabilities.APIs {
			removeFrom(c.agentsByAPI, api, m.URN)
		}
	}
}

// indexAgentCapabilitiesLocked populates the four agent indexes from an
// agent-typed manifest's capability arrays (§3, §4.5).
func (c *Catalog) indexAgentCapabilitiesLocked(m manifest.Manifest) {
	for _, tool := range m.Capabilities.Tools {
		addTo(c.agentsByTool, tool, m.URN)
	}
	for _, res := range m.Capabilities.Resources {
		addTo(c.agentsByResource, res, m.URN)
	}
	for _, wf := range m.Capabilities.Workflows {
		addTo(c.agentsByWorkflow, wf, m.URN)
	}
	for _, api := range m.Capabilities.APIs {
		addTo(c.agentsByAPI, api, m.URN)
	}
}

// Get returns the manifest for urn and whether it was found.
func (c *Catalog) Get(urn string) (manifest.Manifest, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.primary[urn]
	return m, ok
}

// Has reports whether urn is present, used by the URN conflict check
// (§4.7) ahead of registration.
func (c *Catalog) Has(urn string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.primary[urn]
	return ok
}

// Size returns the number of manifests currently in the catalog.
func (c *Catalog) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.primary)
}

func measure(start time.Time, urns map[string]struct{}) Result {
	results := make([]string, 0, len(urns))
	for urn := range urns {
		results = append(results, urn)
	}
	return Result{Results: results, Count: len(results), TookMs: elapsedMs(start)}
}

func elapsedMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}

func (c *Catalog) lookup(index map[string]map[string]struct{}, key string) Result {
	start := time.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	set := index[key]
	return measure(start, set)
}

// FindByTag returns every URN tagged with tag.
func (c *Catalog) FindByTag(tag string) Result { return c.lookup(c.byTag, tag) }

// FindByNamespace returns every URN in namespace.
func (c *Catalog) FindByNamespace(namespace string) Result { return c.lookup(c.byNamespace, namespace) }

// FindByOwner returns every URN owned by owner.
func (c *Catalog) FindByOwner(owner string) Result { return c.lookup(c.byOwner, owner) }

// FindByType returns every URN of the given manifest type.
func (c *Catalog) FindByType(t manifest.Type) Result { return c.lookup(c.byType, string(t)) }

// FindByClassification returns every URN with the given classification.
func (c *Catalog) FindByClassification(classification string) Result {
	return c.lookup(c.byClassification, classification)
}

// FindByPII returns every URN whose governance.pii matches want.
func (c *Catalog) FindByPII(want bool) Result {
	start := time.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()

	if want {
		return measure(start, c.byPII)
	}
	matches := make(map[string]struct{})
	for urn := range c.primary {
		if _, pii := c.byPII[urn]; !pii {
			matches[urn] = struct{}{}
		}
	}
	return measure(start, matches)
}

// GovernanceCriteria narrows FindByGovernance to zero or more fields; empty
// fields are ignored.
type GovernanceCriteria struct {
	Owner          string
	Classification string
	PII            *bool
}

// FindByGovernance intersects the index sets matching each non-empty
// criterion, starting from the smallest set for efficiency.
func (c *Catalog) FindByGovernance(criteria GovernanceCriteria) Result {
	start := time.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()

	var sets []map[string]struct{}
	if criteria.Owner != "" {
		sets = append(sets, c.byOwner[criteria.Owner])
	}
	if criteria.Classification != "" {
		sets = append(sets, c.byClassification[criteria.Classification])
	}
	if criteria.PII != nil {
		if *criteria.PII {
			sets = append(sets, c.byPII)
		} else {
			nonPII := make(map[string]struct{})
			for urn := range c.primary {
				if _, pii := c.byPII[urn]; !pii {
					nonPII[urn] = struct{}{}
				}
			}
			sets = append(sets, nonPII)
		}
	}

	if len(sets) == 0 {
		return measure(start, nil)
	}

	smallest := 0
	for i, s := range sets {
		if len(s) < len(sets[smallest]) {
			smallest = i
		}
	}

	result := make(map[string]struct{})
	for urn := range sets[smallest] {
		inAll := true
		for i, s := range sets {
			if i == smallest {
				continue
			}
			if _, ok := s[urn]; !ok {
				inAll = false
				break
			}
		}
		if inAll {
			result[urn] = struct{}{}
		}
	}
	return measure(start, result)
}

// FindByTagsOR returns the union of URNs matching any tag in tags.
func (c *Catalog) FindByTagsOR(tags []string) Result {
	start := time.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()

	union := make(map[string]struct{})
	for _, tag := range tags {
		for urn := range c.byTag[tag] {
			union[urn] = struct{}{}
		}
	}
	return measure(start, union)
}

// FindByURNPattern scans every URN for substr, O(n).
func (c *Catalog) FindByURNPattern(substr string) Result {
	start := time.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()

	matches := make(map[string]struct{})
	for urn := range c.primary {
		if strings.Contains(urn, substr) {
			matches[urn] = struct{}{}
		}
	}
	return measure(start, matches)
}

// FindReferences scans every manifest's serialized JSON for a textual
// occurrence of urn. This is intentionally a brittle substring scan, not a
// structural dependency-field check: a manifest with urn embedded in an
// unrelated string field counts as a reference.
func (c *Catalog) FindReferences(urn string) Result {
	start := time.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()

	matches := make(map[string]struct{})
	for candidateURN, m := range c.primary {
		if candidateURN == urn {
			continue
		}
		data, err := json.Marshal(m)
		if err != nil {
			continue
		}
		if strings.Contains(string(data), urn) {
			matches[candidateURN] = struct{}{}
		}
	}
	return measure(start, matches)
}

func (c *Catalog) agentLookup(index map[string]map[string]struct{}, key string) Result {
	start := time.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	return measure(start, index[key])
}

// FindAgentsByTool returns agent URNs whose capabilities include tool.
func (c *Catalog) FindAgentsByTool(tool string) Result { return c.agentLookup(c.agentsByTool, tool) }

// FindAgentsByResource returns agent URNs whose capabilities include resource.
func (c *Catalog) FindAgentsByResource(resource string) Result {
	return c.agentLookup(c.agentsByResource, resource)
}

// FindAgentsByWorkflow returns agent URNs whose capabilities include workflow.
func (c *Catalog) FindAgentsByWorkflow(workflow string) Result {
	return c.agentLookup(c.agentsByWorkflow, workflow)
}

// FindAgentsByAPI returns agent URNs whose capabilities directly list apiURN.
func (c *Catalog) FindAgentsByAPI(apiURN string) Result { return c.agentLookup(c.agentsByAPI, apiURN) }

// FindAgentsForAPI finds agents able to reach apiURN transitively: the
// intersection of consumers(apiURN) (supplied by the caller, typically from
// pkg/graph's findConsumers) and the workflow-indexed agent set.
func (c *Catalog) FindAgentsForAPI(apiURN string, consumers []string) Result {
	start := time.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()

	consumerSet := make(map[string]struct{}, len(consumers))
	for _, c := range consumers {
		consumerSet[c] = struct{}{}
	}

	matches := make(map[string]struct{})
	for workflowURN, agents := range c.agentsByWorkflow {
		if _, consumed := consumerSet[workflowURN]; !consumed {
			continue
		}
		for agentURN := range agents {
			matches[agentURN] = struct{}{}
		}
	}
	return measure(start, matches)
}
