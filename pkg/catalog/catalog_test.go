package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stacklok/protoreg/pkg/manifest"
)

func apiManifest(urn, namespace, owner string, tags ...string) manifest.Manifest {
	return manifest.Manifest{
		URN:       urn,
		Type:      manifest.TypeAPI,
		Namespace: namespace,
		Metadata:  manifest.Metadata{Tags: tags},
		Governance: manifest.Governance{
			Owner:          owner,
			Classification: "internal",
		},
	}
}

func TestCatalog_AddAndGet(t *testing.T) {
	t.Parallel()
	c := New()
	m := apiManifest("urn:proto:api:orders", "commerce", "team-a", "payments")
	c.Add(m)

	got, ok := c.Get("urn:proto:api:orders")
	assert.True(t, ok)
	assert.Equal(t, m, got)
	assert.Equal(t, 1, c.Size())
}

func TestCatalog_FindByNamespaceTagOwnerType(t *testing.T) {
	t.Parallel()
	c := New()
	c.Add(apiManifest("urn:a", "ns1", "team-a", "billing"))
	c.Add(apiManifest("urn:b", "ns1", "team-b", "billing"))
	c.Add(apiManifest("urn:c", "ns2", "team-a", "shipping"))

	ns := c.FindByNamespace("ns1")
	assert.ElementsMatch(t, []string{"urn:a", "urn:b"}, ns.Results)
	assert.Equal(t, 2, ns.Count)

	tag := c.FindByTag("billing")
	assert.ElementsMatch(t, []string{"urn:a", "urn:b"}, tag.Results)

	owner := c.FindByOwner("team-a")
	assert.ElementsMatch(t, []string{"urn:a", "urn:c"}, owner.Results)

	typ := c.FindByType(manifest.TypeAPI)
	assert.Equal(t, 3, typ.Count)
}

func TestCatalog_RemoveClearsAllIndexes(t *testing.T) {
	t.Parallel()
	c := New()
	m := apiManifest("urn:a", "ns1", "team-a", "billing")
	m.Governance.PII = true
	c.Add(m)

	c.Remove("urn:a")

	assert.False(t, c.Has("urn:a"))
	assert.Zero(t, c.FindByNamespace("ns1").Count)
	assert.Zero(t, c.FindByTag("billing").Count)
	assert.Zero(t, c.FindByOwner("team-a").Count)
	assert.Zero(t, c.FindByPII(true).Count)
}

func TestCatalog_FindByPII(t *testing.T) {
	t.Parallel()
	c := New()
	withPII := apiManifest("urn:a", "ns1", "team-a")
	withPII.Governance.PII = true
	c.Add(withPII)
	c.Add(apiManifest("urn:b", "ns1", "team-a"))

	pii := c.FindByPII(true)
	assert.Equal(t, []string{"urn:a"}, pii.Results)

	nonPII := c.FindByPII(false)
	assert.Equal(t, []string{"urn:b"}, nonPII.Results)
}

func TestCatalog_FindByGovernanceIntersection(t *testing.T) {
	t.Parallel()
	c := New()
	m1 := apiManifest("urn:a", "ns1", "team-a")
	m1.Governance.Classification = "confidential"
	m1.Governance.PII = true
	c.Add(m1)

	m2 := apiManifest("urn:b", "ns1", "team-a")
	m2.Governance.Classification = "confidential"
	c.Add(m2)

	piiTrue := true
	result := c.FindByGovernance(GovernanceCriteria{Owner: "team-a", Classification: "confidential", PII: &piiTrue})
	assert.Equal(t, []string{"urn:a"}, result.Results)
}

func TestCatalog_FindByTagsOR(t *testing.T) {
	t.Parallel()
	c := New()
	c.Add(apiManifest("urn:a", "ns1", "team-a", "billing"))
	c.Add(apiManifest("urn:b", "ns1", "team-a", "shipping"))
	c.Add(apiManifest("urn:c", "ns1", "team-a", "unrelated"))

	result := c.FindByTagsOR([]string{"billing", "shipping"})
	assert.ElementsMatch(t, []string{"urn:a", "urn:b"}, result.Results)
}

func TestCatalog_FindByURNPattern(t *testing.T) {
	t.Parallel()
	c := New()
	c.Add(apiManifest("urn:proto:api:orders", "ns1", "team-a"))
	c.Add(apiManifest("urn:proto:api:shipping", "ns1", "team-a"))
	c.Add(apiManifest("urn:proto:data:orders-archive", "ns1", "team-a"))

	result := c.FindByURNPattern("orders")
	assert.ElementsMatch(t, []string{"urn:proto:api:orders", "urn:proto:data:orders-archive"}, result.Results)
}

func TestCatalog_FindReferencesScansDependencies(t *testing.T) {
	t.Parallel()
	c := New()
	target := apiManifest("urn:proto:api:orders", "ns1", "team-a")
	c.Add(target)

	referencing := apiManifest("urn:proto:workflow:checkout", "ns1", "team-a")
	referencing.Dependencies = []string{"urn:proto:api:orders"}
	c.Add(referencing)

	notReferencing := apiManifest("urn:proto:api:unrelated", "ns1", "team-a")
	c.Add(notReferencing)

	result := c.FindReferences("urn:proto:api:orders")
	assert.Equal(t, []string{"urn:proto:workflow:checkout"}, result.Results)
}

func TestCatalog_AgentCapabilityIndexes(t *testing.T) {
	t.Parallel()
	c := New()
	agent := manifest.Manifest{
		URN:  "urn:proto:agent:support-bot",
		Type: manifest.TypeAgent,
		Capabilities: manifest.AgentCapabilities{
			Tools:     []string{"search"},
			Resources: []string{"kb:faq"},
			Workflows: []string{"urn:proto:workflow:refund"},
			APIs:      []string{"urn:proto:api:orders"},
		},
	}
	c.Add(agent)

	assert.Equal(t, []string{agent.URN}, c.FindAgentsByTool("search").Results)
	assert.Equal(t, []string{agent.URN}, c.FindAgentsByResource("kb:faq").Results)
	assert.Equal(t, []string{agent.URN}, c.FindAgentsByWorkflow("urn:proto:workflow:refund").Results)
	assert.Equal(t, []string{agent.URN}, c.FindAgentsByAPI("urn:proto:api:orders").Results)
}

func TestCatalog_FindAgentsForAPI(t *testing.T) {
	t.Parallel()
	c := New()
	agent := manifest.Manifest{
		URN:  "urn:proto:agent:support-bot",
		Type: manifest.TypeAgent,
		Capabilities: manifest.AgentCapabilities{
			Workflows: []string{"urn:proto:workflow:refund"},
		},
	}
	c.Add(agent)

	result := c.FindAgentsForAPI("urn:proto:api:orders", []string{"urn:proto:workflow:refund"})
	assert.Equal(t, []string{agent.URN}, result.Results)
}

func TestCatalog_ReAddOverwritesPriorIndexes(t *testing.T) {
	t.Parallel()
	c := New()
	c.Add(apiManifest("urn:a", "ns1", "team-a", "old-tag"))
	c.Add(apiManifest("urn:a", "ns2", "team-b", "new-tag"))

	assert.Zero(t, c.FindByNamespace("ns1").Count)
	assert.Zero(t, c.FindByTag("old-tag").Count)
	assert.Equal(t, []string{"urn:a"}, c.FindByNamespace("ns2").Results)
	assert.Equal(t, []string{"urn:a"}, c.FindByTag("new-tag").Results)
}
