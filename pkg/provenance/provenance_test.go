package provenance

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"google.golang.org/protobuf/encoding/protojson"
	structpb "google.golang.org/protobuf/types/known/structpb"

	itav1 "github.com/in-toto/attestation/go/v1"

	"github.com/stacklok/protoreg/pkg/config"
	protoerrors "github.com/stacklok/protoreg/pkg/errors"
)

func generateTestKey(t *testing.T) (ed25519.PrivateKey, config.ProvenanceKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	return priv, config.ProvenanceKey{KeyID: "test-key-1", Alg: "ed25519", PubKey: string(pemBytes)}
}

func buildStatementPayload(t *testing.T) []byte {
	t.Helper()
	predicate, err := structpb.NewStruct(map[string]any{
		"builder": map[string]any{"id": "https://ci.example.com/builder/v1"},
		"invocation": map[string]any{
			"configSource": map[string]any{"digest": map[string]any{"sha1": "abc123"}},
		},
		"metadata": map[string]any{"buildFinishedOn": "2026-07-30T00:00:00Z"},
		"materials": []any{
			map[string]any{"uri": "git+https://example.com/repo.git"},
		},
	})
	require.NoError(t, err)

	statement := &itav1.Statement{
		Type:          "https://in-toto.io/Statement/v1",
		PredicateType: "https://slsa.dev/provenance/v1",
		Subject: []*itav1.ResourceDescriptor{
			{Name: "urn:proto:api:orders", Digest: map[string]string{"sha256": "deadbeef"}},
		},
		Predicate: predicate,
	}

	payload, err := protojson.Marshal(statement)
	require.NoError(t, err)
	return payload
}

func signEnvelope(t *testing.T, priv ed25519.PrivateKey, keyID string, payload []byte) []byte {
	t.Helper()
	pae := preAuthEncoding(inTotoPayloadType, payload)
	sig := ed25519.Sign(priv, pae)

	envelope := Envelope{
		PayloadType: inTotoPayloadType,
		Payload:     base64.StdEncoding.EncodeToString(payload),
		Signatures:  []Signature{{KeyID: keyID, Sig: base64.StdEncoding.EncodeToString(sig)}},
	}
	data, err := json.Marshal(envelope)
	require.NoError(t, err)
	return data
}

func TestVerifier_VerifiesValidEnvelope(t *testing.T) {
	t.Parallel()
	priv, key := generateTestKey(t)
	v, err := NewVerifier([]config.ProvenanceKey{key})
	require.NoError(t, err)

	payload := buildStatementPayload(t)
	envelopeBytes := signEnvelope(t, priv, key.KeyID, payload)

	summary, err := v.Verify(envelopeBytes)
	require.NoError(t, err)
	assert.Equal(t, "https://slsa.dev/provenance/v1", summary.PredicateType)
	assert.Equal(t, "https://ci.example.com/builder/v1", summary.Builder)
	assert.Equal(t, "abc123", summary.Commit)
	assert.Equal(t, "2026-07-30T00:00:00Z", summary.Timestamp)
	assert.Equal(t, []string{"git+https://example.com/repo.git"}, summary.Materials)
	require.Len(t, summary.Subjects, 1)
}

func TestVerifier_RejectsUnknownKeyID(t *testing.T) {
	t.Parallel()
	priv, key := generateTestKey(t)
	_, otherKey := generateTestKey(t)
	v, err := NewVerifier([]config.ProvenanceKey{otherKey})
	require.NoError(t, err)

	payload := buildStatementPayload(t)
	envelopeBytes := signEnvelope(t, priv, key.KeyID, payload)

	_, err = v.Verify(envelopeBytes)
	require.Error(t, err)
	assert.True(t, protoerrors.IsProvenanceInvalid(err))
}

func TestVerifier_RejectsTamperedPayload(t *testing.T) {
	t.Parallel()
	priv, key := generateTestKey(t)
	v, err := NewVerifier([]config.ProvenanceKey{key})
	require.NoError(t, err)

	payload := buildStatementPayload(t)
	envelopeBytes := signEnvelope(t, priv, key.KeyID, payload)

	// Flip the payload content so the signature no longer matches.
	var envelope Envelope
	require.NoError(t, json.Unmarshal(envelopeBytes, &envelope))
	envelope.Payload = base64.StdEncoding.EncodeToString([]byte("tampered"))
	retampered, err := json.Marshal(envelope)
	require.NoError(t, err)

	_, err = v.Verify(retampered)
	require.Error(t, err)
	assert.True(t, protoerrors.IsProvenanceInvalid(err))
}

func TestVerifier_RejectsWrongPayloadType(t *testing.T) {
	t.Parallel()
	priv, key := generateTestKey(t)
	v, err := NewVerifier([]config.ProvenanceKey{key})
	require.NoError(t, err)

	payload := buildStatementPayload(t)
	pae := preAuthEncoding("application/unknown", payload)
	sig := ed25519.Sign(priv, pae)
	envelope := Envelope{
		PayloadType: "application/unknown",
		Payload:     base64.StdEncoding.EncodeToString(payload),
		Signatures:  []Signature{{KeyID: key.KeyID, Sig: base64.StdEncoding.EncodeToString(sig)}},
	}
	data, err := json.Marshal(envelope)
	require.NoError(t, err)

	_, err = v.Verify(data)
	require.Error(t, err)
	assert.True(t, protoerrors.IsProvenanceInvalid(err))
}

func TestVerifier_RejectsMalformedEnvelope(t *testing.T) {
	t.Parallel()
	v, err := NewVerifier(nil)
	require.NoError(t, err)

	_, err = v.Verify([]byte("not json"))
	require.Error(t, err)
	assert.True(t, protoerrors.IsProvenanceInvalid(err))
}

func TestNewVerifier_RejectsInvalidPEM(t *testing.T) {
	t.Parallel()
	_, err := NewVerifier([]config.ProvenanceKey{{KeyID: "bad", PubKey: "not a pem"}})
	require.Error(t, err)
}
