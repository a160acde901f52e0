// Package provenance verifies the DSSE-enveloped in-toto attestations
// optionally required for registration (§4.9): parse the envelope, look up
// the signer's public key by keyid, verify the signature over the DSSE
// pre-authentication encoding, and extract a human-readable summary from
// the in-toto statement payload.
package provenance

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"strconv"

	"google.golang.org/protobuf/encoding/protojson"
	structpb "google.golang.org/protobuf/types/known/structpb"

	itav1 "github.com/in-toto/attestation/go/v1"

	"github.com/stacklok/protoreg/pkg/config"
	protoerrors "github.com/stacklok/protoreg/pkg/errors"
)

// payloadType recognized by this verifier; anything else is rejected as
// provenance_invalid.
const inTotoPayloadType = "application/vnd.in-toto+json"

// Envelope is a DSSE envelope as defined by the Dead Simple Signing
// Envelope spec: a base64 payload plus one or more signatures, each
// identifying its signer by keyid.
type Envelope struct {
	PayloadType string      `json:"payloadType"`
	Payload     string      `json:"payload"`
	Signatures  []Signature `json:"signatures"`
}

// Signature is one DSSE signature entry.
type Signature struct {
	KeyID string `json:"keyid"`
	Sig   string `json:"sig"`
}

// Summary is the human-readable extraction of an in-toto statement's
// predicate, covering the fields a build-provenance predicate commonly
// carries (§4.9).
type Summary struct {
	PredicateType string
	Subjects      []string
	Builder       string
	Commit        string
	Timestamp     string
	Materials     []string
}

// Verifier checks DSSE envelopes against a fixed set of configured keys,
// keyed by keyid.
type Verifier struct {
	keys map[string]verifyKey
}

type verifyKey struct {
	alg string
	ed  ed25519.PublicKey
	ec  *ecdsa.PublicKey
}

// NewVerifier builds a Verifier from the configured provenance keys.
func NewVerifier(keys []config.ProvenanceKey) (*Verifier, error) {
	v := &Verifier{keys: make(map[string]verifyKey, len(keys))}
	for _, k := range keys {
		parsed, err := parsePublicKey(k)
		if err != nil {
			return nil, protoerrors.NewValidationError(
				fmt.Sprintf("invalid provenance key %q", k.KeyID), err)
		}
		v.keys[k.KeyID] = parsed
	}
	return v, nil
}

func parsePublicKey(k config.ProvenanceKey) (verifyKey, error) {
	block, _ := pem.Decode([]byte(k.PubKey))
	if block == nil {
		return verifyKey{}, fmt.Errorf("no PEM block found")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return verifyKey{}, err
	}

	switch key := pub.(type) {
	case ed25519.PublicKey:
		return verifyKey{alg: "ed25519", ed: key}, nil
	case *ecdsa.PublicKey:
		return verifyKey{alg: "ecdsa", ec: key}, nil
	default:
		return verifyKey{}, fmt.Errorf("unsupported public key type %T", pub)
	}
}

// Verify parses raw as a DSSE envelope, locates the configured key
// matching one of its signatures' keyid, and verifies that signature over
// the PAE-encoded payload. On success it returns a Summary extracted from
// the in-toto statement payload.
func (v *Verifier) Verify(raw []byte) (Summary, error) {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Summary{}, protoerrors.NewProvenanceInvalidError("malformed DSSE envelope", err)
	}
	if envelope.PayloadType != inTotoPayloadType {
		return Summary{}, protoerrors.NewProvenanceInvalidError(
			fmt.Sprintf("unsupported payload type %q", envelope.PayloadType), nil)
	}
	if len(envelope.Signatures) == 0 {
		return Summary{}, protoerrors.NewProvenanceInvalidError("envelope has no signatures", nil)
	}

	payload, err := base64.StdEncoding.DecodeString(envelope.Payload)
	if err != nil {
		return Summary{}, protoerrors.NewProvenanceInvalidError("payload is not valid base64", err)
	}

	pae := preAuthEncoding(envelope.PayloadType, payload)

	verified := false
	for _, sig := range envelope.Signatures {
		key, ok := v.keys[sig.KeyID]
		if !ok {
			continue
		}
		sigBytes, err := base64.StdEncoding.DecodeString(sig.Sig)
		if err != nil {
			continue
		}
		if verifySignature(key, pae, sigBytes) {
			verified = true
			break
		}
	}
	if !verified {
		return Summary{}, protoerrors.NewProvenanceInvalidError("no configured key verified this envelope", nil)
	}

	return summarize(payload)
}

// preAuthEncoding builds DSSE's PAE: "DSSEv1" SP len(payloadType) SP
// payloadType SP len(payload) SP payload.
func preAuthEncoding(payloadType string, payload []byte) []byte {
	pae := fmt.Sprintf("DSSEv1 %d %s %d ", len(payloadType), payloadType, len(payload))
	out := append([]byte(pae), payload...)
	return out
}

func verifySignature(key verifyKey, message, sig []byte) bool {
	switch key.alg {
	case "ed25519":
		if key.ed == nil {
			return false
		}
		return ed25519.Verify(key.ed, message, sig)
	case "ecdsa":
		if key.ec == nil {
			return false
		}
		digest := sha256.Sum256(message)
		return ecdsa.VerifyASN1(key.ec, digest[:], sig)
	default:
		return false
	}
}

// summarize decodes payload as an in-toto v1 Statement and extracts the
// fields a build-provenance predicate commonly carries: builder id,
// source commit, build timestamp, and materials, pulled out of the
// predicate's generic struct.
func summarize(payload []byte) (Summary, error) {
	var statement itav1.Statement
	if err := protojson.Unmarshal(payload, &statement); err != nil {
		return Summary{}, protoerrors.NewProvenanceInvalidError("payload is not a valid in-toto statement", err)
	}

	summary := Summary{PredicateType: statement.GetPredicateType()}
	for _, subject := range statement.GetSubject() {
		summary.Subjects = append(summary.Subjects, subjectDigest(subject))
	}

	predicate := statement.GetPredicate()
	summary.Builder = lookupString(predicate, "builder", "id")
	summary.Commit = lookupString(predicate, "invocation", "configSource", "digest", "sha1")
	summary.Timestamp = lookupString(predicate, "metadata", "buildFinishedOn")
	summary.Materials = lookupStringList(predicate, "materials")

	return summary, nil
}

func subjectDigest(subject *itav1.ResourceDescriptor) string {
	if subject == nil {
		return ""
	}
	for alg, digest := range subject.GetDigest() {
		return fmt.Sprintf("%s:%s@%s:%s", subject.GetName(), subject.GetUri(), alg, digest)
	}
	return subject.GetName()
}

// lookupString walks a nested structpb.Struct by field path, returning the
// first string value found or "" if the path does not resolve.
func lookupString(s *structpb.Struct, path ...string) string {
	v := lookupValue(s, path...)
	if v == nil {
		return ""
	}
	if v.GetStringValue() != "" {
		return v.GetStringValue()
	}
	if v.GetNumberValue() != 0 {
		return strconv.FormatFloat(v.GetNumberValue(), 'f', -1, 64)
	}
	return ""
}

func lookupStringList(s *structpb.Struct, path ...string) []string {
	v := lookupValue(s, path...)
	if v == nil {
		return nil
	}
	list := v.GetListValue()
	if list == nil {
		return nil
	}
	out := make([]string, 0, len(list.GetValues()))
	for _, item := range list.GetValues() {
		if item.GetStringValue() != "" {
			out = append(out, item.GetStringValue())
		} else if item.GetStructValue() != nil {
			if name := item.GetStructValue().Fields["uri"]; name != nil {
				out = append(out, name.GetStringValue())
			}
		}
	}
	return out
}

func lookupValue(s *structpb.Struct, path ...string) *structpb.Value {
	if s == nil || len(path) == 0 {
		return nil
	}
	cur := s
	for i, key := range path {
		field, ok := cur.Fields[key]
		if !ok {
			return nil
		}
		if i == len(path)-1 {
			return field
		}
		cur = field.GetStructValue()
		if cur == nil {
			return nil
		}
	}
	return nil
}
