package events

import (
	"encoding/json"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/anchorhold/vaultstream/pkg/fault"
)

// RawEvent is the already-normalized envelope delivered by the upstream
// stream adapter. Data is opaque until the normalizer dispatches on Type.
type RawEvent struct {
	TransactionHash string          `json:"transaction_hash"`
	EventIndex      int             `json:"event_index"`
	LedgerSequence  uint32          `json:"ledger_sequence"`
	ContractID      string          `json:"contract_id"`
	Type            string          `json:"type"`
	Data            json.RawMessage `json:"data"`
	PagingToken     string          `json:"paging_token"`
}

// envelopeSchema validates the raw envelope before any typed decoding.
const envelopeSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["transaction_hash", "event_index", "type", "data"],
	"properties": {
		"transaction_hash": {"type": "string", "minLength": 1},
		"event_index": {"type": "integer", "minimum": 0},
		"ledger_sequence": {"type": "integer", "minimum": 0},
		"contract_id": {"type": "string"},
		"type": {
			"type": "string",
			"enum": ["vault_created", "vault_status_changed", "milestone_created", "milestone_validated"]
		},
		"data": {"type": "object"},
		"paging_token": {"type": "string"}
	}
}`

// Normalizer validates raw events and converts them to canonical Events.
type Normalizer struct {
	schema *jsonschema.Schema
}

// NewNormalizer compiles the embedded envelope schema. The schema is a
// compile-time constant, so a failure here is a programming error.
func NewNormalizer() *Normalizer {
	return &Normalizer{
		schema: jsonschema.MustCompileString("envelope.json", envelopeSchema),
	}
}

// Normalize validates raw and returns the canonical event. All failures are
// permanent MALFORMED_EVENT faults: a malformed event can never become
// well-formed by retrying.
func (n *Normalizer) Normalize(raw RawEvent) (Event, error) {
	doc, err := toDocument(raw)
	if err != nil {
		return Event{}, fault.WrapPermanent(fault.CodeMalformedEvent, err, "re-encode raw event")
	}
	if err := n.schema.Validate(doc); err != nil {
		return Event{}, fault.WrapPermanent(fault.CodeMalformedEvent, err, "envelope validation")
	}

	payload, err := decodePayload(Type(raw.Type), raw.Data)
	if err != nil {
		return Event{}, err
	}
	if err := validatePayload(payload); err != nil {
		return Event{}, err
	}

	return Event{
		ID:              ID(raw.TransactionHash, raw.EventIndex),
		TransactionHash: raw.TransactionHash,
		EventIndex:      raw.EventIndex,
		LedgerSequence:  raw.LedgerSequence,
		Type:            Type(raw.Type),
		Payload:         payload,
	}, nil
}

// validatePayload enforces per-type required fields the schema cannot see
// inside the opaque data object.
func validatePayload(p Payload) error {
	switch v := p.(type) {
	case VaultCreated:
		if v.VaultID == "" {
			return fault.Permanent(fault.CodeMalformedEvent, "vault_created missing vault_id")
		}
	case VaultStatusChanged:
		if v.VaultID == "" || v.Status == "" {
			return fault.Permanent(fault.CodeMalformedEvent, "vault_status_changed missing vault_id or status")
		}
	case MilestoneCreated:
		if v.VaultID == "" || v.MilestoneID == "" {
			return fault.Permanent(fault.CodeMalformedEvent, "milestone_created missing vault_id or milestone_id")
		}
	case MilestoneValidated:
		if v.VaultID == "" || v.MilestoneID == "" || v.Verdict == "" {
			return fault.Permanent(fault.CodeMalformedEvent, "milestone_validated missing required fields")
		}
	}
	return nil
}

// toDocument converts raw into the generic form the schema validator expects.
func toDocument(raw RawEvent) (any, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
