// Package events defines the canonical, strongly-typed representation of
// upstream ledger events and the normalizer that produces it.
package events

import (
	"encoding/json"
	"fmt"

	"github.com/anchorhold/vaultstream/pkg/fault"
)

// Type identifies the kind of ledger event.
type Type string

const (
	TypeVaultCreated       Type = "vault_created"
	TypeVaultStatusChanged Type = "vault_status_changed"
	TypeMilestoneCreated   Type = "milestone_created"
	TypeMilestoneValidated Type = "milestone_validated"
)

// KnownTypes lists every event type the processor can route.
func KnownTypes() []Type {
	return []Type{TypeVaultCreated, TypeVaultStatusChanged, TypeMilestoneCreated, TypeMilestoneValidated}
}

// ID builds the globally unique event identifier. Its format,
// "{transactionHash}:{eventIndex}", is a compatibility invariant.
func ID(transactionHash string, eventIndex int) string {
	return fmt.Sprintf("%s:%d", transactionHash, eventIndex)
}

// Payload is the sealed union of per-type event payloads.
type Payload interface {
	eventType() Type
}

// VaultCreated announces a new vault on the ledger.
type VaultCreated struct {
	VaultID string `json:"vault_id"`
	Owner   string `json:"owner,omitempty"`
	Asset   string `json:"asset,omitempty"`
	Amount  string `json:"amount,omitempty"`
}

func (VaultCreated) eventType() Type { return TypeVaultCreated }

// VaultStatusChanged updates the lifecycle status of an existing vault.
type VaultStatusChanged struct {
	VaultID string `json:"vault_id"`
	Status  string `json:"status"`
}

func (VaultStatusChanged) eventType() Type { return TypeVaultStatusChanged }

// MilestoneCreated adds a milestone under an existing vault.
type MilestoneCreated struct {
	VaultID     string `json:"vault_id"`
	MilestoneID string `json:"milestone_id"`
	Index       int    `json:"index"`
	Title       string `json:"title,omitempty"`
	Amount      string `json:"amount,omitempty"`
}

func (MilestoneCreated) eventType() Type { return TypeMilestoneCreated }

// MilestoneValidated records an on-ledger validation verdict for an
// existing milestone.
type MilestoneValidated struct {
	VaultID     string `json:"vault_id"`
	MilestoneID string `json:"milestone_id"`
	Index       int    `json:"index"`
	Verdict     string `json:"verdict"`
	ValidatedBy string `json:"validated_by,omitempty"`
}

func (MilestoneValidated) eventType() Type { return TypeMilestoneValidated }

// Event is a normalized, validated ledger event. ID is the idempotency key.
type Event struct {
	ID              string
	TransactionHash string
	EventIndex      int
	LedgerSequence  uint32
	Type            Type
	Payload         Payload
}

// envelope is the wire/snapshot form of Event. The payload travels as raw
// JSON next to the type tag so a snapshot round-trips losslessly.
type envelope struct {
	ID              string          `json:"event_id"`
	TransactionHash string          `json:"transaction_hash"`
	EventIndex      int             `json:"event_index"`
	LedgerSequence  uint32          `json:"ledger_sequence"`
	Type            Type            `json:"type"`
	Payload         json.RawMessage `json:"payload"`
}

// MarshalJSON encodes the event with its type tag.
func (e Event) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{
		ID:              e.ID,
		TransactionHash: e.TransactionHash,
		EventIndex:      e.EventIndex,
		LedgerSequence:  e.LedgerSequence,
		Type:            e.Type,
		Payload:         payload,
	})
}

// UnmarshalJSON decodes an event, dispatching the payload on the type tag.
func (e *Event) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	payload, err := decodePayload(env.Type, env.Payload)
	if err != nil {
		return err
	}
	e.ID = env.ID
	e.TransactionHash = env.TransactionHash
	e.EventIndex = env.EventIndex
	e.LedgerSequence = env.LedgerSequence
	e.Type = env.Type
	e.Payload = payload
	return nil
}

// Decode reconstructs an Event from a snapshot produced by MarshalJSON,
// e.g. a dead-letter payload.
func Decode(snapshot []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(snapshot, &e); err != nil {
		return Event{}, fault.WrapPermanent(fault.CodeMalformedEvent, err, "decode event snapshot")
	}
	return e, nil
}

func decodePayload(t Type, raw json.RawMessage) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch t {
	case TypeVaultCreated:
		var v VaultCreated
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeVaultStatusChanged:
		var v VaultStatusChanged
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeMilestoneCreated:
		var v MilestoneCreated
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeMilestoneValidated:
		var v MilestoneValidated
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fault.Permanent(fault.CodeMalformedEvent, "unknown event type %q", t)
	}
	if err != nil {
		return nil, fault.WrapPermanent(fault.CodeMalformedEvent, err, "decode %s payload", t)
	}
	return p, nil
}
