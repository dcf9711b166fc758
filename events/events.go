/*
Package events defines the domain events emitted by the dispense engine and
the in-process machinery that delivers them.

EVENT KINDS:
  DrugDispensed  One prescription line was dispensed.
  StockUpdated   A stock record changed quantity.
  LowStock       A stock record is at or below the low-stock threshold.

WIRE FORMAT:
  Payload field names are part of the external contract and must not change:

    DrugDispensed{prescriptionId, lineId, drugId, actorId, quantity, timestamp}
    StockUpdated{drugId, location, oldQuantity, newQuantity, timestamp}
    LowStock{drugId, location, quantity, threshold, timestamp}

  When an event leaves the process (outbox row, Kafka message) it is wrapped
  in an envelope: {"name": ..., "payload": {...}, "occurredAt": ...}.

DELIVERY:
  Events are never published from inside a store transaction. The stock
  ledger stages them in the outbox and the outbox dispatcher publishes them
  after commit. See bus.go for subscriber semantics.

SEE ALSO:
  - bus.go: Publisher, Bus, Sink
  - kafka.go: Kafka sink
  - outbox/dispatcher.go: post-commit publishing
*/
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Name identifies an event kind.
type Name string

const (
	NameDrugDispensed Name = "DrugDispensed"
	NameStockUpdated  Name = "StockUpdated"
	NameLowStock      Name = "LowStock"
)

// Payload is implemented by every event body.
type Payload interface {
	EventName() Name
	// PartitionKey groups events that must stay ordered relative to each other.
	PartitionKey() string
}

// =============================================================================
// PAYLOADS
// =============================================================================

type DrugDispensed struct {
	PrescriptionID string    `json:"prescriptionId"`
	LineID         string    `json:"lineId"`
	DrugID         string    `json:"drugId"`
	ActorID        string    `json:"actorId"`
	Quantity       int64     `json:"quantity"`
	Timestamp      time.Time `json:"timestamp"`
}

func (DrugDispensed) EventName() Name        { return NameDrugDispensed }
func (e DrugDispensed) PartitionKey() string { return e.DrugID }

type StockUpdated struct {
	DrugID      string    `json:"drugId"`
	Location    string    `json:"location"`
	OldQuantity int64     `json:"oldQuantity"`
	NewQuantity int64     `json:"newQuantity"`
	Timestamp   time.Time `json:"timestamp"`
}

func (StockUpdated) EventName() Name        { return NameStockUpdated }
func (e StockUpdated) PartitionKey() string { return e.DrugID }

type LowStock struct {
	DrugID    string    `json:"drugId"`
	Location  string    `json:"location"`
	Quantity  int64     `json:"quantity"`
	Threshold int64     `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

func (LowStock) EventName() Name        { return NameLowStock }
func (e LowStock) PartitionKey() string { return e.DrugID }

// =============================================================================
// EVENT - Payload plus delivery metadata
// =============================================================================

type Event struct {
	// ID is the outbox record ID when the event came through the outbox.
	ID         string
	Name       Name
	Payload    Payload
	OccurredAt time.Time
}

// New wraps a payload.
func New(p Payload, at time.Time) Event {
	return Event{Name: p.EventName(), Payload: p, OccurredAt: at}
}

type envelope struct {
	ID         string          `json:"id,omitempty"`
	Name       Name            `json:"name"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurredAt"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{ID: e.ID, Name: e.Name, Payload: raw, OccurredAt: e.OccurredAt})
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	p, err := Decode(env.Name, env.Payload)
	if err != nil {
		return err
	}
	*e = Event{ID: env.ID, Name: env.Name, Payload: p, OccurredAt: env.OccurredAt}
	return nil
}

// Decode turns a stored payload back into its typed form.
func Decode(name Name, raw []byte) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch name {
	case NameDrugDispensed:
		var v DrugDispensed
		err = json.Unmarshal(raw, &v)
		p = v
	case NameStockUpdated:
		var v StockUpdated
		err = json.Unmarshal(raw, &v)
		p = v
	case NameLowStock:
		var v LowStock
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown event name %q", name)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return p, nil
}
