package sync

import (
	"fmt"
)

// Payload is the opaque state carried by an operation. It is raw JSON at
// the queue layer; shape validation happens per entity type at enqueue,
// so the queue stays domain-agnostic while rejecting malformed input.
type Payload []byte

// IsZero reports whether the payload carries no data.
func (p Payload) IsZero() bool {
	return len(p) == 0 || string(p) == "null"
}

// Fields decodes the payload into a flat field map.
func (p Payload) Fields() (map[string]any, error) {
	if p.IsZero() {
		return map[string]any{}, nil
	}
	var fields map[string]any
	if err := jsonUnmarshal(p, &fields); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return fields, nil
}

// Decode unmarshals the payload into v.
func (p Payload) Decode(v any) error {
	if p.IsZero() {
		return fmt.Errorf("decode payload: empty")
	}
	return jsonUnmarshal(p, v)
}

// MarshalPayload encodes v as a Payload.
func MarshalPayload(v any) (Payload, error) {
	raw, err := jsonMarshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return Payload(raw), nil
}

// Per-entity payload shapes. Only the fields the queue needs for
// validation are typed; domains see the full raw JSON.

type OrderPayload struct {
	OrderID string  `json:"orderId"`
	Status  string  `json:"status"`
	Total   float64 `json:"total"`
}

type InventoryPayload struct {
	SKU      string `json:"sku"`
	Quantity *int   `json:"quantity"`
}

type PaymentPayload struct {
	PaymentID string  `json:"paymentId"`
	Amount    float64 `json:"amount"`
	Method    string  `json:"method"`
}

type CustomerPayload struct {
	CustomerID string `json:"customerId"`
	Name       string `json:"name"`
}

type ProductPayload struct {
	SKU  string `json:"sku"`
	Name string `json:"name"`
}

// Settings payloads are free-form key/value maps; any object is valid.

// ValidatePayload checks that a payload parses and carries the minimum
// shape for its entity type. Returns a ValidationError on any mismatch.
func ValidatePayload(entity EntityType, p Payload) error {
	if p.IsZero() {
		return &ValidationError{Field: "data", Reason: "required"}
	}

	switch entity {
	case EntityOrder:
		var v OrderPayload
		if err := p.Decode(&v); err != nil {
			return &ValidationError{Field: "data", Reason: err.Error()}
		}
		if v.OrderID == "" {
			return &ValidationError{Field: "data.orderId", Reason: "required"}
		}
	case EntityInventory:
		var v InventoryPayload
		if err := p.Decode(&v); err != nil {
			return &ValidationError{Field: "data", Reason: err.Error()}
		}
		if v.SKU == "" {
			return &ValidationError{Field: "data.sku", Reason: "required"}
		}
		if v.Quantity != nil && *v.Quantity < 0 {
			return &ValidationError{Field: "data.quantity", Reason: "must not be negative"}
		}
	case EntityPayment:
		var v PaymentPayload
		if err := p.Decode(&v); err != nil {
			return &ValidationError{Field: "data", Reason: err.Error()}
		}
		if v.PaymentID == "" {
			return &ValidationError{Field: "data.paymentId", Reason: "required"}
		}
		if v.Amount < 0 {
			return &ValidationError{Field: "data.amount", Reason: "must not be negative"}
		}
	case EntityCustomer:
		var v CustomerPayload
		if err := p.Decode(&v); err != nil {
			return &ValidationError{Field: "data", Reason: err.Error()}
		}
		if v.CustomerID == "" {
			return &ValidationError{Field: "data.customerId", Reason: "required"}
		}
	case EntityProduct:
		var v ProductPayload
		if err := p.Decode(&v); err != nil {
			return &ValidationError{Field: "data", Reason: err.Error()}
		}
		if v.SKU == "" {
			return &ValidationError{Field: "data.sku", Reason: "required"}
		}
	case EntitySettings:
		if _, err := p.Fields(); err != nil {
			return &ValidationError{Field: "data", Reason: err.Error()}
		}
	default:
		return &ValidationError{Field: "entityType", Reason: fmt.Sprintf("unknown entity %q", entity)}
	}
	return nil
}
