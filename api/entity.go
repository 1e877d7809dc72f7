package api

import (
	"encoding/json"
	"fmt"
)

// Entity is the deppy representation of a solved flatpak: the commit is the
// ID and the package description travels in Data.
type Entity struct {
	ID          string          `json:"id"`
	Data        json.RawMessage `json:"data,omitempty"`
	Properties  []TypeValue     `json:"properties,omitempty"`
	Constraints []TypeValue     `json:"constraints,omitempty"`
}

type TypeValue struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// NewTypeValue marshals v as the value of a property or constraint of type typ.
func NewTypeValue(typ string, v interface{}) (TypeValue, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return TypeValue{}, fmt.Errorf("marshal %q value: %w", typ, err)
	}
	return TypeValue{Type: typ, Value: data}, nil
}
