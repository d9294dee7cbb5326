package config

import (
	"encoding/json"

	"gopkg.in/yaml.v3"
)

// Nullable is a configuration value which may be explicitly set to null.
type Nullable[T any] struct {
	value T
	exist bool
}

func Null[T any]() Nullable[T] {
	return Nullable[T]{}
}

func NullableValue[T any](v T) Nullable[T] {
	return Nullable[T]{value: v, exist: true}
}

func (v Nullable[T]) Value() (T, bool) {
	return v.value, v.exist
}

func (v Nullable[T]) MarshalJSON() ([]byte, error) {
	if !v.exist {
		return []byte("null"), nil
	}
	return json.Marshal(v.value)
}

func (v Nullable[T]) MarshalYAML() (any, error) {
	if !v.exist {
		return nil, nil
	}
	return v.value, nil
}

func (v *Nullable[T]) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*v = Null[T]()
		return nil
	}
	if err := json.Unmarshal(b, &v.value); err != nil {
		v.exist = false
		return err
	}
	v.exist = true
	return nil
}

func (v *Nullable[T]) UnmarshalYAML(node *yaml.Node) error {
	switch node.Value {
	case "", "~", "null":
		*v = Null[T]()
		return nil
	}
	if err := node.Decode(&v.value); err != nil {
		v.exist = false
		return err
	}
	v.exist = true
	return nil
}
