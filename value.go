package convex

import (
	"encoding/json"
	"fmt"
)

// json-shaped data returned by queries and passed as arguments
type Value = any

// normalizes a value through its json form into
// maps/slices/primitives, so that structurally equal values
// (struct versus map, different map insertion order) compare equal
func Canonicalize(value Value) (Value, error) {
	if value == nil {
		return nil, nil
	}
	valueJson, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var canonical Value
	err = json.Unmarshal(valueJson, &canonical)
	if err != nil {
		return nil, err
	}
	return canonical, nil
}

// deterministic serialization of the canonical form.
// `encoding/json` emits map keys in sorted order, so key insertion
// order never affects the output.
func CanonicalString(value Value) (string, error) {
	canonical, err := Canonicalize(value)
	if err != nil {
		return "", err
	}
	canonicalJson, err := json.Marshal(canonical)
	if err != nil {
		return "", err
	}
	return string(canonicalJson), nil
}

func StructuralEqual(a Value, b Value) bool {
	aStr, err := CanonicalString(a)
	if err != nil {
		return false
	}
	bStr, err := CanonicalString(b)
	if err != nil {
		return false
	}
	return aStr == bStr
}

// stable identity of one logical query:
// backend function name plus argument value.
// two refs are the same logical subscription iff the name matches
// and the arguments are structurally equal.
type QueryRef struct {
	Name string
	Args Value
}

func NewQueryRef(name string, args Value) QueryRef {
	return QueryRef{
		Name: name,
		Args: args,
	}
}

// canonical identity string. also used as the payload transfer key.
func (self QueryRef) Token() (string, error) {
	argsStr, err := CanonicalString(self.Args)
	if err != nil {
		return "", fmt.Errorf("cannot canonicalize args for %s: %w", self.Name, err)
	}
	return fmt.Sprintf("%s:%s", self.Name, argsStr), nil
}

func QueryKey(name string, args Value) (string, error) {
	return QueryRef{Name: name, Args: args}.Token()
}
