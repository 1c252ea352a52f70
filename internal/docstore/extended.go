package docstore

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// Extensions carries JSON members that have no dedicated field, preserved verbatim.
type Extensions map[string]json.RawMessage

// MarshalExtended encodes the well-known fields of known and merges extra members into the same
// object. A well-known field always wins over an extension of the same name.
func MarshalExtended(known any, extra Extensions) ([]byte, error) {
	encoded, err := json.Marshal(known)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return encoded, nil
	}
	members := make(map[string]json.RawMessage)
	if err := json.Unmarshal(encoded, &members); err != nil {
		return nil, fmt.Errorf("extended value must encode as an object: %w", err)
	}
	for name, value := range extra {
		if _, taken := members[name]; taken {
			continue
		}
		members[name] = value
	}
	return json.Marshal(members)
}

// UnmarshalExtended decodes data into known (a pointer to struct) and returns every member that
// does not correspond to one of its fields.
func UnmarshalExtended(data []byte, known any) (Extensions, error) {
	if err := json.Unmarshal(data, known); err != nil {
		return nil, err
	}
	members := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &members); err != nil {
		return nil, err
	}
	for _, name := range jsonFieldNames(reflect.TypeOf(known)) {
		delete(members, name)
	}
	if len(members) == 0 {
		return nil, nil
	}
	return Extensions(members), nil
}

func jsonFieldNames(t reflect.Type) []string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil
	}
	names := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		switch name {
		case "-":
			continue
		case "":
			name = field.Name
		}
		names = append(names, name)
	}
	return names
}
