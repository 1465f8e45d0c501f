package encdec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
)

type JSONCodec struct{}

// Encode encodes the given value into JSON format and writes it to the writer.
func (c JSONCodec) Encode(w io.Writer, value any) error {
	if w == nil {
		return errors.New("writer cannot be nil")
	}

	encoder := json.NewEncoder(w)
	// For pretty output.
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(value); err != nil {
		return fmt.Errorf("failed to encode value: %w", err)
	}

	return nil
}

// Decode decodes JSON data from the reader into the given value.
func (c JSONCodec) Decode(r io.Reader, value any) error {
	if r == nil {
		return errors.New("reader cannot be nil")
	}

	if _, err := requireNonNilPointer(value, "value"); err != nil {
		return err
	}

	decoder := newDecoder(r, true) // Disallow unknown fields
	if err := decoder.Decode(value); err != nil {
		return fmt.Errorf("failed to decode JSON: %w", err)
	}

	return nil
}

// StructToMap converts a struct into the map form its JSON tags describe.
func StructToMap(data any) (map[string]any, error) {
	if data == nil {
		return nil, errors.New("input data cannot be nil")
	}
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal struct to JSON: %w", err)
	}

	var result map[string]any
	if err := json.Unmarshal(jsonData, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON to map: %w", err)
	}

	return result, nil
}

// MapToStruct fills out from the map according to out's JSON tags.
// Unknown map keys are rejected.
func MapToStruct(data map[string]any, out any) error {
	if data == nil {
		return errors.New("input data cannot be nil")
	}

	if _, err := requirePointerToStruct(out, "output parameter"); err != nil {
		return err
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal map to JSON: %w", err)
	}

	if err := decodeBytes(jsonData, out, true, false); err != nil {
		return fmt.Errorf("failed to unmarshal JSON to struct: %w", err)
	}

	return nil
}

func requirePointerToStruct(p any, name string) (reflect.Value, error) {
	rv, err := requireNonNilPointer(p, name)
	if err != nil {
		return reflect.Value{}, err
	}
	if rv.Elem().Kind() != reflect.Struct {
		return reflect.Value{}, fmt.Errorf("%s must be a pointer to a struct", name)
	}
	return rv, nil
}

func requireNonNilPointer(p any, name string) (reflect.Value, error) {
	if p == nil {
		return reflect.Value{}, fmt.Errorf("%s cannot be nil", name)
	}
	rv := reflect.ValueOf(p)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return reflect.Value{}, fmt.Errorf("%s must be a non-nil pointer", name)
	}
	return rv, nil
}

// decodeBytes decodes JSON bytes into out with options:
// - disallowUnknown: Disallow unknown fields if true.
// - requireEOF: Reject trailing JSON after the first value if true.
func decodeBytes(data []byte, out any, disallowUnknown, requireEOF bool) error {
	dec := newDecoder(bytes.NewReader(data), disallowUnknown)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode JSON: %w", err)
	}
	if requireEOF {
		if err := requireNoTrailing(dec); err != nil {
			return err
		}
	}
	return nil
}

func newDecoder(r io.Reader, disallowUnknown bool) *json.Decoder {
	dec := json.NewDecoder(r)
	if disallowUnknown {
		dec.DisallowUnknownFields()
	}
	return dec
}

// requireNoTrailing ensures there is no trailing data after the first JSON value.
func requireNoTrailing(dec *json.Decoder) error {
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return errors.New("unexpected trailing data after JSON value")
		}
		return fmt.Errorf("trailing data validation: %w", err)
	}
	return nil
}
