// Package maputil navigates nested string-keyed metadata maps by key path.
package maputil

import (
	"errors"
	"fmt"
	"strings"
)

// KeyNotFoundError reports a missing key and where in the path it went missing.
type KeyNotFoundError struct {
	Key  string
	Path string
}

// Error implements the error interface.
func (e *KeyNotFoundError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("key '%s' not found at path '%s'", e.Key, e.Path)
	}
	return fmt.Sprintf("key '%s' not found", e.Key)
}

// GetValueAtPath retrieves the value at the specified key path in the metadata map.
func GetValueAtPath(data any, keys []string) (any, error) {
	parentMap, lastKey, err := NavigateToParentMap(data, keys, false)
	if err != nil {
		return nil, err
	}
	val, ok := parentMap[lastKey]
	if !ok {
		path := strings.Join(keys[:len(keys)-1], ".")
		return nil, &KeyNotFoundError{Key: lastKey, Path: path}
	}
	return val, nil
}

// SetValueAtPath sets the value at the specified key path, creating intermediate maps.
// The stored value is a deep copy so later caller mutations do not leak in.
func SetValueAtPath(data any, keys []string, value any) error {
	parentMap, lastKey, err := NavigateToParentMap(data, keys, true)
	if err != nil {
		return err
	}
	if lastKey == "" {
		return &KeyNotFoundError{Key: lastKey, Path: strings.Join(keys, ".")}
	}
	parentMap[lastKey] = DeepCopyValue(value)
	return nil
}

// DeleteValueAtPath deletes the value at the specified key path.
// A missing path is a noop.
func DeleteValueAtPath(data any, keys []string) error {
	parentMap, lastKey, err := NavigateToParentMap(data, keys, false)
	if err != nil {
		var kne *KeyNotFoundError
		if errors.As(err, &kne) {
			return nil
		}
		return err
	}
	_, ok := parentMap[lastKey]
	if ok {
		delete(parentMap, lastKey)
	}
	return nil
}

// DeepCopyValue creates a deep copy of a JSON-shaped value.
// Maps and slices are copied recursively, scalars are returned as is.
func DeepCopyValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		newV := make(map[string]any, len(v))
		for k, val := range v {
			newV[k] = DeepCopyValue(val)
		}
		return newV
	case []any:
		sliceCopy := make([]any, len(v))
		for i, elem := range v {
			sliceCopy[i] = DeepCopyValue(elem)
		}
		return sliceCopy
	default:
		return v
	}
}

// NavigateToParentMap walks the path down to the map holding the last key.
// It returns that parent map, the last key, and any error encountered.
// If createMissing is true, missing intermediate maps are created on the way.
func NavigateToParentMap(
	data any,
	keys []string,
	createMissing bool,
) (parentMap map[string]any, lastKey string, err error) {
	if len(keys) == 0 {
		return nil, "", errors.New("empty key path received")
	}
	current := data
	for i := 0; i < len(keys)-1; i++ {
		key := keys[i]
		m, ok := current.(map[string]any)
		if !ok {
			path := strings.Join(keys[:i], ".")
			return nil, "", fmt.Errorf("path '%s' is not a map", path)
		}
		next, ok := m[key]
		if !ok {
			if createMissing && key != "" {
				newMap := make(map[string]any)
				m[key] = newMap
				current = newMap
			} else {
				path := strings.Join(keys[:i], ".")
				return nil, "", &KeyNotFoundError{Key: key, Path: path}
			}
		} else {
			current = next
		}
	}

	parentMap, ok := current.(map[string]any)
	if !ok {
		path := strings.Join(keys[:len(keys)-1], ".")
		return nil, "", fmt.Errorf("path '%s' is not a map", path)
	}
	lastKey = keys[len(keys)-1]
	return parentMap, lastKey, nil
}
