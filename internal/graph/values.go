package graph

import (
	"fmt"
	"sort"
)

// Values maps port names to values. File ports carry absolute paths as
// strings; scattered ports carry []string.
type Values map[string]any

// Clone returns a shallow copy of v.
func (v Values) Clone() Values {
	out := make(Values, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// Keys returns the port names in sorted order.
func (v Values) Keys() []string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String returns the string bound to port.
func (v Values) String(port string) (string, error) {
	raw, ok := v[port]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissingInput, port)
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("port %s: expected string, got %T", port, raw)
	}
	return s, nil
}

// Float returns the number bound to port.
func (v Values) Float(port string) (float64, error) {
	raw, ok := v[port]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissingInput, port)
	}
	switch n := raw.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	}
	return 0, fmt.Errorf("port %s: expected number, got %T", port, raw)
}

// Int returns the integer bound to port.
func (v Values) Int(port string) (int, error) {
	raw, ok := v[port]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissingInput, port)
	}
	switch n := raw.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n == float64(int(n)) {
			return int(n), nil
		}
	}
	return 0, fmt.Errorf("port %s: expected integer, got %T", port, raw)
}

// Bool returns the boolean bound to port.
func (v Values) Bool(port string) (bool, error) {
	raw, ok := v[port]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrMissingInput, port)
	}
	b, ok := raw.(bool)
	if !ok {
		return false, fmt.Errorf("port %s: expected bool, got %T", port, raw)
	}
	return b, nil
}

// Strings returns the list bound to port.
func (v Values) Strings(port string) ([]string, error) {
	raw, ok := v[port]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingInput, port)
	}
	return toStrings(port, raw)
}

func toStrings(port string, raw any) ([]string, error) {
	switch list := raw.(type) {
	case []string:
		return list, nil
	case []any:
		out := make([]string, len(list))
		for i, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("port %s[%d]: expected string, got %T", port, i, item)
			}
			out[i] = s
		}
		return out, nil
	}
	return nil, fmt.Errorf("port %s: expected list, got %T", port, raw)
}
