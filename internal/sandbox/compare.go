package sandbox

import (
	"encoding/json"
	"fmt"

	"github.com/google/go-cmp/cmp"
)

// Normalize converts v to the shape it has after a JSON round trip: numbers
// become float64, arrays []any and objects map[string]any. Both sides of a
// comparison are normalized so values from checkpoints, Python and Go agree.
func Normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("value is not JSON-representable: %w", err)
	}
	return decode(raw)
}

func decode(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Equal reports structural equality of two normalized values.
func Equal(expected, actual any) bool {
	return cmp.Equal(expected, actual)
}

// encodeInputs marshals each test input for the payload.
func encodeInputs(inputs []any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(inputs))
	for i, in := range inputs {
		raw, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("test input %d: %w", i, err)
		}
		out[i] = raw
	}
	return out, nil
}
