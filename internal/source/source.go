// Package source reads status and scheduled-job state from an agent runtime.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed is returned when the runtime answers with something that is
// not the expected JSON shape.
var ErrMalformed = errors.New("malformed runtime response")

// Source is a runtime status provider.
type Source interface {
	Status(ctx context.Context) (*Status, error)
	Jobs(ctx context.Context) ([]any, error)
}

// Status is one runtime status snapshot. Raw keeps the whole decoded
// object for metric derivation; Sessions and Logs are lifted out of it.
type Status struct {
	Raw      map[string]any
	Sessions []any
	Logs     []any
}

// ParseStatus decodes a status document. sessions may be an array or an
// object carrying a "recent" array; logs is optional.
func ParseStatus(data []byte) (*Status, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: status: %v", ErrMalformed, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: status is not an object", ErrMalformed)
	}
	return &Status{
		Raw:      raw,
		Sessions: list(raw["sessions"], "recent", "items"),
		Logs:     list(raw["logs"], "recent", "items"),
	}, nil
}

// ParseJobs decodes a job listing, either a bare array or {"jobs": [...]}.
func ParseJobs(data []byte) ([]any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: jobs: %v", ErrMalformed, err)
	}
	switch t := v.(type) {
	case []any:
		return t, nil
	case map[string]any:
		return list(t["jobs"]), nil
	case nil:
		return nil, nil
	}
	return nil, fmt.Errorf("%w: jobs is neither array nor object", ErrMalformed)
}

func list(v any, wrapped ...string) []any {
	switch t := v.(type) {
	case []any:
		return t
	case map[string]any:
		for _, k := range wrapped {
			if arr, ok := t[k].([]any); ok {
				return arr
			}
		}
	}
	return nil
}
