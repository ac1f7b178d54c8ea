package conflict

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"continuum/cmd/internal/state"
)

// Resolution is the strategy a device picks for a detected conflict.
type Resolution string

const (
	// ResolutionLocal overwrites the session with the device's local state.
	ResolutionLocal Resolution = "local"
	// ResolutionRemote keeps the session state as is.
	ResolutionRemote Resolution = "remote"
	// ResolutionMerge is a shallow merge where the session state wins on shared keys.
	ResolutionMerge Resolution = "merge"
)

var ErrUnknownResolution = errors.New("conflict: unknown resolution")

// ParseResolution accepts the wire spelling of a resolution.
func ParseResolution(s string) (Resolution, error) {
	switch r := Resolution(strings.ToLower(strings.TrimSpace(s))); r {
	case ResolutionLocal, ResolutionRemote, ResolutionMerge:
		return r, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownResolution, s)
	}
}

// Detect returns the sorted top-level keys whose values differ between local and remote,
// including keys present on only one side.
func Detect(local, remote map[string]json.RawMessage) []string {
	keys := make([]string, 0)
	for k, lv := range local {
		rv, ok := remote[k]
		if !ok || !state.ValuesEqual(lv, rv) {
			keys = append(keys, k)
		}
	}
	for k := range remote {
		if _, ok := local[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Merge returns {...local, ...remote}.
func Merge(local, remote map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(local)+len(remote))
	for k, v := range local {
		out[k] = v
	}
	for k, v := range remote {
		out[k] = v
	}
	return out
}

// Apply computes the state that results from resolving local against remote with r.
func Apply(r Resolution, local, remote map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	switch r {
	case ResolutionLocal:
		return clone(local), nil
	case ResolutionRemote:
		return clone(remote), nil
	case ResolutionMerge:
		return Merge(local, remote), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownResolution, string(r))
	}
}

func clone(in map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
