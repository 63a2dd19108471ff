// Package patch computes RFC 7386 merge patches between successive
// snapshots of conversation state.
package patch

import (
	"fmt"
	"sort"

	"github.com/bytedance/sonic"
	jsonpatch "github.com/evanphx/json-patch/v5"
)

// Diff returns the merge patch that turns prev into next. Nil maps and
// slices are treated as empty so a first snapshot diffs against {}.
func Diff[T any](prev, next T) ([]byte, error) {
	before, err := marshal(prev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal previous state: %w", err)
	}
	after, err := marshal(next)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal next state: %w", err)
	}
	p, err := jsonpatch.CreateMergePatch(before, after)
	if err != nil {
		return nil, fmt.Errorf("failed to create merge patch: %w", err)
	}
	return p, nil
}

// Keys reports the top-level keys a merge patch sets and the ones it
// removes, both sorted.
func Keys(p []byte) (changed, removed []string, err error) {
	if len(p) == 0 {
		return nil, nil, nil
	}
	var fields map[string]any
	if err := sonic.Unmarshal(p, &fields); err != nil {
		return nil, nil, fmt.Errorf("merge patch is not an object: %w", err)
	}
	for k, v := range fields {
		if v == nil {
			removed = append(removed, k)
		} else {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	sort.Strings(removed)
	return changed, removed, nil
}

func marshal(v any) ([]byte, error) {
	b, err := sonic.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return []byte("{}"), nil
	}
	return b, nil
}
