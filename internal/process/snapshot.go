// Package process samples the host process table. A [Sampler] runs on
// its own schedule and publishes each result as an immutable [Snapshot]
// that other goroutines read without locking.
package process

import (
	"sort"
	"strings"
	"time"
)

// Snapshot is the set of distinct process names observed by one
// sample. Names keep the case the OS reported. A Snapshot is never
// modified after construction.
type Snapshot struct {
	names map[string]struct{}
	taken time.Time
}

// NewSnapshot builds a Snapshot from raw names. Duplicates collapse
// and empty names are ignored.
func NewSnapshot(names []string, taken time.Time) *Snapshot {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		set[n] = struct{}{}
	}
	return &Snapshot{names: set, taken: taken}
}

// Contains reports whether a process with exactly this name was
// running when the snapshot was taken. Matching is case-sensitive.
func (s *Snapshot) Contains(name string) bool {
	if s == nil {
		return false
	}
	_, ok := s.names[name]
	return ok
}

// Len returns the number of distinct names.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.names)
}

// Taken returns when the sample was collected.
func (s *Snapshot) Taken() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.taken
}

// Names returns the names sorted case-insensitively, ties broken by
// byte order so the result is deterministic.
func (s *Snapshot) Names() []string {
	if s == nil {
		return []string{}
	}
	out := make([]string, 0, len(s.names))
	for n := range s.names {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		li, lj := strings.ToLower(out[i]), strings.ToLower(out[j])
		if li != lj {
			return li < lj
		}
		return out[i] < out[j]
	})
	return out
}
