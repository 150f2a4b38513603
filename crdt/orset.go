// Package crdt implements the conflict-free replicated types used for
// cross-device state: an observed-remove set and a last-writer-wins
// register. Merge operations are pure, synchronous and total; they never
// fail and never suspend.
package crdt

import (
	"sort"

	"github.com/google/uuid"

	"github.com/casey/viewsync/hlc"
)

// Observation records when and by which device a tag was created.
type Observation struct {
	Timestamp hlc.Timestamp `json:"ts"`
	DeviceID  string        `json:"device_id"`
}

// ORSet is an observed-remove set. Each addition creates a unique tag; a
// removal tombstones only the add-tags the removing device had observed, so
// a concurrent add it never saw survives the merge (add-wins).
type ORSet struct {
	// Adds maps element -> add-tag -> observation.
	Adds map[string]map[string]Observation `json:"adds"`
	// Removes maps element -> removed add-tag -> observation.
	Removes map[string]map[string]Observation `json:"removes"`
}

// NewORSet creates an empty observed-remove set.
func NewORSet() *ORSet {
	return &ORSet{
		Adds:    make(map[string]map[string]Observation),
		Removes: make(map[string]map[string]Observation),
	}
}

// NewTag generates a unique add-tag.
func NewTag() string {
	return uuid.New().String()
}

// Add records an addition of element under a fresh tag and returns the tag,
// which travels with the update so remote replicas record the same tag.
func (s *ORSet) Add(element string, ts hlc.Timestamp, deviceID string) string {
	tag := NewTag()
	s.AddTag(element, tag, ts, deviceID)
	return tag
}

// AddTag records an addition of element under a specific tag. Used when
// applying a remote update that already carries its tag.
func (s *ORSet) AddTag(element, tag string, ts hlc.Timestamp, deviceID string) {
	tags := s.Adds[element]
	if tags == nil {
		tags = make(map[string]Observation)
		s.Adds[element] = tags
	}
	tags[tag] = Observation{Timestamp: ts, DeviceID: deviceID}
}

// Remove tombstones every add-tag of element currently observed by this
// replica and returns the tags it covered. Tags added concurrently elsewhere
// are not covered, so the element survives a concurrent add/remove.
func (s *ORSet) Remove(element string, ts hlc.Timestamp, deviceID string) []string {
	observed := make([]string, 0, len(s.Adds[element]))
	for tag := range s.Adds[element] {
		observed = append(observed, tag)
	}
	sort.Strings(observed)
	s.RemoveTags(element, observed, ts, deviceID)
	return observed
}

// RemoveTags tombstones the given add-tags of element. Used when applying a
// remote removal that names the tags it observed.
func (s *ORSet) RemoveTags(element string, tags []string, ts hlc.Timestamp, deviceID string) {
	if len(tags) == 0 {
		return
	}
	removed := s.Removes[element]
	if removed == nil {
		removed = make(map[string]Observation)
		s.Removes[element] = removed
	}
	for _, tag := range tags {
		removed[tag] = Observation{Timestamp: ts, DeviceID: deviceID}
	}
}

// Contains reports whether element is visible: it has at least one add-tag
// not covered by a remove-observation.
func (s *ORSet) Contains(element string) bool {
	removed := s.Removes[element]
	for tag := range s.Adds[element] {
		if _, gone := removed[tag]; !gone {
			return true
		}
	}
	return false
}

// Elements returns the visible elements in sorted order.
func (s *ORSet) Elements() []string {
	elements := make([]string, 0, len(s.Adds))
	for element := range s.Adds {
		if s.Contains(element) {
			elements = append(elements, element)
		}
	}
	sort.Strings(elements)
	return elements
}

// Merge folds other into s: set union of add-tags and remove-tags. Merge is
// commutative, associative and idempotent.
func (s *ORSet) Merge(other *ORSet) {
	if other == nil {
		return
	}
	for element, tags := range other.Adds {
		for tag, obs := range tags {
			s.AddTag(element, tag, obs.Timestamp, obs.DeviceID)
		}
	}
	for element, tags := range other.Removes {
		removed := s.Removes[element]
		if removed == nil {
			removed = make(map[string]Observation)
			s.Removes[element] = removed
		}
		for tag, obs := range tags {
			removed[tag] = obs
		}
	}
}

// Delta extracts the add-tags and remove-tags observed strictly after the
// given timestamp, so only new tags travel on incremental exchanges.
func (s *ORSet) Delta(since hlc.Timestamp) *ORSet {
	delta := NewORSet()
	for element, tags := range s.Adds {
		for tag, obs := range tags {
			if obs.Timestamp.After(since) {
				delta.AddTag(element, tag, obs.Timestamp, obs.DeviceID)
			}
		}
	}
	for element, tags := range s.Removes {
		for tag, obs := range tags {
			if obs.Timestamp.After(since) {
				removed := delta.Removes[element]
				if removed == nil {
					removed = make(map[string]Observation)
					delta.Removes[element] = removed
				}
				removed[tag] = obs
			}
		}
	}
	return delta
}

// MaxTimestamp returns the greatest observation timestamp recorded in the
// set, zero for an empty set. Replicas fold it into their clock when loading
// a persisted set so freshly issued timestamps dominate stored state.
func (s *ORSet) MaxTimestamp() hlc.Timestamp {
	var max hlc.Timestamp
	for _, tags := range s.Adds {
		for _, obs := range tags {
			if obs.Timestamp.After(max) {
				max = obs.Timestamp
			}
		}
	}
	for _, tags := range s.Removes {
		for _, obs := range tags {
			if obs.Timestamp.After(max) {
				max = obs.Timestamp
			}
		}
	}
	return max
}

// Clone returns a deep copy of the set.
func (s *ORSet) Clone() *ORSet {
	clone := NewORSet()
	clone.Merge(s)
	return clone
}

// Size returns the number of visible elements.
func (s *ORSet) Size() int {
	n := 0
	for element := range s.Adds {
		if s.Contains(element) {
			n++
		}
	}
	return n
}
