// SPDX-License-Identifier: Apache-2.0

package podlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/tedfoley/form-trackers/pkg/store"
)

// AssignmentsKey is the store key holding the saved assignment list.
const AssignmentsKey = "@form_tracker/pod_assignments"

// assignLocation applies the single-holder rule: a location is held by at
// most one pod, re-assigning a pod's own location clears it, and
// LocationNone clears the pod. Caller holds m.mu.
func assignLocation(pods map[string]*podEntry, id string, loc BodyLocation) {
	target := pods[id]
	if loc == LocationNone || target.state.Location == loc {
		target.state.Location = LocationNone
		return
	}
	for otherID, e := range pods {
		if otherID != id && e.state.Location == loc {
			e.state.Location = LocationNone
		}
	}
	target.state.Location = loc
}

// AssignBodyLocation assigns loc to pod id, taking it from any other pod.
// Assigning the location the pod already holds clears it.
func (m *Manager) AssignBodyLocation(id string, loc BodyLocation) error {
	if !loc.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidLocation, loc)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pods[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPod, id)
	}
	assignLocation(m.pods, id, loc)
	m.publishLocked()
	return nil
}

// LoadAssignments reads the saved assignments into the session. A missing
// or unreadable list yields an empty one; the failure is only logged.
func (m *Manager) LoadAssignments(ctx context.Context) []PodAssignment {
	list, err := m.readAssignments(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("Failed to load pod assignments")
		list = nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignments = list
	m.publishLocked()
	return append([]PodAssignment(nil), list...)
}

func (m *Manager) readAssignments(ctx context.Context) ([]PodAssignment, error) {
	raw, err := m.opts.Store.Get(ctx, AssignmentsKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var list []PodAssignment
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, fmt.Errorf("decode assignments: %w", err)
	}

	valid := list[:0]
	for _, a := range list {
		if a.DeviceID == "" || !a.BodyLocation.Valid() {
			continue
		}
		valid = append(valid, a)
	}
	return valid, nil
}

// SaveAssignments persists list and makes it the session's saved list.
func (m *Manager) SaveAssignments(ctx context.Context, list []PodAssignment) error {
	if list == nil {
		list = []PodAssignment{}
	}
	data, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("encode assignments: %w", err)
	}
	if err := m.opts.Store.Set(ctx, AssignmentsKey, string(data)); err != nil {
		return fmt.Errorf("save assignments: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignments = append([]PodAssignment(nil), list...)
	m.publishLocked()
	return nil
}

// ClearAssignments removes the saved list.
func (m *Manager) ClearAssignments(ctx context.Context) error {
	if err := m.opts.Store.Remove(ctx, AssignmentsKey); err != nil {
		return fmt.Errorf("clear assignments: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignments = nil
	m.publishLocked()
	return nil
}

// CurrentAssignments returns the assignment of every pod that holds a
// location, ordered by device id.
func (m *Manager) CurrentAssignments() []PodAssignment {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []PodAssignment
	for id, e := range m.pods {
		if e.state.Location == LocationNone {
			continue
		}
		out = append(out, PodAssignment{
			DeviceID:     id,
			DeviceName:   e.state.Name,
			BodyLocation: e.state.Location,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// RestoreAssignments gives each present pod its saved location, through
// the same single-holder rule as AssignBodyLocation. Pods already holding
// their saved location are left alone. It returns how many pods changed.
func (m *Manager) RestoreAssignments() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, a := range m.assignments {
		e, ok := m.pods[a.DeviceID]
		if !ok || a.BodyLocation == LocationNone || e.state.Location == a.BodyLocation {
			continue
		}
		assignLocation(m.pods, a.DeviceID, a.BodyLocation)
		n++
	}
	if n > 0 {
		m.publishLocked()
	}
	return n
}
