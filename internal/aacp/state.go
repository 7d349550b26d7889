package aacp

import (
	"sort"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// SessionState is the aggregate state of one session. Only the session's
// router goroutine mutates it; everyone else reads point-in-time snapshots.
type SessionState struct {
	mu           sync.RWMutex
	battery      map[BatteryComponent]BatteryReading
	control      *orderedmap.OrderedMap[ControlCommandID, []byte]
	ownership    bool
	conversation bool
}

// StateSnapshot is a detached copy of SessionState. Battery readings are
// ordered by component, control statuses in first-seen order.
type StateSnapshot struct {
	Battery               []BatteryReading
	ControlStatus         []ControlCommandStatus
	Ownership             bool
	ConversationAwareness bool
}

func newSessionState() *SessionState {
	return &SessionState{
		battery: make(map[BatteryComponent]BatteryReading),
		control: orderedmap.New[ControlCommandID, []byte](),
	}
}

// applyBattery replaces the battery table wholesale.
func (s *SessionState) applyBattery(readings []BatteryReading) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.battery = make(map[BatteryComponent]BatteryReading, len(readings))
	for _, r := range readings {
		s.battery[r.Component] = r
	}
}

// applyControl upserts one control-command value, last write wins.
func (s *SessionState) applyControl(status ControlCommandStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value := make([]byte, len(status.Value))
	copy(value, status.Value)
	s.control.Set(status.Identifier, value)
}

func (s *SessionState) setOwnership(owns bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ownership = owns
}

func (s *SessionState) setConversation(active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversation = active
}

// Snapshot returns a copy that shares no memory with the live state.
func (s *SessionState) Snapshot() StateSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := StateSnapshot{
		Battery:               make([]BatteryReading, 0, len(s.battery)),
		ControlStatus:         make([]ControlCommandStatus, 0, s.control.Len()),
		Ownership:             s.ownership,
		ConversationAwareness: s.conversation,
	}
	for _, r := range s.battery {
		reading := r
		if r.Level != nil {
			lvl := *r.Level
			reading.Level = &lvl
		}
		snap.Battery = append(snap.Battery, reading)
	}
	sort.Slice(snap.Battery, func(i, j int) bool {
		return snap.Battery[i].Component < snap.Battery[j].Component
	})
	for pair := s.control.Oldest(); pair != nil; pair = pair.Next() {
		value := make([]byte, len(pair.Value))
		copy(value, pair.Value)
		snap.ControlStatus = append(snap.ControlStatus, ControlCommandStatus{
			Identifier: pair.Key,
			Value:      value,
		})
	}
	return snap
}

// ControlValue returns the last known value for one identifier.
func (s *SessionState) ControlValue(id ControlCommandID) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.control.Get(id)
	if !ok {
		return nil, false
	}
	value := make([]byte, len(v))
	copy(value, v)
	return value, true
}
