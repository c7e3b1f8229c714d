package state

import (
	"fmt"

	"HFLedger/internal/fixedpoint"
	"HFLedger/internal/risk"
)

// UserRiskState is the latest computed health factor for one user.
type UserRiskState struct {
	User           string // UUID
	HealthFactor   risk.HealthFactor
	Status         risk.Status
	SourceSequence int64 // Snapshot sequence the value was computed from
	UpdatedAt      int64 // Epoch microseconds of that snapshot
}

// UserRiskRecord is the serialized form used in snapshots and digests. The
// health factor travels as its raw decimal string.
type UserRiskRecord struct {
	User           string `json:"user"`
	HealthFactor   string `json:"health_factor"`
	Unbounded      bool   `json:"unbounded"`
	Status         int    `json:"status"`
	SourceSequence int64  `json:"source_sequence"`
	UpdatedAt      int64  `json:"updated_at_us"`
}

// HfStateManager keeps the per-user risk state. Single-writer: only the core
// goroutine mutates it.
type HfStateManager struct {
	users map[string]*UserRiskState
}

func NewHfStateManager() *HfStateManager {
	return &HfStateManager{users: make(map[string]*UserRiskState)}
}

func (m *HfStateManager) Get(user string) (*UserRiskState, bool) {
	s, ok := m.users[user]
	return s, ok
}

// Set stores the latest state for a user, replacing any previous value.
func (m *HfStateManager) Set(s UserRiskState) {
	cp := s
	m.users[s.User] = &cp
}

func (m *HfStateManager) Count() int {
	return len(m.users)
}

// Export serializes every user state for snapshotting.
func (m *HfStateManager) Export() []UserRiskRecord {
	out := make([]UserRiskRecord, 0, len(m.users))
	for _, s := range m.users {
		out = append(out, UserRiskRecord{
			User:           s.User,
			HealthFactor:   s.HealthFactor.Sentinel().String(),
			Unbounded:      s.HealthFactor.Unbounded,
			Status:         int(s.Status),
			SourceSequence: s.SourceSequence,
			UpdatedAt:      s.UpdatedAt,
		})
	}
	return out
}

// RestoreFrom rebuilds the registry from snapshot records.
func (m *HfStateManager) RestoreFrom(records []UserRiskRecord) error {
	users := make(map[string]*UserRiskState, len(records))
	for _, r := range records {
		hf := risk.HealthFactor{Unbounded: r.Unbounded}
		if !r.Unbounded {
			v, err := fixedpoint.ParseDecimal(r.HealthFactor)
			if err != nil {
				return fmt.Errorf("restore user %s: %w", r.User, err)
			}
			hf.Value = v
		}
		users[r.User] = &UserRiskState{
			User:           r.User,
			HealthFactor:   hf,
			Status:         risk.Status(r.Status),
			SourceSequence: r.SourceSequence,
			UpdatedAt:      r.UpdatedAt,
		}
	}
	m.users = users
	return nil
}
