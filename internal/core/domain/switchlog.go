package domain

import "time"

type SwitchStatus string

const (
	SwitchStatusInProgress     SwitchStatus = "in_progress"
	SwitchStatusCompleted      SwitchStatus = "completed"
	SwitchStatusFailed         SwitchStatus = "failed"
	SwitchStatusRolledBack     SwitchStatus = "rolled_back"
	SwitchStatusFallbackFailed SwitchStatus = "fallback_failed"
)

type SwitchPhase string

const (
	PhaseValidateTarget    SwitchPhase = "validate_target"
	PhaseTestConnectivity  SwitchPhase = "test_connectivity"
	PhaseManageCache       SwitchPhase = "manage_cache"
	PhaseReconfigureClient SwitchPhase = "reconfigure_client"
	PhaseReestablishAuth   SwitchPhase = "reestablish_auth"
)

// SwitchPhases lists every phase in execution order.
var SwitchPhases = []SwitchPhase{
	PhaseValidateTarget,
	PhaseTestConnectivity,
	PhaseManageCache,
	PhaseReconfigureClient,
	PhaseReestablishAuth,
}

type PhaseStatus string

const (
	PhaseStatusPending    PhaseStatus = "pending"
	PhaseStatusInProgress PhaseStatus = "in_progress"
	PhaseStatusCompleted  PhaseStatus = "completed"
	PhaseStatusFailed     PhaseStatus = "failed"
	PhaseStatusSkipped    PhaseStatus = "skipped"
)

// PhaseRecord journals one phase of a switch attempt.
type PhaseRecord struct {
	Phase      SwitchPhase `json:"phase"`
	Status     PhaseStatus `json:"status"`
	StartedAt  time.Time   `json:"started_at,omitempty"`
	FinishedAt time.Time   `json:"finished_at,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// SwitchLog records one server switch attempt end to end. Duration and
// the terminal status are set exactly once, when the switch finishes.
type SwitchLog struct {
	ID           string         `json:"id"`
	FromServerID string         `json:"from_server_id"`
	ToServerID   string         `json:"to_server_id"`
	Status       SwitchStatus   `json:"status"`
	Phases       []*PhaseRecord `json:"phases"`
	Attempts     int            `json:"attempts"`
	Success      bool           `json:"success"`
	FallbackUsed bool           `json:"fallback_used,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   time.Time      `json:"finished_at,omitempty"`
	Duration     time.Duration  `json:"duration,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// PhaseRecordFor returns the journal entry for the given phase, or nil.
func (l *SwitchLog) PhaseRecordFor(phase SwitchPhase) *PhaseRecord {
	for _, rec := range l.Phases {
		if rec.Phase == phase {
			return rec
		}
	}
	return nil
}
