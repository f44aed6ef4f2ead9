package domain

import (
	"time"
)

// DrainKind distinguishes drain from undrain operations.
type DrainKind string

const (
	DrainKindDrain   DrainKind = "drain"
	DrainKindUndrain DrainKind = "undrain"
)

// DrainMode selects which VMs a drain moves.
type DrainMode string

const (
	// DrainModeSoft skips maint-ok VMs that are not always-on.
	DrainModeSoft DrainMode = "soft"
	// DrainModeHard moves every VM regardless of tags (failing host).
	DrainModeHard DrainMode = "hard"
)

// DrainStatus is the aggregate status of a drain operation.
type DrainStatus string

const (
	DrainInProgress DrainStatus = "in_progress"
	DrainCompleted  DrainStatus = "completed"
	DrainPartial    DrainStatus = "partial"
	DrainFailed     DrainStatus = "failed"
)

// IsTerminal returns true for every status except in_progress.
func (s DrainStatus) IsTerminal() bool {
	return s != DrainInProgress && s != ""
}

// VMOutcomeStatus is the result of moving a single VM.
type VMOutcomeStatus string

const (
	VMOutcomeCompleted VMOutcomeStatus = "completed"
	VMOutcomeFailed    VMOutcomeStatus = "failed"
	VMOutcomeSkipped   VMOutcomeStatus = "skipped"
)

// VMOutcome is the per-VM entry of a drain operation.
type VMOutcome struct {
	VMID        int             `json:"vmid"`
	Name        string          `json:"name,omitempty"`
	Status      VMOutcomeStatus `json:"status"`
	SourceNode  string          `json:"source_node,omitempty"`
	TargetNode  string          `json:"target_node,omitempty"`
	MigrationID string          `json:"migration_id,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// DrainOperation tracks one drain or undrain invocation.
type DrainOperation struct {
	ID           string      `json:"id"`
	Node         string      `json:"node"`
	Kind         DrainKind   `json:"kind"`
	Mode         DrainMode   `json:"mode,omitempty"`
	Status       DrainStatus `json:"status"`
	TotalVMs     int         `json:"total_vms"`
	CompletedVMs int         `json:"completed_vms"`
	FailedVMs    int         `json:"failed_vms"`
	SkippedVMs   int         `json:"skipped_vms"`
	VMStatuses   []VMOutcome `json:"vm_statuses"`
	StartedAt    time.Time   `json:"started_at"`
	EndedAt      *time.Time  `json:"ended_at,omitempty"`
	Message      string      `json:"message,omitempty"`
}

// Record appends a VM outcome and updates the counters. Completed and
// failed counts never exceed TotalVMs.
func (op *DrainOperation) Record(outcome VMOutcome) {
	op.VMStatuses = append(op.VMStatuses, outcome)
	switch outcome.Status {
	case VMOutcomeCompleted:
		if op.CompletedVMs+op.FailedVMs < op.TotalVMs {
			op.CompletedVMs++
		}
	case VMOutcomeFailed:
		if op.CompletedVMs+op.FailedVMs < op.TotalVMs {
			op.FailedVMs++
		}
	case VMOutcomeSkipped:
		op.SkippedVMs++
	}
}

// Finish moves the operation to its terminal status: completed if no VM
// failed, partial otherwise. It is a no-op on a terminal operation.
func (op *DrainOperation) Finish(message string) {
	if op.Status.IsTerminal() {
		return
	}
	if op.FailedVMs == 0 {
		op.Status = DrainCompleted
	} else {
		op.Status = DrainPartial
	}
	now := time.Now()
	op.EndedAt = &now
	op.Message = message
}

// Abort marks the operation failed.
func (op *DrainOperation) Abort(err error) {
	if op.Status.IsTerminal() {
		return
	}
	now := time.Now()
	op.Status = DrainFailed
	op.EndedAt = &now
	if err != nil {
		op.Message = err.Error()
	}
}

// Clone returns a deep copy of the operation.
func (op *DrainOperation) Clone() *DrainOperation {
	if op == nil {
		return nil
	}
	clone := *op
	clone.VMStatuses = append([]VMOutcome(nil), op.VMStatuses...)
	if op.EndedAt != nil {
		t := *op.EndedAt
		clone.EndedAt = &t
	}
	return &clone
}

// NodeMaintenanceRecord tracks a node's maintenance window.
type NodeMaintenanceRecord struct {
	ID                   string      `json:"id"`
	Node                 string      `json:"node"`
	InMaintenance        bool        `json:"in_maintenance"`
	Reason               string      `json:"reason,omitempty"`
	StartedAt            time.Time   `json:"started_at"`
	EndedAt              *time.Time  `json:"ended_at,omitempty"`
	LastDrainOperationID string      `json:"last_drain_operation_id,omitempty"`
	DrainStatus          DrainStatus `json:"drain_status,omitempty"`
	VMIDs                []int       `json:"vm_ids,omitempty"`
}

// Close ends the maintenance window.
func (m *NodeMaintenanceRecord) Close() {
	now := time.Now()
	m.InMaintenance = false
	m.EndedAt = &now
}

// Clone returns a deep copy of the record.
func (m *NodeMaintenanceRecord) Clone() *NodeMaintenanceRecord {
	if m == nil {
		return nil
	}
	clone := *m
	clone.VMIDs = append([]int(nil), m.VMIDs...)
	if m.EndedAt != nil {
		t := *m.EndedAt
		clone.EndedAt = &t
	}
	return &clone
}
