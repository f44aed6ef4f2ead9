package domain

import (
	"time"
)

// MigrationKind is the migration variant actually executed.
type MigrationKind string

const (
	MigrationOnline  MigrationKind = "online"
	MigrationOffline MigrationKind = "offline"
)

// MigrationStatus is the lifecycle status of a migration record.
type MigrationStatus string

const (
	MigrationStarted   MigrationStatus = "started"
	MigrationCompleted MigrationStatus = "completed"
	MigrationFailed    MigrationStatus = "failed"
)

// Option keys stored in MigrationRecord.Options.
const (
	OptionBandwidthLimit    = "bwlimit"
	OptionTargetStorage     = "targetstorage"
	OptionForce             = "force"
	OptionLocalStoragePools = "local_storage_pools"
	OptionDetectionMethod   = "detection_method"
	OptionTransport         = "transport"
	OptionOfflineFallback   = "offline_fallback"
)

// MigrationRecord tracks one migration attempt of a VM.
type MigrationRecord struct {
	ID                 string            `json:"id"`
	VMID               int               `json:"vmid"`
	VMName             string            `json:"vm_name"`
	SourceNode         string            `json:"source_node"`
	TargetNode         string            `json:"target_node"`
	Kind               MigrationKind     `json:"kind"`
	PreMigrationState  VMPowerState      `json:"pre_migration_state"`
	PostMigrationState VMPowerState      `json:"post_migration_state,omitempty"`
	TaskID             string            `json:"task_id,omitempty"`
	Status             MigrationStatus   `json:"status"`
	Options            map[string]string `json:"options,omitempty"`
	Warnings           []string          `json:"warnings,omitempty"`
	Error              string            `json:"error,omitempty"`
	StartedAt          time.Time         `json:"started_at"`
	CompletedAt        *time.Time        `json:"completed_at,omitempty"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// IsTerminal returns true once the record is completed or failed.
func (r *MigrationRecord) IsTerminal() bool {
	return r.Status == MigrationCompleted || r.Status == MigrationFailed
}

// Complete marks the record completed with the observed post-migration state.
func (r *MigrationRecord) Complete(post VMPowerState) {
	if r.IsTerminal() {
		return
	}
	now := time.Now()
	r.Status = MigrationCompleted
	r.PostMigrationState = post
	r.CompletedAt = &now
}

// Fail marks the record failed with the given error message.
func (r *MigrationRecord) Fail(err error) {
	if r.IsTerminal() {
		return
	}
	now := time.Now()
	r.Status = MigrationFailed
	if err != nil {
		r.Error = err.Error()
	}
	r.CompletedAt = &now
}

// AddWarning appends a warning message.
func (r *MigrationRecord) AddWarning(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

// SetOption sets an option value, allocating the map on first use.
func (r *MigrationRecord) SetOption(key, value string) {
	if r.Options == nil {
		r.Options = make(map[string]string)
	}
	r.Options[key] = value
}

// Clone returns a deep copy of the record.
func (r *MigrationRecord) Clone() *MigrationRecord {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Options != nil {
		clone.Options = make(map[string]string, len(r.Options))
		for k, v := range r.Options {
			clone.Options[k] = v
		}
	}
	clone.Warnings = append([]string(nil), r.Warnings...)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		clone.CompletedAt = &t
	}
	return &clone
}
