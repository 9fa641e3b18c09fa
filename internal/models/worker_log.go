// Package models defines the gorm models backing the diagnostics database.
package models

import "time"

// WorkerLog captures raw worker subprocess output for debugging. Rows are
// write-only from the daemon's point of view; nothing reads them back into
// runtime state.
type WorkerLog struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	TaskID    string `gorm:"size:64;index:idx_task_session"`
	SessionID string `gorm:"size:64;index:idx_task_session"`
	Direction string `gorm:"size:4"` // "out" or "err"
	Content   string `gorm:"type:mediumtext"`
	CreatedAt time.Time
}
