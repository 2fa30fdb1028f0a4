package store

import "time"

// Operation records one compress or extract call.
type Operation struct {
	ID             int64
	TaskID         string // API task id, empty for CLI runs
	Kind           string // "compress", "extract"
	Source         string // semicolon-joined source paths, or the archive
	Destination    string
	Format         string // "zip", "7z"
	Level          int
	Strategy       string // "single", "parallel", "staged"; empty for extract
	Status         string // "running", "completed", "failed", "cancelled"
	ErrorKind      string
	ErrorMessage   string
	TotalBytes     int64
	ProcessedBytes int64
	StartTime      time.Time
	EndTime        time.Time
}

// FeatureFlag is a persisted on/off switch.
type FeatureFlag struct {
	Name      string
	Enabled   bool
	UpdatedAt time.Time
}
