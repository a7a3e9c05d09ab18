package db

import (
	"time"

	"gorm.io/gorm"
)

// Run statuses.
const (
	StatusPreparing = "preparing"
	StatusRunning   = "running"
	StatusPassed    = "passed"
	StatusFailed    = "failed"
	StatusRejected  = "rejected"
)

// CiRun is one CI run received from the registry or started locally.
type CiRun struct {
	gorm.Model
	RunID       string `gorm:"uniqueIndex"`
	CiRunKey    string
	RepoURL     string
	Ref         string
	Commit      string
	Originator  string
	TaskCount   int
	Finished    int
	Failed      int
	FailedEarly bool
	Status      string
	StartedAt   time.Time
	FinishedAt  *time.Time
}

// CiTask is one task of a CI run.
type CiTask struct {
	gorm.Model
	RunID      string `gorm:"uniqueIndex:idx_run_task"`
	TaskNr     uint64 `gorm:"uniqueIndex:idx_run_task"`
	Name       string
	Parts      uint64
	Status     string
	StartedAt  time.Time
	FinishedAt *time.Time
}
