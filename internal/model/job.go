// SPDX-License-Identifier: AGPL-3.0-only
package model

import "time"

// JobStatus represents the state of a background job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobDisabled  JobStatus = "disabled"
)

// String returns the string representation of the status
func (s JobStatus) String() string {
	return string(s)
}

// Job is a periodic host maintenance job such as refreshing the tool catalog.
type Job struct {
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	Enabled   bool      `json:"enabled"`
	Status    JobStatus `json:"status"`
	Runs      int       `json:"runs"`
	LastError string    `json:"last_error,omitempty"`
	LastRun   time.Time `json:"last_run,omitempty"`
	NextRun   time.Time `json:"next_run,omitempty"`
}
