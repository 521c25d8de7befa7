package api

import (
	"time"

	"github.com/adcondev/printomat/internal/audit"
	"github.com/adcondev/printomat/internal/dispatch"
)

// SubmitRequest is accepted as JSON or as a form post.
type SubmitRequest struct {
	Message string `json:"message" form:"message"`
	Image   string `json:"image" form:"image"`
	Token   string `json:"token" form:"token"`
}

// SubmitResponse is returned for an accepted job.
type SubmitResponse struct {
	Status               string `json:"status"`
	JobID                int64  `json:"job_id"`
	Position             int    `json:"position"`
	EstimatedWaitMinutes int    `json:"estimated_wait_minutes"`
	PrinterConnected     bool   `json:"printer_connected"`
	Message              string `json:"message,omitempty"`
}

// Submit statuses.
const (
	StatusQueued              = "queued"
	StatusPrintingImmediately = "printing_immediately"
)

// HealthResponse reports the state of the print service.
type HealthResponse struct {
	Status   string            `json:"status"`
	Queue    QueueStatus       `json:"queue"`
	Sessions SessionStatus     `json:"sessions"`
	Audit    *audit.Statistics `json:"audit,omitempty"`
	Log      *LogStatus        `json:"log,omitempty"`
	Build    BuildInfo         `json:"build"`
	Uptime   int               `json:"uptime_seconds"`
}

// QueueStatus summarizes the job queue.
type QueueStatus struct {
	Pending     int     `json:"pending"`
	InFlight    int     `json:"in_flight"`
	Done        int     `json:"done"`
	Failed      int     `json:"failed"`
	Capacity    int     `json:"capacity"`
	Utilization float64 `json:"utilization"`
}

// SessionStatus summarizes connected printers.
type SessionStatus struct {
	Connected int                    `json:"connected"`
	Idle      int                    `json:"idle"`
	Busy      int                    `json:"busy"`
	Printers  []dispatch.SessionInfo `json:"printers"`
}

// LogStatus describes the service log.
type LogStatus struct {
	Level     string `json:"level"`
	SizeBytes int64  `json:"size_bytes"`
}

// BuildInfo describes the running binary.
type BuildInfo struct {
	Env  string `json:"env"`
	Date string `json:"date"`
	Time string `json:"time"`
}

// PendingJob is one entry of the public queue listing. It leaves out
// content and submitter addresses.
type PendingJob struct {
	Position     int       `json:"position"`
	ID           int64     `json:"id"`
	Type         string    `json:"type"`
	SubmittedAt  time.Time `json:"submitted_at"`
	AttemptCount int       `json:"attempt_count"`
}

// QueueResponse lists the pending jobs in delivery order.
type QueueResponse struct {
	Pending []PendingJob `json:"pending"`
	Total   int          `json:"total"`
}
