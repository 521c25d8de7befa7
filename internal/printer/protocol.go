// Package printer contains the messages exchanged between the server and
// printer clients, shared to avoid import cycles.
package printer

import (
	"encoding/json"
	"fmt"

	"github.com/adcondev/printomat/internal/queue"
)

// Ack statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// JobMessage is sent to a printer client for every delivered job.
type JobMessage struct {
	ID      int64  `json:"id"`
	Content string `json:"content"`
	Type    string `json:"type"`
}

// NewJobMessage builds the wire message for job.
func NewJobMessage(job queue.Job) JobMessage {
	return JobMessage{ID: job.ID, Content: job.Content, Type: string(job.Kind)}
}

// Ack is the client's answer to the most recent JobMessage on the
// connection. It carries no job id.
type Ack struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Success reports whether the ack confirms the job was printed. Any status
// other than "success" counts as a failure.
func (a Ack) Success() bool {
	return a.Status == StatusSuccess
}

// Succeeded is the ack for a printed job.
func Succeeded() Ack {
	return Ack{Status: StatusSuccess}
}

// Failed is the ack for a job the printer could not handle.
func Failed(err error) Ack {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return Ack{Status: StatusFailed, ErrorMessage: msg}
}

// Composite is the content of a job of kind "other": a message printed
// together with an image.
type Composite struct {
	Message string `json:"message"`
	Image   string `json:"image"`
}

// EncodeComposite serializes a message and a base64 image into job content.
func EncodeComposite(message, image string) (string, error) {
	b, err := json.Marshal(Composite{Message: message, Image: image})
	if err != nil {
		return "", fmt.Errorf("encode composite content: %w", err)
	}
	return string(b), nil
}

// DecodeComposite parses the content of a job of kind "other".
func DecodeComposite(content string) (Composite, error) {
	var c Composite
	if err := json.Unmarshal([]byte(content), &c); err != nil {
		return Composite{}, fmt.Errorf("decode composite content: %w", err)
	}
	return c, nil
}
