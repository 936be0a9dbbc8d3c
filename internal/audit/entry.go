package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrSinkUnavailable is returned by Required writes that could not be persisted.
var ErrSinkUnavailable = errors.New("audit: sink unavailable")

// Severity grades an entry for downstream alerting.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Category groups entries by the subsystem that produced them.
type Category string

const (
	CategoryAuthorization  Category = "authorization"
	CategoryAdministration Category = "administration"
	CategoryCache          Category = "cache"
)

// Policy states at the call site whether a write must succeed.
type Policy int

const (
	// BestEffort writes asynchronously; failures are logged and dropped.
	BestEffort Policy = iota
	// Required writes synchronously; failures are returned to the caller.
	Required
)

func (p Policy) String() string {
	if p == Required {
		return "required"
	}
	return "best_effort"
}

// Entry is one audit record: who acted, on whom, what happened and why.
type Entry struct {
	ID              uuid.UUID         `json:"id"`
	EventType       string            `json:"eventType"`
	Category        Category          `json:"category"`
	Description     string            `json:"description"`
	ActorID         *uuid.UUID        `json:"actorId,omitempty"`
	SubjectID       *uuid.UUID        `json:"subjectId,omitempty"`
	Severity        Severity          `json:"severity"`
	Success         bool              `json:"success"`
	Data            map[string]any    `json:"data,omitempty"`
	SecurityContext map[string]string `json:"securityContext,omitempty"`
	At              time.Time         `json:"at"`
}

// Sink persists entries.
type Sink interface {
	Write(ctx context.Context, entry Entry) error
}

// UserRef is a small helper for optional actor and subject ids.
func UserRef(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}
