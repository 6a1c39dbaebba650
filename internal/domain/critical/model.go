package critical

import (
	"regexp"
	"time"

	"github.com/google/uuid"
)

type Severity string

const (
	SeverityModerate        Severity = "moderate"
	SeverityHigh            Severity = "high"
	SeverityLifeThreatening Severity = "life_threatening"
)

// ParseSeverity accepts only the three known severities.
func ParseSeverity(s string) (Severity, bool) {
	switch Severity(s) {
	case SeverityModerate, SeverityHigh, SeverityLifeThreatening:
		return Severity(s), true
	}
	return "", false
}

type State string

const (
	StatePending      State = "pending"
	StateAcknowledged State = "acknowledged"
)

// Finding is a critical imaging result awaiting, or having received,
// acknowledgment by a clinician.
type Finding struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	StudyUID       string     `db:"study_uid" json:"study_uid"`
	ReportID       string     `db:"report_id" json:"report_id,omitempty"`
	Severity       Severity   `db:"severity" json:"severity"`
	Reason         string     `db:"reason" json:"reason"`
	NotifyTo       string     `db:"notify_to" json:"notify_to"`
	State          State      `db:"state" json:"state"`
	NotifiedAt     time.Time  `db:"notified_at" json:"notified_at"`
	AcknowledgedAt *time.Time `db:"acknowledged_at" json:"acknowledged_at,omitempty"`
	AckBy          *string    `db:"ack_by" json:"ack_by,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}

func (f *Finding) Pending() bool { return f.State == StatePending }

var studyUIDPattern = regexp.MustCompile(`^[0-9A-Za-z._-]{1,128}$`)

const maxReasonLength = 2000
