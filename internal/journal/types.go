package journal

import "time"

// JournalOperation is one historical state transition produced from a
// Jira changelog event or comment, destined to become one journal row
// (or, for the synthetic v1, an update of the auto-created row).
type JournalOperation struct {
	Kind             string // "comment" or "change"
	UserID           int    // 0/unresolved triggers the attribution fallback
	Timestamp        time.Time
	Notes            string
	FieldChanges     map[string]FieldChange
	StateSnapshot    map[string]any
	CFStateSnapshot  map[string]any

	// Begin/End are computed by assignValidityPeriods; zero until then.
	Begin time.Time
	End   time.Time // zero value means open-ended (the last row)
}

// FieldChange is one mapped attribute transition carried by an operation.
type FieldChange struct {
	Old any
	New any
}

// ValidityPeriod is a half-open [Begin, End) timestamp range; End's zero
// value means open-ended. Exported separately from JournalOperation for
// callers that only need the range.
type ValidityPeriod struct {
	Begin time.Time
	End   time.Time
}

func (v ValidityPeriod) OpenEnded() bool { return v.End.IsZero() }

// Overlaps reports whether v and other's ranges intersect, treating an
// open end as +infinity.
func (v ValidityPeriod) Overlaps(other ValidityPeriod) bool {
	vEnd := v.End
	if v.OpenEnded() {
		vEnd = time.Unix(1<<62, 0)
	}
	oEnd := other.End
	if other.OpenEnded() {
		oEnd = time.Unix(1<<62, 0)
	}
	return v.Begin.Before(oEnd) && other.Begin.Before(vEnd)
}
