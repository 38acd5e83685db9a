package model

import (
	"fmt"
	"time"
)

type ActionType string

const (
	ActionImageUploads ActionType = "image_uploads"
	ActionTextAnalyses ActionType = "text_analyses"
	ActionBarcodeScans ActionType = "barcode_scans"
)

func AllActionTypes() []ActionType {
	return []ActionType{ActionImageUploads, ActionTextAnalyses, ActionBarcodeScans}
}

// Valid reports whether a is a known action. Stores use the action name as the counter column.
func (a ActionType) Valid() bool {
	for _, known := range AllActionTypes() {
		if a == known {
			return true
		}
	}
	return false
}

// DateLayout is the format of UserQuota.LastResetDate.
const DateLayout = "2006-01-02"

// UserQuota is the single persisted row per user holding every daily counter.
type UserQuota struct {
	UserID        string
	Timezone      string
	LastResetDate string
	Counts        map[ActionType]int
}

func NewUserQuota(userID, timezone string, now time.Time) *UserQuota {
	q := &UserQuota{
		UserID:   userID,
		Timezone: timezone,
		Counts:   make(map[ActionType]int, 3),
	}
	q.LastResetDate = LocalDate(now, q.Location())
	return q
}

// Location resolves the stored timezone, falling back to UTC when it is unknown.
func (q *UserQuota) Location() *time.Location {
	if q.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(q.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func LocalDate(now time.Time, loc *time.Location) string {
	return now.In(loc).Format(DateLayout)
}

// QuotaStatus is the answer of a quota check.
type QuotaStatus struct {
	Action    ActionType `json:"action"`
	Allowed   bool       `json:"allowed"`
	Current   int        `json:"current"`
	Limit     int        `json:"limit"`
	ResetHint string     `json:"reset_hint"`
}

// ResetHint renders the time left until local midnight, e.g. "resets in 5h 12m".
func ResetHint(now time.Time, loc *time.Location) string {
	local := now.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
	left := midnight.Sub(local)
	h := int(left.Hours())
	m := int(left.Minutes()) % 60
	if h == 0 {
		if m == 0 {
			return "resets in less than a minute"
		}
		return fmt.Sprintf("resets in %dm", m)
	}
	return fmt.Sprintf("resets in %dh %dm", h, m)
}
