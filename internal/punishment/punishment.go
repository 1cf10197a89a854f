package punishment

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Store-level errors surfaced to the command layer.
var (
	ErrDuplicateActive = errors.New("an active punishment of this kind already exists")
	ErrNotFound        = errors.New("no punishment with that action id")
	ErrAlreadyResolved = errors.New("punishment is already resolved")
)

// Kind is a closed set of punishment types. Switches over Kind in the store
// and the scheduler are expected to cover every value.
type Kind int

const (
	KindMute Kind = iota
	KindSuspend
	KindSectionSuspend
	KindBlacklist
	KindWarn
)

// Indefinite marks a punishment with no expiry.
const Indefinite = time.Duration(-1)

func (k Kind) String() string {
	switch k {
	case KindMute:
		return "Mute"
	case KindSuspend:
		return "Suspend"
	case KindSectionSuspend:
		return "SectionSuspend"
	case KindBlacklist:
		return "Blacklist"
	case KindWarn:
		return "Warn"
	}
	return "Unknown"
}

func ParseKind(value string) (Kind, error) {
	switch strings.ToLower(value) {
	case "mute":
		return KindMute, nil
	case "suspend":
		return KindSuspend, nil
	case "sectionsuspend":
		return KindSectionSuspend, nil
	case "blacklist":
		return KindBlacklist, nil
	case "warn":
		return KindWarn, nil
	}
	return KindMute, fmt.Errorf("unknown punishment kind %q", value)
}

// Timed reports whether records of this kind carry an expiry the scheduler
// must watch. Warns and blacklists never expire on their own.
func (k Kind) Timed() bool {
	switch k {
	case KindMute, KindSuspend, KindSectionSuspend:
		return true
	case KindBlacklist, KindWarn:
		return false
	}
	return false
}

// Actor is a snapshot of a Discord user at the time of the action, not a live
// reference.
type Actor struct {
	ID   string
	Name string
	Tag  string
}

// Automatic is the moderator recorded on scheduler-driven resolutions.
var Automatic = Actor{ID: "", Name: "Automatic", Tag: "Automatic"}

// Resolution is the lifting of a punishment. It is set exactly once on a
// record and never overwritten.
type Resolution struct {
	ActionID   string
	Moderator  Actor
	Reason     string
	ResolvedAt time.Time
}

// Record is one punishment action. ActionID is immutable and is the primary
// identifier for lookup and audit.
type Record struct {
	ActionID      string
	Kind          Kind
	GuildID       string
	SectionID     string
	Target        Actor
	Moderator     Actor
	Reason        string
	Evidence      []string
	IssuedAt      time.Time
	Duration      time.Duration
	ExpiresAt     time.Time
	RolesSnapshot []string
	Nickname      string
	Resolution    *Resolution
}

// NewActionID builds an id of the form <Kind>_<epochMillis>_<suffix>.
func NewActionID(kind Kind, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%d_%s", kind, now.UnixMilli(), suffix)
}

// NewRecord stamps a record with its action id and derived expiry. A duration
// of Indefinite leaves ExpiresAt zero.
func NewRecord(kind Kind, guildID string, target, moderator Actor, reason string, duration time.Duration, now time.Time) Record {
	rec := Record{
		ActionID:  NewActionID(kind, now),
		Kind:      kind,
		GuildID:   guildID,
		Target:    target,
		Moderator: moderator,
		Reason:    reason,
		IssuedAt:  now,
		Duration:  duration,
	}
	if duration != Indefinite {
		rec.ExpiresAt = now.Add(duration)
	}
	return rec
}

// Timed reports whether the record carries an expiry.
func (r Record) Timed() bool {
	return !r.ExpiresAt.IsZero()
}

// ActiveAt reports whether the record is in force at the given instant: not
// resolved and not past its expiry. A record expiring at T is active at T-1
// and inactive at T.
func (r Record) ActiveAt(now time.Time) bool {
	if r.Resolution != nil {
		return false
	}
	if r.ExpiresAt.IsZero() {
		return true
	}
	return now.Before(r.ExpiresAt)
}
