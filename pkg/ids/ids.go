// Package ids generates opaque, URL-safe, collision-resistant identifiers
// under the domain prefixes used throughout the control plane, and provides
// the clock source events are stamped with.
package ids

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Prefix groups the domain prefixes defined by the data model.
type Prefix string

const (
	PrefixOwner             Prefix = "own"
	PrefixSecret            Prefix = "sec"
	PrefixLesson            Prefix = "learn"
	PrefixDelegationEdge    Prefix = "cedg"
	PrefixSkillPackage      Prefix = "spkg"
	PrefixMessage           Prefix = "msg"
	PrefixRun               Prefix = "run"
	PrefixStep              Prefix = "step"
	PrefixToolCall          Prefix = "tool"
	PrefixArtifact          Prefix = "art"
	PrefixScorecard         Prefix = "sc"
	PrefixEvent             Prefix = "evt"
	PrefixPrincipal         Prefix = "prin"
	PrefixCapabilityToken   Prefix = "cap"
	PrefixWorkItemLease     Prefix = "lease"
	PrefixIncident          Prefix = "inc"
	PrefixApproval          Prefix = "appr"
	PrefixEvidenceManifest  Prefix = "evd"
	PrefixWarning           Prefix = "warn"
)

// New returns a fresh opaque ID of the form "<prefix>_<uuid>".
// IDs are URL-safe (UUID hex + underscore) and collision-resistant (UUIDv4).
func New(p Prefix) string {
	return string(p) + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Clock produces UTC timestamps with millisecond resolution, matching the
// RFC3339 wire format required by the event envelope.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock, backed by time.Now.
type SystemClock struct{}

// Now returns the current UTC time truncated to millisecond resolution.
func (SystemClock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// FixedClock is a deterministic Clock for tests.
type FixedClock struct {
	At time.Time
}

// Now returns the fixed instant.
func (f FixedClock) Now() time.Time {
	return f.At
}
