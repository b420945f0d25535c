// Package actor identifies who performs a stock mutation.
//
// Every ledger and workflow operation takes an Actor as an explicit
// parameter. It is recorded on movements, case transitions and the activity
// log. Authentication happens upstream; the gateway forwards the verified
// identity in request headers.
package actor

import (
	"fmt"
	"net/http"
	"strings"
)

// Header names set by the gateway after authentication.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserName = "X-User-Name"
	HeaderUserRole = "X-User-Role"
)

const systemID = "00000000-0000-0000-0000-000000000000"

// Actor represents the entity performing an action in the system.
type Actor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role,omitempty"`
}

// String returns a string representation of the actor for logging
func (a *Actor) String() string {
	if a == nil {
		return "system"
	}
	if a.Name == "" {
		return a.ID
	}
	return fmt.Sprintf("%s (%s)", a.Name, a.ID)
}

// Valid reports whether the actor carries an identity.
func (a *Actor) Valid() bool {
	return a != nil && strings.TrimSpace(a.ID) != ""
}

// NamePtr returns the display name for nullable columns.
func (a *Actor) NamePtr() *string {
	if a == nil || a.Name == "" {
		return nil
	}
	name := a.Name
	return &name
}

// FromRequest reads the forwarded identity. The second return is false when
// the gateway did not set a user id, or set the id reserved for the service
// itself.
func FromRequest(r *http.Request) (Actor, bool) {
	a := Actor{
		ID:   strings.TrimSpace(r.Header.Get(HeaderUserID)),
		Name: strings.TrimSpace(r.Header.Get(HeaderUserName)),
		Role: strings.TrimSpace(r.Header.Get(HeaderUserRole)),
	}
	if a.ID == "" || a.IsSystem() {
		return Actor{}, false
	}
	return a, true
}

// System returns an Actor representing the service itself.
// Use this for background jobs such as the expiry sweep.
func System() Actor {
	return Actor{
		ID:   systemID,
		Name: "System",
		Role: "system",
	}
}

// IsSystem returns true if the actor represents the system.
func (a *Actor) IsSystem() bool {
	if a == nil {
		return true
	}
	return a.ID == systemID
}
