// Package auth provides the authentication context consumed by the sync
// core.
//
// The core only needs to know who is acting and whether they are a guest:
// guest-authored writes are local-only and never enter the sync subsystem.
package auth

// Session is the current authentication state.
type Session struct {
	// SubjectID identifies the authenticated subject. Empty for guests.
	SubjectID string

	// Guest is true when the user has not signed in.
	Guest bool
}

// Authenticated reports whether the session may queue and sync writes.
func (s Session) Authenticated() bool {
	return !s.Guest && s.SubjectID != ""
}

// Provider supplies the current session. The surrounding application owns
// sign-in state; the core only reads it.
type Provider interface {
	Current() Session
}

// StaticProvider is a Provider with a fixed session, used by the CLI (one
// subject per invocation) and by tests.
type StaticProvider struct {
	Session Session
}

// Current implements Provider.
func (p StaticProvider) Current() Session {
	return p.Session
}
