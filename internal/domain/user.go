// Package domain contains core domain types for the botdesk client.
package domain

// Credential is the opaque bearer token issued by the backend on login.
type Credential string

// IsZero reports whether no credential is held.
func (c Credential) IsZero() bool {
	return c == ""
}

// UserIdentity is the authenticated operator as reported by /api/auth/me.
// It is never persisted; it is re-fetched with the current Credential.
type UserIdentity struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// DisplayName returns the operator name, falling back to the email.
func (u UserIdentity) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	return u.Email
}
