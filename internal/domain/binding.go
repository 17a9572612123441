package domain

import "time"

// Binding associates a WeChat subject with the runtime endpoint it talks to.
// There is at most one Binding per OpenID.
type Binding struct {
	OpenID    string
	Endpoint  string
	Token     string
	CreatedAt time.Time
}

// AccessToken is the process-wide credential for outbound platform calls.
type AccessToken struct {
	Value     string
	ExpiresAt time.Time
}

// Valid reports whether the token may still be used at now, keeping margin
// in reserve before the hard expiry.
func (t AccessToken) Valid(now time.Time, margin time.Duration) bool {
	if t.Value == "" {
		return false
	}
	return now.Before(t.ExpiresAt.Add(-margin))
}
