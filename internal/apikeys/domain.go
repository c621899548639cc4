package apikeys

import "time"

// Key is a stored API key. Only the bcrypt hash of the secret is kept; the
// plaintext is shown once at issue time.
type Key struct {
	ID        int64
	Name      string
	Prefix    string
	Hash      string
	CreatedAt time.Time
	RevokedAt *time.Time
}

// Revoked reports whether the key has been disabled.
func (k Key) Revoked() bool {
	return k.RevokedAt != nil
}
