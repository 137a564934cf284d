// internal/model/hashed_recipient.go
package model

import "time"

// HashedRecipient is the one-way hash of a recipient address. The plaintext
// address is never stored in this table.
type HashedRecipient struct {
    Hash      string    `db:"hash" json:"hash"`
    FirstSeen time.Time `db:"first_seen" json:"first_seen"`
    LastSeen  time.Time `db:"last_seen" json:"last_seen"`
}
