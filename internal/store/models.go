package store

import "time"

// UpdateLogEntry is one row of the bookmark update log. Scratch movements
// are never logged.
type UpdateLogEntry struct {
	ID            int64     `json:"id"`
	Repo          string    `json:"repo"`
	Bookmark      string    `json:"bookmark"`
	FromChangeset string    `json:"fromChangeset,omitempty"`
	ToChangeset   string    `json:"toChangeset,omitempty"`
	Reason        string    `json:"reason"`
	Timestamp     time.Time `json:"timestamp"`
}

// Principal is a provisioned API client with a bcrypt-hashed secret and the
// identity set its tokens carry.
type Principal struct {
	Name       string
	SecretHash string
	Identities []string
	CreatedAt  time.Time
}
