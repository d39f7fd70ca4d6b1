// Package bookmarks defines the domain types for named pointers into the
// content-addressed commit graph, and the transaction contract their movement
// commits through.
package bookmarks

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Key is the name of a bookmark. Keys are opaque to the engine except for
// namespace checks performed against repo configuration.
type Key string

func (k Key) String() string { return string(k) }

// ParseKey validates a bookmark name. Names are non-empty, have no
// surrounding whitespace and no NUL or newline bytes.
func ParseKey(name string) (Key, error) {
	if name == "" {
		return "", fmt.Errorf("bookmark name is empty")
	}
	if strings.TrimSpace(name) != name {
		return "", fmt.Errorf("bookmark name %q has surrounding whitespace", name)
	}
	if strings.ContainsAny(name, "\x00\n") {
		return "", fmt.Errorf("bookmark name %q contains forbidden bytes", name)
	}
	return Key(name), nil
}

// ChangesetIDLength is the size of a changeset content hash in bytes.
const ChangesetIDLength = 32

// ChangesetID identifies an immutable commit node in the history graph.
type ChangesetID [ChangesetIDLength]byte

func (id ChangesetID) String() string { return hex.EncodeToString(id[:]) }

func (id ChangesetID) IsZero() bool { return id == ChangesetID{} }

// ParseChangesetID decodes a 64-character hex changeset id.
func ParseChangesetID(s string) (ChangesetID, error) {
	var id ChangesetID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("parse changeset id: %w", err)
	}
	if len(raw) != ChangesetIDLength {
		return id, fmt.Errorf("parse changeset id: want %d bytes, got %d", ChangesetIDLength, len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// Kind classifies how durable and visible a bookmark is.
type Kind int

const (
	// KindScratch bookmarks are ephemeral and client-scoped; they are not
	// broadcast, not recorded in the update log, and skip durable-history
	// hook requirements.
	KindScratch Kind = iota
	// KindPublishing bookmarks are durable and globally observable.
	KindPublishing
	// KindPullDefaultPublishing bookmarks are publishing bookmarks that
	// clients additionally pull by default.
	KindPullDefaultPublishing
)

func (k Kind) String() string {
	switch k {
	case KindScratch:
		return "scratch"
	case KindPublishing:
		return "publishing"
	case KindPullDefaultPublishing:
		return "pull_default_publishing"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// IsPublishing reports whether bookmarks of this kind are durable and
// globally visible.
func (k Kind) IsPublishing() bool {
	return k == KindPublishing || k == KindPullDefaultPublishing
}

// UpdateReason records the provenance of a movement. It is carried through to
// the audit record and never drives control flow in the engine.
type UpdateReason string

const (
	ReasonPush       UpdateReason = "push"
	ReasonPushrebase UpdateReason = "pushrebase"
	ReasonAPIRequest UpdateReason = "apirequest"
	ReasonBackfill   UpdateReason = "backfill"
	ReasonManualMove UpdateReason = "manualmove"
	ReasonTestMove   UpdateReason = "testmove"
)

// Pushvars are caller-supplied key/value pairs accompanying a movement
// request, used for hook bypass tokens and policy overrides.
type Pushvars map[string][]byte

// Get returns the pushvar value as a string, and whether it was set.
func (p Pushvars) Get(name string) (string, bool) {
	if p == nil {
		return "", false
	}
	v, ok := p[name]
	return string(v), ok
}

// IsTrue reports whether a pushvar is set to a truthy value.
func (p Pushvars) IsTrue(name string) bool {
	v, ok := p.Get(name)
	if !ok {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes":
		return true
	}
	return false
}

// Changeset is the commit metadata the engine and the hook pipeline inspect.
// Newly-created changesets are supplied inline by the caller so hooks can see
// full content without re-fetching from storage.
type Changeset struct {
	ID        ChangesetID   `json:"id"`
	Parents   []ChangesetID `json:"parents"`
	Author    string        `json:"author"`
	Message   string        `json:"message"`
	Timestamp time.Time     `json:"timestamp"`
	// GitSHA is the git commit this changeset round-trips to, when the repo
	// keeps a git mapping. Empty when unknown.
	GitSHA string `json:"git_sha,omitempty"`
	// FileCount is the number of files the changeset touches.
	FileCount int `json:"file_count"`
}

// Entry is the stored state of one bookmark.
type Entry struct {
	Key    Key
	Target ChangesetID
	Kind   Kind
}

// GitMappingEntry maps a changeset to its git commit for the auxiliary
// mapping table populated alongside publishing movements.
type GitMappingEntry struct {
	Changeset ChangesetID
	GitSHA    string
}
