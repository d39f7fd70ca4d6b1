package bookmarks

import "fmt"

// OperationType names the primitive bookmark mutation an Info records.
type OperationType string

const (
	OpCreate OperationType = "create"
	OpUpdate OperationType = "update"
	OpDelete OperationType = "delete"
)

// Operation is the mutation performed on a bookmark together with the
// changesets it touched. Old is zero for creates; New is zero for deletes.
type Operation struct {
	Type OperationType
	Old  ChangesetID
	New  ChangesetID
}

func (o Operation) String() string {
	switch o.Type {
	case OpCreate:
		return fmt.Sprintf("create %s", o.New)
	case OpUpdate:
		return fmt.Sprintf("update %s -> %s", o.Old, o.New)
	case OpDelete:
		return fmt.Sprintf("delete %s", o.Old)
	default:
		return string(o.Type)
	}
}

// Info is the immutable audit record produced when a movement commits. It is
// never emitted for a transaction that failed to commit.
type Info struct {
	Bookmark  Key
	Kind      Kind
	Operation Operation
	Reason    UpdateReason
}
