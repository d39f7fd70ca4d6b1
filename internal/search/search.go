package search

import "time"

// MovementRecord is the data we index for one committed bookmark
// movement.
type MovementRecord struct {
	ID        string    `json:"id"`
	Repo      string    `json:"repo"`
	Bookmark  string    `json:"bookmark"`
	Operation string    `json:"operation"`
	Reason    string    `json:"reason"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Query describes a movement search request.
type Query struct {
	Text       string
	FilterRepo string
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []MovementRecord `json:"results"`
	Total   int              `json:"total"`
	Query   string           `json:"query"`
}

// Searcher can execute a movement search.
type Searcher interface {
	Search(q Query) ([]MovementRecord, int, error)
	Healthy() bool
}
