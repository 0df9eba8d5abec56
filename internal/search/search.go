package search

// Result is a single task search hit.
type Result struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Snippet  string `json:"snippet"`
	Status   string `json:"status"`
	Priority string `json:"priority"`
}

// Query describes a search request. PrincipalID scopes results to tasks the
// caller created or is assigned; tasks outside that set are never returned.
type Query struct {
	Text        string
	PrincipalID string
	Limit       int
	Offset      int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a scoped full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// TaskRecord is the data pushed into the search index for a task.
type TaskRecord struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Priority    string `json:"priority"`
	CreatedBy   string `json:"createdBy"`
	AssignedTo  string `json:"assignedTo"`
}
