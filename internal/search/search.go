package search

import "context"

// Result is a single search hit returned to the caller. Hits carry enough to
// render a result card; the full comic is loaded by ID when needed.
type Result struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Snippet    string `json:"snippet"`
	CoverImage string `json:"coverImage"`
	AuthorID   string `json:"authorId"`
	Language   string `json:"language"`
}

// Query describes a search request.
type Query struct {
	Text     string
	Genres   []string
	Language string
	AuthorID string
	Status   string // empty = published only is NOT implied; callers set it
	Limit    int
	Offset   int
}

// Response is the envelope returned by the search operation.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over comics.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push comics into a search index.
type Indexer interface {
	IndexComic(c ComicRecord) error
	DeleteComic(id string) error
}

// ComicRecord is the data we index for a comic.
type ComicRecord struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	CoverImage  string   `json:"coverImage"`
	Genres      []string `json:"genres"`
	Language    string   `json:"language"`
	Tags        []string `json:"tags"`
	AuthorID    string   `json:"authorId"`
	Status      string   `json:"status"`
	Views       int      `json:"views"`
	LikesCount  int      `json:"likesCount"`
	CreatedAt   int64    `json:"createdAt"`
}
