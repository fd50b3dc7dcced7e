package store

import "time"

// Account roles. Readers browse and react; creators additionally publish.
const (
	RoleCreator = "creator"
	RoleReader  = "reader"
)

// Comic lifecycle states.
const (
	StatusDraft     = "draft"
	StatusPublished = "published"
)

// Languages accepted for a comic.
var Languages = []string{"fr", "en", "ewe", "yoruba", "swahili", "other"}

type Account struct {
	ID            string
	ExternalUID   string
	Username      string
	Email         string
	EmailVerified bool
	Role          string
	Bio           string
	Avatar        string
	Country       string
	PasswordHash  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Comic struct {
	ID          string
	Title       string
	Description string
	CoverImage  string
	Genres      []string
	Language    string
	Tags        []string
	AuthorID    string
	Views       int
	LikesCount  int
	Status      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Chapter struct {
	ID            string
	ComicID       string
	ChapterNumber int
	Title         string
	Pages         []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Like struct {
	ID        string
	AccountID string
	ComicID   string
	CreatedAt time.Time
}

type Comment struct {
	ID        string
	AccountID string
	ComicID   string
	Content   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ComicFilter narrows a comics listing. Zero values mean "no constraint";
// Status is applied verbatim, so callers default it to published themselves.
type ComicFilter struct {
	Genres   []string
	Language string
	AuthorID string
	Status   string
}

// Comic sort modes.
const (
	SortRecent  = "recent"
	SortPopular = "popular"
	SortViews   = "views"
)

// ComicPatch carries a partial update; nil fields are left untouched.
type ComicPatch struct {
	Title       *string
	Description *string
	CoverImage  *string
	Genres      []string
	Language    *string
	Tags        []string
	Status      *string
}
