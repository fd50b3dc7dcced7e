package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"inkwell/api/internal/search"
	"inkwell/api/internal/store"
	"inkwell/api/internal/util"
)

type CreateComicInput struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	CoverImage  string   `json:"coverImage"`
	Genres      []string `json:"genres"`
	Language    string   `json:"language"`
	Tags        []string `json:"tags"`
	Status      string   `json:"status"`
}

type UpdateComicInput struct {
	Title       *string  `json:"title"`
	Description *string  `json:"description"`
	CoverImage  *string  `json:"coverImage"`
	Genres      []string `json:"genres"`
	Language    *string  `json:"language"`
	Tags        []string `json:"tags"`
	Status      *string  `json:"status"`
}

type ComicsFilterInput struct {
	Genres   []string `json:"genres"`
	Language string   `json:"language"`
	AuthorID string   `json:"authorId"`
	Status   string   `json:"status"`
	Search   string   `json:"search"`
	Sort     string   `json:"sort"`
	Limit    int      `json:"limit"`
	Offset   int      `json:"offset"`
}

type CreateChapterInput struct {
	ComicID       string   `json:"comicId"`
	ChapterNumber int      `json:"chapterNumber"`
	Title         string   `json:"title"`
	Pages         []string `json:"pages"`
}

const trendingWindow = 7 * 24 * time.Hour

func validLanguage(language string) bool {
	for _, l := range store.Languages {
		if l == language {
			return true
		}
	}
	return false
}

func validateComicInput(input CreateComicInput) error {
	if n := len(strings.TrimSpace(input.Title)); n < 2 || n > 100 {
		return errBadInput("Title must be between 2 and 100 characters", nil)
	}
	if n := len(strings.TrimSpace(input.Description)); n < 10 || n > 2000 {
		return errBadInput("Description must be between 10 and 2000 characters", nil)
	}
	if strings.TrimSpace(input.CoverImage) == "" {
		return errBadInput("Cover image is required", nil)
	}
	if len(input.Genres) == 0 {
		return errBadInput("At least one genre is required", nil)
	}
	if !validLanguage(input.Language) {
		return errBadInput("Language must be one of fr, en, ewe, yoruba, swahili, other", nil)
	}
	if input.Status != "" && input.Status != store.StatusDraft && input.Status != store.StatusPublished {
		return errBadInput("Status must be draft or published", nil)
	}
	return nil
}

func (s *Service) CreateComic(ctx context.Context, viewer *Viewer, input CreateComicInput) (map[string]any, error) {
	if err := requireAuth(viewer); err != nil {
		return nil, err
	}
	if err := validateComicInput(input); err != nil {
		return nil, err
	}

	status := input.Status
	if status == "" {
		status = store.StatusDraft
	}
	comic := store.Comic{
		ID:          util.NewID("com"),
		Title:       strings.TrimSpace(input.Title),
		Description: strings.TrimSpace(input.Description),
		CoverImage:  strings.TrimSpace(input.CoverImage),
		Genres:      input.Genres,
		Language:    input.Language,
		Tags:        input.Tags,
		AuthorID:    viewer.AccountID,
		Status:      status,
	}
	if err := s.store.InsertComic(ctx, comic); err != nil {
		return nil, err
	}

	created, err := s.store.GetComic(ctx, comic.ID)
	if err != nil {
		return nil, err
	}
	s.indexComic(created)
	return comicView(created), nil
}

func (s *Service) UpdateComic(ctx context.Context, viewer *Viewer, id string, input UpdateComicInput) (map[string]any, error) {
	if err := requireAuth(viewer); err != nil {
		return nil, err
	}
	comic, err := s.store.GetComic(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Comic not found")
		}
		return nil, err
	}
	if comic.AuthorID != viewer.AccountID {
		return nil, errForbidden("You can only modify your own comics")
	}

	if input.Title != nil {
		if n := len(strings.TrimSpace(*input.Title)); n < 2 || n > 100 {
			return nil, errBadInput("Title must be between 2 and 100 characters", nil)
		}
	}
	if input.Description != nil {
		if n := len(strings.TrimSpace(*input.Description)); n < 10 || n > 2000 {
			return nil, errBadInput("Description must be between 10 and 2000 characters", nil)
		}
	}
	if input.Genres != nil && len(input.Genres) == 0 {
		return nil, errBadInput("At least one genre is required", nil)
	}
	if input.Language != nil && !validLanguage(*input.Language) {
		return nil, errBadInput("Language must be one of fr, en, ewe, yoruba, swahili, other", nil)
	}
	if input.Status != nil && *input.Status != store.StatusDraft && *input.Status != store.StatusPublished {
		return nil, errBadInput("Status must be draft or published", nil)
	}

	updated, err := s.store.UpdateComic(ctx, id, store.ComicPatch{
		Title:       input.Title,
		Description: input.Description,
		CoverImage:  input.CoverImage,
		Genres:      input.Genres,
		Language:    input.Language,
		Tags:        input.Tags,
		Status:      input.Status,
	})
	if err != nil {
		return nil, err
	}
	s.indexComic(updated)
	return comicView(updated), nil
}

// DeleteComic removes a comic and everything hanging off it. The cascade runs
// as sequential statements: chapters, likes, comments, then the comic itself.
func (s *Service) DeleteComic(ctx context.Context, viewer *Viewer, id string) error {
	if err := requireAuth(viewer); err != nil {
		return err
	}
	comic, err := s.store.GetComic(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound("Comic not found")
		}
		return err
	}
	if comic.AuthorID != viewer.AccountID {
		return errForbidden("You can only delete your own comics")
	}

	if err := s.store.DeleteComicChapters(ctx, id); err != nil {
		return err
	}
	if err := s.store.DeleteComicLikes(ctx, id); err != nil {
		return err
	}
	if err := s.store.DeleteComicComments(ctx, id); err != nil {
		return err
	}
	if err := s.store.DeleteComic(ctx, id); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteComic(id)
	}
	return nil
}

// GetComic loads a comic with its chapters and the viewer's like state, then
// bumps the view counter. The returned view count is the pre-increment value.
func (s *Service) GetComic(ctx context.Context, viewer *Viewer, id string) (map[string]any, error) {
	comic, err := s.store.GetComic(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Comic not found")
		}
		return nil, err
	}

	chapters, err := s.store.ListChapters(ctx, id)
	if err != nil {
		return nil, err
	}

	likedByMe := false
	if viewer != nil {
		if _, err := s.store.GetLike(ctx, viewer.AccountID, id); err == nil {
			likedByMe = true
		} else if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
	}

	if err := s.store.IncrementComicViews(ctx, id); err != nil {
		return nil, err
	}

	view := comicView(comic)
	chapterViews := make([]map[string]any, 0, len(chapters))
	for _, chapter := range chapters {
		chapterViews = append(chapterViews, chapterView(chapter))
	}
	view["chapters"] = chapterViews
	view["isLikedByMe"] = likedByMe
	return view, nil
}

func (s *Service) ListComics(ctx context.Context, input ComicsFilterInput) (map[string]any, error) {
	limit := input.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := input.Offset
	if offset < 0 {
		offset = 0
	}
	status := input.Status
	if status == "" {
		status = store.StatusPublished
	}
	if status != store.StatusDraft && status != store.StatusPublished {
		return nil, errBadInput("Status must be draft or published", nil)
	}
	sortBy := input.Sort
	if sortBy == "" {
		sortBy = store.SortRecent
	}
	if sortBy != store.SortRecent && sortBy != store.SortPopular && sortBy != store.SortViews {
		return nil, errBadInput("Sort must be recent, popular or views", nil)
	}

	if strings.TrimSpace(input.Search) != "" {
		return s.searchComics(ctx, input, status, limit, offset)
	}

	comics, total, err := s.store.ListComics(ctx, store.ComicFilter{
		Genres:   input.Genres,
		Language: input.Language,
		AuthorID: input.AuthorID,
		Status:   status,
	}, sortBy, limit, offset)
	if err != nil {
		return nil, err
	}
	return comicPage(comics, total, limit, offset), nil
}

// searchComics routes a free-text listing through the search facade and loads
// the full rows in ranked order.
func (s *Service) searchComics(ctx context.Context, input ComicsFilterInput, status string, limit, offset int) (map[string]any, error) {
	resp := s.search.Search(ctx, search.Query{
		Text:     input.Search,
		Genres:   input.Genres,
		Language: input.Language,
		AuthorID: input.AuthorID,
		Status:   status,
		Limit:    limit,
		Offset:   offset,
	})

	ids := make([]string, 0, len(resp.Results))
	for _, result := range resp.Results {
		ids = append(ids, result.ID)
	}
	comics, err := s.store.GetComicsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	return comicPage(comics, resp.Total, limit, offset), nil
}

func (s *Service) MyComics(ctx context.Context, viewer *Viewer, status string) ([]map[string]any, error) {
	if err := requireAuth(viewer); err != nil {
		return nil, err
	}
	if status != "" && status != store.StatusDraft && status != store.StatusPublished {
		return nil, errBadInput("Status must be draft or published", nil)
	}
	comics, err := s.store.ListComicsByAuthor(ctx, viewer.AccountID, status)
	if err != nil {
		return nil, err
	}
	return comicViews(comics), nil
}

func (s *Service) TrendingComics(ctx context.Context, limit int) ([]map[string]any, error) {
	if limit <= 0 {
		limit = 10
	}
	comics, err := s.store.ListTrendingComics(ctx, time.Now().Add(-trendingWindow), limit)
	if err != nil {
		return nil, err
	}
	return comicViews(comics), nil
}

func (s *Service) MyLikedComics(ctx context.Context, viewer *Viewer, limit, offset int) ([]map[string]any, error) {
	if err := requireAuth(viewer); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	comics, err := s.store.ListLikedComics(ctx, viewer.AccountID, limit, offset)
	if err != nil {
		return nil, err
	}
	return comicViews(comics), nil
}

// ── Chapters ──

func (s *Service) CreateChapter(ctx context.Context, viewer *Viewer, input CreateChapterInput) (map[string]any, error) {
	if err := requireAuth(viewer); err != nil {
		return nil, err
	}
	comic, err := s.store.GetComic(ctx, input.ComicID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Comic not found")
		}
		return nil, err
	}
	if comic.AuthorID != viewer.AccountID {
		return nil, errForbidden("You can only add chapters to your own comics")
	}

	if input.ChapterNumber < 1 {
		return nil, errBadInput("Chapter number must be at least 1", nil)
	}
	if n := len(strings.TrimSpace(input.Title)); n == 0 || n > 100 {
		return nil, errBadInput("Chapter title must be between 1 and 100 characters", nil)
	}
	if len(input.Pages) == 0 {
		return nil, errBadInput("At least one page is required", nil)
	}

	chapter := store.Chapter{
		ID:            util.NewID("chp"),
		ComicID:       input.ComicID,
		ChapterNumber: input.ChapterNumber,
		Title:         strings.TrimSpace(input.Title),
		Pages:         input.Pages,
	}
	if err := s.store.InsertChapter(ctx, chapter); err != nil {
		if store.IsDuplicate(err, "chapters_comic_number_key") {
			return nil, errConflict("A chapter with this number already exists")
		}
		return nil, err
	}

	created, err := s.store.GetChapter(ctx, chapter.ID)
	if err != nil {
		return nil, err
	}
	return chapterView(created), nil
}

func (s *Service) DeleteChapter(ctx context.Context, viewer *Viewer, id string) error {
	if err := requireAuth(viewer); err != nil {
		return err
	}
	chapter, err := s.store.GetChapter(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound("Chapter not found")
		}
		return err
	}
	comic, err := s.store.GetComic(ctx, chapter.ComicID)
	if err != nil {
		return err
	}
	if comic.AuthorID != viewer.AccountID {
		return errForbidden("You can only delete chapters of your own comics")
	}
	return s.store.DeleteChapter(ctx, id)
}

// ── Views and indexing helpers ──

func (s *Service) indexComic(c store.Comic) {
	if s.search == nil {
		return
	}
	s.search.IndexComic(search.ComicRecord{
		ID:          c.ID,
		Title:       c.Title,
		Description: c.Description,
		CoverImage:  c.CoverImage,
		Genres:      c.Genres,
		Language:    c.Language,
		Tags:        c.Tags,
		AuthorID:    c.AuthorID,
		Status:      c.Status,
		Views:       c.Views,
		LikesCount:  c.LikesCount,
		CreatedAt:   c.CreatedAt.Unix(),
	})
}

func comicPage(comics []store.Comic, total, limit, offset int) map[string]any {
	return map[string]any{
		"comics":  comicViews(comics),
		"total":   total,
		"hasMore": offset+limit < total,
	}
}

func comicViews(comics []store.Comic) []map[string]any {
	views := make([]map[string]any, 0, len(comics))
	for _, comic := range comics {
		views = append(views, comicView(comic))
	}
	return views
}

func comicView(c store.Comic) map[string]any {
	genres := c.Genres
	if genres == nil {
		genres = []string{}
	}
	tags := c.Tags
	if tags == nil {
		tags = []string{}
	}
	return map[string]any{
		"id":          c.ID,
		"title":       c.Title,
		"description": c.Description,
		"coverImage":  c.CoverImage,
		"genres":      genres,
		"language":    c.Language,
		"tags":        tags,
		"authorId":    c.AuthorID,
		"views":       c.Views,
		"likesCount":  c.LikesCount,
		"status":      c.Status,
		"createdAt":   c.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt":   c.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func chapterView(ch store.Chapter) map[string]any {
	pages := ch.Pages
	if pages == nil {
		pages = []string{}
	}
	return map[string]any{
		"id":            ch.ID,
		"comicId":       ch.ComicID,
		"chapterNumber": ch.ChapterNumber,
		"title":         ch.Title,
		"pages":         pages,
		"createdAt":     ch.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt":     ch.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
