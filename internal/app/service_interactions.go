package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"inkwell/api/internal/store"
	"inkwell/api/internal/util"
)

type CreateCommentInput struct {
	ComicID string `json:"comicId"`
	Content string `json:"content"`
}

// LikeComic records the viewer's like and bumps the counter. Liking an
// already-liked comic is a silent no-op; the comic is returned either way.
func (s *Service) LikeComic(ctx context.Context, viewer *Viewer, comicID string) (map[string]any, error) {
	if err := requireAuth(viewer); err != nil {
		return nil, err
	}
	comic, err := s.store.GetComic(ctx, comicID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Comic not found")
		}
		return nil, err
	}

	_, err = s.store.GetLike(ctx, viewer.AccountID, comicID)
	if err == nil {
		return comicView(comic), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	if err := s.store.InsertLike(ctx, store.Like{
		ID:        util.NewID("lik"),
		AccountID: viewer.AccountID,
		ComicID:   comicID,
	}); err != nil {
		if store.IsDuplicate(err) {
			// Raced with another request from the same account; treat as the no-op.
			return comicView(comic), nil
		}
		return nil, err
	}
	if err := s.store.AdjustComicLikes(ctx, comicID, 1); err != nil {
		return nil, err
	}

	updated, err := s.store.GetComic(ctx, comicID)
	if err != nil {
		return nil, err
	}
	return comicView(updated), nil
}

// UnlikeComic removes the viewer's like if present. Unliking a comic that was
// never liked is a silent no-op.
func (s *Service) UnlikeComic(ctx context.Context, viewer *Viewer, comicID string) (map[string]any, error) {
	if err := requireAuth(viewer); err != nil {
		return nil, err
	}
	comic, err := s.store.GetComic(ctx, comicID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Comic not found")
		}
		return nil, err
	}

	like, err := s.store.GetLike(ctx, viewer.AccountID, comicID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return comicView(comic), nil
		}
		return nil, err
	}

	if err := s.store.DeleteLike(ctx, like.ID); err != nil {
		return nil, err
	}
	if err := s.store.AdjustComicLikes(ctx, comicID, -1); err != nil {
		return nil, err
	}

	updated, err := s.store.GetComic(ctx, comicID)
	if err != nil {
		return nil, err
	}
	return comicView(updated), nil
}

func (s *Service) CreateComment(ctx context.Context, viewer *Viewer, input CreateCommentInput) (map[string]any, error) {
	if err := requireAuth(viewer); err != nil {
		return nil, err
	}
	content := strings.TrimSpace(input.Content)
	if n := len(content); n < 1 || n > 1000 {
		return nil, errBadInput("Comment must be between 1 and 1000 characters", nil)
	}
	if _, err := s.store.GetComic(ctx, input.ComicID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Comic not found")
		}
		return nil, err
	}

	comment := store.Comment{
		ID:        util.NewID("cmt"),
		AccountID: viewer.AccountID,
		ComicID:   input.ComicID,
		Content:   content,
	}
	if err := s.store.InsertComment(ctx, comment); err != nil {
		return nil, err
	}
	created, err := s.store.GetComment(ctx, comment.ID)
	if err != nil {
		return nil, err
	}
	return commentView(created), nil
}

func (s *Service) DeleteComment(ctx context.Context, viewer *Viewer, id string) error {
	if err := requireAuth(viewer); err != nil {
		return err
	}
	comment, err := s.store.GetComment(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound("Comment not found")
		}
		return err
	}
	if comment.AccountID != viewer.AccountID {
		return errForbidden("You can only delete your own comments")
	}
	return s.store.DeleteComment(ctx, id)
}

func (s *Service) ListComments(ctx context.Context, comicID string, limit, offset int) (map[string]any, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	comments, total, err := s.store.ListComments(ctx, comicID, limit, offset)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(comments))
	for _, comment := range comments {
		views = append(views, commentView(comment))
	}
	return map[string]any{
		"comments": views,
		"total":    total,
		"hasMore":  offset+limit < total,
	}, nil
}

func commentView(c store.Comment) map[string]any {
	return map[string]any{
		"id":        c.ID,
		"accountId": c.AccountID,
		"comicId":   c.ComicID,
		"content":   c.Content,
		"createdAt": c.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt": c.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
