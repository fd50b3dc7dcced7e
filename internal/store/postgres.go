package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ── Accounts ──

const accountColumns = `id, external_uid, username, email, email_verified, role, bio, avatar, country, COALESCE(password_hash, ''), created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.ExternalUID, &a.Username, &a.Email, &a.EmailVerified,
		&a.Role, &a.Bio, &a.Avatar, &a.Country, &a.PasswordHash, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

func (s *PostgresStore) CreateAccount(ctx context.Context, a Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, external_uid, username, email, email_verified, role, bio, avatar, country, password_hash)
		VALUES ($1, $2, $3, LOWER($4), $5, $6, $7, $8, $9, NULLIF($10, ''))
	`, a.ID, a.ExternalUID, a.Username, a.Email, a.EmailVerified, a.Role, a.Bio, a.Avatar, a.Country, a.PasswordHash)
	if err != nil {
		return asDuplicate(err)
	}
	return nil
}

func (s *PostgresStore) GetAccountByID(ctx context.Context, id string) (Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id=$1`, id)
	return scanAccount(row)
}

func (s *PostgresStore) GetAccountByExternalUID(ctx context.Context, uid string) (Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE external_uid=$1`, uid)
	return scanAccount(row)
}

func (s *PostgresStore) GetAccountByEmail(ctx context.Context, email string) (Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE LOWER(email)=LOWER($1)`, email)
	return scanAccount(row)
}

func (s *PostgresStore) GetAccountByUsername(ctx context.Context, username string) (Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE username=$1`, username)
	return scanAccount(row)
}

func (s *PostgresStore) ListAccounts(ctx context.Context, limit, offset int) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+accountColumns+` FROM accounts
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

func (s *PostgresStore) UsernameTaken(ctx context.Context, username string) (bool, error) {
	var taken bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM accounts WHERE username=$1)`, username).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("check username: %w", err)
	}
	return taken, nil
}

// UpdateAccountProfile updates only the non-nil fields.
func (s *PostgresStore) UpdateAccountProfile(ctx context.Context, id string, bio, country *string) (Account, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE accounts
		SET bio = COALESCE($2, bio),
			country = COALESCE($3, country),
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+accountColumns+`
	`, id, bio, country)
	return scanAccount(row)
}

func (s *PostgresStore) UpdateAccountAvatar(ctx context.Context, id, avatar string) (Account, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE accounts SET avatar=$2, updated_at=NOW() WHERE id=$1
		RETURNING `+accountColumns+`
	`, id, avatar)
	return scanAccount(row)
}

func (s *PostgresStore) UpdateAccountRole(ctx context.Context, id, role string) (Account, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE accounts SET role=$2, updated_at=NOW() WHERE id=$1
		RETURNING `+accountColumns+`
	`, id, role)
	return scanAccount(row)
}

// SyncAccount refreshes the verified-email flag and, when username is
// non-empty, adopts it; a username collision surfaces as *ErrDuplicate.
func (s *PostgresStore) SyncAccount(ctx context.Context, id string, emailVerified bool, username string) (Account, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE accounts
		SET email_verified = $2,
			username = CASE WHEN $3 <> '' THEN $3 ELSE username END,
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+accountColumns+`
	`, id, emailVerified, username)
	account, err := scanAccount(row)
	if err != nil {
		return Account{}, asDuplicate(err)
	}
	return account, nil
}

// ── Comics ──

const comicColumns = `id, title, description, cover_image, genres, language, tags, author_id, views, likes_count, status, created_at, updated_at`

func scanComic(row interface{ Scan(...any) error }) (Comic, error) {
	var c Comic
	err := row.Scan(&c.ID, &c.Title, &c.Description, &c.CoverImage, pq.Array(&c.Genres),
		&c.Language, pq.Array(&c.Tags), &c.AuthorID, &c.Views, &c.LikesCount,
		&c.Status, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func (s *PostgresStore) InsertComic(ctx context.Context, c Comic) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comics (id, title, description, cover_image, genres, language, tags, author_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, c.ID, c.Title, c.Description, c.CoverImage, pq.Array(c.Genres), c.Language, pq.Array(c.Tags), c.AuthorID, c.Status)
	if err != nil {
		return fmt.Errorf("insert comic: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetComic(ctx context.Context, id string) (Comic, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+comicColumns+` FROM comics WHERE id=$1`, id)
	return scanComic(row)
}

func (s *PostgresStore) UpdateComic(ctx context.Context, id string, patch ComicPatch) (Comic, error) {
	var genres, tags any
	if patch.Genres != nil {
		genres = pq.Array(patch.Genres)
	}
	if patch.Tags != nil {
		tags = pq.Array(patch.Tags)
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE comics
		SET title = COALESCE($2, title),
			description = COALESCE($3, description),
			cover_image = COALESCE($4, cover_image),
			genres = COALESCE($5, genres),
			language = COALESCE($6, language),
			tags = COALESCE($7, tags),
			status = COALESCE($8, status),
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+comicColumns+`
	`, id, patch.Title, patch.Description, patch.CoverImage, genres, patch.Language, tags, patch.Status)
	return scanComic(row)
}

func (s *PostgresStore) DeleteComic(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM comics WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete comic: %w", err)
	}
	return nil
}

func comicOrderBy(sortBy string) string {
	switch sortBy {
	case SortPopular:
		return "likes_count DESC"
	case SortViews:
		return "views DESC"
	default:
		return "created_at DESC"
	}
}

func comicFilterWhere(filter ComicFilter, args *[]any) string {
	where := "TRUE"
	if len(filter.Genres) > 0 {
		*args = append(*args, pq.Array(filter.Genres))
		where += fmt.Sprintf(" AND genres && $%d", len(*args))
	}
	if filter.Language != "" {
		*args = append(*args, filter.Language)
		where += fmt.Sprintf(" AND language = $%d", len(*args))
	}
	if filter.AuthorID != "" {
		*args = append(*args, filter.AuthorID)
		where += fmt.Sprintf(" AND author_id = $%d", len(*args))
	}
	if filter.Status != "" {
		*args = append(*args, filter.Status)
		where += fmt.Sprintf(" AND status = $%d", len(*args))
	}
	return where
}

// ListComics applies the filter, sort and page, and returns the page plus the
// total matching count.
func (s *PostgresStore) ListComics(ctx context.Context, filter ComicFilter, sortBy string, limit, offset int) ([]Comic, int, error) {
	var args []any
	where := comicFilterWhere(filter, &args)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM comics WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count comics: %w", err)
	}

	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT %s FROM comics WHERE %s ORDER BY %s LIMIT $%d OFFSET $%d`,
		comicColumns, where, comicOrderBy(sortBy), len(args)-1, len(args))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list comics: %w", err)
	}
	defer rows.Close()

	comics, err := collectComics(rows)
	if err != nil {
		return nil, 0, err
	}
	return comics, total, nil
}

func (s *PostgresStore) ListComicsByAuthor(ctx context.Context, authorID, status string) ([]Comic, error) {
	query := `SELECT ` + comicColumns + ` FROM comics WHERE author_id=$1`
	args := []any{authorID}
	if status != "" {
		query += ` AND status=$2`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list author comics: %w", err)
	}
	defer rows.Close()
	return collectComics(rows)
}

func (s *PostgresStore) ListTrendingComics(ctx context.Context, since time.Time, limit int) ([]Comic, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+comicColumns+` FROM comics
		WHERE status='published' AND created_at >= $1
		ORDER BY likes_count DESC, views DESC
		LIMIT $2
	`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list trending comics: %w", err)
	}
	defer rows.Close()
	return collectComics(rows)
}

// GetComicsByIDs returns comics in the order the ids were given; missing ids
// are skipped.
func (s *PostgresStore) GetComicsByIDs(ctx context.Context, ids []string) ([]Comic, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+comicColumns+` FROM comics WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("get comics by ids: %w", err)
	}
	defer rows.Close()

	unordered, err := collectComics(rows)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]Comic, len(unordered))
	for _, comic := range unordered {
		byID[comic.ID] = comic
	}
	ordered := make([]Comic, 0, len(ids))
	for _, id := range ids {
		if comic, ok := byID[id]; ok {
			ordered = append(ordered, comic)
		}
	}
	return ordered, nil
}

func (s *PostgresStore) IncrementComicViews(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE comics SET views = views + 1 WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("increment views: %w", err)
	}
	return nil
}

// AdjustComicLikes moves the like counter by delta, clamped at zero.
func (s *PostgresStore) AdjustComicLikes(ctx context.Context, id string, delta int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE comics SET likes_count = GREATEST(likes_count + $2, 0) WHERE id=$1
	`, id, delta)
	if err != nil {
		return fmt.Errorf("adjust likes count: %w", err)
	}
	return nil
}

func collectComics(rows *sql.Rows) ([]Comic, error) {
	var comics []Comic
	for rows.Next() {
		comic, err := scanComic(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comic: %w", err)
		}
		comics = append(comics, comic)
	}
	return comics, rows.Err()
}

// ── Chapters ──

const chapterColumns = `id, comic_id, chapter_number, title, pages, created_at, updated_at`

func scanChapter(row interface{ Scan(...any) error }) (Chapter, error) {
	var ch Chapter
	err := row.Scan(&ch.ID, &ch.ComicID, &ch.ChapterNumber, &ch.Title, pq.Array(&ch.Pages), &ch.CreatedAt, &ch.UpdatedAt)
	return ch, err
}

func (s *PostgresStore) InsertChapter(ctx context.Context, ch Chapter) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chapters (id, comic_id, chapter_number, title, pages)
		VALUES ($1, $2, $3, $4, $5)
	`, ch.ID, ch.ComicID, ch.ChapterNumber, ch.Title, pq.Array(ch.Pages))
	if err != nil {
		return asDuplicate(err)
	}
	return nil
}

func (s *PostgresStore) GetChapter(ctx context.Context, id string) (Chapter, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+chapterColumns+` FROM chapters WHERE id=$1`, id)
	return scanChapter(row)
}

func (s *PostgresStore) ListChapters(ctx context.Context, comicID string) ([]Chapter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+chapterColumns+` FROM chapters WHERE comic_id=$1 ORDER BY chapter_number
	`, comicID)
	if err != nil {
		return nil, fmt.Errorf("list chapters: %w", err)
	}
	defer rows.Close()

	var chapters []Chapter
	for rows.Next() {
		chapter, err := scanChapter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chapter: %w", err)
		}
		chapters = append(chapters, chapter)
	}
	return chapters, rows.Err()
}

func (s *PostgresStore) DeleteChapter(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chapters WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete chapter: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteComicChapters(ctx context.Context, comicID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chapters WHERE comic_id=$1`, comicID)
	if err != nil {
		return fmt.Errorf("delete comic chapters: %w", err)
	}
	return nil
}

// ── Likes ──

func (s *PostgresStore) GetLike(ctx context.Context, accountID, comicID string) (Like, error) {
	var like Like
	err := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, comic_id, created_at FROM likes WHERE account_id=$1 AND comic_id=$2
	`, accountID, comicID).Scan(&like.ID, &like.AccountID, &like.ComicID, &like.CreatedAt)
	return like, err
}

func (s *PostgresStore) InsertLike(ctx context.Context, like Like) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO likes (id, account_id, comic_id) VALUES ($1, $2, $3)
	`, like.ID, like.AccountID, like.ComicID)
	if err != nil {
		return asDuplicate(err)
	}
	return nil
}

func (s *PostgresStore) DeleteLike(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM likes WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete like: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteComicLikes(ctx context.Context, comicID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM likes WHERE comic_id=$1`, comicID)
	if err != nil {
		return fmt.Errorf("delete comic likes: %w", err)
	}
	return nil
}

// ListLikedComics returns the comics an account liked, most recent like first.
func (s *PostgresStore) ListLikedComics(ctx context.Context, accountID string, limit, offset int) ([]Comic, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.title, c.description, c.cover_image, c.genres, c.language, c.tags,
			c.author_id, c.views, c.likes_count, c.status, c.created_at, c.updated_at
		FROM likes l
		JOIN comics c ON c.id = l.comic_id
		WHERE l.account_id = $1
		ORDER BY l.created_at DESC
		LIMIT $2 OFFSET $3
	`, accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list liked comics: %w", err)
	}
	defer rows.Close()
	return collectComics(rows)
}

// ── Comments ──

const commentColumns = `id, account_id, comic_id, content, created_at, updated_at`

func scanComment(row interface{ Scan(...any) error }) (Comment, error) {
	var c Comment
	err := row.Scan(&c.ID, &c.AccountID, &c.ComicID, &c.Content, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func (s *PostgresStore) InsertComment(ctx context.Context, c Comment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comments (id, account_id, comic_id, content) VALUES ($1, $2, $3, $4)
	`, c.ID, c.AccountID, c.ComicID, c.Content)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetComment(ctx context.Context, id string) (Comment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE id=$1`, id)
	return scanComment(row)
}

func (s *PostgresStore) ListComments(ctx context.Context, comicID string, limit, offset int) ([]Comment, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM comments WHERE comic_id=$1`, comicID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count comments: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commentColumns+` FROM comments
		WHERE comic_id=$1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, comicID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	var comments []Comment
	for rows.Next() {
		comment, err := scanComment(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan comment: %w", err)
		}
		comments = append(comments, comment)
	}
	return comments, total, rows.Err()
}

func (s *PostgresStore) DeleteComment(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM comments WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteComicComments(ctx context.Context, comicID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM comments WHERE comic_id=$1`, comicID)
	if err != nil {
		return fmt.Errorf("delete comic comments: %w", err)
	}
	return nil
}

// ── Refresh sessions (Postgres fallback when Redis is not configured) ──

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, accountID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, account_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET account_id=EXCLUDED.account_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, accountID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (string, error) {
	var accountID string
	err := s.db.QueryRowContext(ctx, `
		SELECT account_id FROM refresh_sessions
		WHERE token_hash=$1 AND revoked_at IS NULL AND expires_at > NOW()
	`, tokenHash).Scan(&accountID)
	if err != nil {
		return "", err
	}
	return accountID, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}
