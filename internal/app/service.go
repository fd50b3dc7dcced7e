package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"inkwell/api/internal/auth"
	"inkwell/api/internal/config"
	"inkwell/api/internal/identity"
	"inkwell/api/internal/media"
	"inkwell/api/internal/search"
	"inkwell/api/internal/store"
	"inkwell/api/internal/util"
)

// Viewer is the authenticated caller. A nil *Viewer means anonymous.
type Viewer struct {
	AccountID string
	Role      string
}

// Session is the result of the legacy register/login/refresh path.
type Session struct {
	Token        string
	RefreshToken string
	Account      store.Account
	ExpiresAt    time.Time
}

type RegisterInput struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type LoginInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type UpdateProfileInput struct {
	Bio     *string `json:"bio"`
	Country *string `json:"country"`
}

type dataStore interface {
	CreateAccount(context.Context, store.Account) error
	GetAccountByID(context.Context, string) (store.Account, error)
	GetAccountByExternalUID(context.Context, string) (store.Account, error)
	GetAccountByEmail(context.Context, string) (store.Account, error)
	GetAccountByUsername(context.Context, string) (store.Account, error)
	ListAccounts(context.Context, int, int) ([]store.Account, error)
	UsernameTaken(context.Context, string) (bool, error)
	UpdateAccountProfile(context.Context, string, *string, *string) (store.Account, error)
	UpdateAccountAvatar(context.Context, string, string) (store.Account, error)
	UpdateAccountRole(context.Context, string, string) (store.Account, error)
	SyncAccount(context.Context, string, bool, string) (store.Account, error)

	InsertComic(context.Context, store.Comic) error
	GetComic(context.Context, string) (store.Comic, error)
	UpdateComic(context.Context, string, store.ComicPatch) (store.Comic, error)
	DeleteComic(context.Context, string) error
	ListComics(context.Context, store.ComicFilter, string, int, int) ([]store.Comic, int, error)
	ListComicsByAuthor(context.Context, string, string) ([]store.Comic, error)
	ListTrendingComics(context.Context, time.Time, int) ([]store.Comic, error)
	GetComicsByIDs(context.Context, []string) ([]store.Comic, error)
	IncrementComicViews(context.Context, string) error
	AdjustComicLikes(context.Context, string, int) error

	InsertChapter(context.Context, store.Chapter) error
	GetChapter(context.Context, string) (store.Chapter, error)
	ListChapters(context.Context, string) ([]store.Chapter, error)
	DeleteChapter(context.Context, string) error
	DeleteComicChapters(context.Context, string) error

	GetLike(context.Context, string, string) (store.Like, error)
	InsertLike(context.Context, store.Like) error
	DeleteLike(context.Context, string) error
	DeleteComicLikes(context.Context, string) error
	ListLikedComics(context.Context, string, int, int) ([]store.Comic, error)

	InsertComment(context.Context, store.Comment) error
	GetComment(context.Context, string) (store.Comment, error)
	ListComments(context.Context, string, int, int) ([]store.Comment, int, error)
	DeleteComment(context.Context, string) error
	DeleteComicComments(context.Context, string) error

	Ping(ctx context.Context) error
}

// sessionStore holds refresh tokens; Redis when configured, Postgres otherwise.
type sessionStore interface {
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (string, error)
	RevokeRefreshSession(context.Context, string) error
}

// comicIndex is the search facade consumed by the service.
type comicIndex interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexComic(c search.ComicRecord)
	DeleteComic(id string)
}

// MediaStore hands out presigned upload tickets. Nil means object storage
// is not configured.
type MediaStore interface {
	PresignUpload(ctx context.Context, accountID, kind, filename string) (media.UploadTicket, error)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	verifier identity.Verifier
	search   comicIndex
	media    MediaStore
}

// New wires the service. media may be nil when object storage is not
// configured; upload operations then report it unavailable.
func New(cfg config.Config, dataStore dataStore, sessions sessionStore, verifier identity.Verifier, index comicIndex, mediaSvc MediaStore) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		verifier: verifier,
		search:   index,
		media:    mediaSvc,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// requireAuth is the single authentication gate.
func requireAuth(viewer *Viewer) error {
	if viewer == nil || viewer.AccountID == "" {
		return errUnauthenticated("You must be logged in")
	}
	return nil
}

// ViewerFromToken resolves a bearer token to a viewer. It tries the external
// identity assertion first and falls back to the legacy signed token. An empty
// token yields an anonymous (nil) viewer without error.
func (s *Service) ViewerFromToken(ctx context.Context, token string) (*Viewer, error) {
	if token == "" {
		return nil, nil
	}

	if s.verifier != nil {
		assertion, err := s.verifier.Verify(token)
		if err == nil {
			account, err := s.accountForAssertion(ctx, assertion)
			if err != nil {
				return nil, err
			}
			return &Viewer{AccountID: account.ID, Role: account.Role}, nil
		}
	}

	claims, err := auth.ParseToken([]byte(s.cfg.LegacyTokenSecret), token)
	if err != nil {
		return nil, errUnauthenticated("Invalid or expired token")
	}
	account, err := s.store.GetAccountByID(ctx, claims.Sub)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errUnauthenticated("Invalid or expired token")
		}
		return nil, err
	}
	return &Viewer{AccountID: account.ID, Role: account.Role}, nil
}

// accountForAssertion resolves an external identity to a local account,
// provisioning one on first sight.
func (s *Service) accountForAssertion(ctx context.Context, assertion identity.Assertion) (store.Account, error) {
	account, err := s.store.GetAccountByExternalUID(ctx, assertion.UID)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return store.Account{}, err
	}
	return s.provisionAccount(ctx, assertion, "")
}

func (s *Service) provisionAccount(ctx context.Context, assertion identity.Assertion, requestedUsername string) (store.Account, error) {
	username := strings.TrimSpace(requestedUsername)
	if username != "" {
		if err := validateUsername(username); err != nil {
			return store.Account{}, err
		}
	} else {
		// A derived handle that breaks the username rules (short email local
		// part, odd characters) falls back to the uid-based one.
		username = usernameFromEmail(assertion.Email)
		if validateUsername(username) != nil {
			username = "user_" + shortUID(assertion.UID)
		}
	}
	username, err := s.dedupeUsername(ctx, username)
	if err != nil {
		return store.Account{}, err
	}

	account := store.Account{
		ID:            util.NewID("acc"),
		ExternalUID:   assertion.UID,
		Username:      username,
		Email:         strings.ToLower(assertion.Email),
		EmailVerified: assertion.EmailVerified,
		Role:          store.RoleReader,
	}
	if err := s.store.CreateAccount(ctx, account); err != nil {
		return store.Account{}, fmt.Errorf("provision account: %w", err)
	}
	return s.store.GetAccountByID(ctx, account.ID)
}

func (s *Service) dedupeUsername(ctx context.Context, username string) (string, error) {
	taken, err := s.store.UsernameTaken(ctx, username)
	if err != nil {
		return "", err
	}
	if !taken {
		return username, nil
	}
	return username + "_" + util.ShortSuffix(), nil
}

func usernameFromEmail(email string) string {
	local, _, found := strings.Cut(email, "@")
	if !found {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(local))
}

func shortUID(uid string) string {
	if len(uid) > 8 {
		return uid[:8]
	}
	return uid
}

// ── Legacy register / login / refresh ──

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

func validateUsername(username string) error {
	if len(username) < 3 || len(username) > 30 {
		return errBadInput("Username must be between 3 and 30 characters", nil)
	}
	if !usernamePattern.MatchString(username) {
		return errBadInput("Username may only contain letters, digits, '_', '.' and '-'", nil)
	}
	return nil
}

func (s *Service) Register(ctx context.Context, input RegisterInput) (Session, error) {
	username := strings.TrimSpace(input.Username)
	email := strings.ToLower(strings.TrimSpace(input.Email))

	if err := validateUsername(username); err != nil {
		return Session{}, err
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return Session{}, errBadInput("Invalid email address", nil)
	}
	if len(input.Password) < 6 {
		return Session{}, errBadInput("Password must be at least 6 characters", nil)
	}
	role := input.Role
	if role == "" {
		role = store.RoleReader
	}
	if role != store.RoleReader && role != store.RoleCreator {
		return Session{}, errBadInput("Role must be creator or reader", nil)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
	if err != nil {
		return Session{}, fmt.Errorf("hash password: %w", err)
	}

	id := util.NewID("acc")
	account := store.Account{
		ID:           id,
		ExternalUID:  "legacy_" + id,
		Username:     username,
		Email:        email,
		Role:         role,
		PasswordHash: string(hash),
	}
	if err := s.store.CreateAccount(ctx, account); err != nil {
		if store.IsDuplicate(err) {
			message := "An account with this email or username already exists"
			switch store.DuplicateConstraint(err) {
			case "accounts_email_key":
				message = "An account with this email already exists"
			case "accounts_username_key":
				message = "This username is already taken"
			}
			return Session{}, errBadInput(message, nil)
		}
		return Session{}, err
	}

	created, err := s.store.GetAccountByID(ctx, id)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, created)
}

func (s *Service) Login(ctx context.Context, input LoginInput) (Session, error) {
	email := strings.ToLower(strings.TrimSpace(input.Email))

	account, err := s.store.GetAccountByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, errUnauthenticated("Incorrect email or password")
		}
		return Session{}, err
	}
	if account.PasswordHash == "" {
		return Session{}, errUnauthenticated("This account uses external sign-in; password login is not available")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(input.Password)); err != nil {
		return Session{}, errUnauthenticated("Incorrect email or password")
	}
	return s.issueSession(ctx, account)
}

// RefreshSession rotates the refresh token and issues a fresh access token.
func (s *Service) RefreshSession(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	accountID, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, errUnauthenticated("Invalid or expired refresh token")
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	account, err := s.store.GetAccountByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, errUnauthenticated("Invalid or expired refresh token")
		}
		return Session{}, err
	}
	return s.issueSession(ctx, account)
}

func (s *Service) issueSession(ctx context.Context, account store.Account) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.LegacyTokenTTL)

	token, err := auth.IssueToken([]byte(s.cfg.LegacyTokenSecret), auth.Claims{
		Sub: account.ID,
		JTI: util.NewID("jti"),
		Exp: expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), account.ID, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		Account:      account,
		ExpiresAt:    expiresAt,
	}, nil
}

// ── Account queries and profile mutations ──

func (s *Service) Me(ctx context.Context, viewer *Viewer) (map[string]any, error) {
	if err := requireAuth(viewer); err != nil {
		return nil, err
	}
	account, err := s.store.GetAccountByID(ctx, viewer.AccountID)
	if err != nil {
		return nil, err
	}
	return accountView(account), nil
}

func (s *Service) GetUserByUsername(ctx context.Context, username string) (map[string]any, error) {
	account, err := s.store.GetAccountByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("User not found")
		}
		return nil, err
	}
	return accountView(account), nil
}

func (s *Service) ListUsers(ctx context.Context, limit, offset int) ([]map[string]any, error) {
	if limit <= 0 {
		limit = 10
	}
	if offset < 0 {
		offset = 0
	}
	accounts, err := s.store.ListAccounts(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(accounts))
	for _, account := range accounts {
		views = append(views, accountView(account))
	}
	return views, nil
}

func (s *Service) UpdateProfile(ctx context.Context, viewer *Viewer, input UpdateProfileInput) (map[string]any, error) {
	if err := requireAuth(viewer); err != nil {
		return nil, err
	}
	if input.Bio != nil && len(*input.Bio) > 500 {
		return nil, errBadInput("Bio must be at most 500 characters", nil)
	}
	account, err := s.store.UpdateAccountProfile(ctx, viewer.AccountID, input.Bio, input.Country)
	if err != nil {
		return nil, err
	}
	return accountView(account), nil
}

func (s *Service) UploadAvatar(ctx context.Context, viewer *Viewer, avatarURL string) (map[string]any, error) {
	if err := requireAuth(viewer); err != nil {
		return nil, err
	}
	avatarURL = strings.TrimSpace(avatarURL)
	if avatarURL == "" {
		return nil, errBadInput("Avatar URL is required", nil)
	}
	account, err := s.store.UpdateAccountAvatar(ctx, viewer.AccountID, avatarURL)
	if err != nil {
		return nil, err
	}
	return accountView(account), nil
}

// PresignUpload hands out a short-lived PUT URL for covers, pages or avatars.
func (s *Service) PresignUpload(ctx context.Context, viewer *Viewer, kind, filename string) (media.UploadTicket, error) {
	if err := requireAuth(viewer); err != nil {
		return media.UploadTicket{}, err
	}
	if s.media == nil {
		return media.UploadTicket{}, domainError(http.StatusServiceUnavailable, "SERVER_ERROR", "Media storage is not configured", nil)
	}
	ticket, err := s.media.PresignUpload(ctx, viewer.AccountID, kind, filename)
	if err != nil {
		return media.UploadTicket{}, errBadInput(err.Error(), nil)
	}
	return ticket, nil
}

// ── External identity bootstrap (REST surface) ──

// SyncIdentity creates or refreshes the local account for a verified external
// identity. The bool result reports whether an account was created.
func (s *Service) SyncIdentity(ctx context.Context, assertion identity.Assertion, requestedUsername string) (map[string]any, bool, error) {
	account, err := s.store.GetAccountByExternalUID(ctx, assertion.UID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, false, err
		}
		created, err := s.provisionAccount(ctx, assertion, requestedUsername)
		if err != nil {
			if store.IsDuplicate(err) {
				return nil, false, errConflict("An account with this email or username already exists")
			}
			return nil, false, err
		}
		return accountView(created), true, nil
	}

	username := strings.TrimSpace(requestedUsername)
	if username != "" && username != account.Username {
		if err := validateUsername(username); err != nil {
			return nil, false, err
		}
		taken, err := s.store.UsernameTaken(ctx, username)
		if err != nil {
			return nil, false, err
		}
		if taken {
			// A taken handle is not an error on sync; keep the current one.
			username = ""
		}
	} else {
		username = ""
	}
	updated, err := s.store.SyncAccount(ctx, account.ID, assertion.EmailVerified, username)
	if store.IsDuplicate(err, "accounts_username_key") {
		// Raced with another claim on the handle; keep the current one.
		updated, err = s.store.SyncAccount(ctx, account.ID, assertion.EmailVerified, "")
	}
	if err != nil {
		return nil, false, err
	}
	return accountView(updated), false, nil
}

func (s *Service) UpgradeToCreator(ctx context.Context, assertion identity.Assertion) (map[string]any, error) {
	account, err := s.store.GetAccountByExternalUID(ctx, assertion.UID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Account not found; sync it first")
		}
		return nil, err
	}
	if account.Role == store.RoleCreator {
		return accountView(account), nil
	}
	updated, err := s.store.UpdateAccountRole(ctx, account.ID, store.RoleCreator)
	if err != nil {
		return nil, err
	}
	return accountView(updated), nil
}

func (s *Service) AccountForAssertion(ctx context.Context, assertion identity.Assertion) (map[string]any, error) {
	account, err := s.store.GetAccountByExternalUID(ctx, assertion.UID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Account not found; sync it first")
		}
		return nil, err
	}
	return accountView(account), nil
}

// accountView shapes an account for API payloads. The password hash never
// leaves the store layer.
func accountView(a store.Account) map[string]any {
	return map[string]any{
		"id":            a.ID,
		"username":      a.Username,
		"email":         a.Email,
		"emailVerified": a.EmailVerified,
		"role":          a.Role,
		"bio":           a.Bio,
		"avatar":        a.Avatar,
		"country":       a.Country,
		"createdAt":     a.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt":     a.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
