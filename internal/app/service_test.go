package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"inkwell/api/internal/config"
	"inkwell/api/internal/identity"
	"inkwell/api/internal/search"
	"inkwell/api/internal/store"
)

type fakeStore struct {
	createAccountFn           func(context.Context, store.Account) error
	getAccountByIDFn          func(context.Context, string) (store.Account, error)
	getAccountByExternalUIDFn func(context.Context, string) (store.Account, error)
	getAccountByEmailFn       func(context.Context, string) (store.Account, error)
	getAccountByUsernameFn    func(context.Context, string) (store.Account, error)
	listAccountsFn            func(context.Context, int, int) ([]store.Account, error)
	usernameTakenFn           func(context.Context, string) (bool, error)
	updateAccountProfileFn    func(context.Context, string, *string, *string) (store.Account, error)
	updateAccountRoleFn       func(context.Context, string, string) (store.Account, error)
	syncAccountFn             func(context.Context, string, bool, string) (store.Account, error)

	insertComicFn        func(context.Context, store.Comic) error
	getComicFn           func(context.Context, string) (store.Comic, error)
	updateComicFn        func(context.Context, string, store.ComicPatch) (store.Comic, error)
	deleteComicFn        func(context.Context, string) error
	listComicsFn         func(context.Context, store.ComicFilter, string, int, int) ([]store.Comic, int, error)
	listComicsByAuthorFn func(context.Context, string, string) ([]store.Comic, error)
	listTrendingFn       func(context.Context, time.Time, int) ([]store.Comic, error)
	getComicsByIDsFn     func(context.Context, []string) ([]store.Comic, error)
	incrementViewsFn     func(context.Context, string) error
	adjustLikesFn        func(context.Context, string, int) error

	insertChapterFn       func(context.Context, store.Chapter) error
	getChapterFn          func(context.Context, string) (store.Chapter, error)
	listChaptersFn        func(context.Context, string) ([]store.Chapter, error)
	deleteChapterFn       func(context.Context, string) error
	deleteComicChaptersFn func(context.Context, string) error

	getLikeFn          func(context.Context, string, string) (store.Like, error)
	insertLikeFn       func(context.Context, store.Like) error
	deleteLikeFn       func(context.Context, string) error
	deleteComicLikesFn func(context.Context, string) error
	listLikedComicsFn  func(context.Context, string, int, int) ([]store.Comic, error)

	insertCommentFn       func(context.Context, store.Comment) error
	getCommentFn          func(context.Context, string) (store.Comment, error)
	listCommentsFn        func(context.Context, string, int, int) ([]store.Comment, int, error)
	deleteCommentFn       func(context.Context, string) error
	deleteComicCommentsFn func(context.Context, string) error
}

func (f *fakeStore) CreateAccount(ctx context.Context, a store.Account) error {
	if f.createAccountFn != nil {
		return f.createAccountFn(ctx, a)
	}
	return nil
}
func (f *fakeStore) GetAccountByID(ctx context.Context, id string) (store.Account, error) {
	if f.getAccountByIDFn != nil {
		return f.getAccountByIDFn(ctx, id)
	}
	return store.Account{}, sql.ErrNoRows
}
func (f *fakeStore) GetAccountByExternalUID(ctx context.Context, uid string) (store.Account, error) {
	if f.getAccountByExternalUIDFn != nil {
		return f.getAccountByExternalUIDFn(ctx, uid)
	}
	return store.Account{}, sql.ErrNoRows
}
func (f *fakeStore) GetAccountByEmail(ctx context.Context, email string) (store.Account, error) {
	if f.getAccountByEmailFn != nil {
		return f.getAccountByEmailFn(ctx, email)
	}
	return store.Account{}, sql.ErrNoRows
}
func (f *fakeStore) GetAccountByUsername(ctx context.Context, username string) (store.Account, error) {
	if f.getAccountByUsernameFn != nil {
		return f.getAccountByUsernameFn(ctx, username)
	}
	return store.Account{}, sql.ErrNoRows
}
func (f *fakeStore) ListAccounts(ctx context.Context, limit, offset int) ([]store.Account, error) {
	if f.listAccountsFn != nil {
		return f.listAccountsFn(ctx, limit, offset)
	}
	return nil, nil
}
func (f *fakeStore) UsernameTaken(ctx context.Context, username string) (bool, error) {
	if f.usernameTakenFn != nil {
		return f.usernameTakenFn(ctx, username)
	}
	return false, nil
}
func (f *fakeStore) UpdateAccountProfile(ctx context.Context, id string, bio, country *string) (store.Account, error) {
	if f.updateAccountProfileFn != nil {
		return f.updateAccountProfileFn(ctx, id, bio, country)
	}
	return store.Account{ID: id}, nil
}
func (f *fakeStore) UpdateAccountAvatar(ctx context.Context, id, avatar string) (store.Account, error) {
	return store.Account{ID: id, Avatar: avatar}, nil
}
func (f *fakeStore) UpdateAccountRole(ctx context.Context, id, role string) (store.Account, error) {
	if f.updateAccountRoleFn != nil {
		return f.updateAccountRoleFn(ctx, id, role)
	}
	return store.Account{ID: id, Role: role}, nil
}
func (f *fakeStore) SyncAccount(ctx context.Context, id string, verified bool, username string) (store.Account, error) {
	if f.syncAccountFn != nil {
		return f.syncAccountFn(ctx, id, verified, username)
	}
	return store.Account{ID: id, EmailVerified: verified, Username: username}, nil
}

func (f *fakeStore) InsertComic(ctx context.Context, c store.Comic) error {
	if f.insertComicFn != nil {
		return f.insertComicFn(ctx, c)
	}
	return nil
}
func (f *fakeStore) GetComic(ctx context.Context, id string) (store.Comic, error) {
	if f.getComicFn != nil {
		return f.getComicFn(ctx, id)
	}
	return store.Comic{}, sql.ErrNoRows
}
func (f *fakeStore) UpdateComic(ctx context.Context, id string, patch store.ComicPatch) (store.Comic, error) {
	if f.updateComicFn != nil {
		return f.updateComicFn(ctx, id, patch)
	}
	return store.Comic{ID: id}, nil
}
func (f *fakeStore) DeleteComic(ctx context.Context, id string) error {
	if f.deleteComicFn != nil {
		return f.deleteComicFn(ctx, id)
	}
	return nil
}
func (f *fakeStore) ListComics(ctx context.Context, filter store.ComicFilter, sortBy string, limit, offset int) ([]store.Comic, int, error) {
	if f.listComicsFn != nil {
		return f.listComicsFn(ctx, filter, sortBy, limit, offset)
	}
	return nil, 0, nil
}
func (f *fakeStore) ListComicsByAuthor(ctx context.Context, authorID, status string) ([]store.Comic, error) {
	if f.listComicsByAuthorFn != nil {
		return f.listComicsByAuthorFn(ctx, authorID, status)
	}
	return nil, nil
}
func (f *fakeStore) ListTrendingComics(ctx context.Context, since time.Time, limit int) ([]store.Comic, error) {
	if f.listTrendingFn != nil {
		return f.listTrendingFn(ctx, since, limit)
	}
	return nil, nil
}
func (f *fakeStore) GetComicsByIDs(ctx context.Context, ids []string) ([]store.Comic, error) {
	if f.getComicsByIDsFn != nil {
		return f.getComicsByIDsFn(ctx, ids)
	}
	return nil, nil
}
func (f *fakeStore) IncrementComicViews(ctx context.Context, id string) error {
	if f.incrementViewsFn != nil {
		return f.incrementViewsFn(ctx, id)
	}
	return nil
}
func (f *fakeStore) AdjustComicLikes(ctx context.Context, id string, delta int) error {
	if f.adjustLikesFn != nil {
		return f.adjustLikesFn(ctx, id, delta)
	}
	return nil
}

func (f *fakeStore) InsertChapter(ctx context.Context, ch store.Chapter) error {
	if f.insertChapterFn != nil {
		return f.insertChapterFn(ctx, ch)
	}
	return nil
}
func (f *fakeStore) GetChapter(ctx context.Context, id string) (store.Chapter, error) {
	if f.getChapterFn != nil {
		return f.getChapterFn(ctx, id)
	}
	return store.Chapter{}, sql.ErrNoRows
}
func (f *fakeStore) ListChapters(ctx context.Context, comicID string) ([]store.Chapter, error) {
	if f.listChaptersFn != nil {
		return f.listChaptersFn(ctx, comicID)
	}
	return nil, nil
}
func (f *fakeStore) DeleteChapter(ctx context.Context, id string) error {
	if f.deleteChapterFn != nil {
		return f.deleteChapterFn(ctx, id)
	}
	return nil
}
func (f *fakeStore) DeleteComicChapters(ctx context.Context, comicID string) error {
	if f.deleteComicChaptersFn != nil {
		return f.deleteComicChaptersFn(ctx, comicID)
	}
	return nil
}

func (f *fakeStore) GetLike(ctx context.Context, accountID, comicID string) (store.Like, error) {
	if f.getLikeFn != nil {
		return f.getLikeFn(ctx, accountID, comicID)
	}
	return store.Like{}, sql.ErrNoRows
}
func (f *fakeStore) InsertLike(ctx context.Context, like store.Like) error {
	if f.insertLikeFn != nil {
		return f.insertLikeFn(ctx, like)
	}
	return nil
}
func (f *fakeStore) DeleteLike(ctx context.Context, id string) error {
	if f.deleteLikeFn != nil {
		return f.deleteLikeFn(ctx, id)
	}
	return nil
}
func (f *fakeStore) DeleteComicLikes(ctx context.Context, comicID string) error {
	if f.deleteComicLikesFn != nil {
		return f.deleteComicLikesFn(ctx, comicID)
	}
	return nil
}
func (f *fakeStore) ListLikedComics(ctx context.Context, accountID string, limit, offset int) ([]store.Comic, error) {
	if f.listLikedComicsFn != nil {
		return f.listLikedComicsFn(ctx, accountID, limit, offset)
	}
	return nil, nil
}

func (f *fakeStore) InsertComment(ctx context.Context, c store.Comment) error {
	if f.insertCommentFn != nil {
		return f.insertCommentFn(ctx, c)
	}
	return nil
}
func (f *fakeStore) GetComment(ctx context.Context, id string) (store.Comment, error) {
	if f.getCommentFn != nil {
		return f.getCommentFn(ctx, id)
	}
	return store.Comment{}, sql.ErrNoRows
}
func (f *fakeStore) ListComments(ctx context.Context, comicID string, limit, offset int) ([]store.Comment, int, error) {
	if f.listCommentsFn != nil {
		return f.listCommentsFn(ctx, comicID, limit, offset)
	}
	return nil, 0, nil
}
func (f *fakeStore) DeleteComment(ctx context.Context, id string) error {
	if f.deleteCommentFn != nil {
		return f.deleteCommentFn(ctx, id)
	}
	return nil
}
func (f *fakeStore) DeleteComicComments(ctx context.Context, comicID string) error {
	if f.deleteComicCommentsFn != nil {
		return f.deleteComicCommentsFn(ctx, comicID)
	}
	return nil
}

func (f *fakeStore) Ping(context.Context) error { return nil }

type fakeSessions struct {
	saved map[string]string
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{saved: make(map[string]string)}
}

func (f *fakeSessions) SaveRefreshSession(_ context.Context, tokenHash, accountID string, _ time.Time) error {
	f.saved[tokenHash] = accountID
	return nil
}
func (f *fakeSessions) LookupRefreshSession(_ context.Context, tokenHash string) (string, error) {
	accountID, ok := f.saved[tokenHash]
	if !ok {
		return "", errors.New("token not found or expired")
	}
	return accountID, nil
}
func (f *fakeSessions) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	delete(f.saved, tokenHash)
	return nil
}

type fakeIndex struct {
	indexed  []string
	deleted  []string
	response search.Response
}

func (f *fakeIndex) Search(context.Context, search.Query) search.Response { return f.response }
func (f *fakeIndex) IndexComic(c search.ComicRecord)                      { f.indexed = append(f.indexed, c.ID) }
func (f *fakeIndex) DeleteComic(id string)                                { f.deleted = append(f.deleted, id) }

const testIdentitySecret = "identity-secret"
const testIdentityIssuer = "identity.test"

func testConfig() config.Config {
	return config.Config{
		LegacyTokenSecret: "legacy-secret",
		LegacyTokenTTL:    time.Hour,
		RefreshTTL:        30 * 24 * time.Hour,
		IdentitySecret:    testIdentitySecret,
		IdentityIssuer:    testIdentityIssuer,
	}
}

func newTestService(fs *fakeStore) (*Service, *fakeSessions, *fakeIndex) {
	sessions := newFakeSessions()
	index := &fakeIndex{}
	verifier := identity.NewHMACVerifier(testIdentitySecret, testIdentityIssuer)
	return New(testConfig(), fs, sessions, verifier, index, nil), sessions, index
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %T: %v", err, err)
	}
	if domainErr.Code != code {
		t.Fatalf("expected code %s, got %s (%s)", code, domainErr.Code, domainErr.Message)
	}
}

func publishedComic(id, authorID string) store.Comic {
	return store.Comic{
		ID:          id,
		Title:       "The Long Road",
		Description: "A story about a very long road home.",
		CoverImage:  "https://cdn.test/cover.png",
		Genres:      []string{"adventure"},
		Language:    "en",
		AuthorID:    authorID,
		Status:      store.StatusPublished,
	}
}

// ── Legacy auth ──

func TestRegisterValidation(t *testing.T) {
	svc, _, _ := newTestService(&fakeStore{})
	ctx := context.Background()

	cases := []struct {
		name  string
		input RegisterInput
	}{
		{"short username", RegisterInput{Username: "ab", Email: "a@b.test", Password: "secret1"}},
		{"long username", RegisterInput{Username: strings.Repeat("x", 31), Email: "a@b.test", Password: "secret1"}},
		{"bad email", RegisterInput{Username: "reader1", Email: "not-an-email", Password: "secret1"}},
		{"short password", RegisterInput{Username: "reader1", Email: "a@b.test", Password: "12345"}},
		{"bad role", RegisterInput{Username: "reader1", Email: "a@b.test", Password: "secret1", Role: "admin"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Register(ctx, tc.input)
			assertCode(t, err, "BAD_USER_INPUT")
		})
	}
}

func TestRegisterDuplicate(t *testing.T) {
	fs := &fakeStore{
		createAccountFn: func(context.Context, store.Account) error {
			return &store.ErrDuplicate{Constraint: "accounts_email_key"}
		},
	}
	svc, _, _ := newTestService(fs)

	_, err := svc.Register(context.Background(), RegisterInput{
		Username: "reader1", Email: "a@b.test", Password: "secret1",
	})
	assertCode(t, err, "BAD_USER_INPUT")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || !strings.Contains(domainErr.Message, "email") {
		t.Fatalf("expected email-specific message, got %v", err)
	}
}

func TestRegisterIssuesSession(t *testing.T) {
	var created store.Account
	fs := &fakeStore{
		createAccountFn: func(_ context.Context, a store.Account) error {
			created = a
			return nil
		},
		getAccountByIDFn: func(_ context.Context, id string) (store.Account, error) {
			if id != created.ID {
				return store.Account{}, sql.ErrNoRows
			}
			return created, nil
		},
	}
	svc, sessions, _ := newTestService(fs)

	session, err := svc.Register(context.Background(), RegisterInput{
		Username: "reader1", Email: "Reader@B.Test", Password: "secret1",
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if session.Token == "" || session.RefreshToken == "" {
		t.Fatal("expected token and refresh token")
	}
	if created.Email != "reader@b.test" {
		t.Errorf("expected lowercased email, got %s", created.Email)
	}
	if !strings.HasPrefix(created.ExternalUID, "legacy_") {
		t.Errorf("expected legacy external uid sentinel, got %s", created.ExternalUID)
	}
	if created.Role != store.RoleReader {
		t.Errorf("expected default role reader, got %s", created.Role)
	}
	if len(sessions.saved) != 1 {
		t.Errorf("expected one saved refresh session, got %d", len(sessions.saved))
	}
}

func TestLoginWrongPassword(t *testing.T) {
	hash, _ := bcrypt.GenerateFromPassword([]byte("correct1"), bcrypt.MinCost)
	fs := &fakeStore{
		getAccountByEmailFn: func(context.Context, string) (store.Account, error) {
			return store.Account{ID: "acc_1", PasswordHash: string(hash)}, nil
		},
	}
	svc, _, _ := newTestService(fs)

	_, err := svc.Login(context.Background(), LoginInput{Email: "a@b.test", Password: "wrong"})
	assertCode(t, err, "UNAUTHENTICATED")
}

func TestLoginUnknownEmail(t *testing.T) {
	svc, _, _ := newTestService(&fakeStore{})
	_, err := svc.Login(context.Background(), LoginInput{Email: "nobody@b.test", Password: "secret1"})
	assertCode(t, err, "UNAUTHENTICATED")
}

func TestLoginExternalOnlyAccount(t *testing.T) {
	fs := &fakeStore{
		getAccountByEmailFn: func(context.Context, string) (store.Account, error) {
			return store.Account{ID: "acc_1"}, nil
		},
	}
	svc, _, _ := newTestService(fs)

	_, err := svc.Login(context.Background(), LoginInput{Email: "a@b.test", Password: "secret1"})
	assertCode(t, err, "UNAUTHENTICATED")
	if !strings.Contains(err.Error(), "external") {
		t.Errorf("expected message pointing to external sign-in, got %q", err.Error())
	}
}

func TestRefreshSessionRotates(t *testing.T) {
	account := store.Account{ID: "acc_1", Username: "reader1"}
	fs := &fakeStore{
		getAccountByIDFn: func(context.Context, string) (store.Account, error) {
			return account, nil
		},
	}
	svc, sessions, _ := newTestService(fs)

	first, err := svc.issueSession(context.Background(), account)
	if err != nil {
		t.Fatalf("issueSession failed: %v", err)
	}

	second, err := svc.RefreshSession(context.Background(), first.RefreshToken)
	if err != nil {
		t.Fatalf("RefreshSession failed: %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Error("expected a rotated refresh token")
	}

	// Old token must be gone after rotation.
	_, err = svc.RefreshSession(context.Background(), first.RefreshToken)
	assertCode(t, err, "UNAUTHENTICATED")

	if len(sessions.saved) != 1 {
		t.Errorf("expected exactly one live refresh session, got %d", len(sessions.saved))
	}
}

// ── Auth bridge ──

func TestViewerFromTokenEmpty(t *testing.T) {
	svc, _, _ := newTestService(&fakeStore{})
	viewer, err := svc.ViewerFromToken(context.Background(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if viewer != nil {
		t.Fatal("expected anonymous viewer for empty token")
	}
}

func TestViewerFromTokenExternal(t *testing.T) {
	fs := &fakeStore{
		getAccountByExternalUIDFn: func(_ context.Context, uid string) (store.Account, error) {
			if uid != "firebase-uid-1" {
				return store.Account{}, sql.ErrNoRows
			}
			return store.Account{ID: "acc_1", Role: store.RoleCreator}, nil
		},
	}
	svc, _, _ := newTestService(fs)

	token, err := identity.IssueForTest(testIdentitySecret, testIdentityIssuer, identity.Assertion{
		UID: "firebase-uid-1", Email: "a@b.test", EmailVerified: true,
	}, time.Hour)
	if err != nil {
		t.Fatalf("IssueForTest failed: %v", err)
	}

	viewer, err := svc.ViewerFromToken(context.Background(), token)
	if err != nil {
		t.Fatalf("ViewerFromToken failed: %v", err)
	}
	if viewer == nil || viewer.AccountID != "acc_1" || viewer.Role != store.RoleCreator {
		t.Fatalf("unexpected viewer: %+v", viewer)
	}
}

func TestViewerFromTokenProvisionsOnFirstSight(t *testing.T) {
	var created store.Account
	fs := &fakeStore{
		createAccountFn: func(_ context.Context, a store.Account) error {
			created = a
			return nil
		},
		getAccountByIDFn: func(_ context.Context, id string) (store.Account, error) {
			if created.ID == id {
				return created, nil
			}
			return store.Account{}, sql.ErrNoRows
		},
	}
	svc, _, _ := newTestService(fs)

	token, err := identity.IssueForTest(testIdentitySecret, testIdentityIssuer, identity.Assertion{
		UID: "firebase-uid-2", Email: "New.Reader@B.Test", EmailVerified: true,
	}, time.Hour)
	if err != nil {
		t.Fatalf("IssueForTest failed: %v", err)
	}

	viewer, err := svc.ViewerFromToken(context.Background(), token)
	if err != nil {
		t.Fatalf("ViewerFromToken failed: %v", err)
	}
	if viewer == nil || viewer.AccountID != created.ID {
		t.Fatalf("unexpected viewer: %+v", viewer)
	}
	if created.Username != "new.reader" {
		t.Errorf("expected username from email local part, got %s", created.Username)
	}
	if created.Role != store.RoleReader {
		t.Errorf("expected default role reader, got %s", created.Role)
	}
}

func TestViewerFromTokenLegacyFallback(t *testing.T) {
	account := store.Account{ID: "acc_9", Role: store.RoleReader}
	fs := &fakeStore{
		getAccountByIDFn: func(_ context.Context, id string) (store.Account, error) {
			if id != account.ID {
				return store.Account{}, sql.ErrNoRows
			}
			return account, nil
		},
	}
	svc, _, _ := newTestService(fs)

	session, err := svc.issueSession(context.Background(), account)
	if err != nil {
		t.Fatalf("issueSession failed: %v", err)
	}

	viewer, err := svc.ViewerFromToken(context.Background(), session.Token)
	if err != nil {
		t.Fatalf("ViewerFromToken failed: %v", err)
	}
	if viewer == nil || viewer.AccountID != "acc_9" {
		t.Fatalf("unexpected viewer: %+v", viewer)
	}
}

func TestViewerFromTokenGarbage(t *testing.T) {
	svc, _, _ := newTestService(&fakeStore{})
	_, err := svc.ViewerFromToken(context.Background(), "not-a-token")
	assertCode(t, err, "UNAUTHENTICATED")
}

// ── Profile ──

func TestUpdateProfileRequiresAuth(t *testing.T) {
	svc, _, _ := newTestService(&fakeStore{})
	_, err := svc.UpdateProfile(context.Background(), nil, UpdateProfileInput{})
	assertCode(t, err, "UNAUTHENTICATED")
}

func TestUpdateProfileBioTooLong(t *testing.T) {
	svc, _, _ := newTestService(&fakeStore{})
	bio := strings.Repeat("x", 501)
	_, err := svc.UpdateProfile(context.Background(), &Viewer{AccountID: "acc_1"}, UpdateProfileInput{Bio: &bio})
	assertCode(t, err, "BAD_USER_INPUT")
}

// ── Identity sync ──

func TestSyncIdentityCreates(t *testing.T) {
	var created store.Account
	fs := &fakeStore{
		createAccountFn: func(_ context.Context, a store.Account) error {
			created = a
			return nil
		},
		getAccountByIDFn: func(_ context.Context, id string) (store.Account, error) {
			if created.ID == id {
				return created, nil
			}
			return store.Account{}, sql.ErrNoRows
		},
	}
	svc, _, _ := newTestService(fs)

	_, wasCreated, err := svc.SyncIdentity(context.Background(), identity.Assertion{
		UID: "uid-3", Email: "painter@b.test", EmailVerified: false,
	}, "")
	if err != nil {
		t.Fatalf("SyncIdentity failed: %v", err)
	}
	if !wasCreated {
		t.Fatal("expected account creation on first sync")
	}
	if created.Username != "painter" {
		t.Errorf("expected username painter, got %s", created.Username)
	}
}

func TestSyncIdentityCollisionSuffix(t *testing.T) {
	var created store.Account
	fs := &fakeStore{
		usernameTakenFn: func(_ context.Context, username string) (bool, error) {
			return username == "painter", nil
		},
		createAccountFn: func(_ context.Context, a store.Account) error {
			created = a
			return nil
		},
		getAccountByIDFn: func(_ context.Context, id string) (store.Account, error) {
			return created, nil
		},
	}
	svc, _, _ := newTestService(fs)

	_, _, err := svc.SyncIdentity(context.Background(), identity.Assertion{
		UID: "uid-4", Email: "painter@b.test",
	}, "")
	if err != nil {
		t.Fatalf("SyncIdentity failed: %v", err)
	}
	if !strings.HasPrefix(created.Username, "painter_") || len(created.Username) != len("painter_")+5 {
		t.Errorf("expected suffixed username, got %s", created.Username)
	}
}

func TestSyncIdentityUpdates(t *testing.T) {
	fs := &fakeStore{
		getAccountByExternalUIDFn: func(context.Context, string) (store.Account, error) {
			return store.Account{ID: "acc_1", Username: "painter", EmailVerified: false}, nil
		},
		syncAccountFn: func(_ context.Context, id string, verified bool, username string) (store.Account, error) {
			if username != "" {
				t.Errorf("expected no username change, got %q", username)
			}
			return store.Account{ID: id, Username: "painter", EmailVerified: verified}, nil
		},
	}
	svc, _, _ := newTestService(fs)

	view, wasCreated, err := svc.SyncIdentity(context.Background(), identity.Assertion{
		UID: "uid-1", Email: "painter@b.test", EmailVerified: true,
	}, "")
	if err != nil {
		t.Fatalf("SyncIdentity failed: %v", err)
	}
	if wasCreated {
		t.Fatal("expected update, not create")
	}
	if view["emailVerified"] != true {
		t.Error("expected emailVerified refreshed to true")
	}
}

func TestSyncIdentityRejectsInvalidRequestedUsername(t *testing.T) {
	fs := &fakeStore{
		createAccountFn: func(context.Context, store.Account) error {
			t.Error("account should not be created with an invalid username")
			return nil
		},
	}
	svc, _, _ := newTestService(fs)

	_, _, err := svc.SyncIdentity(context.Background(), identity.Assertion{
		UID: "uid-7", Email: "short@b.test",
	}, "x")
	assertCode(t, err, "BAD_USER_INPUT")
}

func TestSyncIdentityShortEmailFallsBackToUIDHandle(t *testing.T) {
	var created store.Account
	fs := &fakeStore{
		createAccountFn: func(_ context.Context, a store.Account) error {
			created = a
			return nil
		},
		getAccountByIDFn: func(_ context.Context, id string) (store.Account, error) {
			return created, nil
		},
	}
	svc, _, _ := newTestService(fs)

	_, _, err := svc.SyncIdentity(context.Background(), identity.Assertion{
		UID: "f81ac2d90b4e", Email: "ab@x.test",
	}, "")
	if err != nil {
		t.Fatalf("SyncIdentity failed: %v", err)
	}
	if created.Username != "user_f81ac2d9" {
		t.Errorf("expected uid-derived username, got %s", created.Username)
	}
}

func TestSyncIdentityKeepsUsernameWhenTaken(t *testing.T) {
	fs := &fakeStore{
		getAccountByExternalUIDFn: func(context.Context, string) (store.Account, error) {
			return store.Account{ID: "acc_1", Username: "painter"}, nil
		},
		usernameTakenFn: func(_ context.Context, username string) (bool, error) {
			return username == "sculptor", nil
		},
		syncAccountFn: func(_ context.Context, id string, verified bool, username string) (store.Account, error) {
			if username != "" {
				t.Errorf("expected taken username to be dropped, got %q", username)
			}
			return store.Account{ID: id, Username: "painter", EmailVerified: verified}, nil
		},
	}
	svc, _, _ := newTestService(fs)

	view, wasCreated, err := svc.SyncIdentity(context.Background(), identity.Assertion{
		UID: "uid-1", Email: "painter@b.test",
	}, "sculptor")
	if err != nil {
		t.Fatalf("SyncIdentity failed: %v", err)
	}
	if wasCreated {
		t.Fatal("expected update, not create")
	}
	if view["username"] != "painter" {
		t.Errorf("expected username kept, got %v", view["username"])
	}
}

func TestUpgradeToCreatorUnsynced(t *testing.T) {
	svc, _, _ := newTestService(&fakeStore{})
	_, err := svc.UpgradeToCreator(context.Background(), identity.Assertion{UID: "uid-x"})
	assertCode(t, err, "NOT_FOUND")
}

func TestUpgradeToCreator(t *testing.T) {
	fs := &fakeStore{
		getAccountByExternalUIDFn: func(context.Context, string) (store.Account, error) {
			return store.Account{ID: "acc_1", Role: store.RoleReader}, nil
		},
	}
	svc, _, _ := newTestService(fs)

	view, err := svc.UpgradeToCreator(context.Background(), identity.Assertion{UID: "uid-1"})
	if err != nil {
		t.Fatalf("UpgradeToCreator failed: %v", err)
	}
	if view["role"] != store.RoleCreator {
		t.Errorf("expected role creator, got %v", view["role"])
	}
}
