package app

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"firewatch/api/internal/auth"
	"firewatch/api/internal/config"
	"firewatch/api/internal/identity"
	"firewatch/api/internal/matrix"
	"firewatch/api/internal/rbac"
	"firewatch/api/internal/session"
	"firewatch/api/internal/sheet"
)

type fakeIdentities struct {
	signUpFn func(context.Context, string, string, string) (identity.Identity, error)
	verifyFn func(context.Context, string, string) (identity.Identity, error)
	lookupFn func(context.Context, string) (identity.Identity, error)
}

func (f *fakeIdentities) SignUp(ctx context.Context, email, password, name string) (identity.Identity, error) {
	if f.signUpFn != nil {
		return f.signUpFn(ctx, email, password, name)
	}
	return identity.Identity{}, nil
}

func (f *fakeIdentities) Verify(ctx context.Context, email, password string) (identity.Identity, error) {
	if f.verifyFn != nil {
		return f.verifyFn(ctx, email, password)
	}
	return identity.Identity{}, identity.ErrInvalidCredentials
}

func (f *fakeIdentities) Lookup(ctx context.Context, email string) (identity.Identity, error) {
	if f.lookupFn != nil {
		return f.lookupFn(ctx, email)
	}
	return identity.Identity{}, identity.ErrInvalidCredentials
}

// memSessions is a stateful refresh-session store for exercising the
// rotation flow end to end.
type memSessions struct {
	mu     sync.Mutex
	emails map[string]string
}

func newMemSessions() *memSessions {
	return &memSessions{emails: make(map[string]string)}
}

func (m *memSessions) SaveRefreshSession(_ context.Context, tokenHash, email string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emails[tokenHash] = email
	return nil
}

func (m *memSessions) LookupRefreshSession(_ context.Context, tokenHash string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	email, ok := m.emails[tokenHash]
	if !ok {
		return "", session.ErrSessionNotFound
	}
	return email, nil
}

func (m *memSessions) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.emails, tokenHash)
	return nil
}

type fakeMatrices struct {
	ingestUploadFn func(context.Context, string, string, [][]string, matrix.FileMeta, string) (matrix.View, error)
	readFn         func(context.Context, string) (matrix.View, error)
	writeCellFn    func(context.Context, string, int, int, string, string) (matrix.View, error)
	deleteFn       func(context.Context, string) error
	downloadURLFn  func(context.Context, string) (string, string, error)
}

func (f *fakeMatrices) IngestUpload(ctx context.Context, buildingKey, sheetName string, grid [][]string, meta matrix.FileMeta, actor string) (matrix.View, error) {
	if f.ingestUploadFn != nil {
		return f.ingestUploadFn(ctx, buildingKey, sheetName, grid, meta, actor)
	}
	return matrix.View{}, nil
}

func (f *fakeMatrices) Read(ctx context.Context, buildingKey string) (matrix.View, error) {
	if f.readFn != nil {
		return f.readFn(ctx, buildingKey)
	}
	return matrix.View{}, matrix.ErrNotFound
}

func (f *fakeMatrices) WriteCell(ctx context.Context, buildingKey string, row, col int, value, actor string) (matrix.View, error) {
	if f.writeCellFn != nil {
		return f.writeCellFn(ctx, buildingKey, row, col, value, actor)
	}
	return matrix.View{}, matrix.ErrNotFound
}

func (f *fakeMatrices) Delete(ctx context.Context, buildingKey string) error {
	if f.deleteFn != nil {
		return f.deleteFn(ctx, buildingKey)
	}
	return nil
}

func (f *fakeMatrices) DownloadURL(ctx context.Context, buildingKey string) (string, string, error) {
	if f.downloadURLFn != nil {
		return f.downloadURLFn(ctx, buildingKey)
	}
	return "", "", matrix.ErrNotFound
}

type fakeFiles struct {
	putFn func(context.Context, string, io.Reader, int64, string) (string, error)
}

func (f *fakeFiles) Put(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) (string, error) {
	if f.putFn != nil {
		return f.putFn(ctx, objectName, reader, size, contentType)
	}
	return "https://files.local/" + objectName, nil
}

type fakePinger struct {
	pingFn func(context.Context) error
}

func (f *fakePinger) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func newTestService(ids *fakeIdentities, matrices *fakeMatrices) *Service {
	return &Service{
		cfg: config.Config{
			JWTSecret:  "test-secret",
			AccessTTL:  time.Hour,
			RefreshTTL: 24 * time.Hour,
		},
		ids:      ids,
		sessions: newMemSessions(),
		matrices: matrices,
		files:    &fakeFiles{},
		health:   &fakePinger{},
	}
}

func workbookBytes(t *testing.T, grid [][]string) []byte {
	t.Helper()
	f := excelize.NewFile()
	for r, row := range grid {
		for c, value := range row {
			if value == "" {
				continue
			}
			cell, err := excelize.CoordinatesToCellName(c+1, r+1)
			if err != nil {
				t.Fatalf("cell name: %v", err)
			}
			if err := f.SetCellValue("Sheet1", cell, value); err != nil {
				t.Fatalf("set cell: %v", err)
			}
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("write workbook: %v", err)
	}
	return buf.Bytes()
}

func TestSignInOpensSession(t *testing.T) {
	ids := &fakeIdentities{
		verifyFn: func(_ context.Context, email, password string) (identity.Identity, error) {
			if password != "hunter2" {
				return identity.Identity{}, identity.ErrInvalidCredentials
			}
			return identity.Identity{
				Email:     email,
				Name:      "Avery",
				Role:      rbac.RoleEngineer,
				Buildings: []string{"tower-north"},
			}, nil
		},
	}
	svc := newTestService(ids, &fakeMatrices{})

	sess, err := svc.SignIn(context.Background(), "avery@example.com", "hunter2")
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	if sess.Token == "" || sess.RefreshToken == "" {
		t.Fatalf("expected token and refresh token, got %+v", sess)
	}
	if sess.Role != rbac.RoleEngineer {
		t.Fatalf("expected engineer role, got %q", sess.Role)
	}

	claims, err := auth.ParseToken([]byte("test-secret"), sess.Token)
	if err != nil {
		t.Fatalf("issued token does not parse: %v", err)
	}
	if claims.Sub != "avery@example.com" {
		t.Fatalf("expected sub avery@example.com, got %q", claims.Sub)
	}
	if len(claims.Buildings) != 1 || claims.Buildings[0] != "tower-north" {
		t.Fatalf("expected buildings claim, got %v", claims.Buildings)
	}
}

func TestSignInRejectsBadCredentials(t *testing.T) {
	svc := newTestService(&fakeIdentities{}, &fakeMatrices{})

	_, err := svc.SignIn(context.Background(), "avery@example.com", "wrong")
	if !errors.Is(err, identity.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	id := identity.Identity{
		Email:     "avery@example.com",
		Name:      "Avery",
		Role:      rbac.RoleEngineer,
		Buildings: []string{"tower-north"},
	}
	ids := &fakeIdentities{
		verifyFn: func(context.Context, string, string) (identity.Identity, error) {
			return id, nil
		},
		lookupFn: func(context.Context, string) (identity.Identity, error) {
			return id, nil
		},
	}
	svc := newTestService(ids, &fakeMatrices{})

	first, err := svc.SignIn(context.Background(), "avery@example.com", "hunter2")
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}

	second, err := svc.Refresh(context.Background(), first.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Fatalf("expected refresh token rotation")
	}

	if _, err := svc.Refresh(context.Background(), first.RefreshToken); !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("expected revoked refresh token to fail, got %v", err)
	}
}

func TestLogoutRevokesRefreshToken(t *testing.T) {
	ids := &fakeIdentities{
		verifyFn: func(context.Context, string, string) (identity.Identity, error) {
			return identity.Identity{Email: "avery@example.com", Role: rbac.RoleViewer}, nil
		},
	}
	svc := newTestService(ids, &fakeMatrices{})

	sess, err := svc.SignIn(context.Background(), "avery@example.com", "hunter2")
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	if err := svc.Logout(context.Background(), sess.RefreshToken); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if _, err := svc.Refresh(context.Background(), sess.RefreshToken); !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("expected refresh after logout to fail, got %v", err)
	}

	// Missing token is a no-op.
	if err := svc.Logout(context.Background(), ""); err != nil {
		t.Fatalf("Logout(\"\") error = %v", err)
	}
}

func TestUploadMatrixStoresObjectUnderBuildingPrefix(t *testing.T) {
	var storedObject string
	var storedSize int64
	var gotMeta matrix.FileMeta

	matrices := &fakeMatrices{
		ingestUploadFn: func(_ context.Context, buildingKey, sheetName string, grid [][]string, meta matrix.FileMeta, actor string) (matrix.View, error) {
			gotMeta = meta
			return matrix.View{Matrix: matrix.Matrix{BuildingKey: buildingKey}, Grid: grid}, nil
		},
	}
	svc := newTestService(&fakeIdentities{}, matrices)
	svc.files = &fakeFiles{
		putFn: func(_ context.Context, objectName string, _ io.Reader, size int64, _ string) (string, error) {
			storedObject = objectName
			storedSize = size
			return "https://files.local/" + objectName, nil
		},
	}

	raw := workbookBytes(t, [][]string{{"Cause", "Effect"}, {"Smoke detector", "Close dampers"}})
	actor := Session{Email: "avery@example.com", Role: rbac.RoleEngineer, Buildings: []string{"tower-north"}}

	payload, err := svc.UploadMatrix(context.Background(), "tower-north", "fire matrix v2.xlsx", bytes.NewReader(raw), actor)
	if err != nil {
		t.Fatalf("UploadMatrix() error = %v", err)
	}

	if !strings.HasPrefix(storedObject, "cause-effect-matrices/tower-north/") {
		t.Fatalf("expected object under building prefix, got %q", storedObject)
	}
	if !strings.HasSuffix(storedObject, "-fire_matrix_v2.xlsx") {
		t.Fatalf("expected sanitized file name suffix, got %q", storedObject)
	}
	if storedSize != int64(len(raw)) {
		t.Fatalf("expected stored size %d, got %d", len(raw), storedSize)
	}
	if gotMeta.Name != "fire matrix v2.xlsx" {
		t.Fatalf("expected original file name in meta, got %q", gotMeta.Name)
	}
	if gotMeta.URL == "" || gotMeta.ObjectName != storedObject {
		t.Fatalf("expected meta to carry stored URL and object, got %+v", gotMeta)
	}
	if gotMeta.UploadedBy != "avery@example.com" {
		t.Fatalf("expected uploader in meta, got %q", gotMeta.UploadedBy)
	}
	if payload["message"] == "" {
		t.Fatalf("expected message in payload")
	}
}

func TestUploadMatrixSurvivesFileStoreFailure(t *testing.T) {
	var gotMeta matrix.FileMeta
	matrices := &fakeMatrices{
		ingestUploadFn: func(_ context.Context, buildingKey, _ string, grid [][]string, meta matrix.FileMeta, _ string) (matrix.View, error) {
			gotMeta = meta
			return matrix.View{Matrix: matrix.Matrix{BuildingKey: buildingKey}, Grid: grid}, nil
		},
	}
	svc := newTestService(&fakeIdentities{}, matrices)
	svc.files = &fakeFiles{
		putFn: func(context.Context, string, io.Reader, int64, string) (string, error) {
			return "", errors.New("bucket unreachable")
		},
	}

	raw := workbookBytes(t, [][]string{{"Cause", "Effect"}})
	actor := Session{Email: "avery@example.com", Role: rbac.RoleEngineer, Buildings: []string{"tower-north"}}

	if _, err := svc.UploadMatrix(context.Background(), "tower-north", "matrix.xlsx", bytes.NewReader(raw), actor); err != nil {
		t.Fatalf("expected ingest to proceed without file storage, got %v", err)
	}
	if gotMeta.URL != "" || gotMeta.ObjectName != "" {
		t.Fatalf("expected empty URL and object after storage failure, got %+v", gotMeta)
	}
}

func TestUploadMatrixRejectsUnreadableWorkbook(t *testing.T) {
	svc := newTestService(&fakeIdentities{}, &fakeMatrices{})
	actor := Session{Email: "avery@example.com", Role: rbac.RoleEngineer}

	_, err := svc.UploadMatrix(context.Background(), "tower-north", "notes.txt", strings.NewReader("not a workbook"), actor)
	if !errors.Is(err, sheet.ErrUnparsable) {
		t.Fatalf("expected ErrUnparsable, got %v", err)
	}
}

func TestAuthorizeDelegatesRoleAndMembership(t *testing.T) {
	svc := newTestService(&fakeIdentities{}, &fakeMatrices{})

	engineer := Session{Email: "e@example.com", Role: rbac.RoleEngineer, Buildings: []string{"tower-north"}}
	admin := Session{Email: "a@example.com", Role: rbac.RoleAdmin}

	if !svc.Authorize(engineer, "tower-north", rbac.ActionWrite) {
		t.Fatalf("expected engineer to write own building")
	}
	if svc.Authorize(engineer, "tower-south", rbac.ActionWrite) {
		t.Fatalf("expected engineer denied on foreign building")
	}
	if svc.Authorize(engineer, "tower-north", rbac.ActionAdmin) {
		t.Fatalf("expected engineer denied admin action")
	}
	if !svc.Authorize(admin, "tower-south", rbac.ActionAdmin) {
		t.Fatalf("expected admin allowed everywhere")
	}
}

func TestMapErrorTranslatesDomainFailures(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"domain error passthrough", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "bad request", nil), http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		{"matrix missing", matrix.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{"invalid input", matrix.ErrInvalidInput, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		{"unparsable sheet", sheet.ErrUnparsable, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		{"corrupt document", matrix.ErrOutOfBounds, http.StatusInternalServerError, "STORAGE_ERROR"},
		{"bad credentials", identity.ErrInvalidCredentials, http.StatusUnauthorized, "INVALID_CREDENTIALS"},
		{"not provisioned", identity.ErrNotProvisioned, http.StatusForbidden, "NOT_PROVISIONED"},
		{"already registered", identity.ErrAlreadyRegistered, http.StatusConflict, "EMAIL_EXISTS"},
		{"unknown refresh token", session.ErrSessionNotFound, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"storage failure", errors.New("pg down"), http.StatusInternalServerError, "STORAGE_ERROR"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, code, _, _ := mapError(tc.err)
			if status != tc.wantStatus || code != tc.wantCode {
				t.Fatalf("mapError(%v) = %d %q, want %d %q", tc.err, status, code, tc.wantStatus, tc.wantCode)
			}
		})
	}
}
