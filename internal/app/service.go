package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"regexp"
	"time"

	"firewatch/api/internal/auth"
	"firewatch/api/internal/config"
	"firewatch/api/internal/identity"
	"firewatch/api/internal/matrix"
	"firewatch/api/internal/rbac"
	"firewatch/api/internal/session"
	"firewatch/api/internal/sheet"
	"firewatch/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	Email        string
	Name         string
	Role         rbac.Role
	Buildings    []string
	JTI          string
	ExpiresAt    time.Time
}

// identityOf turns a session into the identity shape authorization
// checks consume.
func (s Session) identity() identity.Identity {
	return identity.Identity{
		Email:     s.Email,
		Name:      s.Name,
		Role:      s.Role,
		Buildings: s.Buildings,
	}
}

type identityProvider interface {
	SignUp(ctx context.Context, email, password, name string) (identity.Identity, error)
	Verify(ctx context.Context, email, password string) (identity.Identity, error)
	Lookup(ctx context.Context, email string) (identity.Identity, error)
}

type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, email string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (string, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type matrixService interface {
	IngestUpload(ctx context.Context, buildingKey, sheetName string, grid [][]string, meta matrix.FileMeta, actor string) (matrix.View, error)
	Read(ctx context.Context, buildingKey string) (matrix.View, error)
	WriteCell(ctx context.Context, buildingKey string, row, col int, value, actor string) (matrix.View, error)
	Delete(ctx context.Context, buildingKey string) error
	DownloadURL(ctx context.Context, buildingKey string) (url, fileName string, err error)
}

type fileStore interface {
	Put(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) (string, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

type Service struct {
	cfg      config.Config
	ids      identityProvider
	sessions sessionStore
	matrices matrixService
	files    fileStore
	health   pinger
}

func New(cfg config.Config, ids identityProvider, sessions sessionStore, matrices matrixService, files fileStore, health pinger) *Service {
	return &Service{
		cfg:      cfg,
		ids:      ids,
		sessions: sessions,
		matrices: matrices,
		files:    files,
		health:   health,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.health.Ping(ctx)
}

// SignUp registers a provisioned user.
func (s *Service) SignUp(ctx context.Context, email, password, name string) (identity.Identity, error) {
	if email == "" || password == "" || name == "" {
		return identity.Identity{}, domainError(http.StatusUnprocessableEntity,
			"VALIDATION_ERROR", "email, password, and name are required", nil)
	}
	if len(password) < 8 {
		return identity.Identity{}, domainError(http.StatusUnprocessableEntity,
			"VALIDATION_ERROR", "password must be at least 8 characters", nil)
	}
	return s.ids.SignUp(ctx, email, password, name)
}

// SignIn verifies credentials and opens a token session.
func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	id, err := s.ids.Verify(ctx, email, password)
	if err != nil {
		return Session{}, err
	}
	return s.openSession(ctx, id)
}

// Refresh rotates a refresh token into a new session.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	email, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	id, err := s.ids.Lookup(ctx, email)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.openSession(ctx, id)
}

// Logout revokes a refresh token. Unknown tokens are ignored.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
}

// SessionFromToken validates a bearer token and rebuilds the session it
// describes.
func (s *Service) SessionFromToken(_ context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		Email:     claims.Sub,
		Name:      claims.Name,
		Role:      rbac.Normalize(claims.Role),
		Buildings: claims.Buildings,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) openSession(ctx context.Context, id identity.Identity) (Session, error) {
	expiresAt := time.Now().Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:       id.Email,
		Name:      id.Name,
		Role:      string(id.Role),
		Buildings: id.Buildings,
		JTI:       jti,
		Exp:       expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, fmt.Errorf("issue token: %w", err)
	}

	refreshToken := util.NewID("")
	refreshExpiry := time.Now().Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refreshToken), id.Email, refreshExpiry); err != nil {
		return Session{}, fmt.Errorf("save refresh session: %w", err)
	}

	return Session{
		Token:        token,
		RefreshToken: refreshToken,
		Email:        id.Email,
		Name:         id.Name,
		Role:         id.Role,
		Buildings:    id.Buildings,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// Authorize answers whether the session may perform action on a building.
func (s *Service) Authorize(session Session, buildingKey string, action rbac.Action) bool {
	return identity.Authorize(session.identity(), buildingKey, action)
}

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9.-]`)

// UploadMatrix stores the uploaded workbook, decodes it, and ingests the
// grid as the building's matrix. Object storage failure downgrades to a
// warning: the matrix is still ingested, without a stored file URL.
func (s *Service) UploadMatrix(ctx context.Context, buildingKey, fileName string, content io.Reader, actor Session) (map[string]any, error) {
	raw, err := io.ReadAll(content)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}

	objectName := fmt.Sprintf("cause-effect-matrices/%s/%d-%s",
		buildingKey, time.Now().UnixMilli(), unsafeNameChars.ReplaceAllString(fileName, "_"))
	url, err := s.files.Put(ctx, objectName, bytes.NewReader(raw), int64(len(raw)),
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	if err != nil {
		log.Printf("WARNING: could not store source file for %s: %v", buildingKey, err)
		url = ""
		objectName = ""
	}

	sheetName, grid, err := sheet.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}

	view, err := s.matrices.IngestUpload(ctx, buildingKey, sheetName, grid, matrix.FileMeta{
		Name:       fileName,
		Size:       int64(len(raw)),
		URL:        url,
		ObjectName: objectName,
		UploadedBy: actor.Email,
	}, actor.Email)
	if err != nil {
		return nil, err
	}

	payload := matrixPayload(view)
	payload["message"] = fmt.Sprintf("Matrix uploaded successfully for %s", buildingKey)
	return payload, nil
}

// GetMatrix loads and reconstructs the matrix for display.
func (s *Service) GetMatrix(ctx context.Context, buildingKey string) (map[string]any, error) {
	view, err := s.matrices.Read(ctx, buildingKey)
	if err != nil {
		return nil, err
	}
	payload := matrixPayload(view)
	payload["message"] = "Matrix retrieved successfully"
	return payload, nil
}

// UpdateCell applies one cell edit and returns the updated matrix.
func (s *Service) UpdateCell(ctx context.Context, buildingKey string, row, col int, value string, actor Session) (map[string]any, error) {
	view, err := s.matrices.WriteCell(ctx, buildingKey, row, col, value, actor.Email)
	if err != nil {
		return nil, err
	}
	payload := matrixPayload(view)
	payload["message"] = "Cell updated successfully"
	return payload, nil
}

// DeleteMatrix removes the matrix and its source file.
func (s *Service) DeleteMatrix(ctx context.Context, buildingKey string) (map[string]any, error) {
	if err := s.matrices.Delete(ctx, buildingKey); err != nil {
		return nil, err
	}
	return map[string]any{"message": "Matrix deleted successfully"}, nil
}

// DownloadMatrix returns the stored source file URL.
func (s *Service) DownloadMatrix(ctx context.Context, buildingKey string) (map[string]any, error) {
	url, fileName, err := s.matrices.DownloadURL(ctx, buildingKey)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"message":     "Download URL retrieved successfully",
		"downloadUrl": url,
		"fileName":    fileName,
	}, nil
}

// matrixPayload renders a matrix view in the persisted document shape
// plus the reconstructed dense grid.
func matrixPayload(view matrix.View) map[string]any {
	m := view.Matrix
	doc := map[string]any{
		"buildingKey":    m.BuildingKey,
		"sourceFileName": m.SourceFile.Name,
		"sourceFileSize": m.SourceFile.Size,
		"sourceFileUrl":  m.SourceFile.URL,
		"uploadedAt":     m.SourceFile.UploadedAt,
		"uploadedBy":     m.SourceFile.UploadedBy,
		"lastUpdated":    m.LastUpdated,
		"lastUpdatedBy":  m.LastUpdatedBy,
		"sheetName":      m.SheetName,
		"sparseCells":    matrix.EncodeCells(m.Cells),
		"rowCount":       m.Bounds.Rows,
		"columnCount":    m.Bounds.Cols,
		"rawData":        view.Grid,
	}
	return map[string]any{
		"buildingKey": m.BuildingKey,
		"matrix":      doc,
	}
}

// mapError translates domain failures into HTTP status and code. Anything
// unrecognized is a storage or collaborator failure, surfaced generically
// with the cause kept server-side in the request log.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, matrix.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Matrix not found", nil
	case errors.Is(err, matrix.ErrInvalidInput):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, sheet.ErrUnparsable):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Uploaded file is not a readable spreadsheet", nil
	case errors.Is(err, matrix.ErrOutOfBounds):
		return http.StatusInternalServerError, "STORAGE_ERROR", "Stored matrix is corrupt", nil
	case errors.Is(err, identity.ErrInvalidCredentials):
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil
	case errors.Is(err, identity.ErrNotProvisioned):
		return http.StatusForbidden, "NOT_PROVISIONED", "Email not allowed for signup", nil
	case errors.Is(err, identity.ErrAlreadyRegistered):
		return http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	default:
		return http.StatusInternalServerError, "STORAGE_ERROR", "Storage failure", nil
	}
}
