// Package identity verifies credentials against the user directory and
// answers building-scoped authorization questions.
package identity

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"firewatch/api/internal/docstore"
	"firewatch/api/internal/rbac"

	"golang.org/x/crypto/bcrypt"
)

const (
	collectionDirectory = "directory"
	collectionUsers     = "users"
)

var (
	ErrNotProvisioned     = errors.New("email not provisioned for signup")
	ErrAlreadyRegistered  = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
)

// Identity is the authenticated caller: a role plus the set of buildings
// the caller is entitled to.
type Identity struct {
	Email     string
	Name      string
	Role      rbac.Role
	Buildings []string
}

// directoryStore is the document-store surface the provider needs.
type directoryStore interface {
	Get(ctx context.Context, collection, docID string, target any) error
	Set(ctx context.Context, collection, docID string, doc any) error
	Update(ctx context.Context, collection, docID string, fields map[string]any) error
}

type provisionRecord struct {
	Email     string   `json:"email"`
	Role      string   `json:"role"`
	Buildings []string `json:"buildings,omitempty"`
	Active    bool     `json:"active"`
}

type userRecord struct {
	Email        string   `json:"email"`
	Name         string   `json:"name"`
	PasswordHash string   `json:"passwordHash"`
	Role         string   `json:"role"`
	Buildings    []string `json:"buildings,omitempty"`
}

type Provider struct {
	store directoryStore
}

func NewProvider(store directoryStore) *Provider {
	return &Provider{store: store}
}

// SignUp registers a user. The email must be pre-provisioned in the
// directory with a role; the provisioned building set is copied onto the
// user record.
func (p *Provider) SignUp(ctx context.Context, email, password, name string) (Identity, error) {
	if email == "" || password == "" || name == "" {
		return Identity{}, errors.New("email, password, and name are required")
	}
	if len(password) < 8 {
		return Identity{}, errors.New("password must be at least 8 characters")
	}

	var provision provisionRecord
	if err := p.store.Get(ctx, collectionDirectory, email, &provision); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return Identity{}, ErrNotProvisioned
		}
		return Identity{}, fmt.Errorf("lookup provisioning: %w", err)
	}
	if provision.Role == "" {
		return Identity{}, ErrNotProvisioned
	}

	var existing userRecord
	err := p.store.Get(ctx, collectionUsers, email, &existing)
	if err == nil {
		return Identity{}, ErrAlreadyRegistered
	}
	if !errors.Is(err, docstore.ErrNotFound) {
		return Identity{}, fmt.Errorf("lookup user: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return Identity{}, fmt.Errorf("hash password: %w", err)
	}

	user := userRecord{
		Email:        email,
		Name:         name,
		PasswordHash: string(hash),
		Role:         provision.Role,
		Buildings:    provision.Buildings,
	}
	if err := p.store.Set(ctx, collectionUsers, email, user); err != nil {
		return Identity{}, fmt.Errorf("create user: %w", err)
	}
	if err := p.store.Update(ctx, collectionDirectory, email, map[string]any{"active": true}); err != nil {
		return Identity{}, fmt.Errorf("activate provisioning: %w", err)
	}

	return identityOf(user), nil
}

// Verify authenticates an email and password pair.
func (p *Provider) Verify(ctx context.Context, email, password string) (Identity, error) {
	if email == "" || password == "" {
		return Identity{}, ErrInvalidCredentials
	}

	var user userRecord
	if err := p.store.Get(ctx, collectionUsers, email, &user); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return Identity{}, ErrInvalidCredentials
		}
		return Identity{}, fmt.Errorf("lookup user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return Identity{}, ErrInvalidCredentials
	}
	return identityOf(user), nil
}

// Lookup resolves an identity without checking credentials. Used when the
// caller is already authenticated by token.
func (p *Provider) Lookup(ctx context.Context, email string) (Identity, error) {
	var user userRecord
	if err := p.store.Get(ctx, collectionUsers, email, &user); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return Identity{}, ErrInvalidCredentials
		}
		return Identity{}, fmt.Errorf("lookup user: %w", err)
	}
	return identityOf(user), nil
}

// Authorize decides whether the identity may perform action on the given
// building. Admins bypass the building membership check.
func Authorize(id Identity, buildingKey string, action rbac.Action) bool {
	if !rbac.Can(id.Role, action) {
		return false
	}
	if id.Role == rbac.RoleAdmin {
		return true
	}
	return slices.Contains(id.Buildings, buildingKey)
}

func identityOf(user userRecord) Identity {
	return Identity{
		Email:     user.Email,
		Name:      user.Name,
		Role:      rbac.Normalize(user.Role),
		Buildings: user.Buildings,
	}
}
