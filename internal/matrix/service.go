package matrix

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// objectStore is the slice of object storage the engine needs: removing
// the source file when a matrix is deleted. Uploading happens before
// ingest, outside the engine.
type objectStore interface {
	Remove(ctx context.Context, objectName string) error
}

// Service orchestrates upload ingest, reads, single-cell writes, and
// deletion of cause-and-effect matrices.
type Service struct {
	repo  *Repository
	files objectStore
}

func NewService(repo *Repository, files objectStore) *Service {
	return &Service{repo: repo, files: files}
}

// View is a matrix together with its reconstructed dense grid, returned
// so callers can display the result without a second read.
type View struct {
	Matrix Matrix
	Grid   [][]string
}

// IngestUpload builds a matrix from a decoded grid and replaces whatever
// was stored for the building key.
func (s *Service) IngestUpload(ctx context.Context, buildingKey string, sheetName string, grid [][]string, meta FileMeta, actor string) (View, error) {
	if buildingKey == "" {
		return View{}, fmt.Errorf("%w: building key is required", ErrInvalidInput)
	}

	now := time.Now().UTC()
	if meta.UploadedAt.IsZero() {
		meta.UploadedAt = now
	}
	if meta.UploadedBy == "" {
		meta.UploadedBy = actor
	}

	m := Matrix{
		BuildingKey:   buildingKey,
		Cells:         Flatten(grid),
		Bounds:        GridBounds(grid),
		SourceFile:    meta,
		SheetName:     sheetName,
		LastUpdated:   now,
		LastUpdatedBy: actor,
	}
	if err := s.repo.Replace(ctx, buildingKey, m); err != nil {
		return View{}, err
	}
	return viewOf(m)
}

// Read loads and reconstructs the matrix for a building key.
func (s *Service) Read(ctx context.Context, buildingKey string) (View, error) {
	m, err := s.repo.Load(ctx, buildingKey)
	if err != nil {
		return View{}, err
	}
	return viewOf(m)
}

// WriteCell applies a single-cell edit. Negative indices are rejected
// before any persistence call.
func (s *Service) WriteCell(ctx context.Context, buildingKey string, row, col int, value, actor string) (View, error) {
	if row < 0 || col < 0 {
		return View{}, fmt.Errorf("%w: cell indices must be non-negative", ErrInvalidInput)
	}
	m, err := s.repo.ApplyCellWrite(ctx, buildingKey, row, col, value, actor)
	if err != nil {
		return View{}, err
	}
	return viewOf(m)
}

// Delete removes the matrix and best-effort removes its source file from
// object storage. File cleanup failures are logged, never propagated.
func (s *Service) Delete(ctx context.Context, buildingKey string) error {
	m, err := s.repo.Load(ctx, buildingKey)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	if err := s.repo.Delete(ctx, buildingKey); err != nil {
		return err
	}

	if m.SourceFile.ObjectName != "" {
		if err := s.files.Remove(ctx, m.SourceFile.ObjectName); err != nil {
			log.Printf("WARNING: could not remove source file %s for %s: %v", m.SourceFile.ObjectName, buildingKey, err)
		}
	}
	return nil
}

// DownloadURL returns the stored source file URL, ErrNotFound when the
// matrix or its file is absent.
func (s *Service) DownloadURL(ctx context.Context, buildingKey string) (url, fileName string, err error) {
	m, err := s.repo.Load(ctx, buildingKey)
	if err != nil {
		return "", "", err
	}
	if m.SourceFile.URL == "" {
		return "", "", fmt.Errorf("%w: no source file stored", ErrNotFound)
	}
	return m.SourceFile.URL, m.SourceFile.Name, nil
}

func viewOf(m Matrix) (View, error) {
	grid, err := Reconstruct(m.Cells, m.Bounds)
	if err != nil {
		return View{}, err
	}
	return View{Matrix: m, Grid: grid}, nil
}
