package matrix

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"firewatch/api/internal/docstore"
)

// matrixDocID is the document id under the building's collection; one
// matrix per building at a time.
const matrixDocID = "cause-effect-matrix"

// documentStore is the persistence surface the repository needs.
type documentStore interface {
	Get(ctx context.Context, collection, docID string, target any) error
	Set(ctx context.Context, collection, docID string, doc any) error
	Delete(ctx context.Context, collection, docID string) error
}

// matrixDocument is the stored shape: sparse cells keyed "row_col" plus
// bounds and provenance.
type matrixDocument struct {
	BuildingKey      string            `json:"buildingKey"`
	SourceFileName   string            `json:"sourceFileName,omitempty"`
	SourceFileSize   int64             `json:"sourceFileSize,omitempty"`
	SourceFileURL    string            `json:"sourceFileUrl,omitempty"`
	SourceFileObject string            `json:"sourceFileObject,omitempty"`
	UploadedAt       time.Time         `json:"uploadedAt"`
	UploadedBy       string            `json:"uploadedBy,omitempty"`
	LastUpdated      time.Time         `json:"lastUpdated"`
	LastUpdatedBy    string            `json:"lastUpdatedBy,omitempty"`
	SheetName        string            `json:"sheetName,omitempty"`
	SparseCells      map[string]string `json:"sparseCells"`
	RowCount         int               `json:"rowCount"`
	ColumnCount      int               `json:"columnCount"`
}

// Repository owns the persisted matrix representation. Read-modify-write
// sequences are serialized per building key within this process; across
// processes the last persisted write wins.
type Repository struct {
	store documentStore

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewRepository(store documentStore) *Repository {
	return &Repository{
		store: store,
		locks: make(map[string]*sync.Mutex),
	}
}

func collectionFor(buildingKey string) string {
	return "building:" + buildingKey
}

func (r *Repository) keyLock(buildingKey string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[buildingKey]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[buildingKey] = lock
	}
	return lock
}

// Load fetches the matrix for a building key, ErrNotFound when absent.
func (r *Repository) Load(ctx context.Context, buildingKey string) (Matrix, error) {
	var doc matrixDocument
	if err := r.store.Get(ctx, collectionFor(buildingKey), matrixDocID, &doc); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return Matrix{}, ErrNotFound
		}
		return Matrix{}, fmt.Errorf("load matrix %s: %w", buildingKey, err)
	}
	return matrixOf(doc)
}

// Replace overwrites the whole persisted document. Fields absent from m
// are discarded.
func (r *Repository) Replace(ctx context.Context, buildingKey string, m Matrix) error {
	lock := r.keyLock(buildingKey)
	lock.Lock()
	defer lock.Unlock()

	if err := r.store.Set(ctx, collectionFor(buildingKey), matrixDocID, documentOf(m)); err != nil {
		return fmt.Errorf("replace matrix %s: %w", buildingKey, err)
	}
	return nil
}

// ApplyCellWrite performs the single-cell read-modify-write: insert or
// remove the key depending on whether value is empty, grow bounds, and
// persist. The matrix must already exist.
func (r *Repository) ApplyCellWrite(ctx context.Context, buildingKey string, row, col int, value, actor string) (Matrix, error) {
	lock := r.keyLock(buildingKey)
	lock.Lock()
	defer lock.Unlock()

	m, err := r.Load(ctx, buildingKey)
	if err != nil {
		return Matrix{}, err
	}

	key := CellKey{Row: row, Col: col}
	if value != "" {
		m.Cells[key] = value
	} else {
		delete(m.Cells, key)
	}
	// An explicit write extends bounds even when the value is empty.
	m.Bounds = m.Bounds.Grow(row, col)
	m.LastUpdated = time.Now().UTC()
	m.LastUpdatedBy = actor

	if err := r.store.Set(ctx, collectionFor(buildingKey), matrixDocID, documentOf(m)); err != nil {
		return Matrix{}, fmt.Errorf("write cell %s %d_%d: %w", buildingKey, row, col, err)
	}
	return m, nil
}

// Delete removes the persisted document. Deleting an absent matrix is
// not an error.
func (r *Repository) Delete(ctx context.Context, buildingKey string) error {
	lock := r.keyLock(buildingKey)
	lock.Lock()
	defer lock.Unlock()

	if err := r.store.Delete(ctx, collectionFor(buildingKey), matrixDocID); err != nil {
		return fmt.Errorf("delete matrix %s: %w", buildingKey, err)
	}
	return nil
}

func documentOf(m Matrix) matrixDocument {
	return matrixDocument{
		BuildingKey:      m.BuildingKey,
		SourceFileName:   m.SourceFile.Name,
		SourceFileSize:   m.SourceFile.Size,
		SourceFileURL:    m.SourceFile.URL,
		SourceFileObject: m.SourceFile.ObjectName,
		UploadedAt:       m.SourceFile.UploadedAt,
		UploadedBy:       m.SourceFile.UploadedBy,
		LastUpdated:      m.LastUpdated,
		LastUpdatedBy:    m.LastUpdatedBy,
		SheetName:        m.SheetName,
		SparseCells:      EncodeCells(m.Cells),
		RowCount:         m.Bounds.Rows,
		ColumnCount:      m.Bounds.Cols,
	}
}

func matrixOf(doc matrixDocument) (Matrix, error) {
	cells, err := DecodeCells(doc.SparseCells)
	if err != nil {
		return Matrix{}, fmt.Errorf("corrupt matrix %s: %w", doc.BuildingKey, err)
	}
	return Matrix{
		BuildingKey: doc.BuildingKey,
		Cells:       cells,
		Bounds:      Bounds{Rows: doc.RowCount, Cols: doc.ColumnCount},
		SourceFile: FileMeta{
			Name:       doc.SourceFileName,
			Size:       doc.SourceFileSize,
			URL:        doc.SourceFileURL,
			ObjectName: doc.SourceFileObject,
			UploadedAt: doc.UploadedAt,
			UploadedBy: doc.UploadedBy,
		},
		SheetName:     doc.SheetName,
		LastUpdated:   doc.LastUpdated,
		LastUpdatedBy: doc.LastUpdatedBy,
	}, nil
}
