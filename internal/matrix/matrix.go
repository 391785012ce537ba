// Package matrix implements the cause-and-effect matrix engine: a dense
// grid of cells persisted as a sparse map plus declared bounds, addressed
// by building key.
package matrix

import (
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("matrix not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrOutOfBounds  = errors.New("cell out of bounds")
)

// CellKey addresses one cell of the logical dense grid.
type CellKey struct {
	Row int
	Col int
}

// FileMeta describes the uploaded source file. The engine stores and
// forwards it; object storage owns the bytes.
type FileMeta struct {
	Name       string
	Size       int64
	URL        string
	ObjectName string
	UploadedAt time.Time
	UploadedBy string
}

// Matrix is the persisted entity for one building. Cells holds only
// populated cells; absence of a key means an empty cell. Every key lies
// inside Bounds.
type Matrix struct {
	BuildingKey   string
	Cells         map[CellKey]string
	Bounds        Bounds
	SourceFile    FileMeta
	SheetName     string
	LastUpdated   time.Time
	LastUpdatedBy string
}
