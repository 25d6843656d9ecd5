package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/menta2k/plate-redactor/pkg/types"
)

// ObjectDir is the folder under the store root holding processed images
const ObjectDir = "processed-images"

// ErrNotFound is returned for unknown object ids
var ErrNotFound = errors.New("object not found")

// Object is an encoded image to persist
type Object struct {
	Image         types.ImageBuffer
	SourceName    string
	PlateRedacted bool
}

// Info describes a stored object
type Info struct {
	ID            string    `json:"id"`
	URL           string    `json:"url"`
	Path          string    `json:"path"`
	ContentType   string    `json:"content_type"`
	Size          int64     `json:"size"`
	Width         int       `json:"width"`
	Height        int       `json:"height"`
	SourceName    string    `json:"source_name,omitempty"`
	PlateRedacted bool      `json:"plate_redacted"`
	CreatedAt     time.Time `json:"created_at"`
}

// Store persists processed images and hands back retrievable URLs
type Store interface {
	Put(ctx context.Context, obj Object) (Info, error)
	Get(ctx context.Context, id string) (Info, []byte, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// LocalStore writes objects to <root>/processed-images/<uuid>.<ext> and keeps
// an index in <root>/index.db
type LocalStore struct {
	root      string
	publicURL string
	db        *sql.DB
}

// OpenLocal opens or creates a store rooted at root. publicURL prefixes the
// returned URLs; when empty they are relative.
func OpenLocal(root, publicURL string) (*LocalStore, error) {
	if root == "" {
		return nil, fmt.Errorf("storage root is empty")
	}
	if err := os.MkdirAll(filepath.Join(root, ObjectDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := sql.Open("sqlite3", filepath.Join(root, "index.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}

	createTableSQL := `
	CREATE TABLE IF NOT EXISTS objects (
		id TEXT PRIMARY KEY,
		path TEXT NOT NULL,
		content_type TEXT NOT NULL,
		size INTEGER NOT NULL,
		width INTEGER,
		height INTEGER,
		source_name TEXT,
		plate_redacted INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_objects_created_at ON objects(created_at);`

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create index schema: %w", err)
	}

	return &LocalStore{
		root:      root,
		publicURL: strings.TrimSuffix(publicURL, "/"),
		db:        db,
	}, nil
}

// URLFor returns the public URL of an object id
func (s *LocalStore) URLFor(id string) string {
	return s.publicURL + "/images/" + id
}

// Put writes the object and records it in the index
func (s *LocalStore) Put(ctx context.Context, obj Object) (Info, error) {
	if len(obj.Image.Data) == 0 {
		return Info{}, fmt.Errorf("refusing to store empty object")
	}

	format := obj.Image.Format
	if format == types.FormatUnknown {
		format = types.FormatPNG
	}

	id := uuid.NewString()
	rel := filepath.Join(ObjectDir, id+"."+extension(format))
	full := filepath.Join(s.root, rel)

	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, obj.Image.Data, 0o644); err != nil {
		return Info{}, fmt.Errorf("failed to write object: %w", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return Info{}, fmt.Errorf("failed to commit object: %w", err)
	}

	info := Info{
		ID:            id,
		URL:           s.URLFor(id),
		Path:          rel,
		ContentType:   format.MimeType(),
		Size:          int64(len(obj.Image.Data)),
		Width:         obj.Image.Width,
		Height:        obj.Image.Height,
		SourceName:    obj.SourceName,
		PlateRedacted: obj.PlateRedacted,
		CreatedAt:     time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO objects (id, path, content_type, size, width, height, source_name, plate_redacted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		info.ID, info.Path, info.ContentType, info.Size, info.Width, info.Height,
		info.SourceName, info.PlateRedacted, info.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		os.Remove(full)
		return Info{}, fmt.Errorf("failed to index object %s: %w", id, err)
	}
	return info, nil
}

// Get returns an object's metadata and bytes
func (s *LocalStore) Get(ctx context.Context, id string) (Info, []byte, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Info{}, nil, ErrNotFound
	}

	var (
		info      Info
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, path, content_type, size, width, height, source_name, plate_redacted, created_at
		FROM objects WHERE id = ?`, id,
	).Scan(&info.ID, &info.Path, &info.ContentType, &info.Size, &info.Width, &info.Height,
		&info.SourceName, &info.PlateRedacted, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Info{}, nil, ErrNotFound
	}
	if err != nil {
		return Info{}, nil, fmt.Errorf("failed to look up object %s: %w", id, err)
	}
	info.URL = s.URLFor(info.ID)
	info.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)

	data, err := os.ReadFile(filepath.Join(s.root, info.Path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Info{}, nil, ErrNotFound
		}
		return Info{}, nil, fmt.Errorf("failed to read object %s: %w", id, err)
	}
	return info, data, nil
}

// Count returns the number of indexed objects
func (s *LocalStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM objects").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count objects: %w", err)
	}
	return n, nil
}

// Close closes the index
func (s *LocalStore) Close() error {
	return s.db.Close()
}

func extension(f types.Format) string {
	switch f {
	case types.FormatJPEG:
		return "jpg"
	case types.FormatUnknown:
		return "bin"
	default:
		return string(f)
	}
}
