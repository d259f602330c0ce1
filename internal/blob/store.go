// Package blob stores attachment bytes. The mailbox only keeps the
// {name, locator, size, mime type} reference returned by Put.
package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/classifieds-hub/mailbox/internal/model"
)

const (
	dataPrefix = "blob:"
	metaPrefix = "meta:"
)

// Info is the stored metadata of a blob.
type Info struct {
	model.Attachment
	// Owner is the user who uploaded the blob.
	Owner string `json:"owner"`
}

// Store is a pebble-backed blob store.
type Store struct {
	db      *pebble.DB
	maxSize uint64
}

// Open opens (or creates) a store at path. maxSize bounds a single blob.
func Open(path string, maxSize uint64) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	return open(path, maxSize, &pebble.Options{})
}

// OpenInMemory opens a store that lives only in memory.
func OpenInMemory(maxSize uint64) (*Store, error) {
	return open("", maxSize, &pebble.Options{FS: vfs.NewMem()})
}

func open(path string, maxSize uint64, opts *pebble.Options) (*Store, error) {
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open blob store: %w", err)
	}
	return &Store{db: db, maxSize: maxSize}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// MaxSize is the largest accepted blob in bytes.
func (s *Store) MaxSize() uint64 {
	return s.maxSize
}

// Put stores the content of r on behalf of owner and returns its reference.
func (s *Store) Put(ctx context.Context, owner, name string, r io.Reader) (model.Attachment, error) {
	if err := ctx.Err(); err != nil {
		return model.Attachment{}, err
	}

	name = cleanName(name)
	data, err := io.ReadAll(io.LimitReader(r, int64(s.maxSize)+1))
	if err != nil {
		return model.Attachment{}, fmt.Errorf("failed to read attachment: %w", err)
	}
	if uint64(len(data)) > s.maxSize {
		return model.Attachment{}, model.NewValidationError(fmt.Sprintf(
			"attachment %q exceeds the %s limit", name, humanize.Bytes(s.maxSize)))
	}

	att := model.Attachment{
		Name:     name,
		Locator:  uuid.NewString(),
		Size:     int64(len(data)),
		MimeType: mimetype.Detect(data).String(),
	}
	meta, err := json.Marshal(Info{Attachment: att, Owner: owner})
	if err != nil {
		return model.Attachment{}, err
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(dataKey(att.Locator), data, nil); err != nil {
		return model.Attachment{}, err
	}
	if err := batch.Set(metaKey(att.Locator), meta, nil); err != nil {
		return model.Attachment{}, err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return model.Attachment{}, fmt.Errorf("failed to store attachment: %w", err)
	}
	return att, nil
}

// Stat returns the metadata of a stored blob.
func (s *Store) Stat(ctx context.Context, locator string) (Info, error) {
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}
	raw, err := s.get(metaKey(locator))
	if err != nil {
		return Info{}, err
	}
	var info Info
	if err := json.Unmarshal(raw, &info); err != nil {
		return Info{}, fmt.Errorf("corrupt attachment metadata %s: %w", locator, err)
	}
	return info, nil
}

// Get returns the reference and content of a stored blob.
func (s *Store) Get(ctx context.Context, locator string) (model.Attachment, io.ReadCloser, error) {
	info, err := s.Stat(ctx, locator)
	if err != nil {
		return model.Attachment{}, nil, err
	}
	data, err := s.get(dataKey(locator))
	if err != nil {
		return model.Attachment{}, nil, err
	}
	return info.Attachment, io.NopCloser(bytes.NewReader(data)), nil
}

// Delete removes a blob. Deleting a missing blob is not an error.
func (s *Store) Delete(ctx context.Context, locator string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete(dataKey(locator), nil); err != nil {
		return err
	}
	if err := batch.Delete(metaKey(locator), nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (s *Store) get(key []byte) ([]byte, error) {
	v, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, fmt.Errorf("attachment %s: %w", strings.TrimPrefix(strings.TrimPrefix(string(key), dataPrefix), metaPrefix), model.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func dataKey(locator string) []byte { return []byte(dataPrefix + locator) }

func metaKey(locator string) []byte { return []byte(metaPrefix + locator) }

func cleanName(name string) string {
	name = filepath.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "attachment"
	}
	return name
}
