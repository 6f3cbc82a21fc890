// Package blob removes the stored files behind task attachments and work
// evidence. Uploading happens elsewhere; the core only ever deletes.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
)

type Driver string

const (
	DriverFilesystem Driver = "fs"
	DriverS3         Driver = "s3"
	DriverMemory     Driver = "memory"
)

// ErrNotExist is returned by Files.Remove when nothing is stored under the URL.
var ErrNotExist = errors.New("blob: file does not exist")

type Store interface {
	Driver() Driver
	Put(ctx context.Context, key string, r io.Reader, contentType string) error
	Exists(ctx context.Context, key string) (bool, error)
	// Delete reports false when the key was not there.
	Delete(ctx context.Context, key string) (bool, error)
}

// Files maps public file URLs onto store keys: with Prefix "/uploads/"
// the URL "/uploads/tasks/a.png" is the key "tasks/a.png".
type Files struct {
	Store  Store
	Prefix string
}

func NewFiles(store Store, prefix string) *Files {
	return &Files{Store: store, Prefix: prefix}
}

// Key returns the store key behind fileURL.
func (f *Files) Key(fileURL string) (string, error) {
	p := fileURL
	if u, err := url.Parse(fileURL); err == nil && u.Path != "" {
		p = u.Path
	}
	if f.Prefix != "" {
		prefix := strings.TrimPrefix(f.Prefix, "/")
		p = strings.TrimPrefix(p, "/")
		if !strings.HasPrefix(p, prefix) {
			return "", fmt.Errorf("blob: url %q is outside %q", fileURL, f.Prefix)
		}
		p = strings.TrimPrefix(p, prefix)
	}
	key := strings.TrimPrefix(p, "/")
	if key == "" {
		return "", fmt.Errorf("blob: empty key for url %q", fileURL)
	}
	return key, nil
}

func (f *Files) Remove(ctx context.Context, fileURL string) error {
	key, err := f.Key(fileURL)
	if err != nil {
		return err
	}
	existed, err := f.Store.Delete(ctx, key)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	if !existed {
		return fmt.Errorf("%w: %s", ErrNotExist, key)
	}
	return nil
}

// Config selects and configures a backend.
type Config struct {
	Driver Driver
	FSRoot string
	S3     S3Config
}

func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverFilesystem:
		return NewFS(cfg.FSRoot)
	case DriverS3:
		return NewS3(ctx, cfg.S3)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("blob: unknown driver %q", cfg.Driver)
	}
}
