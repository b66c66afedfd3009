// Package filestore keeps records as JSON files on a go-billy filesystem.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"

	"github.com/INLOpen/nexussync/core"
	"github.com/INLOpen/nexussync/docstore"
	"github.com/INLOpen/nexussync/endpoint"
)

// ShadowPrefix is where uncommitted branch files live.
const ShadowPrefix = ".shadow"

// Dir implements docstore.Blobs on a billy filesystem.
type Dir struct {
	fs billy.Filesystem
}

var _ docstore.Blobs = (*Dir)(nil)

func NewDir(fs billy.Filesystem) *Dir {
	return &Dir{fs: fs}
}

func (d *Dir) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := util.ReadFile(d.fs, key)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("billy: readfile %q: %w", key, core.ErrNotFound)
		}
		return nil, fmt.Errorf("billy: readfile %q: %w", key, err)
	}
	return data, nil
}

// Put writes to a temporary file next to key and renames it into place.
func (d *Dir) Put(ctx context.Context, key string, data []byte) error {
	if err := d.fs.MkdirAll(path.Dir(key), 0o755); err != nil {
		return fmt.Errorf("billy: mkdirall %q: %w", path.Dir(key), err)
	}
	tmp := key + ".tmp"
	if err := util.WriteFile(d.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("billy: writefile %q: %w", tmp, err)
	}
	if err := d.fs.Rename(tmp, key); err != nil {
		return fmt.Errorf("billy: rename %q: %w", key, err)
	}
	return nil
}

func (d *Dir) Delete(ctx context.Context, key string) error {
	if err := d.fs.Remove(key); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("billy: remove %q: %w", key, err)
	}
	return nil
}

// List walks the directory holding prefix.
func (d *Dir) List(ctx context.Context, prefix string) ([]string, error) {
	root := strings.TrimSuffix(prefix, "/")
	if root == "" {
		root = "."
	}
	var keys []string
	err := util.Walk(d.fs, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		key := filepath.ToSlash(p)
		if strings.HasPrefix(key, prefix) && !strings.HasSuffix(key, ".tmp") {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("billy: walk %q: %w", root, err)
	}
	return keys, nil
}

// Promote renames staged over target.
func (d *Dir) Promote(ctx context.Context, staged, target string) error {
	if err := d.fs.MkdirAll(path.Dir(target), 0o755); err != nil {
		return fmt.Errorf("billy: mkdirall %q: %w", path.Dir(target), err)
	}
	if err := d.fs.Rename(staged, target); err != nil {
		return fmt.Errorf("billy: rename %q: %w", staged, err)
	}
	return nil
}

// New builds a file endpoint on fs.
func New(fs billy.Filesystem, params endpoint.Params) (*docstore.Endpoint, error) {
	collection := params.Service.Collection
	if collection == "" {
		collection = params.Service.Name
	}
	return docstore.New(NewDir(fs), docstore.Options{
		Name:          params.Service.Name,
		Collection:    collection,
		StagingPrefix: ShadowPrefix,
		Pivot:         params.Service.PivotAttributes,
		Writable:      params.Service.WritableAttributes,
		Logger:        params.Logger,
	})
}

// Open roots the endpoint at the connection's directory, creating it if
// needed. It is registered under config.KindFile.
func Open(ctx context.Context, params endpoint.Params) (endpoint.Service, error) {
	root := params.Connection.Root
	if root == "" {
		return nil, core.NewConfigurationError("filestore", "connection %q has no root", params.Connection.Name)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &core.BackendUnavailableError{Endpoint: root, Op: "mkdir", Err: err}
	}
	ep, err := New(osfs.New(root), params)
	if err != nil {
		return nil, err
	}
	return ep, nil
}
