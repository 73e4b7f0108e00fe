// Package fs implements core.Store on the local filesystem.
package fs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"transitreg/internal/blob/core"
)

const metaSuffix = ".meta"

// Store implements core.Store using the local filesystem.
// Keys are mapped to relative file paths under the root. A metadata sidecar
// (filename + `.meta`) stores content type and user metadata.
type Store struct {
	root string
}

// New returns a filesystem-backed blob store rooted at path, creating it if needed.
func New(root string) (*Store, error) {
	if root == "" {
		root = "./archive"
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create archive root: %w", err)
	}
	return &Store{root: root}, nil
}

func (s *Store) Driver() core.Driver { return core.DriverFilesystem }

// sanitizeKey forbids path traversal and absolute keys.
func sanitizeKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("empty key")
	}
	if strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid key contains '..'")
	}
	if strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("invalid absolute key")
	}
	if strings.HasSuffix(key, metaSuffix) {
		return "", fmt.Errorf("invalid key suffix %s", metaSuffix)
	}
	return filepath.ToSlash(filepath.Clean(key)), nil
}

func (s *Store) pathFor(key string) (dataPath, metaPath string, err error) {
	k, err := sanitizeKey(key)
	if err != nil {
		return "", "", err
	}
	dataPath = filepath.Join(s.root, filepath.FromSlash(k))
	return dataPath, dataPath + metaSuffix, nil
}

type metaFile struct {
	ContentType string            `json:"content_type,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ETag        string            `json:"etag"`
	Size        int64             `json:"size"`
	CreatedAt   time.Time         `json:"created_at"`
}

func (m metaFile) info(key string) core.Info {
	return core.Info{Key: key, Size: m.Size, ContentType: m.ContentType, ETag: m.ETag, Metadata: core.CloneMetadata(m.Metadata), LastModified: m.CreatedAt}
}

func (s *Store) Put(_ context.Context, key string, r io.Reader, opts core.PutOptions) (core.Info, error) {
	dataPath, metaPath, err := s.pathFor(key)
	if err != nil {
		return core.Info{}, err
	}
	if _, err := os.Stat(dataPath); err == nil {
		return core.Info{}, fmt.Errorf("%w: %s", core.ErrExists, key)
	}
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o750); err != nil {
		return core.Info{}, err
	}
	// stream to a temp file to compute sha and size, then move into place
	tmp, err := os.CreateTemp(filepath.Dir(dataPath), ".tmp-*")
	if err != nil {
		return core.Info{}, err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		_ = tmp.Close()
		return core.Info{}, err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return core.Info{}, err
	}
	if err := tmp.Close(); err != nil {
		return core.Info{}, err
	}
	if err := os.Link(tmp.Name(), dataPath); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return core.Info{}, fmt.Errorf("%w: %s", core.ErrExists, key)
		}
		return core.Info{}, err
	}
	mf := metaFile{ContentType: opts.ContentType, Metadata: core.CloneMetadata(opts.Metadata), ETag: hex.EncodeToString(h.Sum(nil)), Size: size, CreatedAt: time.Now().UTC()}
	if err := writeJSON(metaPath, mf); err != nil {
		return core.Info{}, err
	}
	return mf.info(key), nil
}

func (s *Store) Get(_ context.Context, key string) (core.Info, io.ReadCloser, error) {
	dataPath, metaPath, err := s.pathFor(key)
	if err != nil {
		return core.Info{}, nil, err
	}
	file, err := os.Open(dataPath) // #nosec G304 -- key sanitised above
	if errors.Is(err, fs.ErrNotExist) {
		return core.Info{}, nil, fmt.Errorf("%w: %s", core.ErrNotFound, key)
	}
	if err != nil {
		return core.Info{}, nil, err
	}
	mf, err := readMeta(metaPath)
	if err != nil {
		_ = file.Close()
		return core.Info{}, nil, err
	}
	return mf.info(key), file, nil
}

func (s *Store) Head(_ context.Context, key string) (core.Info, error) {
	_, metaPath, err := s.pathFor(key)
	if err != nil {
		return core.Info{}, err
	}
	mf, err := readMeta(metaPath)
	if errors.Is(err, fs.ErrNotExist) {
		return core.Info{}, fmt.Errorf("%w: %s", core.ErrNotFound, key)
	}
	if err != nil {
		return core.Info{}, err
	}
	return mf.info(key), nil
}

func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	dataPath, metaPath, err := s.pathFor(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(dataPath); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err := os.Remove(dataPath); err != nil {
		return false, err
	}
	_ = os.Remove(metaPath)
	return true, nil
}

func (s *Store) List(_ context.Context, prefix string) ([]core.Info, error) {
	var infos []core.Info
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, metaSuffix) {
			return nil
		}
		rel, err := filepath.Rel(s.root, strings.TrimSuffix(path, metaSuffix))
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		mf, err := readMeta(path)
		if err != nil {
			return err
		}
		infos = append(infos, mf.info(key))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

func readMeta(path string) (metaFile, error) {
	b, err := os.ReadFile(path) // #nosec G304 -- derived from sanitised key
	if err != nil {
		return metaFile{}, err
	}
	var mf metaFile
	if err := json.Unmarshal(b, &mf); err != nil {
		return metaFile{}, fmt.Errorf("decode meta %s: %w", path, err)
	}
	return mf, nil
}
