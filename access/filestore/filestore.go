// Package filestore keeps access records as CBOR files on an afero
// filesystem, one file per token.
package filestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"reflect"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/spf13/afero"

	"github.com/mnehpets/rolerpc/access"
)

// Store implements access.Store. File names are derived from a hash of the
// token so tokens never appear in directory listings.
type Store struct {
	mu  sync.Mutex
	fs  afero.Fs
	dir string
	enc cbor.EncMode
	dec cbor.DecMode
}

// New returns a store writing under dir on fsys. The directory is created
// if needed.
func New(fsys afero.Fs, dir string) (*Store, error) {
	if err := fsys.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("filestore: create %s: %w", dir, err)
	}
	enc, err := cbor.EncOptions{Sort: cbor.SortCanonical}.EncMode()
	if err != nil {
		return nil, err
	}
	dec, err := cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}.DecMode()
	if err != nil {
		return nil, err
	}
	return &Store{fs: fsys, dir: dir, enc: enc, dec: dec}, nil
}

// NewOS returns a store rooted at dir on the local filesystem.
func NewOS(dir string) (*Store, error) {
	return New(afero.NewBasePathFs(afero.NewOsFs(), dir), "/")
}

func (s *Store) file(token string) string {
	sum := sha256.Sum256([]byte(token))
	return path.Join(s.dir, hex.EncodeToString(sum[:])+".cbor")
}

func (s *Store) read(token string) (access.Fields, error) {
	b, err := afero.ReadFile(s.fs, s.file(token))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("filestore: read: %w", err)
	}
	var f access.Fields
	if err := s.dec.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("filestore: decode: %w", err)
	}
	return f, nil
}

// write replaces the record file through a temporary file and a rename.
func (s *Store) write(token string, f access.Fields) error {
	b, err := s.enc.Marshal(f)
	if err != nil {
		return fmt.Errorf("filestore: encode: %w", err)
	}
	name := s.file(token)
	tmp := name + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, b, 0o600); err != nil {
		return fmt.Errorf("filestore: write: %w", err)
	}
	if err := s.fs.Rename(tmp, name); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("filestore: rename: %w", err)
	}
	return nil
}

func (s *Store) exists(token string) (bool, error) {
	return afero.Exists(s.fs, s.file(token))
}

func (s *Store) Get(_ context.Context, token string) (access.Fields, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(token)
}

func (s *Store) Create(_ context.Context, token string, f access.Fields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, err := s.exists(token)
	if err != nil {
		return err
	}
	if ok {
		return access.ErrRecordExists
	}
	return s.write(token, f)
}

func (s *Store) Update(_ context.Context, token string, f access.Fields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, err := s.exists(token)
	if err != nil {
		return err
	}
	if !ok {
		return access.ErrRecordDoesNotExist
	}
	return s.write(token, f)
}

func (s *Store) Extend(_ context.Context, token string, partial access.Fields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.read(token)
	if err != nil {
		return err
	}
	if cur == nil {
		return access.ErrRecordDoesNotExist
	}
	return s.write(token, access.Merge(cur, partial))
}
