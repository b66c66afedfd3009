package checkpoint

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net/url"
	"os"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
)

const (
	// MagicNumber prefixes every token file.
	MagicNumber uint32 = 0x4E53434B // "NSCK"
	fileSuffix         = ".token"
	tempSuffix         = ".token.tmp"
	// maxTokenSize guards against reading a corrupt length prefix.
	maxTokenSize = 1 << 20
)

// Store keeps one continuation token per change-feed source.
type Store struct {
	fs billy.Filesystem
	mu sync.Mutex
}

// NewStore stores tokens on fs.
func NewStore(fs billy.Filesystem) *Store {
	return &Store{fs: fs}
}

// NewDirStore stores tokens in dir on the local filesystem.
func NewDirStore(dir string) (*Store, error) {
	fs := osfs.New(dir)
	if err := fs.MkdirAll("", 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory %s: %w", dir, err)
	}
	return NewStore(fs), nil
}

// FileName returns the name of the token file for source.
func FileName(source string) string {
	return url.PathEscape(source) + fileSuffix
}

// Save atomically replaces the token of source: the token is written to a
// temporary file which is then renamed over the previous one.
func (s *Store) Save(source string, token []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, MagicNumber)
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(token)))
	buf.Write(token)

	tempPath := url.PathEscape(source) + tempSuffix
	file, err := s.fs.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint file: %w", err)
	}
	if _, err := file.Write(buf.Bytes()); err != nil {
		file.Close()
		return fmt.Errorf("failed to write checkpoint for %s: %w", source, err)
	}
	if syncer, ok := file.(interface{ Sync() error }); ok {
		if err := syncer.Sync(); err != nil {
			file.Close()
			return fmt.Errorf("failed to sync temp checkpoint file: %w", err)
		}
	}
	// Close before renaming; Windows refuses to rename open files.
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close temp checkpoint file before rename: %w", err)
	}

	if err := s.fs.Rename(tempPath, FileName(source)); err != nil {
		return fmt.Errorf("failed to rename temp checkpoint file to final name: %w", err)
	}
	return nil
}

// Load returns the stored token for source, or nil if there is none.
func (s *Store) Load(source string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := util.ReadFile(s.fs, FileName(source))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}

	r := bytes.NewReader(data)
	var magic, size uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return nil, fmt.Errorf("failed to read checkpoint magic number: %w", err)
	}
	if magic != MagicNumber {
		return nil, fmt.Errorf("invalid checkpoint magic number: got %x, want %x", magic, MagicNumber)
	}
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return nil, fmt.Errorf("failed to read checkpoint token length: %w", err)
	}
	if size > maxTokenSize {
		return nil, fmt.Errorf("checkpoint token length %d exceeds limit", size)
	}
	token := make([]byte, size)
	if _, err := io.ReadFull(r, token); err != nil {
		return nil, fmt.Errorf("failed to read checkpoint token: %w", err)
	}
	return token, nil
}

// Delete removes the token of source. Missing tokens are not an error.
func (s *Store) Delete(source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fs.Remove(FileName(source)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete checkpoint for %s: %w", source, err)
	}
	return nil
}
