package auth

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/crypto/bcrypt"
)

const (
	// UserFileMagic identifies a debug user database.
	UserFileMagic uint32 = 0x4E535553 // "NSUS"
	// CurrentUserFileVersion is the current version of the user file format.
	CurrentUserFileVersion uint8 = 1
)

// HashType defines the password hashing algorithm used.
type HashType uint8

const (
	HashTypeUnknown HashType = 0
	HashTypeBcrypt  HashType = 1
	// HashTypeSHA256 is unsalted; it exists for hosts where bcrypt cost is a
	// problem during scrapes.
	HashTypeSHA256 HashType = 2
)

// ParseHashType maps "bcrypt" or "sha256" to a HashType.
func ParseHashType(s string) (HashType, error) {
	switch s {
	case "bcrypt":
		return HashTypeBcrypt, nil
	case "sha256":
		return HashTypeSHA256, nil
	default:
		return HashTypeUnknown, fmt.Errorf("unsupported hash type %q (want bcrypt or sha256)", s)
	}
}

func (h HashType) String() string {
	switch h {
	case HashTypeBcrypt:
		return "bcrypt"
	case HashTypeSHA256:
		return "sha256"
	default:
		return fmt.Sprintf("HashType(%d)", uint8(h))
	}
}

// UserFileHeader represents the header of the user database file.
type UserFileHeader struct {
	Magic     uint32
	Version   uint8
	HashType  HashType
	UserCount uint32
}

// UserRecord represents a single user's data within the file.
type UserRecord struct {
	Username     string
	PasswordHash string
	Role         string
}

// WriteUserFile writes users to path through a temporary file, so a reader
// never sees a half-written database.
func WriteUserFile(path string, users map[string]UserRecord, hashType HashType) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create user file directory: %w", err)
		}
	}
	tmp := path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create user file: %w", err)
	}
	w := bufio.NewWriter(file)

	header := UserFileHeader{
		Magic:     UserFileMagic,
		Version:   CurrentUserFileVersion,
		HashType:  hashType,
		UserCount: uint32(len(users)),
	}
	if err := binary.Write(w, binary.LittleEndian, &header); err != nil {
		file.Close()
		return fmt.Errorf("failed to write user file header: %w", err)
	}

	names := make([]string, 0, len(users))
	for name := range users {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := writeUserRecord(w, users[name]); err != nil {
			file.Close()
			return fmt.Errorf("failed to write user record for '%s': %w", name, err)
		}
	}
	if err := w.Flush(); err != nil {
		file.Close()
		return fmt.Errorf("failed to flush user file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("failed to sync user file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close user file: %w", err)
	}
	return os.Rename(tmp, path)
}

// ReadUserFile reads a user database. A missing or empty file yields no
// users and the bcrypt hash type.
func ReadUserFile(path string) (map[string]UserRecord, HashType, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]UserRecord), HashTypeBcrypt, nil
		}
		return nil, HashTypeUnknown, fmt.Errorf("failed to open user file: %w", err)
	}
	defer file.Close()
	r := bufio.NewReader(file)

	var header UserFileHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		if err == io.EOF {
			return make(map[string]UserRecord), HashTypeBcrypt, nil
		}
		return nil, HashTypeUnknown, fmt.Errorf("failed to read user file header: %w", err)
	}

	if header.Magic != UserFileMagic {
		return nil, HashTypeUnknown, fmt.Errorf("invalid user file magic number: got %x", header.Magic)
	}
	if header.Version > CurrentUserFileVersion {
		return nil, HashTypeUnknown, fmt.Errorf("unsupported user file version: got %d", header.Version)
	}
	if header.HashType != HashTypeBcrypt && header.HashType != HashTypeSHA256 {
		return nil, HashTypeUnknown, fmt.Errorf("unsupported hash type: got %d", header.HashType)
	}

	users := make(map[string]UserRecord, header.UserCount)
	for i := uint32(0); i < header.UserCount; i++ {
		record, err := readUserRecord(r)
		if err != nil {
			return nil, HashTypeUnknown, fmt.Errorf("failed to read user record #%d: %w", i+1, err)
		}
		users[record.Username] = record
	}
	return users, header.HashType, nil
}

// HashPassword hashes password with hashType.
func HashPassword(password string, hashType HashType) (string, error) {
	switch hashType {
	case HashTypeBcrypt:
		hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return "", err
		}
		return string(hashed), nil
	case HashTypeSHA256:
		sum := sha256.Sum256([]byte(password))
		return hex.EncodeToString(sum[:]), nil
	default:
		return "", fmt.Errorf("unsupported hash type: %d", hashType)
	}
}

func writeUserRecord(w io.Writer, user UserRecord) error {
	for _, s := range []string{user.Username, user.PasswordHash, user.Role} {
		if err := writeString(w, s); err != nil {
			return err
		}
	}
	return nil
}

func readUserRecord(r io.Reader) (UserRecord, error) {
	var fields [3]string
	for i := range fields {
		s, err := readString(r)
		if err != nil {
			return UserRecord{}, err
		}
		fields[i] = s
	}
	return UserRecord{Username: fields[0], PasswordHash: fields[1], Role: fields[2]}, nil
}

func writeString(w io.Writer, s string) error {
	if len(s) > 0xFFFF {
		return fmt.Errorf("field of %d bytes is too long", len(s))
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var length uint16
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return "", err
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return "", err
	}
	return string(data), nil
}
