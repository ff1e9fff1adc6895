package database

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/Taicanium/Sylver-Ink-sub000/internal/codec"
	"github.com/Taicanium/Sylver-Ink-sub000/pkg/constants"
)

// Session is the content of the lock file that sits next to a database while it holds
// unsaved changes. Finding one on open means the previous session ended without saving.
type Session struct {
	PID      int       `cbor:"pid"`
	Host     string    `cbor:"host"`
	Started  time.Time `cbor:"started"`
	Autosave string    `cbor:"autosave"`
	Database uuid.UUID `cbor:"database"`
}

var sessionCodec codec.Codec = codec.CBOR{}

func sessionPath(path string) string  { return path + constants.SessionSuffix }
func autosavePath(path string) string { return path + constants.AutosaveSuffix }

func readSession(path string) (*Session, error) {
	data, err := os.ReadFile(sessionPath(path))
	if err != nil {
		return nil, err
	}
	var s Session
	if err := sessionCodec.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("reading %s: %w", sessionPath(path), err)
	}
	return &s, nil
}

func writeSession(path string, s *Session) error {
	data, err := sessionCodec.Marshal(s)
	if err != nil {
		return err
	}
	return writeFile(sessionPath(path), func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// writeFile replaces path with whatever write produces. A failed write leaves the old
// file untouched.
func writeFile(path string, write func(w io.Writer) error) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()

	if err := write(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
