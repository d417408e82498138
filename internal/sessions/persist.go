package sessions

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/automate-sh/automate/internal/providers"
)

// save persists one session to disk atomically (temp file + rename).
// A store without a directory is memory-only and save is a no-op.
func (s *Store) save(id string) error {
	if s.dir == "" {
		return nil
	}

	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	snapshot := *sess
	snapshot.Messages = make([]providers.Message, len(sess.Messages))
	copy(snapshot.Messages, sess.Messages)
	s.mu.Unlock()

	data, err := json.MarshalIndent(&snapshot, "", "  ")
	if err != nil {
		return err
	}

	filename := sanitizeFilename(id)
	if filename == "" || filename == "." || strings.ContainsAny(filename, `/\`) {
		return os.ErrInvalid
	}

	tmp, err := os.CreateTemp(s.dir, "session-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, filepath.Join(s.dir, filename+".json")); err != nil {
		return err
	}
	cleanup = false
	return nil
}

// Save persists a single session.
func (s *Store) Save(id string) error {
	lock := s.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()
	return s.save(id)
}

// SaveAll persists every session, returning the first error seen.
func (s *Store) SaveAll() error {
	var firstErr error
	for _, sum := range s.List() {
		if err := s.Save(sum.ID); err != nil {
			slog.Warn("sessions: save failed", "session", sum.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// loadAll reads every persisted session. Corrupt files are skipped and
// counted so silent data loss stays observable.
func (s *Store) loadAll() {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}

	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, f.Name()))
		if err != nil {
			continue
		}
		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil || sess.ID == "" {
			s.corruptDropped++
			slog.Warn("sessions: dropping corrupt session file", "file", f.Name(), "error", err)
			continue
		}
		if sess.Messages == nil {
			sess.Messages = []providers.Message{}
		}
		s.sessions[sess.ID] = &sess
	}
}
