package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/roach88/habitcore/internal/model"
)

// UpdateFunc mutates ds in place and reports whether anything changed.
// Returning an error aborts the update without writing.
type UpdateFunc func(ds *model.Dataset) (changed bool, err error)

// Save writes ds as the user's new snapshot under the writer lock.
func (s *Store) Save(ctx context.Context, ds *model.Dataset) error {
	if ds == nil {
		return model.NewValidationError("store.save", "", []string{"dataset is nil"})
	}
	if err := validUserID(ds.UserID); err != nil {
		return err
	}
	l, err := s.lock(ctx, ds.UserID)
	if err != nil {
		return err
	}
	defer l.release()

	return s.write(ctx, ds.Clone())
}

// Update performs a read-modify-write of userID's dataset under the writer
// lock. fn sees the freshest dataset on disk. When fn reports no change
// nothing is written. The returned dataset is what is now committed.
func (s *Store) Update(ctx context.Context, userID string, fn UpdateFunc) (*model.Dataset, error) {
	if err := validUserID(userID); err != nil {
		return nil, err
	}
	l, err := s.lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer l.release()

	// Read outside the singleflight group: a coalesced load may predate
	// the previous writer's commit.
	current, _, err := s.loadFromDisk(userID)
	if err != nil {
		return nil, err
	}

	next := current.Clone()
	changed, err := fn(next)
	if err != nil {
		return nil, err
	}
	if !changed {
		writesTotal.WithLabelValues("unchanged").Inc()
		return current, nil
	}
	next.UserID = userID
	if err := s.write(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

// write runs the write protocol. The caller holds the user's writer lock.
func (s *Store) write(ctx context.Context, ds *model.Dataset) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	defer func() { writeDuration.Observe(time.Since(start).Seconds()) }()

	now := s.clock.Now()
	ds.Normalize()
	if err := model.Validate(ds, now); err != nil {
		writesTotal.WithLabelValues("invalid").Inc()
		return err
	}

	data, header, err := Encode(ds, now)
	if err != nil {
		writesTotal.WithLabelValues("io_error").Inc()
		return model.NewIOError("store.save", s.PrimaryPath(ds.UserID), err)
	}

	primary := s.PrimaryPath(ds.UserID)
	tmp, err := s.writeTemp(ds.UserID, data)
	if err != nil {
		writesTotal.WithLabelValues("io_error").Inc()
		return err
	}

	staged, err := s.stagePrimary(ds.UserID)
	if err != nil {
		os.Remove(tmp)
		writesTotal.WithLabelValues("io_error").Inc()
		return err
	}

	if err := os.Rename(tmp, primary); err != nil {
		os.Remove(tmp)
		s.discardStaged(ds.UserID)
		writesTotal.WithLabelValues("io_error").Inc()
		return model.NewIOError("store.save", primary, err)
	}
	s.syncDir()

	if err := s.verify(primary, header); err != nil {
		s.logger.Warn("snapshot failed read-back verification, restoring previous primary",
			"user_id", ds.UserID, "path", primary, "error", err)
		if rerr := s.restorePrimary(ds.UserID, staged); rerr != nil {
			writesTotal.WithLabelValues("io_error").Inc()
			return errors.Join(err, rerr)
		}
		writesTotal.WithLabelValues("verify_failed").Inc()
		return err
	}

	if staged {
		if err := s.rotate(ds.UserID); err != nil {
			// The new primary is committed; only backup history is affected.
			s.logger.Warn("backup rotation failed", "user_id", ds.UserID, "error", err)
		}
	}

	s.rememberGood(ds)
	writesTotal.WithLabelValues("ok").Inc()
	s.logger.Debug("snapshot committed",
		"user_id", ds.UserID, "records", header.RecordCount, "schema_level", header.SchemaLevel)
	return nil
}

// writeTemp writes data to a fresh temp file beside the primary and fsyncs it.
func (s *Store) writeTemp(userID string, data []byte) (string, error) {
	f, err := os.CreateTemp(s.dir, "."+userID+primarySuffix+tempInfix+"*")
	if err != nil {
		return "", model.NewIOError("store.save", s.dir, err)
	}
	name := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(name)
		return "", model.NewIOError("store.save", name, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(name)
		return "", model.NewIOError("store.save", name, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", model.NewIOError("store.save", name, err)
	}
	return name, nil
}

// stagePrimary links the current primary to the staged path so it survives
// the rename. It reports whether there was a primary to stage.
func (s *Store) stagePrimary(userID string) (bool, error) {
	primary := s.PrimaryPath(userID)
	staged := s.stagedPath(userID)

	if err := s.finishRotation(userID); err != nil {
		return false, model.NewIOError("store.save", staged, err)
	}

	err := os.Link(primary, staged)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	// Filesystems without hard links get a copy.
	if err := copyFile(primary, staged); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, model.NewIOError("store.save", staged, err)
	}
	return true, nil
}

// finishRotation deals with a staged file left by a crash. One that still
// is the primary (crash before the rename) is dropped; one holding the
// previous generation (crash between rename and rotation) is rotated into
// backup 1 so that generation stays in the chain.
func (s *Store) finishRotation(userID string) error {
	staged := s.stagedPath(userID)
	st, err := os.Stat(staged)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	same, err := sameContent(staged, st, s.PrimaryPath(userID))
	if err != nil {
		return err
	}
	if same {
		return os.Remove(staged)
	}
	s.logger.Info("rotating previous primary left by an interrupted write", "user_id", userID, "path", staged)
	return s.rotate(userID)
}

// sameContent reports whether a (already stat'ed as ast) and b are the
// same file or hold the same bytes. A missing b is never the same.
func sameContent(a string, ast fs.FileInfo, b string) (bool, error) {
	bst, err := os.Stat(b)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if os.SameFile(ast, bst) {
		return true, nil
	}
	if ast.Size() != bst.Size() {
		return false, nil
	}
	ad, err := os.ReadFile(a)
	if err != nil {
		return false, err
	}
	bd, err := os.ReadFile(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ad, bd), nil
}

// verify re-reads path and checks it decodes to the header just written.
func (s *Store) verify(path string, want model.StorageHeader) error {
	data, err := os.ReadFile(path)
	if err == nil && s.afterRename != nil {
		if herr := s.afterRename(path); herr != nil {
			return model.NewIOError("store.verify", path, herr)
		}
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return model.NewIOError("store.verify", path, err)
	}

	_, got, err := Decode(data)
	if err != nil {
		return model.NewCorruptionError("store.verify", path, "read-back failed", err)
	}
	if got.Checksum != want.Checksum || got.RecordCount != want.RecordCount {
		return model.NewCorruptionError("store.verify", path,
			fmt.Sprintf("read-back mismatch: checksum %s records %d, want %s records %d",
				got.Checksum, got.RecordCount, want.Checksum, want.RecordCount), nil)
	}
	return nil
}

// restorePrimary puts the staged primary back after a failed verification.
// With nothing staged, the unverified primary is removed.
func (s *Store) restorePrimary(userID string, staged bool) error {
	primary := s.PrimaryPath(userID)
	if !staged {
		if err := os.Remove(primary); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return model.NewIOError("store.restore", primary, err)
		}
		return nil
	}
	if err := os.Rename(s.stagedPath(userID), primary); err != nil {
		return model.NewIOError("store.restore", primary, err)
	}
	s.syncDir()
	return nil
}

// rotate shifts backups down one slot and moves the staged primary into
// backup 1. The deepest backup is dropped.
func (s *Store) rotate(userID string) error {
	deepest := s.BackupPath(userID, s.depth)
	if err := os.Remove(deepest); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	for n := s.depth - 1; n >= 1; n-- {
		err := os.Rename(s.BackupPath(userID, n), s.BackupPath(userID, n+1))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	if err := os.Rename(s.stagedPath(userID), s.BackupPath(userID, 1)); err != nil {
		return err
	}
	s.syncDir()
	return nil
}

func (s *Store) discardStaged(userID string) {
	os.Remove(s.stagedPath(userID))
}

// syncDir flushes directory entries so renames survive power loss.
func (s *Store) syncDir() {
	d, err := os.Open(s.dir)
	if err != nil {
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		s.logger.Debug("directory sync failed", "path", s.dir, "error", err)
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// CleanTemp removes temp files abandoned by crashed writers for userID.
// It holds the writer lock so an in-flight write is never disturbed.
func (s *Store) CleanTemp(ctx context.Context, userID string) (int, error) {
	if err := validUserID(userID); err != nil {
		return 0, err
	}
	l, err := s.lock(ctx, userID)
	if err != nil {
		return 0, err
	}
	defer l.release()

	matches, err := filepath.Glob(filepath.Join(s.dir, "."+userID+primarySuffix+tempInfix+"*"))
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, m := range matches {
		if err := os.Remove(m); err == nil {
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("removed abandoned temp files", "user_id", userID, "count", removed)
	}
	return removed, nil
}
