package store

import (
	"context"
	"errors"
	"io/fs"
	"os"

	"github.com/roach88/habitcore/internal/model"
)

// Source names where a loaded dataset came from.
type Source string

const (
	SourcePrimary Source = "primary"
	SourceBackup  Source = "backup"
	SourceMemory  Source = "memory"
	SourceEmpty   Source = "empty"
)

// LoadInfo describes how a Load was satisfied.
type LoadInfo struct {
	Source Source

	// Path is the file read, empty for memory and empty sources.
	Path string

	// Backup is the 1-based backup index when Source is SourceBackup, or 0
	// when the backup read was the previous primary staged by a write that
	// never finished rotating.
	Backup int

	// Header is the verified header of the file read.
	Header model.StorageHeader

	// Skipped lists candidates that existed but failed verification.
	Skipped []string
}

// Recovered reports whether the load fell back past the primary.
func (i LoadInfo) Recovered() bool {
	return i.Source != SourcePrimary && (i.Source != SourceEmpty || len(i.Skipped) > 0)
}

type loadResult struct {
	ds   *model.Dataset
	info LoadInfo
}

// Load returns userID's dataset following the read protocol.
//
// Concurrent loads for one user are coalesced; each caller receives its own
// copy. I/O errors other than a missing file are returned, never masked by a
// fallback.
func (s *Store) Load(ctx context.Context, userID string) (*model.Dataset, LoadInfo, error) {
	if err := validUserID(userID); err != nil {
		return nil, LoadInfo{}, err
	}
	if err := ctx.Err(); err != nil {
		return nil, LoadInfo{}, err
	}

	v, err, _ := s.loads.Do(userID, func() (any, error) {
		ds, info, err := s.loadFromDisk(userID)
		if err != nil {
			return nil, err
		}
		return loadResult{ds: ds, info: info}, nil
	})
	if err != nil {
		return nil, LoadInfo{}, err
	}
	res := v.(loadResult)
	return res.ds.Clone(), res.info, nil
}

// loadFromDisk walks primary, the staged previous primary, backups,
// last-known-good and empty in order.
func (s *Store) loadFromDisk(userID string) (*model.Dataset, LoadInfo, error) {
	type candidate struct {
		path   string
		backup int
	}
	var skipped []string

	candidates := make([]candidate, 0, s.depth+2)
	candidates = append(candidates,
		candidate{path: s.PrimaryPath(userID)},
		candidate{path: s.stagedPath(userID)})
	for n := 1; n <= s.depth; n++ {
		candidates = append(candidates, candidate{path: s.BackupPath(userID, n), backup: n})
	}

	for i, c := range candidates {
		data, err := os.ReadFile(c.path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, LoadInfo{}, model.NewIOError("store.load", c.path, err)
		}

		ds, header, err := Decode(data)
		if err == nil && ds.UserID != userID {
			err = errors.New("snapshot belongs to user " + ds.UserID)
		}
		if err != nil {
			s.logger.Warn("skipping unreadable snapshot",
				"user_id", userID, "path", c.path, "error", err)
			skipped = append(skipped, c.path)
			continue
		}

		info := LoadInfo{Source: SourcePrimary, Path: c.path, Header: header, Skipped: skipped}
		if i > 0 {
			info.Source = SourceBackup
			info.Backup = c.backup
			s.logger.Warn("recovered snapshot from backup",
				"user_id", userID, "path", c.path, "backup", c.backup)
		}
		loadSourceTotal.WithLabelValues(string(info.Source)).Inc()
		s.rememberGood(ds)
		return ds, info, nil
	}

	if ds, ok := s.lastKnownGood(userID); ok {
		s.logger.Warn("no readable snapshot on disk, using last known good",
			"user_id", userID, "skipped", len(skipped))
		loadSourceTotal.WithLabelValues(string(SourceMemory)).Inc()
		return ds, LoadInfo{Source: SourceMemory, Skipped: skipped}, nil
	}

	if len(skipped) > 0 {
		s.logger.Warn("no readable snapshot, starting empty",
			"user_id", userID, "skipped", len(skipped))
	}
	loadSourceTotal.WithLabelValues(string(SourceEmpty)).Inc()
	return s.newDataset(userID), LoadInfo{Source: SourceEmpty, Skipped: skipped}, nil
}

func (s *Store) newDataset(userID string) *model.Dataset {
	ds := model.NewDataset(userID)
	ds.Migration.Version = s.baseline.Version
	ds.Migration.Completed = append(ds.Migration.Completed, s.baseline.Completed...)
	return ds
}
