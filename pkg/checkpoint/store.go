// Copyright (c) 2026 The AReaL Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package checkpoint stores versioned trial snapshots under the
// cluster fileroot. Snapshots are staged in a hidden directory and
// published with an atomic rename, so a crash mid-write never leaves a
// partial snapshot visible to readers.
package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pborman/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	_snapshotPrefix = "step-"
	_stagingPrefix  = ".staging-"
)

// Ref points at one fully-published snapshot.
type Ref struct {
	Step int
	Path string
}

// Store manages the snapshot directory of one (experiment, trial).
type Store struct {
	root string
}

// NewStore opens (creating if needed) the snapshot directory for the
// trial under fileroot.
func NewStore(fileroot, experiment, trial string) (*Store, error) {
	return newStore(filepath.Join(fileroot, "checkpoints", experiment, trial))
}

// NewSaveStore opens the directory for permanent weight saves. Saves
// use the same snapshot layout as checkpoints but live under a
// separate root, so checkpoint GC never removes them.
func NewSaveStore(fileroot, experiment, trial string) (*Store, error) {
	return newStore(filepath.Join(fileroot, "saves", experiment, trial))
}

func newStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create snapshot root %s", root)
	}
	return &Store{root: root}, nil
}

// Root returns the trial's snapshot directory.
func (s *Store) Root() string {
	return s.root
}

// Publish stages a snapshot for the given step, lets write fill it,
// and atomically renames it into place. On any error the staging
// directory is removed and nothing becomes visible.
func (s *Store) Publish(step int, write func(dir string) error) (Ref, error) {
	staging := filepath.Join(s.root, _stagingPrefix+uuid.New())
	if err := os.MkdirAll(staging, 0755); err != nil {
		return Ref{}, errors.Wrap(err, "failed to create staging dir")
	}

	if err := write(staging); err != nil {
		os.RemoveAll(staging)
		return Ref{}, errors.Wrapf(err, "failed to write snapshot for step %d", step)
	}

	final := filepath.Join(s.root, fmt.Sprintf("%s%06d", _snapshotPrefix, step))
	// Re-checkpointing the same step after recovery replaces the
	// previous snapshot.
	if err := os.RemoveAll(final); err != nil {
		os.RemoveAll(staging)
		return Ref{}, errors.Wrapf(err, "failed to clear stale snapshot %s", final)
	}
	if err := os.Rename(staging, final); err != nil {
		os.RemoveAll(staging)
		return Ref{}, errors.Wrapf(err, "failed to publish snapshot %s", final)
	}
	syncDir(s.root)

	log.WithFields(log.Fields{
		"step": step,
		"path": final,
	}).Info("Published checkpoint")
	return Ref{Step: step, Path: final}, nil
}

// Latest returns the newest fully-published snapshot. Staging
// directories and anything not matching the snapshot naming are
// skipped.
func (s *Store) Latest() (Ref, bool, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return Ref{}, false, errors.Wrapf(err, "failed to scan %s", s.root)
	}

	best := Ref{Step: -1}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, _snapshotPrefix) {
			continue
		}
		step, err := strconv.Atoi(strings.TrimPrefix(name, _snapshotPrefix))
		if err != nil {
			continue
		}
		if step > best.Step {
			best = Ref{Step: step, Path: filepath.Join(s.root, name)}
		}
	}
	if best.Step < 0 {
		return Ref{}, false, nil
	}
	return best, true, nil
}

// GC removes all but the keep newest snapshots and any abandoned
// staging directories.
func (s *Store) GC(keep int) error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return errors.Wrapf(err, "failed to scan %s", s.root)
	}

	var steps []int
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, _stagingPrefix) {
			os.RemoveAll(filepath.Join(s.root, name))
			continue
		}
		if !entry.IsDir() || !strings.HasPrefix(name, _snapshotPrefix) {
			continue
		}
		if step, err := strconv.Atoi(
			strings.TrimPrefix(name, _snapshotPrefix)); err == nil {
			steps = append(steps, step)
		}
	}
	if len(steps) <= keep {
		return nil
	}

	for i := 1; i < len(steps); i++ {
		for j := i; j > 0 && steps[j] > steps[j-1]; j-- {
			steps[j], steps[j-1] = steps[j-1], steps[j]
		}
	}
	for _, step := range steps[keep:] {
		path := filepath.Join(
			s.root, fmt.Sprintf("%s%06d", _snapshotPrefix, step))
		if err := os.RemoveAll(path); err != nil {
			return errors.Wrapf(err, "failed to remove old snapshot %s", path)
		}
		log.WithField("path", path).Debug("Removed old checkpoint")
	}
	return nil
}

// syncDir flushes the directory entry after a rename, best effort.
func syncDir(path string) {
	if d, err := os.Open(path); err == nil {
		d.Sync()
		d.Close()
	}
}
