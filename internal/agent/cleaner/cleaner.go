/*
Copyright (C) 2026 Capfleet Authors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package cleaner keeps the agent's local recording cache under a size cap.
// Edge devices have small disks; recordings are pruned oldest-first once the
// cap is exceeded, on the assumption that anything old enough to be pruned
// has been archived or collected.
package cleaner

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// Cleaner prunes a recordings directory.
type Cleaner struct {
	dir      string
	maxBytes int64
	logger   zerolog.Logger
}

// New creates a cleaner. maxBytes of 0 disables pruning.
func New(dir string, maxBytes int64, logger zerolog.Logger) *Cleaner {
	return &Cleaner{
		dir:      dir,
		maxBytes: maxBytes,
		logger:   logger.With().Str("component", "cleaner").Logger(),
	}
}

type cachedFile struct {
	path    string
	size    int64
	modTime time.Time
}

// Prune deletes the oldest recordings until the directory fits the cap.
// Returns the number of files removed.
func (c *Cleaner) Prune() int {
	if c.maxBytes <= 0 {
		return 0
	}

	files, total := c.scan()
	if total <= c.maxBytes {
		return 0
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})

	removed := 0
	for _, f := range files {
		if total <= c.maxBytes {
			break
		}
		if err := os.Remove(f.path); err != nil {
			c.logger.Warn().Err(err).Str("path", f.path).Msg("prune recording")
			continue
		}
		total -= f.size
		removed++
		c.logger.Info().
			Str("path", f.path).
			Int64("size", f.size).
			Msg("pruned old recording")
	}
	return removed
}

func (c *Cleaner) scan() ([]cachedFile, int64) {
	var files []cachedFile
	var total int64

	filepath.Walk(c.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if filepath.Ext(path) != ".wav" {
			return nil
		}
		files = append(files, cachedFile{path: path, size: info.Size(), modTime: info.ModTime()})
		total += info.Size()
		return nil
	})
	return files, total
}
