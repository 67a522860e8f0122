// Package scan enumerates a flat directory's regular files and checksums
// them, and tracks the resulting baseline/observation snapshot used to
// classify each re-scan against the initial baseline.
package scan

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/drewdzzz/integrityspy/internal/checksum"
)

// Observation is a single (filename, CRC32) pair produced by one scan of the
// watched directory.
type Observation struct {
	Name  string
	CRC32 uint32
}

// DirOpenError is returned when the watched directory cannot be opened or
// enumerated.
type DirOpenError struct {
	Dir string
	Err error
}

func (e *DirOpenError) Error() string {
	return fmt.Sprintf("scan: cannot open directory %q: %v", e.Dir, e.Err)
}

func (e *DirOpenError) Unwrap() error { return e.Err }

// Scanner enumerates the regular files of a single flat directory and
// produces their checksums. It never recurses into subdirectories and never
// follows symbolic links — both are explicit Non-goals.
type Scanner struct {
	Dir    string
	Logger *slog.Logger
}

// NewScanner constructs a Scanner for dir. logger may be nil, in which case
// a discarding logger is used.
func NewScanner(dir string, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
	}
	return &Scanner{Dir: dir, Logger: logger}
}

// Scan enumerates entries of s.Dir exactly one level deep, in the natural
// (unsorted) directory-enumeration order reported by the host filesystem,
// and returns a checksum Observation for every regular file found.
//
// Non-regular entries (directories, symlinks, devices, sockets) are skipped
// silently. A per-file checksum failure is not fatal to the scan: the file
// is omitted from the result and a warning is logged, so a subsequent
// Snapshot.ApplyObservation will classify it as ABSENT (or leave it
// unclaimed, if it never had a baseline).
func (s *Scanner) Scan() ([]Observation, error) {
	f, err := os.Open(s.Dir)
	if err != nil {
		return nil, &DirOpenError{Dir: s.Dir, Err: err}
	}
	defer f.Close()

	// Readdir (unlike os.ReadDir) returns entries in the raw, unsorted
	// order the underlying getdents(2) syscall produced them in.
	infos, err := f.Readdir(-1)
	if err != nil {
		return nil, &DirOpenError{Dir: s.Dir, Err: err}
	}

	observations := make([]Observation, 0, len(infos))
	for _, info := range infos {
		if !info.Mode().IsRegular() {
			continue
		}

		path := filepath.Join(s.Dir, info.Name())
		sum, err := checksum.Sum(path)
		if err != nil {
			s.Logger.Warn("scan: skipping unreadable file",
				slog.String("path", path),
				slog.Any("error", err),
			)
			continue
		}

		observations = append(observations, Observation{Name: info.Name(), CRC32: sum})
	}

	return observations, nil
}
