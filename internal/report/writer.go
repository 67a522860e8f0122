// Package report serializes a Snapshot's classification to the daemon's
// fixed JSON report path. Serialization happens exactly once, after the
// ScanScheduler's event loop has exited — never incrementally and never
// while a scan could still be in flight.
package report

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/drewdzzz/integrityspy/internal/scan"
)

// DefaultPath is the fixed report path the daemon writes to, relative to
// its working directory.
const DefaultPath = ".integrityspy-report.json"

// entry is the wire format of one report row.
type entry struct {
	Name        string      `json:"name"`
	Status      scan.Status `json:"status"`
	EtalonCRC32 uint32      `json:"etalon_crc32"`
	ResultCRC32 uint32      `json:"result_crc32"`
}

// IoError wraps a failure to write the report file.
type IoError struct {
	Path string
	Err  error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("report: cannot write %q: %v", e.Path, e.Err)
}

func (e *IoError) Unwrap() error { return e.Err }

// Write serializes entries as a JSON array to path. This is a one-shot
// terminal action taken after the event loop has already exited, so there
// is no concurrent reader or writer to race against and no need for an
// atomic rename-into-place.
func Write(path string, entries []scan.ReportEntry) error {
	rows := make([]entry, len(entries))
	for i, e := range entries {
		rows[i] = entry{
			Name:        e.Name,
			Status:      e.Status,
			EtalonCRC32: e.EtalonCRC32,
			ResultCRC32: e.ResultCRC32,
		}
	}

	data, err := json.Marshal(rows)
	if err != nil {
		return &IoError{Path: path, Err: err}
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return &IoError{Path: path, Err: err}
	}

	return nil
}
