// Package history provides optional, off-by-default scan-history
// persistence for the ScanScheduler: a tamper-evident local log (always
// cheap enough to run unconditionally), a durable local SQLite queue, and a
// batched PostgreSQL forwarder that drains it. None of these write the
// report file or influence classification; they are purely observational,
// wired in via scheduler.ScanObserver.
package history

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/drewdzzz/integrityspy/internal/scan"
	"github.com/drewdzzz/integrityspy/internal/scheduler"
)

// GenesisHash is the all-zero SHA-256 hex digest used as the PrevHash of
// the first entry appended to a fresh ChainLog.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ScanSummary is the payload recorded for one re-scan.
type ScanSummary struct {
	Trigger scheduler.TriggerKind `json:"trigger"`
	OK      int                   `json:"ok"`
	Fail    int                   `json:"fail"`
	Absent  int                   `json:"absent"`
	New     int                   `json:"new"`
}

// Summarize counts each status in entries into a ScanSummary.
func Summarize(trigger scheduler.TriggerKind, entries []scan.ReportEntry) ScanSummary {
	s := ScanSummary{Trigger: trigger}
	for _, e := range entries {
		switch e.Status {
		case scan.StatusOK:
			s.OK++
		case scan.StatusFail:
			s.Fail++
		case scan.StatusAbsent:
			s.Absent++
		case scan.StatusNew:
			s.New++
		}
	}
	return s
}

// ChainEntry is the wire format of one ChainLog line.
type ChainEntry struct {
	Seq       int64       `json:"seq"`
	Timestamp time.Time   `json:"ts"`
	Summary   ScanSummary `json:"summary"`
	PrevHash  string      `json:"prev_hash"`
	EventHash string      `json:"event_hash"`
}

// chainContent is the subset of ChainEntry hashed to produce EventHash.
type chainContent struct {
	Seq       int64       `json:"seq"`
	Timestamp time.Time   `json:"ts"`
	Summary   ScanSummary `json:"summary"`
	PrevHash  string      `json:"prev_hash"`
}

func hashContent(c chainContent) string {
	data, _ := json.Marshal(c)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ChainLog is a tamper-evident, append-only, SHA-256 hash-chained log of
// ScanSummary entries, recording integrity-scan provenance: each entry's
// EventHash commits to the previous entry's hash, so editing an entry, or
// removing entries from the start or the middle of the file, breaks the
// chain. Removing entries from the end leaves a valid shorter chain and is
// not detected.
type ChainLog struct {
	mu       sync.Mutex
	file     *os.File
	prevHash string
	seq      int64
}

// OpenChainLog opens (creating if absent) the log at path, replaying any
// existing entries to restore the chain's tip. An error is returned if an
// existing entry is malformed or the chain is broken.
func OpenChainLog(path string) (*ChainLog, error) {
	entries, err := VerifyChainLog(path)
	if err != nil {
		return nil, err
	}

	prevHash := GenesisHash
	seq := int64(0)
	if n := len(entries); n > 0 {
		prevHash = entries[n-1].EventHash
		seq = entries[n-1].Seq
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("history: open %q for appending: %w", path, err)
	}

	return &ChainLog{file: f, prevHash: prevHash, seq: seq}, nil
}

// VerifyChainLog reads the log at path (which need not exist; a missing
// file yields zero entries) and confirms every entry's EventHash and every
// PrevHash link is intact, returning the full chain in order. It opens the
// file read-only and never mutates it, so it is safe to call concurrently
// with an open *ChainLog appending to the same path.
func VerifyChainLog(path string) ([]ChainEntry, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("history: open %q for reading: %w", path, err)
	}
	defer f.Close()

	prevHash := GenesisHash
	var entries []ChainEntry

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e ChainEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("history: malformed entry at seq %d: %w", len(entries)+1, err)
		}
		computed := hashContent(chainContent{Seq: e.Seq, Timestamp: e.Timestamp, Summary: e.Summary, PrevHash: e.PrevHash})
		if computed != e.EventHash {
			return nil, fmt.Errorf("history: hash mismatch at seq %d", e.Seq)
		}
		if e.PrevHash != prevHash {
			return nil, fmt.Errorf("history: chain break at seq %d", e.Seq)
		}
		prevHash = e.EventHash
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("history: scanning %q: %w", path, err)
	}

	return entries, nil
}

// Append records one ScanSummary as a new chain entry.
func (l *ChainLog) Append(summary ScanSummary) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq := l.seq + 1
	ts := time.Now().UTC()
	prevHash := l.prevHash

	content := chainContent{Seq: seq, Timestamp: ts, Summary: summary, PrevHash: prevHash}
	eventHash := hashContent(content)

	e := ChainEntry{Seq: seq, Timestamp: ts, Summary: summary, PrevHash: prevHash, EventHash: eventHash}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("history: marshal entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("history: write entry: %w", err)
	}

	l.seq = seq
	l.prevHash = eventHash
	return nil
}

// Close flushes and closes the underlying file.
func (l *ChainLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		_ = l.file.Close()
		return fmt.Errorf("history: sync: %w", err)
	}
	return l.file.Close()
}
