package scan

import "errors"

// ErrAlreadyInitialized is returned by InstallBaseline when called more than
// once on the same Snapshot.
var ErrAlreadyInitialized = errors.New("scan: baseline already installed")

// Status is the classification of one FileEntry at report time.
type Status string

const (
	// StatusOK: baseline present, last observation present, CRCs equal.
	StatusOK Status = "OK"
	// StatusFail: baseline present, last observation present, CRCs differ.
	StatusFail Status = "FAIL"
	// StatusAbsent: baseline present, last observation missing.
	StatusAbsent Status = "ABSENT"
	// StatusNew: baseline absent, observed in a later scan.
	StatusNew Status = "NEW"
)

// FileEntry tracks one filename's baseline checksum (set once, at startup)
// and its most recently observed checksum (updated on every re-scan).
// Baseline and Last are nil when undefined, which is distinct from a valid
// checksum of zero.
type FileEntry struct {
	Name     string
	Baseline *uint32
	Last     *uint32
}

// ReportEntry is one row of the final classification, in the schema the
// ReportWriter serializes to JSON.
type ReportEntry struct {
	Name        string
	Status      Status
	EtalonCRC32 uint32
	ResultCRC32 uint32
}

// Snapshot is the in-memory baseline plus the most recent observation pass.
// It has exactly one baseline installation and any number of subsequent
// observations. A Snapshot is not safe for concurrent use; the ScanScheduler
// is the sole owner and accesses it from a single goroutine.
type Snapshot struct {
	order             []string
	entries           map[string]*FileEntry
	baselineInstalled bool
}

// NewSnapshot returns an empty Snapshot, ready for InstallBaseline.
func NewSnapshot() *Snapshot {
	return &Snapshot{entries: make(map[string]*FileEntry)}
}

// InstallBaseline populates the baseline checksum of every entry in obs. It
// must be called exactly once, before any ApplyObservation call. Order of
// obs is preserved as the Snapshot's first-observation order.
func (s *Snapshot) InstallBaseline(obs []Observation) error {
	if s.baselineInstalled {
		return ErrAlreadyInitialized
	}
	s.baselineInstalled = true

	for _, o := range obs {
		crc := o.CRC32
		s.order = append(s.order, o.Name)
		s.entries[o.Name] = &FileEntry{Name: o.Name, Baseline: &crc}
	}
	return nil
}

// ApplyObservation folds the result of one re-scan into the Snapshot. For
// each (name, crc) pair in obs: if the name is already tracked, its Last
// checksum is updated; otherwise a new FileEntry is appended with an
// undefined Baseline (a NEW file) in first-observation order. Any
// previously-tracked entry whose name does not appear in obs has its Last
// checksum cleared (it is ABSENT until — if ever — it reappears).
func (s *Snapshot) ApplyObservation(obs []Observation) {
	seen := make(map[string]struct{}, len(obs))

	for _, o := range obs {
		crc := o.CRC32
		seen[o.Name] = struct{}{}

		entry, ok := s.entries[o.Name]
		if !ok {
			entry = &FileEntry{Name: o.Name}
			s.entries[o.Name] = entry
			s.order = append(s.order, o.Name)
		}
		entry.Last = &crc
	}

	for name, entry := range s.entries {
		if _, ok := seen[name]; !ok {
			entry.Last = nil
		}
	}
}

// Classify produces the report: one ReportEntry per tracked filename, in
// first-observation order, with OK/FAIL/ABSENT/NEW status derived from
// whether each entry's Baseline and Last checksums are present and equal.
func (s *Snapshot) Classify() []ReportEntry {
	out := make([]ReportEntry, 0, len(s.order))

	for _, name := range s.order {
		entry := s.entries[name]
		out = append(out, classifyEntry(entry))
	}

	return out
}

func classifyEntry(e *FileEntry) ReportEntry {
	switch {
	case e.Baseline != nil && e.Last != nil && *e.Baseline == *e.Last:
		return ReportEntry{Name: e.Name, Status: StatusOK, EtalonCRC32: *e.Baseline, ResultCRC32: *e.Last}
	case e.Baseline != nil && e.Last != nil:
		return ReportEntry{Name: e.Name, Status: StatusFail, EtalonCRC32: *e.Baseline, ResultCRC32: *e.Last}
	case e.Baseline != nil && e.Last == nil:
		return ReportEntry{Name: e.Name, Status: StatusAbsent, EtalonCRC32: *e.Baseline, ResultCRC32: 0}
	case e.Last != nil: // Baseline == nil, Last != nil: NEW.
		return ReportEntry{Name: e.Name, Status: StatusNew, EtalonCRC32: 0, ResultCRC32: *e.Last}
	default:
		// Baseline == nil, Last == nil: a file observed as NEW in one
		// scan vanished again (e.g. the watched directory itself was
		// removed) before ever acquiring a baseline. Not classifiable
		// as any of the four defined statuses; reported as NEW with
		// both CRCs zero rather than panicking on a nil dereference.
		return ReportEntry{Name: e.Name, Status: StatusNew, EtalonCRC32: 0, ResultCRC32: 0}
	}
}
