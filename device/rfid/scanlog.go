/*
DESCRIPTION
  scanlog.go provides ScanLog, a CSV record of identity tag reads.

AUTHORS
  The Australian Ocean Laboratory (AusOcean)

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package rfid

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/ausocean/booth/booth"
)

// ScanLogHeader is the first row of a new scan log.
var ScanLogHeader = []string{"timestamp", "neo_id", "name", "role", "allegiance", "faction"}

// ScanLog appends scans to a CSV file.
type ScanLog struct {
	path string
	mu   sync.Mutex
}

// NewScanLog returns a ScanLog writing to path.
func NewScanLog(path string) *ScanLog { return &ScanLog{path: path} }

// Path returns the log file location.
func (s *ScanLog) Path() string { return s.path }

// Append adds a row for id scanned at t, writing the header first if the
// file is new.
func (s *ScanLog) Append(t time.Time, id booth.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.MkdirAll(filepath.Dir(s.path), 0o755)
	if err != nil {
		return errors.Wrap(err, "could not create scan log directory")
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "could not open scan log")
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return errors.Wrap(err, "could not stat scan log")
	}

	w := csv.NewWriter(f)
	if fi.Size() == 0 {
		w.Write(ScanLogHeader)
	}
	w.Write([]string{t.Format(time.RFC3339), id.ID, id.Name, id.Role, id.Affiliation, id.Faction})
	w.Flush()
	return errors.Wrap(w.Error(), "could not write scan log")
}
