package ledger

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/SYSNET-LUMS/urlmeter/internal/domain"
)

var csvHeader = []string{
	"group_id", "prompt_id", "category", "url",
	"http_status", "bytes", "is_cited", "note", "attempt", "final",
}

// CSVLedger appends attempt rows to a CSV file. The file is opened in append
// mode so previous runs are preserved; every row is flushed individually,
// which keeps the crash window to a single row.
type CSVLedger struct {
	mu   sync.Mutex
	f    *os.File
	w    *csv.Writer
	path string
}

// OpenCSV opens (or creates) the ledger file. The header is written only when
// the file is new.
func OpenCSV(path string) (*CSVLedger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	l := &CSVLedger{f: f, w: csv.NewWriter(f), path: path}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat ledger: %w", err)
	}
	if st.Size() == 0 {
		if err := l.w.Write(csvHeader); err != nil {
			f.Close()
			return nil, fmt.Errorf("write ledger header: %w", err)
		}
		l.w.Flush()
		if err := l.w.Error(); err != nil {
			f.Close()
			return nil, fmt.Errorf("flush ledger header: %w", err)
		}
	}
	return l, nil
}

// Append writes one attempt row. Completions race here, so the writer is held
// under the lock for write and flush.
func (l *CSVLedger) Append(_ context.Context, rec domain.CompletionRecord) error {
	status := ""
	if rec.Status != 0 {
		status = strconv.Itoa(rec.Status)
	}
	bytes := ""
	if rec.Status != 0 {
		bytes = strconv.FormatInt(rec.Bytes, 10)
	}
	row := []string{
		rec.GroupID, rec.PromptID, rec.Category, rec.URL,
		status, bytes,
		strconv.FormatBool(rec.IsCited), rec.Note,
		strconv.Itoa(rec.Attempt), strconv.FormatBool(rec.Final),
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.w.Write(row); err != nil {
		return fmt.Errorf("append ledger row: %w", err)
	}
	l.w.Flush()
	if err := l.w.Error(); err != nil {
		return fmt.Errorf("flush ledger row: %w", err)
	}
	return nil
}

// Completed reads the ledger back and returns every pair with a final row.
// Column positions are resolved from the header so the file survives column
// additions; rows too short to carry the needed columns are skipped.
func (l *CSVLedger) Completed(_ context.Context) (map[domain.Pair]struct{}, error) {
	done := make(map[domain.Pair]struct{})

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return done, nil
		}
		return nil, fmt.Errorf("open ledger for resume: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		// Empty or unreadable file: nothing completed yet.
		return done, nil
	}
	groupIdx := columnIndex(header, "group_id", 0)
	urlIdx := columnIndex(header, "url", 3)
	finalIdx := columnIndex(header, "final", len(header)-1)

	for {
		row, err := r.Read()
		if err != nil {
			break
		}
		if len(row) <= groupIdx || len(row) <= urlIdx || len(row) <= finalIdx {
			continue
		}
		if !parseFinal(row[finalIdx]) {
			continue
		}
		done[domain.Pair{GroupID: row[groupIdx], URL: row[urlIdx]}] = struct{}{}
	}
	return done, nil
}

// Close flushes and closes the underlying file.
func (l *CSVLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.w.Flush()
	if err := l.w.Error(); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}

func columnIndex(header []string, name string, fallback int) int {
	for i, h := range header {
		if h == name {
			return i
		}
	}
	return fallback
}

func parseFinal(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "1.0", "yes", "y":
		return true
	}
	return false
}
