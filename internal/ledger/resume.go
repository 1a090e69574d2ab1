package ledger

import (
	"bufio"
	"os"
	"strings"

	"github.com/SYSNET-LUMS/urlmeter/internal/domain"
)

// jobResultMarker is what every per-attempt log line carries; see the engine's
// attempt logging. The log is the fallback resume source when the ledger
// itself lost rows to a crash before flush.
const jobResultMarker = "job result: "

// LoadLogResults scans a diagnostic log for final attempt lines of the form
//
//	job result: <group> :: <url> :: attempt=N status=S bytes=B final=true ...
//
// and returns the pairs found. A missing or unreadable log yields an empty
// set, never an error.
func LoadLogResults(path string) map[domain.Pair]struct{} {
	done := make(map[domain.Pair]struct{})
	if path == "" {
		return done
	}
	f, err := os.Open(path)
	if err != nil {
		return done
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		i := strings.Index(line, jobResultMarker)
		if i < 0 {
			continue
		}
		rest := line[i+len(jobResultMarker):]
		parts := strings.SplitN(rest, " :: ", 3)
		if len(parts) < 3 {
			continue
		}
		if !strings.Contains(parts[2], "final=true") {
			continue
		}
		group := strings.TrimSpace(parts[0])
		url := strings.TrimSpace(parts[1])
		if group == "" || url == "" {
			continue
		}
		done[domain.Pair{GroupID: group, URL: url}] = struct{}{}
	}
	return done
}

// Union merges completed-pair sets from independent resume sources into one.
func Union(sets ...map[domain.Pair]struct{}) map[domain.Pair]struct{} {
	out := make(map[domain.Pair]struct{})
	for _, s := range sets {
		for p := range s {
			out[p] = struct{}{}
		}
	}
	return out
}
