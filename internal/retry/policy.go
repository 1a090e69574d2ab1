package retry

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/SYSNET-LUMS/urlmeter/internal/domain"
)

// Limits holds the per-status-class attempt budgets.
type Limits struct {
	Max429 int
	Max403 int
}

// Decision is the outcome of evaluating one completed attempt. When Final is
// false, Delay says how long to wait before the next attempt.
type Decision struct {
	Final bool
	Delay time.Duration
	Note  string
}

const (
	backoffStep429 = 30 * time.Second
	backoffMax429  = 5 * time.Minute
)

// Decide evaluates one completed attempt. Only rate limiting (429) and soft
// blocking (403) are treated as transient; any other status, and every
// transport failure, is structural and final on the first attempt. The
// function is pure: no clock, no network, no shared state.
func Decide(outcome domain.FetchOutcome, attempt int, limits Limits) Decision {
	if outcome.Err != "" {
		return Decision{Final: true, Note: outcome.Err}
	}

	switch outcome.StatusCode {
	case http.StatusTooManyRequests:
		if attempt >= limits.Max429 {
			return Decision{
				Final: true,
				Note:  fmt.Sprintf("429 -> max retries exceeded (%d)", limits.Max429),
			}
		}
		d := delay429(outcome.Headers, attempt)
		return Decision{
			Delay: d,
			Note:  fmt.Sprintf("429 -> retry after %s (attempt %d/%d)", d, attempt, limits.Max429),
		}

	case http.StatusForbidden:
		if attempt >= limits.Max403 {
			return Decision{
				Final: true,
				Note:  fmt.Sprintf("403 -> max retries exceeded (%d)", limits.Max403),
			}
		}
		d := time.Duration(2<<(attempt-1)) * time.Second
		return Decision{
			Delay: d,
			Note:  fmt.Sprintf("403 -> exponential backoff %s (attempt %d/%d)", d, attempt, limits.Max403),
		}
	}

	return Decision{Final: true}
}

// delay429 honors a parseable nonnegative Retry-After hint, otherwise backs
// off linearly, capped at five minutes.
func delay429(headers map[string]string, attempt int) time.Duration {
	if ra, ok := headers["retry-after"]; ok {
		if secs, err := strconv.ParseFloat(strings.TrimSpace(ra), 64); err == nil && secs >= 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	d := time.Duration(attempt) * backoffStep429
	if d > backoffMax429 {
		d = backoffMax429
	}
	return d
}
