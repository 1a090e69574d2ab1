package domain

import "time"

// WorkItem is one (group, URL) measurement to perform. The (GroupID, URL)
// pair is the identity used for de-duplication and resume; Attempt
// distinguishes retries of the same pair but does not affect identity.
type WorkItem struct {
	GroupID  string
	URL      string
	Attempt  int
	PromptID string
	Category string
	IsCited  bool
}

// Pair returns the resume/de-duplication identity of the item.
func (w WorkItem) Pair() Pair {
	return Pair{GroupID: w.GroupID, URL: w.URL}
}

// Pair identifies one unit of work across attempts and across runs.
type Pair struct {
	GroupID string
	URL     string
}

// Group is one logical source of work items, e.g. everything extracted from a
// single metadata file. Waves partition groups, never individual items.
type Group struct {
	ID    string
	Items []WorkItem
}

// FetchOutcome is the measured result of a single GET. Exactly one of
// {StatusCode+Bytes} or Err is meaningful: transport-level failures (DNS, TLS,
// reset, timeout) set Err and leave StatusCode zero.
type FetchOutcome struct {
	StatusCode int
	Bytes      int64
	Headers    map[string]string // lowercased header names
	Err        string
}

// AttemptResult is the evaluated outcome of one attempt. Final means no
// further attempts will happen for this pair in this run.
type AttemptResult struct {
	Item       WorkItem
	Outcome    FetchOutcome
	Final      bool
	Retry      bool
	RetryDelay time.Duration
	Note       string
}

// CompletionRecord is the persisted projection of an attempt. Rows with
// Final=true are authoritative for resume: once written, the pair is never
// fetched again unless the ledger is deleted.
type CompletionRecord struct {
	GroupID  string
	PromptID string
	Category string
	URL      string
	Status   int
	Bytes    int64
	IsCited  bool
	Note     string
	Attempt  int
	Final    bool
}

// SlotStatus is the visible state of one concurrency slot.
type SlotStatus int

const (
	SlotIdle SlotStatus = iota
	SlotWorking
)

// SlotState is what the progress view renders for one slot.
type SlotState struct {
	ID     int
	Status SlotStatus
	URL    string // set while Working
}
