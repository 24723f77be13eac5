package tracker

import (
	"sync"
	"time"
)

// State is where a mint is in the poll pipeline
type State string

const (
	StateIdle               State = "idle"
	StateFetchingSignatures State = "fetching_signatures"
	StateFetchingDetails    State = "fetching_details"
	StateDetecting          State = "detecting"
	StateEnriching          State = "enriching"
	StateDelivering         State = "delivering"
)

// MintStatus is the externally visible progress of one mint
type MintStatus struct {
	State     State     `json:"state"`
	LastPoll  time.Time `json:"last_poll"`
	LastError string    `json:"last_error,omitempty"`
	Delivered int64     `json:"delivered"`
}

type stateTable struct {
	mu    sync.RWMutex
	mints map[string]*MintStatus
}

func newStateTable() *stateTable {
	return &stateTable{mints: make(map[string]*MintStatus)}
}

func (t *stateTable) entry(mint string) *MintStatus {
	st, ok := t.mints[mint]
	if !ok {
		st = &MintStatus{State: StateIdle}
		t.mints[mint] = st
	}
	return st
}

func (t *stateTable) set(mint string, s State) {
	t.mu.Lock()
	t.entry(mint).State = s
	t.mu.Unlock()
}

func (t *stateTable) polled(mint string, at time.Time, errMsg string) {
	t.mu.Lock()
	st := t.entry(mint)
	st.LastPoll = at
	st.LastError = errMsg
	t.mu.Unlock()
}

func (t *stateTable) delivered(mint string) {
	t.mu.Lock()
	t.entry(mint).Delivered++
	t.mu.Unlock()
}

// retain drops mints that are no longer tracked
func (t *stateTable) retain(mints []string) {
	keep := make(map[string]struct{}, len(mints))
	for _, m := range mints {
		keep[m] = struct{}{}
	}

	t.mu.Lock()
	for m := range t.mints {
		if _, ok := keep[m]; !ok {
			delete(t.mints, m)
		}
	}
	t.mu.Unlock()
}

func (t *stateTable) snapshot() map[string]MintStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]MintStatus, len(t.mints))
	for m, st := range t.mints {
		out[m] = *st
	}
	return out
}
