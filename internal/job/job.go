// Package job implements the Job Aggregator (§4.7): one instance per
// inbound HTTP request, holding partial results for a (possibly
// multi-link) request and flushing the response once every link is
// resolved, errored, or out of retries.
package job

import (
	"sync"

	"github.com/google/uuid"

	"inspectd/internal/inspectlink"
	"inspectd/internal/item"
)

// Status is the per-entry resolution state.
type Status int

const (
	Pending Status = iota
	Ok
	Err
)

// entry is one (link, optional submitted price, state) triple keyed by
// asset id (§4.7).
type entry struct {
	link  inspectlink.Link
	price *uint64
	state Status
	item  item.Decorated
	err   error
}

// Job aggregates the entries of one inbound HTTP request (§3 Job, §4.7).
type Job struct {
	ID       uuid.UUID
	CallerIP string
	Bulk     bool

	mu      sync.Mutex
	order   []string // asset ids, insertion order
	entries map[string]*entry
	flushed bool
	doneCh  chan struct{}
}

// New creates an empty Job for one HTTP request.
func New(callerIP string, bulk bool) *Job {
	return &Job{
		ID:       uuid.New(),
		CallerIP: callerIP,
		Bulk:     bulk,
		entries:  make(map[string]*entry),
		doneCh:   make(chan struct{}),
	}
}

// Add registers one link to be resolved under this job.
func (j *Job) Add(link inspectlink.Link, price *uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, exists := j.entries[link.A]; exists {
		return
	}
	j.order = append(j.order, link.A)
	j.entries[link.A] = &entry{link: link, price: price, state: Pending}
}

// GetRemainingLinks returns the links still Pending, in insertion order.
func (j *Job) GetRemainingLinks() []inspectlink.Link {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]inspectlink.Link, 0, len(j.order))
	for _, a := range j.order {
		e := j.entries[a]
		if e.state == Pending {
			out = append(out, e.link)
		}
	}
	return out
}

// GetLink returns the link registered for asset id a, if any.
func (j *Job) GetLink(a string) (inspectlink.Link, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	e, ok := j.entries[a]
	if !ok {
		return inspectlink.Link{}, false
	}
	return e.link, true
}

// Price returns the submitted price for asset id a, if any (§3
// PriceSubmission).
func (j *Job) Price(a string) *uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	e, ok := j.entries[a]
	if !ok {
		return nil
	}
	return e.price
}

// SetResponse resolves one entry successfully. If this was the last
// Pending entry, the job becomes terminal and Done() unblocks.
func (j *Job) SetResponse(a string, it item.Decorated) {
	j.mu.Lock()
	defer j.mu.Unlock()
	e, ok := j.entries[a]
	if !ok || e.state != Pending {
		return
	}
	e.state = Ok
	e.item = it
	j.maybeFlushLocked()
}

// SetResponseErr resolves one entry with a terminal error (e.g.
// TTLExceeded, §7).
func (j *Job) SetResponseErr(a string, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	e, ok := j.entries[a]
	if !ok || e.state != Pending {
		return
	}
	e.state = Err
	e.err = err
	j.maybeFlushLocked()
}

// SetResponseRemaining fills every still-Pending entry with err — used at
// admission time for fleet-wide failures such as SteamOffline (§7).
func (j *Job) SetResponseRemaining(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, a := range j.order {
		e := j.entries[a]
		if e.state == Pending {
			e.state = Err
			e.err = err
		}
	}
	j.maybeFlushLocked()
}

// RemainingSize reports how many entries are still Pending.
func (j *Job) RemainingSize() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, a := range j.order {
		if j.entries[a].state == Pending {
			n++
		}
	}
	return n
}

func (j *Job) maybeFlushLocked() {
	if j.flushed {
		return
	}
	for _, a := range j.order {
		if j.entries[a].state == Pending {
			return
		}
	}
	j.flushed = true
	close(j.doneCh)
}

// Done returns a channel closed exactly once, when the job becomes
// terminal (no entry Pending).
func (j *Job) Done() <-chan struct{} {
	return j.doneCh
}

// Result is one resolved entry, used by the HTTP layer to build the final
// response body (§6.1: a bare object for single-link, an array for bulk).
type Result struct {
	AssetID string
	Item    item.Decorated
	Err     error
}

// Results returns every entry's terminal result in insertion order. It
// must only be called after Done() has unblocked.
func (j *Job) Results() []Result {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]Result, 0, len(j.order))
	for _, a := range j.order {
		e := j.entries[a]
		out = append(out, Result{AssetID: a, Item: e.item, Err: e.err})
	}
	return out
}
