package kernel

import (
	"context"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/kernelhub/internal/apperror"
	"github.com/sakif/kernelhub/internal/kernel/protocol"
)

// Request is one pending execution. It is resolved exactly once, by the
// queue that holds it.
type Request struct {
	ID        string
	Code      string
	Submitted time.Time

	done chan struct{}
	resp *protocol.Response
	err  error
}

// NewRequest creates a request with a fresh correlation id.
func NewRequest(code string) *Request {
	return &Request{
		ID:        xid.New().String(),
		Code:      code,
		Submitted: time.Now(),
		done:      make(chan struct{}),
	}
}

// Wait blocks until the request is resolved or ctx is done. Cancelling ctx
// does not remove the request from its queue; its response is still
// consumed when it arrives so later requests keep their position.
func (r *Request) Wait(ctx context.Context) (*protocol.Response, error) {
	select {
	case <-r.done:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed once the request is resolved.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

func (r *Request) finish(resp *protocol.Response, err error) {
	r.resp, r.err = resp, err
	close(r.done)
}

// Queue is the FIFO of pending requests for one interpreter process.
//
// Responses are matched by correlation id when the interpreter echoes one,
// and positionally otherwise. Popping and resolving happen under one lock so
// no caller ever observes a popped-but-unresolved request.
type Queue struct {
	language string

	mu    sync.Mutex
	items []*Request
}

// NewQueue returns an empty queue for language.
func NewQueue(language string) *Queue {
	return &Queue{language: language}
}

// Push appends r to the tail.
func (q *Queue) Push(r *Request) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, r)
}

// Len returns the number of pending requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Remove drops r without resolving it. It reports whether r was queued.
func (q *Queue) Remove(r *Request) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item == r {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// Resolve hands a decoded response to the request it answers and reports
// whether one matched.
//
// A response without id resolves the head. A response with id resolves the
// request carrying that id; requests queued ahead of it lost their response
// and fail with a protocol error. An unknown id matches nothing.
func (q *Queue) Resolve(resp *protocol.Response) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return false
	}

	idx := 0
	if resp.ID != "" {
		idx = -1
		for i, item := range q.items {
			if item.ID == resp.ID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return false
		}
	}

	for _, skipped := range q.items[:idx] {
		skipped.finish(nil, apperror.Protocol(q.language, "no response received for request "+skipped.ID, nil))
	}
	target := q.items[idx]
	q.items = q.items[idx+1:]
	target.finish(resp, nil)
	return true
}

// FailHead fails the oldest request with err. It reports whether one was
// pending.
func (q *Queue) FailHead(err error) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return false
	}
	head := q.items[0]
	q.items = q.items[1:]
	head.finish(nil, err)
	return true
}

// FailAll fails every pending request with err and returns how many there
// were.
func (q *Queue) FailAll(err error) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	for _, item := range q.items {
		item.finish(nil, err)
	}
	q.items = nil
	return n
}
