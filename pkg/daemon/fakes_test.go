package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/guido-cesarano/pollerd/pkg/message"
)

// fakeQueue is a scripted queue client recording every call. Workers
// call Delete concurrently with the test goroutine, hence the mutex.
type fakeQueue struct {
	mu sync.Mutex

	pending  []*message.Message
	receives int
	deletes  []string // receipt handles
	visibles []visibilityChange
	err      error
}

type visibilityChange struct {
	receipt    string
	visibility time.Duration
}

func (q *fakeQueue) Receive(ctx context.Context, visibility time.Duration) (*message.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.receives++
	if q.err != nil {
		return nil, q.err
	}
	if len(q.pending) == 0 {
		return nil, nil
	}
	msg := q.pending[0]
	q.pending = q.pending[1:]
	return msg, nil
}

func (q *fakeQueue) Delete(ctx context.Context, msg *message.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deletes = append(q.deletes, msg.ReceiptHandle)
	return nil
}

func (q *fakeQueue) ChangeVisibility(ctx context.Context, msg *message.Message, visibility time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.visibles = append(q.visibles, visibilityChange{receipt: msg.ReceiptHandle, visibility: visibility})
	return nil
}

func (q *fakeQueue) deleteCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.deletes)
}

func (q *fakeQueue) visibilityCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.visibles)
}

func (q *fakeQueue) receiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.receives
}

// fakeGuard records claims and releases; IDs in denied are treated as
// already claimed elsewhere.
type fakeGuard struct {
	mu sync.Mutex

	denied   map[string]bool
	claims   map[string]time.Duration // msg ID -> ttl used
	releases map[string]int
}

func newFakeGuard() *fakeGuard {
	return &fakeGuard{
		denied:   make(map[string]bool),
		claims:   make(map[string]time.Duration),
		releases: make(map[string]int),
	}
}

func (g *fakeGuard) Claim(ctx context.Context, msgID, body string, ttl time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.denied[msgID] {
		return false
	}
	g.claims[msgID] = ttl
	return true
}

func (g *fakeGuard) Release(ctx context.Context, msgID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.releases[msgID]++
}

func (g *fakeGuard) releaseCount(msgID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.releases[msgID]
}

func testMessage(id, body string) *message.Message {
	return &message.Message{
		ID:            id,
		Body:          body,
		ReceiptHandle: "receipt-" + id,
		Checksum:      message.BodyChecksum(body),
		ReceivedAt:    time.Now(),
	}
}

// waitFor polls cond for up to two seconds.
func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}
