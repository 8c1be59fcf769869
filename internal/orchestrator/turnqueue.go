package orchestrator

import "sync"

// turnQueue is the turn-level queue called for by the concurrency model: it
// orders the commit step (the final assistant-message append) of turns on
// the same session without requiring a lock held across the provider
// streaming call in between. A turn joins the queue the instant its user
// message is appended; it is released to commit only once every turn that
// joined before it has finished committing, so the session log always
// reflects the order user messages arrived, regardless of which provider
// call happens to finish streaming first.
type turnQueue struct {
	mu   sync.Mutex
	tail map[string]chan struct{}
}

func newTurnQueue() *turnQueue {
	return &turnQueue{tail: make(map[string]chan struct{})}
}

// join claims a place in sessionID's commit order. ready closes once it is
// this turn's turn to commit. release must be called exactly once -- on
// every path, success or failure -- to let the next turn in line proceed;
// calling it more than once is a no-op.
func (q *turnQueue) join(sessionID string) (ready <-chan struct{}, release func()) {
	q.mu.Lock()
	defer q.mu.Unlock()

	done := make(chan struct{})
	prev, waiting := q.tail[sessionID]
	q.tail[sessionID] = done

	gate := make(chan struct{})
	if !waiting {
		close(gate)
	} else {
		go func() {
			<-prev
			close(gate)
		}()
	}

	var once sync.Once
	release = func() {
		once.Do(func() {
			// A turn released before its own gate opens (an early failure)
			// still passes its place on only after every earlier turn is done.
			finish := func() {
				close(done)
				q.mu.Lock()
				if q.tail[sessionID] == done {
					delete(q.tail, sessionID)
				}
				q.mu.Unlock()
			}
			select {
			case <-gate:
				finish()
			default:
				go func() {
					<-gate
					finish()
				}()
			}
		})
	}
	return gate, release
}
