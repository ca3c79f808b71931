package msh

import (
	"sync"

	"github.com/phax/phase4-sub011/pkg/mime"
	"github.com/phax/phase4-sub011/pkg/pmode"
)

// StagedMessage is an outgoing message waiting on an MPC for a pull
// request.
type StagedMessage struct {
	MessageID string
	Package   *mime.Package
}

// MPCQueue stages messages per message partition channel for pull-mode
// delivery. FIFO per channel.
type MPCQueue struct {
	mu     sync.Mutex
	queues map[string][]*StagedMessage
}

// NewMPCQueue creates an empty queue.
func NewMPCQueue() *MPCQueue {
	return &MPCQueue{queues: make(map[string][]*StagedMessage)}
}

func normalizeMPC(mpc string) string {
	if mpc == "" {
		return pmode.DefaultMPC
	}
	return mpc
}

// Stage appends a message to the channel.
func (q *MPCQueue) Stage(mpc string, msg *StagedMessage) {
	mpc = normalizeMPC(mpc)
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues[mpc] = append(q.queues[mpc], msg)
}

// Dequeue removes and returns the oldest staged message on the channel,
// or false when the channel is empty.
func (q *MPCQueue) Dequeue(mpc string) (*StagedMessage, bool) {
	mpc = normalizeMPC(mpc)
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := q.queues[mpc]
	if len(msgs) == 0 {
		return nil, false
	}
	msg := msgs[0]
	q.queues[mpc] = msgs[1:]
	return msg, true
}

// Len returns the number of staged messages on the channel.
func (q *MPCQueue) Len(mpc string) int {
	mpc = normalizeMPC(mpc)
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[mpc])
}
