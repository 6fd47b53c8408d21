package gateway

import "sync"

type replayItem struct {
	seq int64
	msg []byte
}

// ReplayRing keeps the last N envelopes of one channel in sequence order so
// clients that reconnect can catch up without a full refresh.
type ReplayRing struct {
	mu    sync.RWMutex
	items []replayItem
	next  int
	size  int
}

func NewReplayRing(capacity int) *ReplayRing {
	if capacity <= 0 {
		capacity = replayDepth
	}
	return &ReplayRing{items: make([]replayItem, capacity)}
}

// Push stores msg under seq, evicting the oldest entry when full. msg is
// shared with the clients it was sent to and must not be modified afterwards.
func (r *ReplayRing) Push(seq int64, msg []byte) {
	r.mu.Lock()
	r.items[r.next] = replayItem{seq: seq, msg: msg}
	r.next = (r.next + 1) % len(r.items)
	if r.size < len(r.items) {
		r.size++
	}
	r.mu.Unlock()
}

// Since returns envelopes with seq > since, oldest first.
func (r *ReplayRing) Since(since int64) [][]byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([][]byte, 0)
	start := (r.next - r.size + len(r.items)) % len(r.items)
	for i := 0; i < r.size; i++ {
		it := r.items[(start+i)%len(r.items)]
		if it.seq > since {
			out = append(out, it.msg)
		}
	}
	return out
}

func (r *ReplayRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}
