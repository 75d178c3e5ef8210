package session

import "storyboard/pkg/types"

// changeLog keeps the newest records of a session in a fixed-size ring.
// Older records survive only in the durable store.
type changeLog struct {
	buf   []types.ChangeRecord
	start int
	n     int
}

func newChangeLog(capacity int) *changeLog {
	if capacity <= 0 {
		capacity = 1
	}
	return &changeLog{buf: make([]types.ChangeRecord, capacity)}
}

func (l *changeLog) append(rec types.ChangeRecord) {
	if l.n < len(l.buf) {
		l.buf[(l.start+l.n)%len(l.buf)] = rec
		l.n++
		return
	}
	l.buf[l.start] = rec
	l.start = (l.start + 1) % len(l.buf)
}

// last returns up to limit of the newest records, oldest first. A limit
// <= 0 returns everything retained.
func (l *changeLog) last(limit int) []types.ChangeRecord {
	if limit <= 0 || limit > l.n {
		limit = l.n
	}
	out := make([]types.ChangeRecord, limit)
	skip := l.n - limit
	for i := 0; i < limit; i++ {
		out[i] = l.buf[(l.start+skip+i)%len(l.buf)]
	}
	return out
}

func (l *changeLog) len() int { return l.n }

func (l *changeLog) capacity() int { return len(l.buf) }
