package session

// scrollback keeps the most recent output of a session, bounded to limit
// bytes. It is not safe for concurrent use; Session guards it with its mutex.
type scrollback struct {
	limit int
	data  []byte
}

func newScrollback(limit int) *scrollback {
	if limit <= 0 {
		return nil
	}
	return &scrollback{limit: limit, data: make([]byte, 0, min(limit, 4096))}
}

func (b *scrollback) write(p []byte) {
	if len(p) >= b.limit {
		b.data = append(b.data[:0], p[len(p)-b.limit:]...)
		return
	}
	if overflow := len(b.data) + len(p) - b.limit; overflow > 0 {
		// Shift in place rather than reslicing so the backing array stays bounded.
		n := copy(b.data, b.data[overflow:])
		b.data = b.data[:n]
	}
	b.data = append(b.data, p...)
}

func (b *scrollback) snapshot() []byte {
	if len(b.data) == 0 {
		return nil
	}
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}
