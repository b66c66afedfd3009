package changefeed

// Cursor is the adapter's position in a change feed: the last continuation
// token, the mode it belongs to, and the subscription in flight. Cursors
// are values; the adapter replaces its cursor instead of mutating it.
type Cursor struct {
	Token   []byte
	Mode    Mode
	pending *Future
}

// Pending reports whether a subscription is outstanding.
func (c Cursor) Pending() bool { return c.pending != nil }

func (c Cursor) withPending(f *Future) Cursor {
	return Cursor{Token: c.Token, Mode: c.Mode, pending: f}
}

func (c Cursor) withToken(token []byte) Cursor {
	if len(token) == 0 {
		return c
	}
	return Cursor{Token: append([]byte(nil), token...), Mode: c.Mode, pending: c.pending}
}

func (c Cursor) idle() Cursor {
	return Cursor{Token: c.Token, Mode: c.Mode}
}
