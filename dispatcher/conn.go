package dispatcher

import (
	"bufio"
	"io"

	"github.com/mshaverdo/cachekv/store"
)

// Conn is the dispatcher's view of one connection: an opaque subscriber
// handle plus the buffered writer its responses and published messages go
// to. The host mints the handle and owns the underlying socket; the
// dispatcher never sees more than io.Writer.
type Conn struct {
	Handle store.SubscriberHandle
	w      *bufio.Writer
}

// NewConn wraps w for handle. The host is expected to keep one Conn per
// live connection and discard it on disconnect.
func NewConn(handle store.SubscriberHandle, w io.Writer) *Conn {
	return &Conn{Handle: handle, w: bufio.NewWriter(w)}
}
