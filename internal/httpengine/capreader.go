package httpengine

import (
	"fmt"
	"io"
)

// capReader wraps a connection's Read so request-line-plus-header parsing
// cannot be tricked into unbounded memory growth by a client that never
// sends a blank line. The cap applies only while armed; callers disarm it
// once http.ReadRequest has returned so the (potentially large) body isn't
// bounded by the same limit.
type capReader struct {
	r     io.Reader
	limit int
	read  int
	armed bool
}

func newCapReader(r io.Reader, limit int) *capReader {
	return &capReader{r: r, limit: limit, armed: true}
}

// disarm lifts the cap once header parsing has completed.
func (c *capReader) disarm() { c.armed = false }

func (c *capReader) Read(p []byte) (int, error) {
	if c.armed && c.read >= c.limit {
		return 0, fmt.Errorf("httpengine: request header exceeded %d bytes", c.limit)
	}
	if c.armed && c.read+len(p) > c.limit {
		p = p[:c.limit-c.read]
	}
	n, err := c.r.Read(p)
	if c.armed {
		c.read += n
	}
	return n, err
}
