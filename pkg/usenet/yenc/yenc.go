// Package yenc decodes the yEnc binary-to-text wire format used for
// Usenet article bodies: a single escape byte ('=') and a modular
// subtraction, framed by =ybegin/=ypart/=yend marker lines.
package yenc

import (
	"bytes"
	"errors"
	"io"

	"github.com/javi11/rapidyenc"
)

// crlfReader normalizes lone LF line endings to CRLF before handing the
// stream to rapidyenc, which expects CRLF. Some NNTP peers send bare LF.
type crlfReader struct {
	r    io.Reader
	buf  []byte
	last byte
	off  int
}

func (c *crlfReader) Read(p []byte) (int, error) {
	out := 0
	for out < len(p) {
		if c.off < len(c.buf) {
			b := c.buf[c.off]
			c.off++
			if b == '\n' && c.last != '\r' {
				p[out] = '\r'
				out++
				c.last = '\r'
				if out >= len(p) {
					c.off--
					return out, nil
				}
			}
			p[out] = b
			out++
			c.last = b
			continue
		}
		c.buf = make([]byte, 4096)
		n, err := c.r.Read(c.buf)
		c.buf = c.buf[:n]
		c.off = 0
		if n == 0 {
			return out, err
		}
	}
	return out, nil
}

func normalizeCRLF(r io.Reader) io.Reader { return &crlfReader{r: r} }

// Frame is one decoded article body: the raw payload bytes and the
// filename carried in the =ybegin header.
type Frame struct {
	Data     []byte
	FileName string
}

// Decode decodes r (a raw NNTP article body, still yEnc-wrapped) into
// its payload bytes, stripping the =ybegin/=ypart/=yend marker lines.
func Decode(r io.Reader) (*Frame, error) {
	dec := rapidyenc.NewDecoder(normalizeCRLF(r))
	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, dec); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return &Frame{Data: buf.Bytes(), FileName: dec.Meta.FileName}, nil
}
