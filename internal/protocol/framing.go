// Package protocol defines the newline-delimited JSON wire format of the
// chat server: framing, the closed set of client requests, and the payloads
// the server sends back.
package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// ErrFrameTooLarge is returned when a document exceeds the reader's limit
// before a delimiter is seen. The stream cannot be resynchronized.
var ErrFrameTooLarge = errors.New("protocol: frame too large")

// Reader splits a byte stream into newline-delimited documents. Partial
// reads are buffered until a delimiter arrives, and several documents in
// one read are returned one at a time.
type Reader struct {
	br  *bufio.Reader
	max int
	buf []byte
}

// NewReader returns a Reader that rejects documents longer than max bytes.
func NewReader(r io.Reader, max int) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 64<<10), max: max}
}

// ReadFrame returns the next non-blank document without its delimiter.
// A final document without a trailing newline is returned before io.EOF.
// The slice is only valid until the next call.
func (r *Reader) ReadFrame() ([]byte, error) {
	for {
		r.buf = r.buf[:0]
		for {
			chunk, err := r.br.ReadSlice('\n')
			if len(r.buf)+len(chunk) > r.max+1 {
				return nil, ErrFrameTooLarge
			}
			r.buf = append(r.buf, chunk...)
			if err == nil {
				break
			}
			if errors.Is(err, bufio.ErrBufferFull) {
				continue
			}
			if errors.Is(err, io.EOF) && len(bytes.TrimSpace(r.buf)) > 0 {
				return bytes.TrimSpace(r.buf), nil
			}
			return nil, err
		}
		if line := bytes.TrimSpace(r.buf); len(line) > 0 {
			return line, nil
		}
	}
}

// WriteFrame writes payload followed by the delimiter in a single Write.
func WriteFrame(w io.Writer, payload []byte) error {
	frame := make([]byte, 0, len(payload)+1)
	frame = append(frame, payload...)
	frame = append(frame, '\n')
	_, err := w.Write(frame)
	return err
}
