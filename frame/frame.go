// Package frame implements the u16 length-prefixed framing carried on tunnel streams.
package frame

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxPayload is the largest payload a single frame can carry.
const MaxPayload = 65535

const (
	headerLen = 2

	// Same limit bufio uses before giving up on a reader that never advances.
	maxConsecutiveEmptyReads = 100
)

var ErrFrameTooLarge = errors.New("frame payload exceeds 65535 bytes")

type readState uint8

const (
	awaitingLength readState = iota
	awaitingPayload
)

// Reader splits a byte stream into length-prefixed frames.
//
// Partial reads are accumulated across calls, so a Read that fails with a
// transient error (a read deadline, for example) can simply be retried and
// the current frame resumes where it stopped. The returned slice aliases the
// internal buffer and is only valid until the next call to Read.
type Reader struct {
	r     io.Reader
	buf   []byte
	state readState

	// remaining counts bytes still missing for the current state; total is
	// the payload length once the prefix has been read.
	remaining int
	total     int
}

func NewReader(r io.Reader) *Reader {
	return &Reader{
		r:         r,
		buf:       make([]byte, MaxPayload),
		state:     awaitingLength,
		remaining: headerLen,
	}
}

// Read returns the next complete frame.
//
// io.EOF is returned only when the stream ends exactly on a frame boundary.
// If any byte of the next frame was already buffered the result is
// io.ErrUnexpectedEOF instead.
func (fr *Reader) Read() ([]byte, error) {
	empty := 0
	for {
		var dst []byte
		switch fr.state {
		case awaitingLength:
			dst = fr.buf[headerLen-fr.remaining : headerLen]
		case awaitingPayload:
			dst = fr.buf[fr.total-fr.remaining : fr.total]
		}

		n, err := fr.r.Read(dst)
		if n > 0 {
			empty = 0
			if msg, done := fr.advance(n); done {
				// Data first: a reader may hand back the last bytes together
				// with io.EOF, and the error will show up again on the next call.
				return msg, nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if fr.Pending() == 0 {
					return nil, io.EOF
				}
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if n == 0 {
			empty++
			if empty >= maxConsecutiveEmptyReads {
				return nil, io.ErrNoProgress
			}
		}
	}
}

// advance consumes n freshly read bytes and reports whether a frame is done.
func (fr *Reader) advance(n int) ([]byte, bool) {
	fr.remaining -= n
	if fr.remaining > 0 {
		return nil, false
	}
	switch fr.state {
	case awaitingLength:
		length := int(binary.BigEndian.Uint16(fr.buf[:headerLen]))
		if length == 0 {
			fr.reset()
			return fr.buf[:0], true
		}
		fr.state = awaitingPayload
		fr.remaining = length
		fr.total = length
		return nil, false
	default:
		total := fr.total
		fr.reset()
		return fr.buf[:total], true
	}
}

func (fr *Reader) reset() {
	fr.state = awaitingLength
	fr.remaining = headerLen
	fr.total = 0
}

// Pending reports how many bytes of the next frame are already buffered.
func (fr *Reader) Pending() int {
	switch fr.state {
	case awaitingLength:
		return headerLen - fr.remaining
	default:
		return headerLen + fr.total - fr.remaining
	}
}

// Writer encodes frames onto a stream. Every WriteFrame is flushed before it
// returns, so a frame never sits half written in a local buffer.
type Writer struct {
	bw *bufio.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{bw: bufio.NewWriterSize(w, headerLen+MaxPayload)}
}

// WriteFrame writes p as one frame. After an error the underlying connection
// must be discarded; the stream may hold a partial frame.
func (fw *Writer) WriteFrame(p []byte) error {
	if len(p) > MaxPayload {
		return fmt.Errorf("write frame of %d bytes: %w", len(p), ErrFrameTooLarge)
	}
	var hdr [headerLen]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(p)))
	if _, err := fw.bw.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := fw.bw.Write(p); err != nil {
		return err
	}
	return fw.bw.Flush()
}

// AppendFrame appends the wire form of p to dst.
func AppendFrame(dst, p []byte) ([]byte, error) {
	if len(p) > MaxPayload {
		return dst, fmt.Errorf("append frame of %d bytes: %w", len(p), ErrFrameTooLarge)
	}
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(p)))
	return append(dst, p...), nil
}
