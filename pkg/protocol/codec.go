package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

// MaxLineSize bounds a single message line, newline excluded.
const MaxLineSize = 64 * 1024

var (
	// ErrIncompleteLine means the stream ended before a newline arrived.
	ErrIncompleteLine = errors.New("protocol: stream closed before end of line")
	// ErrLineTooLong means no newline was found within MaxLineSize bytes.
	ErrLineTooLong = errors.New("protocol: line exceeds maximum size")
)

// Encoder writes messages as single-line JSON followed by one '\n'.
type Encoder struct {
	w io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode marshals v and writes it in a single Write call.
func (e *Encoder) Encode(v any) error {
	line, err := Marshal(v)
	if err != nil {
		return err
	}
	_, err = e.w.Write(line)
	return err
}

// Marshal returns the wire form of v: compact JSON with HTML escaping off,
// terminated by exactly one newline.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// json.Encoder appends the trailing '\n' itself.
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// LineReader splits a byte stream into newline-delimited messages.
type LineReader struct {
	r *bufio.Reader
}

func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{r: bufio.NewReader(r)}
}

// ReadLine returns the next message without its trailing newline.
// If the stream ends mid-line it returns the partial bytes and ErrIncompleteLine;
// if it ends on a line boundary it returns io.EOF.
func (lr *LineReader) ReadLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := lr.r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > MaxLineSize+1 {
			return line, ErrLineTooLong
		}

		switch {
		case err == nil:
			return line[:len(line)-1], nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(line) == 0 {
				return nil, io.EOF
			}
			return line, ErrIncompleteLine
		default:
			return line, err
		}
	}
}

// Buffered reports how many bytes have been read from the stream but not yet returned.
func (lr *LineReader) Buffered() int {
	return lr.r.Buffered()
}
