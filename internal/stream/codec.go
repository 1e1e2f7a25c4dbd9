// Package stream encodes, decodes and classifies the newline-delimited
// canonical event stream.
package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/coswise/claude-code-by-agents/pkg/models"
)

// ContentType is the media type of the event stream.
const ContentType = "application/x-ndjson"

// MaxLineSize bounds a single encoded event.
const MaxLineSize = 10 * 1024 * 1024

// ErrLineTooLong is reported to the skip callback for lines over MaxLineSize.
var ErrLineTooLong = errors.New("line exceeds maximum size")

// Encoder writes one JSON object per line and flushes after each event
// when the underlying writer supports it.
type Encoder struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
}

// NewEncoder creates an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	enc := &Encoder{w: w}
	if f, ok := w.(http.Flusher); ok {
		enc.flusher = f
	}
	return enc
}

// Encode writes v followed by a newline.
func (e *Encoder) Encode(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	b = append(b, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.w.Write(b); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}

// Decoder reads canonical events from a newline-delimited stream.
// Malformed lines are skipped and counted.
type Decoder struct {
	r       *bufio.Reader
	skipped int
	onSkip  func(line []byte, err error)
}

// NewDecoder creates a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64*1024)}
}

// OnSkip registers a callback for dropped lines. The line slice is only
// valid during the call.
func (d *Decoder) OnSkip(fn func(line []byte, err error)) {
	d.onSkip = fn
}

// Skipped returns the number of malformed lines dropped so far.
func (d *Decoder) Skipped() int { return d.skipped }

// Next returns the next well-formed event. It returns io.EOF at the end of
// the stream.
func (d *Decoder) Next() (models.StreamEvent, error) {
	for {
		line, err := d.readLine()
		if len(line) > 0 {
			ev, perr := ParseEvent(line)
			if perr == nil {
				return ev, nil
			}
			d.skip(line, perr)
		}
		if err != nil {
			return models.StreamEvent{}, err
		}
	}
}

func (d *Decoder) skip(line []byte, err error) {
	d.skipped++
	if d.onSkip != nil {
		d.onSkip(line, err)
	}
}

// readLine returns the next non-blank line without its terminator. A final
// line without a newline is returned together with io.EOF.
func (d *Decoder) readLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, err := d.r.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > MaxLineSize {
			// Discard the rest of an oversized line.
			for errors.Is(err, bufio.ErrBufferFull) {
				_, err = d.r.ReadSlice('\n')
			}
			d.skip(buf, ErrLineTooLong)
			if err != nil {
				return nil, err
			}
			buf = buf[:0]
			continue
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		line := bytes.TrimSpace(buf)
		if err != nil {
			return line, err
		}
		if len(line) == 0 {
			buf = buf[:0]
			continue
		}
		return line, nil
	}
}

// ParseEvent decodes one line into a canonical event. Lines that are valid
// JSON but carry an unknown envelope type are rejected.
func ParseEvent(line []byte) (models.StreamEvent, error) {
	var ev models.StreamEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return models.StreamEvent{}, fmt.Errorf("unmarshal event: %w", err)
	}
	if !ev.Type.Valid() {
		return models.StreamEvent{}, fmt.Errorf("unknown event type %q", ev.Type)
	}
	return ev, nil
}
