// ABOUTME: Incremental SSE frame decoder for the chat stream
// ABOUTME: Buffers arbitrary byte splits and yields events only for complete frames

package stream

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// Decoder turns a byte stream into events. Input may be split anywhere,
// including inside a multi-byte character or between \r and \n.
type Decoder struct {
	buf     []byte
	data    [][]byte // data lines of the frame being assembled
	skipped int
	logger  *slog.Logger
}

// NewDecoder creates a Decoder. A nil logger uses slog.Default().
func NewDecoder(logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{logger: logger.With("component", "stream.decoder")}
}

// Feed consumes p and returns the events of every frame it completed.
// Frames with an unknown type are skipped. A malformed frame stops decoding
// and is returned as an error together with the events decoded before it.
func (d *Decoder) Feed(p []byte) ([]Event, error) {
	d.buf = append(d.buf, p...)

	var events []Event
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := d.buf[:i]
		d.buf = d.buf[i+1:]
		line = bytes.TrimSuffix(line, []byte{'\r'})

		if len(line) == 0 {
			ev, err := d.dispatch()
			if err != nil {
				return events, err
			}
			if ev != nil {
				events = append(events, ev)
			}
			continue
		}

		d.field(line)
	}

	// Keep the remainder in a fresh slice so the consumed prefix can be collected.
	if len(d.buf) > 0 {
		d.buf = append([]byte(nil), d.buf...)
	} else {
		d.buf = nil
	}
	return events, nil
}

// Skipped returns how many well-formed frames carried an unknown type.
func (d *Decoder) Skipped() int {
	return d.skipped
}

func (d *Decoder) field(line []byte) {
	if line[0] == ':' {
		return // comment / keepalive
	}

	// A line with no colon is a field name with an empty value.
	name, value, _ := bytes.Cut(line, []byte{':'})
	if !bytes.Equal(name, []byte("data")) {
		return // event:, id:, retry: carry nothing we use
	}
	value = bytes.TrimPrefix(value, []byte{' '})
	d.data = append(d.data, append([]byte(nil), value...))
}

func (d *Decoder) dispatch() (Event, error) {
	if len(d.data) == 0 {
		return nil, nil
	}
	payload := bytes.Join(d.data, []byte{'\n'})
	d.data = nil

	ev, err := ParsePayload(payload)
	if errors.Is(err, ErrUnknownEvent) {
		d.skipped++
		d.logger.Warn("skipping frame with unknown type", "error", err)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// ReadAll decodes r until EOF, calling fn for each event in order. It stops
// early when fn returns an error and returns that error.
func ReadAll(r io.Reader, dec *Decoder, fn func(Event) error) error {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			events, decErr := dec.Feed(buf[:n])
			for _, ev := range events {
				if ferr := fn(ev); ferr != nil {
					return ferr
				}
			}
			if decErr != nil {
				return decErr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading stream: %w", err)
		}
	}
}
