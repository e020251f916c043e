package feed

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fsnotify/fsnotify"
)

// SyntaxError reports a malformed line.
type SyntaxError struct {
	Line int
	Err  error
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("feed: line %d: %v", e.Line, e.Err)
}

func (e *SyntaxError) Unwrap() error {
	return e.Err
}

// Reader reads events from a JSON-lines stream.
type Reader struct {
	r       *bufio.Reader
	line    int
	pending []byte
}

// NewReader returns a reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the next event, or io.EOF at the end of the input. A final
// line without a newline is still returned.
func (r *Reader) Next() (Event, error) {
	return r.next(false)
}

// next reads one event. When follow is set a line without its newline is
// kept until the rest of it arrives.
func (r *Reader) next(follow bool) (Event, error) {
	for {
		chunk, err := r.r.ReadBytes('\n')
		r.pending = append(r.pending, chunk...)
		if err != nil && !errors.Is(err, io.EOF) {
			return Event{}, err
		}
		atEOF := err != nil
		if atEOF && (follow || len(r.pending) == 0) {
			return Event{}, io.EOF
		}

		line := bytes.TrimSpace(r.pending)
		r.pending = r.pending[:0]
		r.line++
		if len(line) == 0 || line[0] == '#' {
			if atEOF {
				return Event{}, io.EOF
			}
			continue
		}

		ev, err := Decode(line)
		if err != nil {
			return Event{}, &SyntaxError{Line: r.line, Err: err}
		}
		return ev, nil
	}
}

// ReadAll calls fn for every event in r. It stops at the first error.
func ReadAll(ctx context.Context, rd io.Reader, fn func(context.Context, Event) error) (int, error) {
	r := NewReader(rd)
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if err := fn(ctx, ev); err != nil {
			return n, err
		}
		n++
	}
}

// Follow calls fn for every event in the file at path and then waits for
// appended events until ctx is cancelled or the file is removed.
func Follow(ctx context.Context, path string, fn func(context.Context, Event) error) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("feed: open %s: %w", path, err)
	}
	defer f.Close()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return 0, fmt.Errorf("feed: watch %s: %w", path, err)
	}
	defer w.Close()
	if err := w.Add(path); err != nil {
		return 0, fmt.Errorf("feed: watch %s: %w", path, err)
	}

	r := NewReader(f)
	n := 0
	for {
		ev, err := r.next(true)
		if err == nil {
			if err := fn(ctx, ev); err != nil {
				return n, err
			}
			n++
			continue
		}
		if !errors.Is(err, io.EOF) {
			return n, err
		}

		select {
		case <-ctx.Done():
			return n, ctx.Err()
		case e, ok := <-w.Events:
			if !ok || e.Has(fsnotify.Remove) || e.Has(fsnotify.Rename) {
				return n, nil
			}
		case err, ok := <-w.Errors:
			if !ok {
				return n, nil
			}
			return n, fmt.Errorf("feed: watch %s: %w", path, err)
		}
	}
}
