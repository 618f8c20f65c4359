// Package jsonl reads and writes line-delimited JSON record streams.
package jsonl

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"

	"github.com/rotisserie/eris"

	"github.com/ppiankov/foodmap/internal/model"
)

// maxLineBytes caps a single record line. Longer lines are skipped as malformed.
const maxLineBytes = 4 << 20

// ErrLineTooLong is the LineError cause for a line over maxLineBytes
var ErrLineTooLong = eris.New("line exceeds 4 MiB")

// LineError reports a line that is not a JSON object. Callers skip the line
// and keep reading.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string {
	return eris.Wrapf(e.Err, "line %d", e.Line).Error()
}

func (e *LineError) Unwrap() error { return e.Err }

// Reader yields one record per non-blank line
type Reader struct {
	reader *bufio.Reader
	buf    []byte
	line   int
}

// NewReader creates a Reader over r
func NewReader(r io.Reader) *Reader {
	return &Reader{reader: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next record, a *LineError for a malformed line, or io.EOF
func (r *Reader) Next() (*model.Record, error) {
	for {
		line, tooLong, err := r.readLine()
		if err == io.EOF {
			return nil, io.EOF
		}
		if err != nil {
			return nil, eris.Wrapf(err, "read line %d", r.line+1)
		}
		r.line++

		if tooLong {
			return nil, &LineError{Line: r.line, Err: ErrLineTooLong}
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		rec, err := model.ParseRecord(line)
		if err != nil {
			return nil, &LineError{Line: r.line, Err: err}
		}
		return rec, nil
	}
}

// readLine returns the next line without its terminator. A line over
// maxLineBytes is read to its end and reported as too long.
func (r *Reader) readLine() ([]byte, bool, error) {
	r.buf = r.buf[:0]
	tooLong := false

	for {
		chunk, isPrefix, err := r.reader.ReadLine()
		if err != nil {
			return nil, false, err
		}

		if !tooLong {
			if len(r.buf)+len(chunk) > maxLineBytes {
				tooLong = true
				r.buf = r.buf[:0]
			} else {
				r.buf = append(r.buf, chunk...)
			}
		}
		if !isPrefix {
			return r.buf, tooLong, nil
		}
	}
}

// ReadAll reads every record, calling onMalformed for each skipped line
func ReadAll(r io.Reader, onMalformed func(*LineError)) ([]*model.Record, error) {
	reader := NewReader(r)

	var records []*model.Record
	for {
		rec, err := reader.Next()
		if err == io.EOF {
			return records, nil
		}

		var lineErr *LineError
		if errors.As(err, &lineErr) {
			if onMalformed != nil {
				onMalformed(lineErr)
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		records = append(records, rec)
	}
}

// Writer writes one JSON value per line
type Writer struct {
	w     *bufio.Writer
	count int
}

// NewWriter creates a Writer over w
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// WriteRecord writes a record's raw bytes followed by a newline
func (w *Writer) WriteRecord(rec *model.Record) error {
	return w.writeLine(rec.Raw())
}

// Write marshals v as a single line
func (w *Writer) Write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return eris.Wrap(err, "marshal record")
	}
	return w.writeLine(data)
}

func (w *Writer) writeLine(data []byte) error {
	if _, err := w.w.Write(data); err != nil {
		return eris.Wrap(err, "write record")
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return eris.Wrap(err, "write record")
	}
	w.count++
	return nil
}

// Count returns the number of records written
func (w *Writer) Count() int {
	return w.count
}

// Flush flushes buffered records to the underlying writer
func (w *Writer) Flush() error {
	if err := w.w.Flush(); err != nil {
		return eris.Wrap(err, "flush records")
	}
	return nil
}
