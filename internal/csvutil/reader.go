package csvutil

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/arkilian/tablesync/pkg/types"
)

// ErrUnterminatedQuote is returned when the input ends inside a quoted field.
var ErrUnterminatedQuote = errors.New("csvutil: unterminated quoted field")

// RecordReader reads whole CSV records. A record ends at a line feed outside
// of a quoted field, so quoted newlines never split a record.
type RecordReader struct {
	r       *bufio.Reader
	d       delimiters
	buf     []byte
	records int64
}

// NewRecordReader returns a record reader for r. The descriptor must be valid.
func NewRecordReader(r io.Reader, desc types.CsvTableDescriptor) (*RecordReader, error) {
	d, err := newDelimiters(desc)
	if err != nil {
		return nil, err
	}
	return &RecordReader{r: bufio.NewReaderSize(r, 64*1024), d: d}, nil
}

// Next returns the raw bytes of the next record including its line
// terminator. The final record may lack a terminator. The returned slice is
// only valid until the next call. Next returns io.EOF when no records remain.
func (r *RecordReader) Next() ([]byte, error) {
	r.buf = r.buf[:0]
	inQuotes := false
	escaped := false
	for {
		c, size, err := r.r.ReadRune()
		if err != nil {
			if errors.Is(err, io.EOF) && len(r.buf) > 0 {
				if inQuotes {
					return nil, fmt.Errorf("%w in record %d", ErrUnterminatedQuote, r.records+1)
				}
				r.records++
				return r.buf, nil
			}
			return nil, err
		}
		if c == utf8.RuneError && size == 1 {
			// Keep invalid bytes as they are.
			_ = r.r.UnreadRune()
			b, _ := r.r.ReadByte()
			r.buf = append(r.buf, b)
			escaped = false
			continue
		}
		r.buf = utf8.AppendRune(r.buf, c)
		switch {
		case escaped:
			escaped = false
		case c == r.d.esc:
			escaped = true
		case c == r.d.quote:
			inQuotes = !inQuotes
		case c == '\n' && !inQuotes:
			r.records++
			return r.buf, nil
		}
	}
}

// Read returns the fields of the next record.
func (r *RecordReader) Read() ([]string, error) {
	raw, err := r.Next()
	if err != nil {
		return nil, err
	}
	return r.Split(raw), nil
}

// Records returns the number of records read so far.
func (r *RecordReader) Records() int64 { return r.records }

// Split parses one raw record into fields.
func (r *RecordReader) Split(raw []byte) []string {
	return r.d.split(string(raw))
}

func (d delimiters) split(s string) []string {
	s = strings.TrimSuffix(s, "\n")
	s = strings.TrimSuffix(s, "\r")

	var fields []string
	var sb strings.Builder
	inQuotes := false
	escaped := false
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case escaped:
			sb.WriteRune(c)
			escaped = false
		case c == d.esc:
			escaped = true
		case c == d.quote:
			if inQuotes && i+1 < len(runes) && runes[i+1] == d.quote {
				sb.WriteRune(c)
				i++
				continue
			}
			inQuotes = !inQuotes
		case c == d.sep && !inQuotes:
			fields = append(fields, sb.String())
			sb.Reset()
		default:
			sb.WriteRune(c)
		}
	}
	return append(fields, sb.String())
}
