// Package csvutil reads and writes CSV files exactly the way a
// CsvTableDescriptor tells the table service to parse them.
//
// encoding/csv cannot be used here: it has no escape character and always
// doubles quotes, while the table service honors a configurable escape
// character inside quoted fields.
package csvutil

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/arkilian/tablesync/pkg/types"
)

// delimiters are the runes of a validated descriptor.
type delimiters struct {
	sep, quote, esc rune
	lineEnd         string
}

func newDelimiters(d types.CsvTableDescriptor) (delimiters, error) {
	if err := d.Validate(); err != nil {
		return delimiters{}, err
	}
	sep, _ := utf8.DecodeRuneInString(d.Separator)
	quote, _ := utf8.DecodeRuneInString(d.QuoteCharacter)
	esc, _ := utf8.DecodeRuneInString(d.EscapeCharacter)
	return delimiters{sep: sep, quote: quote, esc: esc, lineEnd: d.LineEnd}, nil
}

// Writer writes records using the delimiters of a descriptor.
type Writer struct {
	w       *bufio.Writer
	d       delimiters
	special string
	written int64
	records int64
}

// NewWriter returns a writer for w. The descriptor must be valid.
func NewWriter(w io.Writer, desc types.CsvTableDescriptor) (*Writer, error) {
	d, err := newDelimiters(desc)
	if err != nil {
		return nil, err
	}
	return &Writer{
		w:       bufio.NewWriter(w),
		d:       d,
		special: string([]rune{d.sep, d.quote, d.esc, '\r', '\n'}),
	}, nil
}

// Write writes one record followed by the line terminator. Empty fields are
// written unquoted and read back by the service as NULL.
func (w *Writer) Write(record []string) error {
	var sb strings.Builder
	for i, field := range record {
		if i > 0 {
			sb.WriteRune(w.d.sep)
		}
		w.appendField(&sb, field)
	}
	sb.WriteString(w.d.lineEnd)
	n, err := w.w.WriteString(sb.String())
	w.written += int64(n)
	if err != nil {
		return fmt.Errorf("csvutil: write record %d: %w", w.records+1, err)
	}
	w.records++
	return nil
}

func (w *Writer) appendField(sb *strings.Builder, field string) {
	if field == "" || !w.needsQuotes(field) {
		sb.WriteString(field)
		return
	}
	sb.WriteRune(w.d.quote)
	for _, c := range field {
		if c == w.d.quote || c == w.d.esc {
			sb.WriteRune(w.d.esc)
		}
		sb.WriteRune(c)
	}
	sb.WriteRune(w.d.quote)
}

func (w *Writer) needsQuotes(field string) bool {
	if strings.ContainsAny(field, w.special) {
		return true
	}
	return field[0] == ' ' || field[len(field)-1] == ' '
}

// Flush writes any buffered data to the underlying writer.
func (w *Writer) Flush() error {
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("csvutil: flush: %w", err)
	}
	return nil
}

// Written returns the number of bytes written so far.
func (w *Writer) Written() int64 { return w.written }

// Records returns the number of records written so far.
func (w *Writer) Records() int64 { return w.records }
