package worker

import (
	"bufio"
	"encoding/csv"
	"io"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"file-batch-ingester/internal/models"
)

const (
	colExternalID = iota
	colName
	colValue
	colCategory
	colEventTs
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// Reader streams the records of one partition. Lines before the partition, and lines already
// committed by an earlier run, are skipped without being tokenized.
type Reader struct {
	f         *os.File
	br        *bufio.Reader
	delimiter string
	line      int64
	remaining int64
}

// OpenReader positions a reader on the first uncommitted line of part.
func OpenReader(part models.PartitionDescriptor, linesDone int64) (*Reader, error) {
	f, err := os.Open(part.FilePath)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", part.FilePath)
	}
	r := &Reader{
		f:         f,
		br:        bufio.NewReaderSize(f, 64*1024),
		delimiter: part.Delimiter,
		remaining: part.LineCount - linesDone,
	}
	if r.delimiter == "" {
		r.delimiter = models.DefaultDelimiter
	}
	skip := part.StartLine - 1 + linesDone
	for r.line < skip {
		if _, err := r.readLine(); err != nil {
			if errors.Is(err, io.EOF) {
				r.remaining = 0
				break
			}
			_ = f.Close()
			return nil, errors.Wrapf(err, "skip to line %d", skip+1)
		}
	}
	return r, nil
}

// Line is the number of the last line consumed.
func (r *Reader) Line() int64 { return r.line }

// Next returns the next record of the partition, io.EOF once the partition or the file is
// exhausted, or a *ParseError for a line that could not be mapped. A line is consumed even when
// it fails to parse.
func (r *Reader) Next() (models.RawRecord, error) {
	if r.remaining <= 0 {
		return models.RawRecord{}, io.EOF
	}
	text, err := r.readLine()
	if err != nil {
		if errors.Is(err, io.EOF) {
			r.remaining = 0
		}
		return models.RawRecord{}, err
	}
	r.remaining--

	fields, err := tokenize(text, r.delimiter)
	if err != nil {
		return models.RawRecord{}, &ParseError{Line: r.line, Err: err}
	}
	rec, err := mapRecord(fields)
	if err != nil {
		return models.RawRecord{}, &ParseError{Line: r.line, Err: err}
	}
	rec.Line = r.line
	return rec, nil
}

func (r *Reader) Close() error {
	return r.f.Close()
}

func (r *Reader) readLine() (string, error) {
	s, err := r.br.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && s != "" {
			err = nil
		} else {
			return "", err
		}
	}
	r.line++
	return strings.TrimRight(s, "\r\n"), nil
}

// tokenize splits one line. Missing and extra columns are tolerated.
func tokenize(line, delimiter string) ([]string, error) {
	if strings.TrimSpace(line) == "" {
		return nil, nil
	}
	comma, size := utf8.DecodeRuneInString(delimiter)
	if size != len(delimiter) || comma == '"' || comma == '\r' || comma == '\n' || comma == utf8.RuneError {
		return strings.Split(line, delimiter), nil
	}
	cr := csv.NewReader(strings.NewReader(line))
	cr.Comma = comma
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1
	fields, err := cr.Read()
	if err != nil {
		return nil, err
	}
	return fields, nil
}

func field(fields []string, i int) string {
	if i < len(fields) {
		return strings.TrimSpace(fields[i])
	}
	return ""
}

func mapRecord(fields []string) (models.RawRecord, error) {
	rec := models.RawRecord{
		ExternalID: field(fields, colExternalID),
		Name:       field(fields, colName),
		Category:   field(fields, colCategory),
	}
	if v := field(fields, colValue); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return models.RawRecord{}, errors.Wrapf(err, "value %q", v)
		}
		rec.Value = &d
	}
	if ts := field(fields, colEventTs); ts != "" {
		t, err := parseTimestamp(ts)
		if err != nil {
			return models.RawRecord{}, err
		}
		rec.EventTs = &t
	}
	return rec, nil
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.Errorf("eventTs %q is not a recognised timestamp", s)
}
