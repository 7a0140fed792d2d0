package metrics

import (
	"encoding/csv"
	"io"
	"math"
	"os"
	"sort"
	"strconv"

	"github.com/pkg/errors"
)

// StatisticsWriter appends one CSV row of named values per epoch. An existing
// file keeps its header; a new file gets the configured columns, or the sorted
// keys of the first row when none were configured.
type StatisticsWriter struct {
	path    string
	columns []string
	ready   bool
}

// NewStatisticsWriter targets path; nothing is written until Append.
func NewStatisticsWriter(path string, columns ...string) *StatisticsWriter {
	return &StatisticsWriter{path: path, columns: append([]string(nil), columns...)}
}

// Columns is the value columns rows are written with, after the epoch column.
// It is empty until the first Append.
func (s *StatisticsWriter) Columns() []string {
	return s.columns
}

// Append writes the epoch row. Missing and NaN values are left empty and
// values without a column are dropped.
func (s *StatisticsWriter) Append(epoch int, values map[string]float64) error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, "open statistics")
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if !s.ready {
		header, err := csv.NewReader(f).Read()
		switch {
		case err == io.EOF:
			if len(s.columns) == 0 {
				for k := range values {
					s.columns = append(s.columns, k)
				}
				sort.Strings(s.columns)
			}
			if err := w.Write(append([]string{"epoch"}, s.columns...)); err != nil {
				return errors.Wrap(err, "write statistics header")
			}
		case err != nil:
			return errors.Wrapf(err, "read statistics header %s", s.path)
		case len(header) == 0 || header[0] != "epoch":
			return errors.Errorf("statistics %s: header %v does not start with epoch", s.path, header)
		default:
			s.columns = header[1:]
		}
		s.ready = true
	}

	row := []string{strconv.Itoa(epoch)}
	for _, c := range s.columns {
		v, ok := values[c]
		if !ok || math.IsNaN(v) {
			row = append(row, "")
			continue
		}
		row = append(row, strconv.FormatFloat(v, 'g', 6, 64))
	}
	if err := w.Write(row); err != nil {
		return errors.Wrap(err, "write statistics row")
	}
	w.Flush()
	return errors.Wrap(w.Error(), "flush statistics")
}
