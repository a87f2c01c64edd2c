// Package afl parses the artifacts AFL++ leaves behind in a fuzzing
// workdir: the plot_data progress file and the crash directory naming
// scheme.
package afl

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/cuemby/burrow/pkg/log"
)

// PlotDataFields is the AFL++ v4 plot_data schema, in file order.
var PlotDataFields = []string{
	"relative_time",
	"cycles_done",
	"cur_item",
	"corpus_count",
	"pending_total",
	"pending_favs",
	"map_size",
	"saved_crashes",
	"saved_hangs",
	"max_depth",
	"execs_per_sec",
	"total_execs",
	"edges_found",
}

// PlotDataRowV4 is one sample from an AFL++ v4 plot_data file.
type PlotDataRowV4 struct {
	RelativeTime uint64
	CyclesDone   uint64
	CurItem      uint64
	CorpusCount  uint64
	PendingTotal uint64
	PendingFavs  uint64
	MapSize      float64
	SavedCrashes uint64
	SavedHangs   uint64
	MaxDepth     uint64
	ExecsPerSec  float64
	TotalExecs   uint64
	EdgesFound   uint64
}

// Record renders the row back into CSV fields, in schema order.
func (r PlotDataRowV4) Record() []string {
	return []string{
		strconv.FormatUint(r.RelativeTime, 10),
		strconv.FormatUint(r.CyclesDone, 10),
		strconv.FormatUint(r.CurItem, 10),
		strconv.FormatUint(r.CorpusCount, 10),
		strconv.FormatUint(r.PendingTotal, 10),
		strconv.FormatUint(r.PendingFavs, 10),
		strconv.FormatFloat(r.MapSize, 'f', -1, 64),
		strconv.FormatUint(r.SavedCrashes, 10),
		strconv.FormatUint(r.SavedHangs, 10),
		strconv.FormatUint(r.MaxDepth, 10),
		strconv.FormatFloat(r.ExecsPerSec, 'f', -1, 64),
		strconv.FormatUint(r.TotalExecs, 10),
		strconv.FormatUint(r.EdgesFound, 10),
	}
}

// ParsePlotData reads plot_data samples, skipping the leading `#` header
// comment and trimming whitespace. Up to ten malformed rows are tolerated
// with a warning; more than that fails the parse.
func ParsePlotData(reader io.Reader) ([]PlotDataRowV4, error) {
	r := csv.NewReader(reader)
	r.Comment = '#'
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	logger := log.WithComponent("afl")
	var out []PlotDataRowV4
	totalErrors := 0
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading plot data: %w", err)
		}

		row, err := parseRow(record)
		if err != nil {
			totalErrors++
			logger.Warn().Err(err).Msg("plot_data parse error")
			if totalErrors > 10 {
				return nil, fmt.Errorf(">10 parse errors: %w", err)
			}
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

func parseRow(record []string) (PlotDataRowV4, error) {
	if len(record) != len(PlotDataFields) {
		return PlotDataRowV4{}, fmt.Errorf("expected %d fields, got %d", len(PlotDataFields), len(record))
	}
	for i := range record {
		record[i] = strings.TrimSpace(record[i])
	}

	var row PlotDataRowV4
	var err error
	fields := []struct {
		target interface{}
		raw    string
	}{
		{&row.RelativeTime, record[0]},
		{&row.CyclesDone, record[1]},
		{&row.CurItem, record[2]},
		{&row.CorpusCount, record[3]},
		{&row.PendingTotal, record[4]},
		{&row.PendingFavs, record[5]},
		{&row.MapSize, record[6]},
		{&row.SavedCrashes, record[7]},
		{&row.SavedHangs, record[8]},
		{&row.MaxDepth, record[9]},
		{&row.ExecsPerSec, record[10]},
		{&row.TotalExecs, record[11]},
		{&row.EdgesFound, record[12]},
	}
	for _, field := range fields {
		switch target := field.target.(type) {
		case *uint64:
			*target, err = strconv.ParseUint(field.raw, 10, 64)
		case *float64:
			*target, err = parsePercent(field.raw)
		}
		if err != nil {
			return PlotDataRowV4{}, fmt.Errorf("bad field %q: %w", field.raw, err)
		}
	}
	return row, nil
}

// parsePercent parses a float, scaling values carrying a `%` suffix by 100
// the way the v4 map_size column is recorded.
func parsePercent(raw string) (float64, error) {
	if trimmed, ok := strings.CutSuffix(raw, "%"); ok {
		value, err := strconv.ParseFloat(trimmed, 64)
		return value * 100.0, err
	}
	return strconv.ParseFloat(raw, 64)
}
