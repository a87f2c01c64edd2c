package steps

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/cuemby/burrow/pkg/afl"
	"github.com/cuemby/burrow/pkg/cancel"
	"github.com/cuemby/burrow/pkg/rpc"
)

// patternVerifier triages a crash directory: each input is attributed to the
// first pattern matching at its offset, and the earliest trigger time per
// bug is appended to the destination CSV. A `none` row is always written so
// downstream joins keep trials that found nothing.
func (e *Engine) patternVerifier(step *PatternVerifier) error {
	tag := e.vars.GetOr("TAG", "?")
	crashDir := e.vars.Expand(step.CrashDir)
	dst := e.vars.Expand(step.Dst)

	bugs, err := e.resolveBugIDs(crashDir, func(entry rpc.DirEntry) ([]string, error) {
		data, err := rpc.ReadFile(e.agent, entry.Path)
		if err != nil {
			return nil, err
		}
		for _, pattern := range step.Patterns {
			if pattern.Offset <= len(data) && bytes.HasPrefix(data[pattern.Offset:], pattern.Bytes) {
				return []string{pattern.Key}, nil
			}
		}
		e.logger.Warn().Str("path", entry.Path).Msg("No bug id")
		return nil, nil
	})
	if err != nil {
		return err
	}

	// The dummy row keeps empty trials visible in downstream joins.
	rows := [][]string{{tag, "none", "0"}}
	for _, key := range sortedKeys(bugs) {
		rows = append(rows, []string{tag, key, strconv.FormatUint(bugs[key], 10)})
	}
	return appendCSV(dst, "tag,bug_id,time", rows)
}

// resolveBugIDs maps each crash input to bug ids via resolve, keeping the
// earliest relative trigger time per bug.
func (e *Engine) resolveBugIDs(crashDir string, resolve func(rpc.DirEntry) ([]string, error)) (map[string]uint64, error) {
	dirEntry, err := rpc.Stat(e.agent, crashDir)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", crashDir, err)
	}

	crashes, err := afl.InputEntries(e.agent, crashDir)
	if err != nil {
		return nil, err
	}

	bugs := make(map[string]uint64)
	for _, entry := range crashes {
		if cancel.Requested() {
			return nil, fmt.Errorf("stop requested")
		}

		millis := afl.RelativeTimeMillis(entry, dirEntry.Modified)
		ids, err := resolve(entry)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if existing, ok := bugs[id]; !ok || millis < existing {
				bugs[id] = millis
			}
		}
	}
	return bugs, nil
}

// saveAflPlot appends the guest's AFL++ plot_data to a host CSV, prefixing
// every row with the trial tag.
func (e *Engine) saveAflPlot(step *SaveAflPlotV4) error {
	tag := e.vars.GetOr("TAG", "?")

	plotData := e.vars.Expand(step.Workdir) + "/default/plot_data"
	data, err := rpc.ReadFile(e.agent, plotData)
	if err != nil {
		return err
	}

	rows, err := afl.ParsePlotData(bytes.NewReader(data))
	if err != nil {
		return err
	}

	records := make([][]string, 0, len(rows))
	for _, row := range rows {
		records = append(records, append([]string{tag}, row.Record()...))
	}

	header := "tag," + strings.Join(afl.PlotDataFields, ",")
	dst := e.vars.Expand(step.Dst)
	return appendCSV(dst, header, records)
}
