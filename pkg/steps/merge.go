package steps

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/cuemby/burrow/pkg/rpc"
)

func (e *Engine) mergeWithPrefix(step *MergeWithPrefix) error {
	prefix := e.vars.Expand(step.Prefix)
	src := e.vars.Expand(step.Src)
	dst := e.vars.Expand(step.Dst)

	data, err := rpc.ReadFile(e.agent, src)
	if err != nil {
		e.logger.Warn().Err(err).Str("src", src).Msg("Error reading file from agent")
		return nil
	}

	if err := mergeWithPrefix(dst, step.Header, prefix, data); err != nil {
		e.logger.Warn().Err(err).Str("dst", dst).Msg("Error merging file")
	}
	return nil
}

// mergeWithPrefix appends header (once, when dst is empty), a prefix line,
// and the raw data to dst.
func mergeWithPrefix(dst, header, prefix string, data []byte) error {
	hostFS.Lock()
	defer hostFS.Unlock()

	if parent := filepath.Dir(dst); parent != "." {
		_ = os.MkdirAll(parent, 0o755)
	}

	file, err := os.OpenFile(dst, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", dst, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		if _, err := file.WriteString(header + "\n"); err != nil {
			return err
		}
	}

	if _, err := file.WriteString(prefix + "\n"); err != nil {
		return err
	}
	_, err = file.Write(data)
	return err
}

func (e *Engine) mergeJSON(step *MergeJSON) error {
	tag := e.vars.Expand(step.Tag)
	src := e.vars.Expand(step.Src)
	dst := e.vars.Expand(step.Dst)

	data, err := rpc.ReadFile(e.agent, src)
	if err != nil {
		e.logger.Warn().Err(err).Str("src", src).Msg("Error reading file from agent")
		return nil
	}

	if err := mergeJSON(tag, data, dst); err != nil {
		e.logger.Warn().Err(err).Str("dst", dst).Msg("Error merging json")
	}
	return nil
}

// mergeJSON loads dst as a tag-to-value map (empty when absent), inserts the
// parsed data under tag, and writes the map back with sorted keys.
func mergeJSON(tag string, data []byte, dst string) error {
	hostFS.Lock()
	defer hostFS.Unlock()

	if parent := filepath.Dir(dst); parent != "." {
		_ = os.MkdirAll(parent, 0o755)
	}

	merged := map[string]json.RawMessage{}
	existing, err := os.ReadFile(dst)
	switch {
	case err == nil:
		if err := json.Unmarshal(existing, &merged); err != nil {
			return fmt.Errorf("failed to parse %s: %w", dst, err)
		}
	case os.IsNotExist(err):
	default:
		return fmt.Errorf("error reading %s: %w", dst, err)
	}

	var value json.RawMessage
	if err := json.Unmarshal(data, &value); err != nil {
		return fmt.Errorf("failed to parse source as json: %w", err)
	}
	merged[tag] = value

	out, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	if err := os.WriteFile(dst, out, 0o644); err != nil {
		return fmt.Errorf("failed to write updated json to %s: %w", dst, err)
	}
	return nil
}

// appendCSV appends rows to dst, creating it with the header when empty.
func appendCSV(dst, header string, rows [][]string) error {
	hostFS.Lock()
	defer hostFS.Unlock()

	if parent := filepath.Dir(dst); parent != "." {
		_ = os.MkdirAll(parent, 0o755)
	}

	file, err := os.OpenFile(dst, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", dst, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		if _, err := file.WriteString(header + "\n"); err != nil {
			return err
		}
	}

	writer := csv.NewWriter(file)
	for _, row := range rows {
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// sortedKeys returns map keys in ascending order.
func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
