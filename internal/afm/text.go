package afm

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"ferrotwin/internal/grid"
	"ferrotwin/internal/logging"
)

// loadText parses a whitespace-delimited numeric matrix, one scan line per
// row. Lines starting with '#' are comments. The matrix becomes the
// amplitude channel.
func loadText(path string) (*ScanData, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("text: %w", err)
	}
	defer f.Close()

	var rows [][]float64
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1<<20), 1<<24)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		row := make([]float64, len(fields))
		for i, field := range fields {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("text: line %d: %q is not a number", lineNo, field)
			}
			row[i] = v
		}
		if len(rows) > 0 && len(row) != len(rows[0]) {
			return nil, fmt.Errorf("text: line %d has %d columns, expected %d", lineNo, len(row), len(rows[0]))
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("text: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("text: no data rows in %s", path)
	}

	amp, err := grid.FromRows(rows)
	if err != nil {
		return nil, fmt.Errorf("text: %w", err)
	}

	logging.LoaderDebug("text: %dx%d matrix from %s", amp.Rows, amp.Cols, path)
	return &ScanData{
		Amplitude: amp,
		Phase:     grid.New(amp.Rows, amp.Cols),
		Metadata:  newMetadata(),
	}, nil
}

// jsonScan is the on-disk shape of a JSON scan, the same shape the mock
// generator writes.
type jsonScan struct {
	Amplitude [][]float64    `json:"amplitude"`
	Phase     [][]float64    `json:"phase,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// loadJSON parses a JSON scan file with amplitude and optional phase
// matrices plus freeform metadata.
func loadJSON(path string) (*ScanData, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("json: %w", err)
	}

	var js jsonScan
	if err := json.Unmarshal(data, &js); err != nil {
		return nil, fmt.Errorf("json: %w", err)
	}
	if len(js.Amplitude) == 0 {
		return nil, fmt.Errorf("json: missing amplitude matrix")
	}

	amp, err := grid.FromRows(js.Amplitude)
	if err != nil {
		return nil, fmt.Errorf("json: amplitude: %w", err)
	}

	scan := &ScanData{Amplitude: amp, Metadata: newMetadata()}
	if len(js.Phase) > 0 {
		phase, err := grid.FromRows(js.Phase)
		if err != nil {
			return nil, fmt.Errorf("json: phase: %w", err)
		}
		if phase.Rows != amp.Rows || phase.Cols != amp.Cols {
			return nil, fmt.Errorf("json: phase %dx%d does not match amplitude %dx%d",
				phase.Rows, phase.Cols, amp.Rows, amp.Cols)
		}
		scan.Phase = phase
	} else {
		scan.Phase = grid.New(amp.Rows, amp.Cols)
	}

	if js.Metadata != nil {
		scan.Metadata.Note = js.Metadata
		if r, ok := jsonRange(js.Metadata["x_range"]); ok {
			scan.Metadata.XRange = r
		}
		if r, ok := jsonRange(js.Metadata["y_range"]); ok {
			scan.Metadata.YRange = r
		}
	}

	logging.LoaderDebug("json: %dx%d scan from %s", amp.Rows, amp.Cols, path)
	return scan, nil
}

// jsonRange coerces a decoded metadata value into a [min, max] pair.
func jsonRange(v any) (*[2]float64, bool) {
	list, ok := v.([]any)
	if !ok || len(list) != 2 {
		return nil, false
	}
	lo, ok1 := list[0].(float64)
	hi, ok2 := list[1].(float64)
	if !ok1 || !ok2 {
		return nil, false
	}
	return &[2]float64{lo, hi}, true
}
