package report

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/gcbio/ccdaemon/internal/domain"
)

// qcEntry is one measurement in a QC report. Value types vary by metric.
type qcEntry struct {
	Value any    `json:"value"`
	Note  string `json:"note"`
}

// ParseQCReport parses a QC report into normalized stat rows. The report is
// a task → sample → metric nesting; it must be square, meaning every task
// reports the same sample set. Rows are deduplicated by
// (sample, metric, task, source file) and returned in sorted order.
func ParseQCReport(data []byte, sourceFile string) ([]domain.QCStat, error) {
	var doc map[string]map[string]map[string]qcEntry
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse qc report %s: %w", sourceFile, err)
	}
	if len(doc) == 0 {
		return nil, fmt.Errorf("qc report %s is empty", sourceFile)
	}

	if err := checkSquare(doc, sourceFile); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var stats []domain.QCStat
	for task, samples := range doc {
		for sample, metrics := range samples {
			for metric, entry := range metrics {
				key := sample + "\x00" + metric + "\x00" + task
				if seen[key] {
					continue
				}
				seen[key] = true
				stats = append(stats, domain.QCStat{
					Sample:     sample,
					Metric:     metric,
					Task:       task,
					SourceFile: sourceFile,
					Value:      renderValue(entry.Value),
					Note:       entry.Note,
				})
			}
		}
	}

	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Task != stats[j].Task {
			return stats[i].Task < stats[j].Task
		}
		if stats[i].Sample != stats[j].Sample {
			return stats[i].Sample < stats[j].Sample
		}
		return stats[i].Metric < stats[j].Metric
	})
	return stats, nil
}

// checkSquare verifies every task covers the same sample set. A ragged
// report means the pipeline dropped samples partway and its stats cannot be
// trusted.
func checkSquare(doc map[string]map[string]map[string]qcEntry, sourceFile string) error {
	var reference []string
	var refTask string
	for task, samples := range doc {
		names := make([]string, 0, len(samples))
		for sample := range samples {
			names = append(names, sample)
		}
		sort.Strings(names)
		if reference == nil {
			reference, refTask = names, task
			continue
		}
		if !equalStrings(reference, names) {
			return fmt.Errorf("qc report %s is not square: task %s covers %d samples, task %s covers %d",
				sourceFile, refTask, len(reference), task, len(names))
		}
	}
	return nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// renderValue flattens a JSON value to the text stored in the stat row.
func renderValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}
