package report

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQCReport(t *testing.T) {
	data := []byte(`{
		"align": {
			"s1": {"total_reads": {"value": 1000, "note": ""}, "mapped_pct": {"value": 98.5, "note": "pass"}},
			"s2": {"total_reads": {"value": 2000, "note": ""}, "mapped_pct": {"value": 97.1, "note": "pass"}}
		},
		"dedup": {
			"s1": {"dup_rate": {"value": 0.12, "note": ""}},
			"s2": {"dup_rate": {"value": 0.09, "note": ""}}
		}
	}`)

	stats, err := ParseQCReport(data, "gs://b/qc.json")
	require.NoError(t, err)
	require.Len(t, stats, 6)

	// Sorted by task, sample, metric.
	assert.Equal(t, "align", stats[0].Task)
	assert.Equal(t, "s1", stats[0].Sample)
	assert.Equal(t, "mapped_pct", stats[0].Metric)
	assert.Equal(t, "98.5", stats[0].Value)
	assert.Equal(t, "pass", stats[0].Note)
	assert.Equal(t, "gs://b/qc.json", stats[0].SourceFile)
}

func TestParseQCReportRejectsRagged(t *testing.T) {
	data := []byte(`{
		"align": {"s1": {"total_reads": {"value": 1}}, "s2": {"total_reads": {"value": 2}}},
		"dedup": {"s1": {"dup_rate": {"value": 0.1}}}
	}`)

	_, err := ParseQCReport(data, "qc.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not square")
}

func TestParseQCReportRejectsEmptyAndGarbage(t *testing.T) {
	_, err := ParseQCReport([]byte(`{}`), "qc.json")
	assert.Error(t, err)

	_, err = ParseQCReport([]byte(`not json`), "qc.json")
	assert.Error(t, err)
}

func TestRenderValueShapes(t *testing.T) {
	data := []byte(`{
		"task": {
			"s1": {
				"str": {"value": "ok"},
				"int": {"value": 7},
				"flag": {"value": true},
				"list": {"value": [1, 2]}
			}
		}
	}`)

	stats, err := ParseQCReport(data, "qc.json")
	require.NoError(t, err)

	byMetric := map[string]string{}
	for _, s := range stats {
		byMetric[s.Metric] = s.Value
	}
	assert.Equal(t, "ok", byMetric["str"])
	assert.Equal(t, "7", byMetric["int"])
	assert.Equal(t, "true", byMetric["flag"])
	assert.Equal(t, "[1,2]", byMetric["list"])
}
