package report

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleReport = `{
	"pipeline_id": 42,
	"status": "Complete",
	"error": "",
	"total_cost": 3.5,
	"git_commit": "deadbeef",
	"files": [
		{"file_type": "vcf", "path": "gs://b/out.vcf", "is_final_output": true, "task_id": "call"},
		{"file_type": "bam", "path": "gs://b/tmp.bam", "is_final_output": false, "task_id": "align"}
	]
}`

func TestDecodePlainJSON(t *testing.T) {
	r, err := Decode([]byte(sampleReport))
	require.NoError(t, err)

	assert.Equal(t, int64(42), r.PipelineID)
	assert.True(t, r.Success())
	assert.InDelta(t, 3.5, r.TotalCost, 1e-9)
	require.NotNil(t, r.GitCommit)
	assert.Equal(t, "deadbeef", *r.GitCommit)
}

func TestDecodeBase64Wrapped(t *testing.T) {
	wrapped := base64.StdEncoding.EncodeToString([]byte(sampleReport))
	r, err := Decode([]byte(wrapped))
	require.NoError(t, err)
	assert.Equal(t, int64(42), r.PipelineID)
}

func TestDecodeDoubleBase64Zlib(t *testing.T) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	_, err := zw.Write([]byte(sampleReport))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	inner := base64.StdEncoding.EncodeToString(buf.Bytes())
	outer := base64.StdEncoding.EncodeToString([]byte(inner))

	r, err := Decode([]byte(outer))
	require.NoError(t, err)
	assert.Equal(t, int64(42), r.PipelineID)
	assert.Len(t, r.Files, 2)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("not a report"))
	assert.Error(t, err)
}

func TestDecodeRejectsMissingPipelineID(t *testing.T) {
	_, err := Decode([]byte(`{"status": "Complete"}`))
	assert.Error(t, err)
}

func TestFinalOutputsFilter(t *testing.T) {
	r, err := Decode([]byte(sampleReport))
	require.NoError(t, err)

	finals := r.FinalOutputs()
	require.Len(t, finals, 1)
	assert.Equal(t, "gs://b/out.vcf", finals[0].Path)
}

func TestSuccessRequiresComplete(t *testing.T) {
	r := Report{Status: "Failed"}
	assert.False(t, r.Success())
	r.Status = ReportStatusComplete
	assert.True(t, r.Success())
}
