// Package report consumes pipeline completion reports from the message bus
// and turns them into database updates. Reports are the authoritative
// statement of a pipeline's outcome; the run worker's terminal rows are only
// placeholders until one arrives.
package report

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
)

// ReportStatusComplete is the status value a successful pipeline posts.
const ReportStatusComplete = "Complete"

// OutputFile is one file declared by the completion report.
type OutputFile struct {
	FileType      string `json:"file_type"`
	Path          string `json:"path"`
	IsFinalOutput bool   `json:"is_final_output"`
	TaskID        string `json:"task_id"`
}

// Report is the completion report JSON the bus delivers.
type Report struct {
	PipelineID int64        `json:"pipeline_id"`
	Status     string       `json:"status"`
	Error      string       `json:"error"`
	TotalCost  float64      `json:"total_cost"`
	GitCommit  *string      `json:"git_commit"`
	Files      []OutputFile `json:"files"`
}

// Success reports whether the pipeline engine considers the run complete.
func (r Report) Success() bool {
	return r.Status == ReportStatusComplete
}

// FinalOutputs returns only the files flagged as final outputs; intermediate
// files are never ingested.
func (r Report) FinalOutputs() []OutputFile {
	var out []OutputFile
	for _, f := range r.Files {
		if f.IsFinalOutput {
			out = append(out, f)
		}
	}
	return out
}

// Decode parses a report payload. The engine posts plain JSON, optionally
// zlib-compressed and base64-wrapped up to twice depending on the transport
// path, so decoding peels layers until JSON appears.
func Decode(data []byte) (Report, error) {
	payload, err := decodePayload(data)
	if err != nil {
		return Report{}, err
	}
	var r Report
	if err := json.Unmarshal(payload, &r); err != nil {
		return Report{}, fmt.Errorf("parse report: %w", err)
	}
	if r.PipelineID == 0 {
		return Report{}, fmt.Errorf("report missing pipeline_id")
	}
	return r, nil
}

func decodePayload(data []byte) ([]byte, error) {
	payload := bytes.TrimSpace(data)
	for i := 0; i < 2 && !looksLikeJSON(payload); i++ {
		decoded, err := base64.StdEncoding.DecodeString(string(payload))
		if err != nil {
			return nil, fmt.Errorf("decode report payload: %w", err)
		}
		payload = decoded
		if len(payload) > 1 && payload[0] == 0x78 {
			inflated, err := inflate(payload)
			// Not every 0x78-prefixed payload is zlib; keep the raw bytes
			// when inflation fails and let another pass decide.
			if err == nil {
				payload = inflated
			}
		}
		payload = bytes.TrimSpace(payload)
	}
	if !looksLikeJSON(payload) {
		return nil, fmt.Errorf("report payload is not JSON after decoding")
	}
	return payload, nil
}

func looksLikeJSON(data []byte) bool {
	return len(data) > 0 && (data[0] == '{' || data[0] == '[')
}

func inflate(data []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
