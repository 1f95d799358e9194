package queue

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EncodeTitles serializes title selections for the titles_json column.
func EncodeTitles(titles []TitleSelection) (string, error) {
	if len(titles) == 0 {
		return "", nil
	}
	data, err := json.Marshal(titles)
	if err != nil {
		return "", fmt.Errorf("encode title selections: %w", err)
	}
	return string(data), nil
}

// DecodeTitles parses the titles_json column back into selections.
func DecodeTitles(raw string) ([]TitleSelection, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var titles []TitleSelection
	if err := json.Unmarshal([]byte(raw), &titles); err != nil {
		return nil, fmt.Errorf("decode title selections: %w", err)
	}
	return titles, nil
}

// OutputRecord names one finished artifact attached to a job.
type OutputRecord struct {
	TitleID int    `json:"title_id"`
	Path    string `json:"path"`
	// Unmapped marks a requested title that produced no artifact. Path is
	// empty for unmapped records; they exist so partial coverage stays
	// visible after the job finishes.
	Unmapped bool   `json:"unmapped,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// EncodeOutputs serializes output records for the outputs_json column.
func EncodeOutputs(outputs []OutputRecord) (string, error) {
	if len(outputs) == 0 {
		return "", nil
	}
	data, err := json.Marshal(outputs)
	if err != nil {
		return "", fmt.Errorf("encode outputs: %w", err)
	}
	return string(data), nil
}

// DecodeOutputs parses the outputs_json column back into records.
func DecodeOutputs(raw string) ([]OutputRecord, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var outputs []OutputRecord
	if err := json.Unmarshal([]byte(raw), &outputs); err != nil {
		return nil, fmt.Errorf("decode outputs: %w", err)
	}
	return outputs, nil
}
