package core

import (
	"encoding/json"
	"fmt"
	"io"
)

// storedRecord is the on-disk / on-bucket representation shared by the
// document-style backends.
type storedRecord struct {
	ID       string              `json:"id"`
	Datasets map[string][]string `json:"datasets"`
}

// EncodeRecord writes r as a JSON document.
func EncodeRecord(w io.Writer, r *Record) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(storedRecord{ID: r.ID, Datasets: r.Datasets}); err != nil {
		return fmt.Errorf("failed to encode record %q: %w", r.ID, err)
	}
	return nil
}

// DecodeRecord reads a JSON document produced by EncodeRecord.
func DecodeRecord(rd io.Reader) (*Record, error) {
	var sr storedRecord
	if err := json.NewDecoder(rd).Decode(&sr); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	if sr.ID == "" {
		return nil, fmt.Errorf("failed to decode record: missing id")
	}
	return NewRecord(sr.ID, sr.Datasets), nil
}
