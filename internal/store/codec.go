package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/habitcore/internal/model"
)

// Format identifies the snapshot envelope.
const Format = "habitcore.snapshot"

// SchemaVersion is the semantic version of the envelope layout.
const SchemaVersion = "1.0.0"

// envelope is the on-disk layout of a snapshot.
type envelope struct {
	Header  model.StorageHeader `json:"header"`
	Dataset json.RawMessage     `json:"dataset"`
}

// Encode serializes ds with a header stamped at writtenAt.
// The schema level is taken from the dataset's migration version.
func Encode(ds *model.Dataset, writtenAt time.Time) ([]byte, model.StorageHeader, error) {
	ds.Normalize()
	body, err := json.Marshal(ds)
	if err != nil {
		return nil, model.StorageHeader{}, fmt.Errorf("encode dataset: %w", err)
	}

	header := model.StorageHeader{
		Format:        Format,
		SchemaVersion: SchemaVersion,
		SchemaLevel:   ds.Migration.Version,
		WrittenAt:     writtenAt.UTC(),
		RecordCount:   ds.RecordCount(),
		Checksum:      model.HashWithDomain(model.DomainSnapshot, body),
	}

	out, err := json.MarshalIndent(envelope{Header: header, Dataset: body}, "", "  ")
	if err != nil {
		return nil, model.StorageHeader{}, fmt.Errorf("encode envelope: %w", err)
	}
	return append(out, '\n'), header, nil
}

// Decode parses and verifies a snapshot.
//
// Payloads written before the envelope existed (a bare dataset object) are
// accepted as schema level 0 with a synthesized header; the migration runner
// upgrades them. Anything else that fails to parse or verify is reported as
// corruption.
func Decode(data []byte) (*model.Dataset, model.StorageHeader, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, model.StorageHeader{}, fmt.Errorf("parse snapshot: %w", err)
	}

	if _, ok := probe["header"]; !ok {
		return decodeLegacy(data, probe)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, model.StorageHeader{}, fmt.Errorf("parse envelope: %w", err)
	}
	h := env.Header
	if h.Format != Format {
		return nil, h, fmt.Errorf("unknown format %q", h.Format)
	}
	if len(env.Dataset) == 0 {
		return nil, h, fmt.Errorf("snapshot has no dataset")
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, env.Dataset); err != nil {
		return nil, h, fmt.Errorf("compact dataset: %w", err)
	}
	if sum := model.HashWithDomain(model.DomainSnapshot, compact.Bytes()); sum != h.Checksum {
		return nil, h, fmt.Errorf("checksum mismatch: header %s, computed %s", h.Checksum, sum)
	}

	var ds model.Dataset
	if err := json.Unmarshal(env.Dataset, &ds); err != nil {
		return nil, h, fmt.Errorf("parse dataset: %w", err)
	}
	ds.Normalize()
	if n := ds.RecordCount(); n != h.RecordCount {
		return nil, h, fmt.Errorf("record count mismatch: header %d, decoded %d", h.RecordCount, n)
	}
	if ds.Migration.Version != h.SchemaLevel {
		return nil, h, fmt.Errorf("schema level mismatch: header %d, dataset %d", h.SchemaLevel, ds.Migration.Version)
	}
	return &ds, h, nil
}

func decodeLegacy(data []byte, probe map[string]json.RawMessage) (*model.Dataset, model.StorageHeader, error) {
	if _, ok := probe["user_id"]; !ok {
		return nil, model.StorageHeader{}, fmt.Errorf("snapshot has neither header nor user_id")
	}
	var ds model.Dataset
	if err := json.Unmarshal(data, &ds); err != nil {
		return nil, model.StorageHeader{}, fmt.Errorf("parse legacy dataset: %w", err)
	}
	ds.Normalize()
	return &ds, model.StorageHeader{
		Format:      Format,
		SchemaLevel: ds.Migration.Version,
		RecordCount: ds.RecordCount(),
	}, nil
}
