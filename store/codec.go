package store

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/pierrec/lz4"

	"github.com/codepal-dev/pluginhost/plugin"
)

// encoded is a record in its at-rest form.
type encoded struct {
	record   []byte
	artifact []byte
}

func encodeRecord(r *Record) (encoded, error) {
	if r == nil || r.ID() == "" {
		return encoded{}, errors.New("record id is required")
	}
	meta, err := json.Marshal(r)
	if err != nil {
		return encoded{}, errors.Wrap(err, "failed to encode record")
	}
	out := encoded{record: meta}
	if r.Artifact != nil {
		raw, err := json.Marshal(r.Artifact)
		if err != nil {
			return encoded{}, errors.Wrap(err, "failed to encode artifact")
		}
		if out.artifact, err = compressLZ4(raw); err != nil {
			return encoded{}, errors.Wrap(err, "failed to compress artifact")
		}
	}
	return out, nil
}

// decodeRecord marks every failure with ErrCorruptRecord.
func decodeRecord(e encoded) (*Record, error) {
	var r Record
	if err := json.Unmarshal(e.record, &r); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to decode record"), ErrCorruptRecord)
	}
	if len(e.artifact) > 0 {
		raw, err := decompressLZ4(e.artifact)
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "failed to decompress artifact of %s", r.ID()), ErrCorruptRecord)
		}
		var a plugin.Artifact
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "failed to decode artifact of %s", r.ID()), ErrCorruptRecord)
		}
		r.Artifact = &a
	}
	return &r, nil
}

func compressLZ4(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := lz4.NewWriter(&buf)

	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressLZ4(data []byte) ([]byte, error) {
	reader := lz4.NewReader(bytes.NewReader(data))

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, reader); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
