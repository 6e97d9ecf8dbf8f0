package submission

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/oliveagle/jsonpath"
	"github.com/zeebo/xxh3"
)

// reducedRecord is what lands in the submitted log: just enough to rebuild
// the derived key after a restart.
type reducedRecord struct {
	EventTime string `json:"event_time"`
	CheckID   string `json:"check_id"`
}

// KeyDeriver computes the derived key of a payload from its event time and
// check id. Everything else in the payload is ignored.
type KeyDeriver struct {
	eventTimePath string
	checkIDPath   string
}

// NewKeyDeriver creates a deriver reading the two fields at the given JSONPath expressions
func NewKeyDeriver(eventTimePath, checkIDPath string) *KeyDeriver {
	if eventTimePath == "" {
		eventTimePath = "$.event_time"
	}
	if checkIDPath == "" {
		checkIDPath = "$.check_id"
	}
	return &KeyDeriver{eventTimePath: eventTimePath, checkIDPath: checkIDPath}
}

// Reduce extracts the reduced record from payload and returns it in its
// canonical single-line encoding together with its key.
func (k *KeyDeriver) Reduce(payload []byte) ([]byte, uint64, error) {
	var data interface{}
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, 0, fmt.Errorf("failed to parse payload: %w", err)
	}

	eventTime, err := lookupString(data, k.eventTimePath)
	if err != nil {
		return nil, 0, err
	}
	checkID, err := lookupString(data, k.checkIDPath)
	if err != nil {
		return nil, 0, err
	}

	return canonical(reducedRecord{EventTime: eventTime, CheckID: checkID})
}

// KeyOfReduced recomputes the key of a line read back from the submitted log
func (k *KeyDeriver) KeyOfReduced(line []byte) (uint64, error) {
	var rec reducedRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return 0, fmt.Errorf("failed to parse submitted record: %w", err)
	}
	if rec.EventTime == "" || rec.CheckID == "" {
		return 0, fmt.Errorf("submitted record is missing event_time or check_id")
	}
	_, key, err := canonical(rec)
	return key, err
}

func canonical(rec reducedRecord) ([]byte, uint64, error) {
	line, err := json.Marshal(rec)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to encode reduced record: %w", err)
	}
	return line, xxh3.Hash(line), nil
}

func lookupString(data interface{}, path string) (string, error) {
	value, err := jsonpath.JsonPathLookup(data, path)
	if err != nil {
		return "", fmt.Errorf("failed to extract %s: %w", path, err)
	}

	switch v := value.(type) {
	case nil:
		return "", fmt.Errorf("field %s is null", path)
	case string:
		if v == "" {
			return "", fmt.Errorf("field %s is empty", path)
		}
		return v, nil
	default:
		// numbers and objects keep their JSON spelling
		encoded, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("failed to encode %s: %w", path, err)
		}
		return string(bytes.TrimSpace(encoded)), nil
	}
}

// compactLine turns a payload into one newline-free log line
func compactLine(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return nil, fmt.Errorf("payload is not valid JSON: %w", err)
	}
	return buf.Bytes(), nil
}
