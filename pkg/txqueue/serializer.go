package txqueue

import (
	"bytes"
	"encoding/gob"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// Serializer converts queue items to and from the bytes stored in a queue.
type Serializer interface {
	Marshal(item any) ([]byte, error)
	Unmarshal(data []byte) (any, error)
}

// GobSerializer encodes items with encoding/gob. Items of named types must
// be registered with gob.Register before they are put.
type GobSerializer struct{}

// Marshal implements Serializer.
func (GobSerializer) Marshal(item any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&item); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal implements Serializer.
func (GobSerializer) Unmarshal(data []byte) (any, error) {
	var item any
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&item); err != nil {
		return nil, err
	}
	return item, nil
}

// BytesSerializer stores []byte and string items as is. Taken items are
// always []byte.
type BytesSerializer struct{}

// Marshal implements Serializer.
func (BytesSerializer) Marshal(item any) ([]byte, error) {
	switch v := item.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("bytes serializer cannot store %T", item)
	}
}

// Unmarshal implements Serializer.
func (BytesSerializer) Unmarshal(data []byte) (any, error) {
	return data, nil
}

// JSONSerializer encodes items as JSON. Taken items come back in their
// generic JSON form: objects as map[string]any, numbers as float64.
type JSONSerializer struct{}

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// Marshal implements Serializer.
func (JSONSerializer) Marshal(item any) ([]byte, error) {
	return jsonAPI.Marshal(item)
}

// Unmarshal implements Serializer.
func (JSONSerializer) Unmarshal(data []byte) (any, error) {
	var item any
	if err := jsonAPI.Unmarshal(data, &item); err != nil {
		return nil, err
	}
	return item, nil
}
