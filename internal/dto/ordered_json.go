package dto

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// marshalOrderedObject writes n entries as a JSON object in index order.
func marshalOrderedObject(n int, entry func(i int) (string, interface{})) ([]byte, error) {
	buf := bytes.Buffer{}
	buf.WriteByte('{')
	for i := 0; i < n; i++ {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, value := entry(i)
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(encoded)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// decodeOrderedObject walks a JSON object key by key. each must consume the
// value for key from decoder.
func decodeOrderedObject(data []byte, what string, each func(key string, decoder *json.Decoder) error) error {
	decoder := json.NewDecoder(bytes.NewReader(data))

	token, err := decoder.Token()
	if err != nil {
		return err
	}
	if delim, ok := token.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("%s must be a JSON object", what)
	}

	for decoder.More() {
		keyToken, err := decoder.Token()
		if err != nil {
			return err
		}
		key, ok := keyToken.(string)
		if !ok {
			return fmt.Errorf("%s key must be a string", what)
		}
		if err := each(key, decoder); err != nil {
			return err
		}
	}

	_, err = decoder.Token()
	return err
}
