package storage

import "encoding/json"

// Values are stored as JSON. Registries own their record types; the store
// only sees bytes, so the codec stays here as shared helpers.

func EncodeJSON(v any) ([]byte, error)    { return json.Marshal(v) }
func DecodeJSON(data []byte, v any) error { return json.Unmarshal(data, v) }
