package p2p

import (
	"bytes"
	"encoding/gob"
)

func init() {
	gob.Register(EventWire{})
}

type EventWire struct {
	Event []byte // gob-encoded trade.Event
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
func gobDecode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
