package p2p

import (
	"bytes"
	"encoding/gob"
)

func init() {
	gob.Register(BlockWire{})
	gob.Register(BlockRequest{})
	gob.Register(BlockResponse{})
}

type BlockWire struct {
	Block []byte // gob-encoded sequencer.Block
}

type BlockRequest struct {
	Height uint64
}

type BlockResponse struct {
	Found bool
	Block []byte // gob-encoded sequencer.Block
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
