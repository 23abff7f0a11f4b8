package storage

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/uhyunpark/lazybook/pkg/sequencer"
)

// Block records carry a leading version byte ahead of the gob body.
const blockCodecV1 byte = 1

func encodeBlock(b sequencer.Block) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(blockCodecV1)
	if err := gob.NewEncoder(&buf).Encode(b); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeBlock(val []byte, out *sequencer.Block) error {
	if len(val) == 0 || val[0] != blockCodecV1 {
		return fmt.Errorf("unknown block record version")
	}
	return gob.NewDecoder(bytes.NewReader(val[1:])).Decode(out)
}
