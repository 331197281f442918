package publisher

import (
	"fmt"

	"github.com/maxpert/fanout/encoding"
	"github.com/maxpert/fanout/hlc"
)

// Envelope is the wire form of one broadcast: a mutation result plus the
// field specs it triggered, stamped by the publishing node. Receivers run
// local fanout only and never re-broadcast.
type Envelope struct {
	ID      uint64                 `msgpack:"id"`
	NodeID  uint64                 `msgpack:"node"`
	Wall    int64                  `msgpack:"wall"`
	Logical int32                  `msgpack:"log"`
	Shard   int                    `msgpack:"shard"`
	Fields  []FieldSpec            `msgpack:"fields"`
	Result  map[string]interface{} `msgpack:"result"`
}

// Stamp reconstructs the publisher's HLC timestamp for clock folding.
func (e *Envelope) Stamp() hlc.Timestamp {
	return hlc.Timestamp{WallTime: e.Wall, Logical: e.Logical, NodeID: e.NodeID}
}

// EncodeEnvelope serializes an envelope for transport or journaling.
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	data, err := encoding.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope reverses EncodeEnvelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := encoding.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}
