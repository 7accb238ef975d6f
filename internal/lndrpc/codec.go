package lndrpc

import (
	"fmt"

	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/encoding/proto"
)

// RawMessage carries an already-encoded protobuf frame. The daemon does not
// link the node's generated message types; requests arrive pre-encoded from
// the presentation boundary and responses are forwarded verbatim.
type RawMessage struct {
	Data []byte
}

// rawCodec passes frames through untouched. It reports the standard proto
// codec name so the wire content-type stays application/grpc+proto.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	msg, ok := v.(*RawMessage)
	if !ok {
		return nil, fmt.Errorf("lndrpc: raw codec cannot marshal %T", v)
	}
	return msg.Data, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	msg, ok := v.(*RawMessage)
	if !ok {
		return fmt.Errorf("lndrpc: raw codec cannot unmarshal into %T", v)
	}
	msg.Data = append([]byte(nil), data...)
	return nil
}

func (rawCodec) Name() string { return proto.Name }

var _ encoding.Codec = rawCodec{}
