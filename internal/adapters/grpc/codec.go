// Package grpc exposes the inventory, coupon and fraud services over gRPC and provides
// clients that satisfy the checkout collaborator interfaces.
//
// Messages are plain Go structs carried by a JSON codec; the service descriptors are
// written by hand.
package grpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName is the content subtype clients must request.
const CodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
