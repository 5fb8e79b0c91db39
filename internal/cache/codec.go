package cache

import (
	"encoding/json"

	"github.com/golang/snappy"
	"github.com/vmihailenco/msgpack/v5"
)

// Compressor encodes stored payloads. Decode must reject input Encode did not produce.
type Compressor interface {
	Encode(src []byte) ([]byte, error)
	Decode(src []byte) ([]byte, error)
}

// SnappyCompressor is the default Compressor.
type SnappyCompressor struct{}

func (SnappyCompressor) Encode(src []byte) ([]byte, error) {
	return snappy.Encode(nil, src), nil
}

func (SnappyCompressor) Decode(src []byte) ([]byte, error) {
	return snappy.Decode(nil, src)
}

// Codec converts typed values to and from the bytes the cache stores.
type Codec[V any] interface {
	Marshal(v V) ([]byte, error)
	Unmarshal(data []byte) (V, error)
}

// BytesCodec stores byte slices as is.
type BytesCodec struct{}

func (BytesCodec) Marshal(v []byte) ([]byte, error) { return v, nil }

func (BytesCodec) Unmarshal(data []byte) ([]byte, error) { return data, nil }

// StringCodec stores strings as their UTF-8 bytes.
type StringCodec struct{}

func (StringCodec) Marshal(v string) ([]byte, error) { return []byte(v), nil }

func (StringCodec) Unmarshal(data []byte) (string, error) { return string(data), nil }

// JSONCodec uses encoding/json.
type JSONCodec[V any] struct{}

func (JSONCodec[V]) Marshal(v V) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec[V]) Unmarshal(data []byte) (V, error) {
	var v V
	err := json.Unmarshal(data, &v)
	return v, err
}

// MsgpackCodec uses MessagePack, which is denser than JSON for most structs.
type MsgpackCodec[V any] struct{}

func (MsgpackCodec[V]) Marshal(v V) ([]byte, error) { return msgpack.Marshal(v) }

func (MsgpackCodec[V]) Unmarshal(data []byte) (V, error) {
	var v V
	err := msgpack.Unmarshal(data, &v)
	return v, err
}
