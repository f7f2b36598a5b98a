package registry

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Genocs/genocs-library-template/pkg/enums"
	"github.com/Genocs/genocs-library-template/pkg/messaging/payloads"
)

type decoderFunc func(payload json.RawMessage) (interface{}, error)

type registryKey struct {
	kind    enums.MessageKind
	version int
}

// DecoderRegistry stores versioned payload decoders for consumers.
type DecoderRegistry struct {
	mtx      sync.RWMutex
	registry map[registryKey]decoderFunc
}

// NewDecoderRegistry builds an empty decoder registry.
func NewDecoderRegistry() *DecoderRegistry {
	return &DecoderRegistry{registry: make(map[registryKey]decoderFunc)}
}

// NewOrderDecoders registers the v1 decoders for every order contract.
func NewOrderDecoders() *DecoderRegistry {
	reg := NewDecoderRegistry()
	reg.Register(enums.KindSubmitOrder, 1, jsonDecoder[payloads.SubmitOrder]())
	reg.Register(enums.KindUpdateOrder, 1, jsonDecoder[payloads.UpdateOrder]())
	reg.Register(enums.KindDeleteOrder, 1, jsonDecoder[payloads.DeleteOrder]())
	reg.Register(enums.KindOrderSubmitted, 1, jsonDecoder[payloads.OrderSubmitted]())
	reg.Register(enums.KindOrderUpdated, 1, jsonDecoder[payloads.OrderUpdated]())
	return reg
}

// Register stores a decoder for the given kind and version.
func (r *DecoderRegistry) Register(kind enums.MessageKind, version int, decoder decoderFunc) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.registry[registryKey{kind: kind, version: version}] = decoder
}

// Decode runs the decoder registered for the kind and version.
func (r *DecoderRegistry) Decode(kind enums.MessageKind, version int, payload json.RawMessage) (interface{}, error) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	if decoder, ok := r.registry[registryKey{kind: kind, version: version}]; ok {
		return decoder(payload)
	}
	return nil, fmt.Errorf("decoder not registered for %s@v%d", kind, version)
}

func jsonDecoder[T any]() decoderFunc {
	return func(payload json.RawMessage) (interface{}, error) {
		out := new(T)
		if err := json.Unmarshal(payload, out); err != nil {
			return nil, err
		}
		return out, nil
	}
}
