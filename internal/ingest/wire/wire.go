// Package wire defines the JSON-on-the-wire shape external producers use
// to submit a message into the grid: every ingest feeder (sqs, nats,
// grpcfeeder) decodes its transport's raw bytes into a wire.Envelope
// before posting it to a scheduler.
package wire

import (
	"encoding/json"
	"fmt"

	"go.nodegrid.dev/nodegrid/internal/gridaddr"
)

// Envelope is the flattened, JSON-friendly mirror of gridaddr.Envelope.
// External producers address by plain strings (no need to know the
// address grammar's internal field split) and carry params as arbitrary
// JSON, which Decode folds into a ParamNode tree.
type Envelope struct {
	Receiver  string          `json:"receiver"`
	Command   string          `json:"command"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMS int64           `json:"timeoutMs,omitempty"`
}

// Decode parses raw JSON bytes into a gridaddr.Envelope addressed at
// receiver, ready to post into a scheduler. Sender and CreatedAt are left
// for the caller (the scheduler fills Sender; CreatedAt is stamped at
// post time).
func Decode(data []byte) (gridaddr.Envelope, error) {
	var w Envelope
	if err := json.Unmarshal(data, &w); err != nil {
		return gridaddr.Envelope{}, fmt.Errorf("wire: decode envelope: %w", err)
	}
	return FromWireEnvelope(w)
}

// FromWireEnvelope converts an already-parsed wire.Envelope into a
// gridaddr.Envelope, used by transports (like grpcfeeder) that receive a
// structured Envelope value rather than raw bytes.
func FromWireEnvelope(w Envelope) (gridaddr.Envelope, error) {
	if w.Receiver == "" {
		return gridaddr.Envelope{}, fmt.Errorf("wire: envelope missing receiver")
	}
	if w.Command == "" {
		return gridaddr.Envelope{}, fmt.Errorf("wire: envelope missing command")
	}

	params, err := decodeParams(w.Params)
	if err != nil {
		return gridaddr.Envelope{}, err
	}

	return gridaddr.Envelope{
		Receiver:  gridaddr.ParseAddress(w.Receiver),
		Event:     gridaddr.NewMessage(0, w.Command, params),
		TimeoutMS: w.TimeoutMS,
	}, nil
}

func decodeParams(raw json.RawMessage) (*gridaddr.ParamNode, error) {
	if len(raw) == 0 {
		return gridaddr.NewNull(), nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("wire: decode params: %w", err)
	}
	return fromAny(v), nil
}

func fromAny(v interface{}) *gridaddr.ParamNode {
	switch t := v.(type) {
	case nil:
		return gridaddr.NewNull()
	case bool:
		return gridaddr.NewBool(t)
	case string:
		return gridaddr.NewString(t)
	case float64:
		if t == float64(int64(t)) {
			return gridaddr.NewInt(int64(t))
		}
		return gridaddr.NewFloat(t)
	case []interface{}:
		items := make([]*gridaddr.ParamNode, len(t))
		for i, e := range t {
			items[i] = fromAny(e)
		}
		return gridaddr.NewList(items...)
	case map[string]interface{}:
		m := gridaddr.NewMap()
		for k, e := range t {
			m.Set(k, fromAny(e))
		}
		return m
	default:
		return gridaddr.NewNull()
	}
}

// Encode renders a ParamNode result back to wire JSON, used by feeders
// that must return a synchronous reply to the originating transport
// (e.g. the gRPC feeder's stream waiting on the grid's response).
func Encode(p *gridaddr.ParamNode) ([]byte, error) {
	return json.Marshal(toAny(p))
}

func toAny(p *gridaddr.ParamNode) interface{} {
	if p == nil {
		return nil
	}
	switch p.Kind {
	case gridaddr.KindNull:
		return nil
	case gridaddr.KindBool:
		return p.BoolVal
	case gridaddr.KindString:
		return p.StringVal
	case gridaddr.KindInt:
		return p.IntVal
	case gridaddr.KindUint:
		return p.UintVal
	case gridaddr.KindFloat:
		return p.FloatVal
	case gridaddr.KindBinary:
		return p.BinaryVal
	case gridaddr.KindDateTime:
		return p.DateTimeVal
	case gridaddr.KindList:
		out := make([]interface{}, len(p.List))
		for i, e := range p.List {
			out[i] = toAny(e)
		}
		return out
	case gridaddr.KindMap:
		out := make(map[string]interface{}, len(p.Map))
		for k, e := range p.Map {
			out[k] = toAny(e)
		}
		return out
	default:
		return nil
	}
}
