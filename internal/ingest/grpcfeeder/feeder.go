// Package grpcfeeder exposes a gRPC bidirectional streaming endpoint that
// feeds wire.Envelope submissions into a scheduler and streams back each
// one's response. It defines its own ServiceDesc by hand (no generated
// stubs) and carries messages as raw JSON over gRPC's codec extension
// point, since the wire format is already JSON end to end.
package grpcfeeder

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"go.nodegrid.dev/nodegrid/internal/gridaddr"
	"go.nodegrid.dev/nodegrid/internal/ingest/wire"
	"go.nodegrid.dev/nodegrid/internal/reqhandler"
)

const codecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec satisfies grpc's encoding.Codec by delegating to
// encoding/json, letting this service exchange wire.Envelope values
// without a .proto-generated message type.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string { return codecName }

// submitRequest/submitResponse are the wire shapes exchanged over the
// stream; submitRequest embeds wire.Envelope directly, submitResponse
// reports the grid's result keyed back by the client-supplied Tag so
// callers can match replies on a single shared stream.
type submitRequest struct {
	Tag string `json:"tag"`
	wire.Envelope
}

type submitResponse struct {
	Tag    string              `json:"tag"`
	Status gridaddr.StatusCode `json:"status"`
	Result json.RawMessage     `json:"result,omitempty"`
	Error  string              `json:"error,omitempty"`
}

// Poster is the scheduler surface the feeder posts decoded envelopes to.
type Poster interface {
	PostEnvelope(env gridaddr.Envelope, handler reqhandler.Handler) error
	NextRequestID() gridaddr.RequestID
}

// Feeder implements the hand-rolled gRPC service.
type Feeder struct {
	poster Poster
}

// New builds a Feeder bound to poster.
func New(poster Poster) *Feeder {
	return &Feeder{poster: poster}
}

// Register attaches the feeder's service to server using its manually
// constructed ServiceDesc.
func (f *Feeder) Register(server *grpc.Server) {
	server.RegisterService(&serviceDesc, f)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "nodegrid.ingest.Feeder",
	HandlerType: (*any)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Submit",
			Handler:       submitHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "nodegrid/ingest/feeder.proto",
}

func submitHandler(srv interface{}, stream grpc.ServerStream) error {
	f := srv.(*Feeder)
	ctx := stream.Context()

	for {
		var req submitRequest
		if err := stream.RecvMsg(&req); err != nil {
			return err
		}
		if err := f.handleOne(ctx, stream, req); err != nil {
			log.Warn().Err(err).Str("tag", req.Tag).Msg("grpc feeder: submit failed")
		}
	}
}

func (f *Feeder) handleOne(ctx context.Context, stream grpc.ServerStream, req submitRequest) error {
	env, err := wire.FromWireEnvelope(req.Envelope)
	if err != nil {
		return stream.SendMsg(&submitResponse{Tag: req.Tag, Status: gridaddr.StatusWrongParams, Error: err.Error()})
	}
	env.Event.RequestID = f.poster.NextRequestID()

	handler := &streamHandler{tag: req.Tag, stream: stream}
	return f.poster.PostEnvelope(env, handler)
}

// streamHandler writes the matching submitResponse back onto the shared
// stream once the grid answers; BeforeReqQueued is unused here since the
// gRPC client has no notion of "queued, not yet answered".
type streamHandler struct {
	tag    string
	stream grpc.ServerStream
}

func (h *streamHandler) BeforeReqQueued(gridaddr.Envelope) {}

func (h *streamHandler) HandleReqResult(_, resp gridaddr.Event) {
	h.send(resp.Status, resp.Result, "")
}

func (h *streamHandler) HandleReqError(_, resp gridaddr.Event) {
	h.send(resp.Status, nil, resp.Error.GetString())
}

func (h *streamHandler) send(status gridaddr.StatusCode, result *gridaddr.ParamNode, errMsg string) {
	var raw json.RawMessage
	if result != nil {
		if encoded, err := wire.Encode(result); err == nil {
			raw = encoded
		}
	}
	if err := h.stream.SendMsg(&submitResponse{Tag: h.tag, Status: status, Result: raw, Error: errMsg}); err != nil {
		log.Warn().Err(err).Str("tag", h.tag).Msg("grpc feeder: send response failed")
	}
}
