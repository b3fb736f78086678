// Package grpcapi exposes the session API over gRPC. Messages are protobuf
// well-known types: requests are Struct, BytesValue or StringValue and every
// response is a Struct carrying the JSON body of the session API.
package grpcapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"realtime-pronunciation-service/internal/models"
	"realtime-pronunciation-service/internal/observability"
	"realtime-pronunciation-service/internal/observability/logging"
	"realtime-pronunciation-service/internal/service/session"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "pronunciation.v1.EvaluationService"

// SessionIDHeader carries the session id for audio calls.
const SessionIDHeader = observability.SessionMetadataKey

// Sessions is the session API served over gRPC.
type Sessions interface {
	CreateSessionFromRequest(ctx context.Context, req models.CreateSessionRequest) (models.SessionCreated, error)
	Evaluate(ctx context.Context, id string, chunk []byte) (models.EvaluationResponse, error)
	Status(id string) (models.StatusResponse, error)
	Close(ctx context.Context, id string) (models.CloseResponse, bool)
}

// EvaluationServiceServer is the server API for the evaluation service.
type EvaluationServiceServer interface {
	CreateSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EvaluateAudio(context.Context, *wrapperspb.BytesValue) (*structpb.Struct, error)
	GetSessionStatus(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	CloseSession(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	StreamAudio(StreamAudioServer) error
}

// StreamAudioServer is the server side of the StreamAudio call.
type StreamAudioServer = grpc.BidiStreamingServer[wrapperspb.BytesValue, structpb.Struct]

// Server implements EvaluationServiceServer on top of the session registry.
type Server struct {
	sessions Sessions
	logger   zerolog.Logger
}

// NewServer creates a Server.
func NewServer(sessions Sessions) *Server {
	return &Server{
		sessions: sessions,
		logger:   logging.WithComponent("grpc-api"),
	}
}

// Register creates a Server and registers it on g.
func Register(g grpc.ServiceRegistrar, sessions Sessions) *Server {
	s := NewServer(sessions)
	g.RegisterService(&ServiceDesc, s)
	return s
}

func (s *Server) CreateSession(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req models.CreateSessionRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, errorStatus(codes.InvalidArgument, models.ErrorValidation, err.Error())
	}
	created, err := s.sessions.CreateSessionFromRequest(ctx, req)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return encodeStruct(created)
}

func (s *Server) EvaluateAudio(ctx context.Context, in *wrapperspb.BytesValue) (*structpb.Struct, error) {
	id, err := sessionID(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := s.sessions.Evaluate(ctx, id, in.GetValue())
	if err != nil {
		return nil, s.toStatus(err)
	}
	return encodeStruct(resp)
}

func (s *Server) GetSessionStatus(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	resp, err := s.sessions.Status(in.GetValue())
	if err != nil {
		return nil, s.toStatus(err)
	}
	return encodeStruct(resp)
}

func (s *Server) CloseSession(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	resp, _ := s.sessions.Close(ctx, in.GetValue())
	return encodeStruct(resp)
}

// StreamAudio evaluates every received chunk and replies with one result per
// chunk. The stream ends when the client half-closes or the session is gone.
func (s *Server) StreamAudio(stream StreamAudioServer) error {
	ctx := stream.Context()
	id, err := sessionID(ctx)
	if err != nil {
		return err
	}
	logger := s.logger.With().Str("sessionId", id).Logger()
	logger.Info().Msg("Audio stream opened")

	chunks := 0
	for {
		in, err := stream.Recv()
		if err == io.EOF {
			logger.Info().Int("chunks", chunks).Msg("Audio stream closed by client")
			return nil
		}
		if err != nil {
			logger.Warn().Err(err).Int("chunks", chunks).Msg("Audio stream receive failed")
			return err
		}
		chunks++

		resp, err := s.sessions.Evaluate(ctx, id, in.GetValue())
		if err != nil {
			return s.toStatus(err)
		}
		out, err := encodeStruct(resp)
		if err != nil {
			return err
		}
		if err := stream.Send(out); err != nil {
			return err
		}
	}
}

func sessionID(ctx context.Context) (string, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	if vals := md.Get(SessionIDHeader); len(vals) > 0 && vals[0] != "" {
		return vals[0], nil
	}
	return "", errorStatus(codes.InvalidArgument, models.ErrorValidation, "missing "+SessionIDHeader+" metadata")
}

func (s *Server) toStatus(err error) error {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return errorStatus(codes.NotFound, models.ErrorInvalidSession, session.InvalidSessionMessage)
	case errors.Is(err, session.ErrValidation):
		return errorStatus(codes.InvalidArgument, models.ErrorValidation, err.Error())
	default:
		s.logger.Error().Err(err).Msg("Unexpected session error")
		return errorStatus(codes.Internal, models.ErrorInternal, err.Error())
	}
}

// errorStatus builds a status carrying an ErrorBody as a Struct detail.
func errorStatus(code codes.Code, errCode, msg string) error {
	st := status.New(code, msg)
	body, err := encodeStruct(models.ErrorBody{Error: errCode, Message: msg})
	if err != nil {
		return st.Err()
	}
	if withDetails, err := st.WithDetails(body); err == nil {
		st = withDetails
	}
	return st.Err()
}

// ErrorBodyFrom extracts the ErrorBody attached to a status error.
func ErrorBodyFrom(err error) (models.ErrorBody, bool) {
	st, ok := status.FromError(err)
	if !ok {
		return models.ErrorBody{}, false
	}
	for _, d := range st.Details() {
		if s, ok := d.(*structpb.Struct); ok {
			var body models.ErrorBody
			if decodeStruct(s, &body) == nil {
				return body, true
			}
		}
	}
	return models.ErrorBody{}, false
}

func encodeStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func decodeStruct(s *structpb.Struct, out any) error {
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func createSessionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EvaluationServiceServer).CreateSession(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/CreateSession"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(EvaluationServiceServer).CreateSession(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func evaluateAudioHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EvaluationServiceServer).EvaluateAudio(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/EvaluateAudio"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(EvaluationServiceServer).EvaluateAudio(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func getSessionStatusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EvaluationServiceServer).GetSessionStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/GetSessionStatus"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(EvaluationServiceServer).GetSessionStatus(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func closeSessionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EvaluationServiceServer).CloseSession(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/CloseSession"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(EvaluationServiceServer).CloseSession(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func streamAudioHandler(srv any, stream grpc.ServerStream) error {
	return srv.(EvaluationServiceServer).StreamAudio(&grpc.GenericServerStream[wrapperspb.BytesValue, structpb.Struct]{ServerStream: stream})
}

// ServiceDesc describes the evaluation service for grpc.Server registration.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EvaluationServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateSession", Handler: createSessionHandler},
		{MethodName: "EvaluateAudio", Handler: evaluateAudioHandler},
		{MethodName: "GetSessionStatus", Handler: getSessionStatusHandler},
		{MethodName: "CloseSession", Handler: closeSessionHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamAudio",
			Handler:       streamAudioHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "pronunciation/v1/evaluation.proto",
}
