package grpcapi

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"realtime-pronunciation-service/internal/models"
)

// AudioStream is the client side of the StreamAudio call.
type AudioStream = grpc.BidiStreamingClient[wrapperspb.BytesValue, structpb.Struct]

// Client calls the evaluation service and decodes its Struct responses.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a client connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// CreateSession starts a session for sentence.
func (c *Client) CreateSession(ctx context.Context, sentence string, options map[string]any) (models.SessionCreated, error) {
	in, err := encodeStruct(models.CreateSessionRequest{Sentence: sentence, Options: options})
	if err != nil {
		return models.SessionCreated{}, err
	}
	var out models.SessionCreated
	err = c.invoke(ctx, "CreateSession", in, &out)
	return out, err
}

// EvaluateAudio sends one PCM chunk for sessionID.
func (c *Client) EvaluateAudio(ctx context.Context, sessionID string, chunk []byte) (models.EvaluationResponse, error) {
	ctx = metadata.AppendToOutgoingContext(ctx, SessionIDHeader, sessionID)
	var out models.EvaluationResponse
	err := c.invoke(ctx, "EvaluateAudio", wrapperspb.Bytes(chunk), &out)
	return out, err
}

// GetSessionStatus returns the progress snapshot of sessionID.
func (c *Client) GetSessionStatus(ctx context.Context, sessionID string) (models.StatusResponse, error) {
	var out models.StatusResponse
	err := c.invoke(ctx, "GetSessionStatus", wrapperspb.String(sessionID), &out)
	return out, err
}

// CloseSession releases sessionID.
func (c *Client) CloseSession(ctx context.Context, sessionID string) (models.CloseResponse, error) {
	var out models.CloseResponse
	err := c.invoke(ctx, "CloseSession", wrapperspb.String(sessionID), &out)
	return out, err
}

// StreamAudio opens a bidirectional audio stream for sessionID.
func (c *Client) StreamAudio(ctx context.Context, sessionID string) (AudioStream, error) {
	ctx = metadata.AppendToOutgoingContext(ctx, SessionIDHeader, sessionID)
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], "/"+ServiceName+"/StreamAudio")
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[wrapperspb.BytesValue, structpb.Struct]{ClientStream: stream}, nil
}

// DecodeResult converts a streamed Struct into an EvaluationResponse.
func DecodeResult(s *structpb.Struct) (models.EvaluationResponse, error) {
	var out models.EvaluationResponse
	if err := decodeStruct(s, &out); err != nil {
		return out, fmt.Errorf("decode result: %w", err)
	}
	return out, nil
}

func (c *Client) invoke(ctx context.Context, method string, in any, out any) error {
	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, resp); err != nil {
		return err
	}
	if err := decodeStruct(resp, out); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	return nil
}
