// Package rpc exposes the tag store and consensus engine to the upstream
// tracking pipeline over gRPC.
//
// Messages are google.protobuf.Struct values whose fields use the same
// snake_case names as the JSON API, so no generated code is needed.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/tagconsensus/internal/monitoring"
	"github.com/banshee-data/tagconsensus/internal/tagging"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "tagging.v1.TagService"

var logf = monitoring.Component("gRPC")

// TagServiceServer is the server side of TagService.
type TagServiceServer interface {
	SubmitTag(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetConsensus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RecomputeFrame(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func unaryHandler(call func(TagServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error), method string) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(TagServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(TagServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// TagServiceDesc describes TagService for grpc.Server.RegisterService.
var TagServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TagServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SubmitTag", Handler: unaryHandler(TagServiceServer.SubmitTag, "SubmitTag")},
		{MethodName: "GetConsensus", Handler: unaryHandler(TagServiceServer.GetConsensus, "GetConsensus")},
		{MethodName: "RecomputeFrame", Handler: unaryHandler(TagServiceServer.RecomputeFrame, "RecomputeFrame")},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tagging/v1/tag_service.proto",
}

// Store is what the service needs from the tag store.
type Store interface {
	Ping() error
	SubmitTag(tag *tagging.Tag) (int64, error)
	GetConsensus(key tagging.TagKey) (*tagging.ConsensusRecord, error)
}

// Engine is what the service needs from the consensus engine.
type Engine interface {
	UpdateAllConsensus(videoID string, frameNum int64) ([]tagging.ConsensusRecord, error)
}

// Service implements TagServiceServer.
type Service struct {
	store  Store
	engine Engine
}

var _ TagServiceServer = (*Service)(nil)

// NewService creates a Service.
func NewService(store Store, engine Engine) *Service {
	return &Service{store: store, engine: engine}
}

// SubmitTag stores one tag and returns {"tag_id": n}.
func (s *Service) SubmitTag(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	key, err := keyFrom(in, true)
	if err != nil {
		return nil, err
	}
	fields := in.GetFields()
	tag := &tagging.Tag{
		VideoID:    key.VideoID,
		FrameNum:   key.FrameNum,
		TrackID:    key.TrackID,
		PlayerName: fields["player_name"].GetStringValue(),
		UserID:     fields["user_id"].GetStringValue(),
		Confidence: tagging.DefaultConfidence,
		Metadata: tagging.TagMetadata{
			Team:       fields["team"].GetStringValue(),
			IPAddress:  peerIP(ctx),
			SessionID:  fields["session_id"].GetStringValue(),
			DeviceInfo: fields["device_info"].GetStringValue(),
		},
	}
	if c, ok, err := numberField(fields, "confidence"); err != nil {
		return nil, err
	} else if ok {
		tag.Confidence = c
	}
	if x, ok, err := numberField(fields, "x"); err != nil {
		return nil, err
	} else if ok {
		tag.Metadata.X = &x
	}
	if y, ok, err := numberField(fields, "y"); err != nil {
		return nil, err
	} else if ok {
		tag.Metadata.Y = &y
	}

	id, err := s.store.SubmitTag(tag)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]interface{}{"tag_id": float64(id)})
}

// GetConsensus returns the stored record for a key, or NotFound.
func (s *Service) GetConsensus(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	key, err := keyFrom(in, true)
	if err != nil {
		return nil, err
	}
	rec, err := s.store.GetConsensus(key)
	if err != nil {
		return nil, toStatus(err)
	}
	if rec == nil {
		return nil, status.Errorf(codes.NotFound, "no consensus for %s", key)
	}
	return toStruct(rec)
}

// RecomputeFrame recalculates every track in a frame and returns
// {"records": [...], "count": n}.
func (s *Service) RecomputeFrame(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	key, err := keyFrom(in, false)
	if err != nil {
		return nil, err
	}
	records, err := s.engine.UpdateAllConsensus(key.VideoID, key.FrameNum)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]interface{}{"records": records, "count": len(records)})
}

func keyFrom(in *structpb.Struct, needTrack bool) (tagging.TagKey, error) {
	fields := in.GetFields()
	key := tagging.TagKey{VideoID: fields["video_id"].GetStringValue()}
	if key.VideoID == "" {
		return key, status.Error(codes.InvalidArgument, "video_id is required")
	}
	var err error
	if key.FrameNum, err = intField(fields, "frame_num", true); err != nil {
		return key, err
	}
	if key.TrackID, err = intField(fields, "track_id", needTrack); err != nil {
		return key, err
	}
	return key, nil
}

// maxExactInt is the largest magnitude a float64 holds without losing
// integer precision.
const maxExactInt = 1 << 53

func intField(fields map[string]*structpb.Value, name string, required bool) (int64, error) {
	v, ok := fields[name]
	if !ok {
		if required {
			return 0, status.Errorf(codes.InvalidArgument, "%s is required", name)
		}
		return 0, nil
	}
	n, isNum := v.GetKind().(*structpb.Value_NumberValue)
	if !isNum || n.NumberValue != math.Trunc(n.NumberValue) || math.Abs(n.NumberValue) > maxExactInt {
		return 0, status.Errorf(codes.InvalidArgument, "%s must be an integer", name)
	}
	return int64(n.NumberValue), nil
}

// numberField returns a finite number field. ok is false when the field is
// absent.
func numberField(fields map[string]*structpb.Value, name string) (v float64, ok bool, err error) {
	f, present := fields[name]
	if !present {
		return 0, false, nil
	}
	n, isNum := f.GetKind().(*structpb.Value_NumberValue)
	if !isNum || math.IsNaN(n.NumberValue) || math.IsInf(n.NumberValue, 0) {
		return 0, false, status.Errorf(codes.InvalidArgument, "%s must be a finite number", name)
	}
	return n.NumberValue, true, nil
}

// peerIP is the caller's host, recorded with the tag like the HTTP path does.
func peerIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(p.Addr.String())
	if err != nil {
		return p.Addr.String()
	}
	return host
}

// toStruct converts v to a Struct through its JSON form so field names match
// the HTTP API.
func toStruct(v interface{}) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, tagging.ErrInvalidTag):
		return status.Error(codes.InvalidArgument, err.Error())
	case tagging.IsStorageError(err):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// LoggingInterceptor logs every unary call with its status code and duration.
func LoggingInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	logf("%s %s %.2fms", info.FullMethod, status.Code(err), float64(time.Since(start).Nanoseconds())/1e6)
	return resp, err
}
