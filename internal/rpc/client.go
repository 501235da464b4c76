package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/tagconsensus/internal/tagging"
)

// Client calls TagService over an existing connection.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps conn.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (c *Client) invoke(ctx context.Context, method string, in map[string]interface{}) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// SubmitTag sends tag and returns its id.
func (c *Client) SubmitTag(ctx context.Context, tag *tagging.Tag) (int64, error) {
	in := map[string]interface{}{
		"video_id":    tag.VideoID,
		"frame_num":   float64(tag.FrameNum),
		"track_id":    float64(tag.TrackID),
		"player_name": tag.PlayerName,
		"user_id":     tag.UserID,
		"confidence":  tag.Confidence,
	}
	if tag.Metadata.X != nil {
		in["x"] = *tag.Metadata.X
	}
	if tag.Metadata.Y != nil {
		in["y"] = *tag.Metadata.Y
	}
	if tag.Metadata.Team != "" {
		in["team"] = tag.Metadata.Team
	}
	if tag.Metadata.SessionID != "" {
		in["session_id"] = tag.Metadata.SessionID
	}
	if tag.Metadata.DeviceInfo != "" {
		in["device_info"] = tag.Metadata.DeviceInfo
	}

	out, err := c.invoke(ctx, "SubmitTag", in)
	if err != nil {
		return 0, err
	}
	return int64(out.GetFields()["tag_id"].GetNumberValue()), nil
}

// GetConsensus fetches the stored record for key. A missing record is a
// NotFound status error.
func (c *Client) GetConsensus(ctx context.Context, key tagging.TagKey) (*structpb.Struct, error) {
	return c.invoke(ctx, "GetConsensus", map[string]interface{}{
		"video_id":  key.VideoID,
		"frame_num": float64(key.FrameNum),
		"track_id":  float64(key.TrackID),
	})
}

// RecomputeFrame recalculates every track of a frame and returns the number
// of records written.
func (c *Client) RecomputeFrame(ctx context.Context, videoID string, frameNum int64) (int, error) {
	out, err := c.invoke(ctx, "RecomputeFrame", map[string]interface{}{
		"video_id":  videoID,
		"frame_num": float64(frameNum),
	})
	if err != nil {
		return 0, err
	}
	return int(out.GetFields()["count"].GetNumberValue()), nil
}
