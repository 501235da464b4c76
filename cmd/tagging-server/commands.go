package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"

	"github.com/banshee-data/tagconsensus/internal/config"
	"github.com/banshee-data/tagconsensus/internal/db"
	"github.com/banshee-data/tagconsensus/internal/httputil"
	"github.com/banshee-data/tagconsensus/internal/tagging"
)

func runMigrate(args []string, cfg *config.Config, out io.Writer) error {
	return db.RunMigrateCommand(args, cfg.DBPath, out)
}

func writeJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// frameFlags parses -video, -frame and the optional -track.
type frameFlags struct {
	videoID  string
	frameNum int64
	trackID  int64
}

func parseFrameFlags(name string, args []string, out io.Writer) (*frameFlags, error) {
	f := &frameFlags{}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&f.videoID, "video", "", "Video identifier (required)")
	fs.Int64Var(&f.frameNum, "frame", -1, "Frame number (required)")
	fs.Int64Var(&f.trackID, "track", -1, "Track id; every track of the frame when omitted")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if f.videoID == "" {
		return nil, errors.New("-video is required")
	}
	if f.frameNum < 0 {
		return nil, errors.New("-frame is required")
	}
	return f, nil
}

func runRecompute(args []string, cfg *config.Config, out io.Writer) error {
	f, err := parseFrameFlags("recompute", args, out)
	if err != nil {
		return err
	}

	comps, err := openComponents(cfg)
	if err != nil {
		return err
	}
	defer comps.Close()

	records := []tagging.ConsensusRecord{}
	if f.trackID >= 0 {
		rec, err := comps.engine.CalculateConsensus(tagging.TagKey{VideoID: f.videoID, FrameNum: f.frameNum, TrackID: f.trackID})
		if err != nil {
			return err
		}
		if rec != nil {
			records = append(records, *rec)
		}
	} else if records, err = comps.engine.UpdateAllConsensus(f.videoID, f.frameNum); err != nil {
		return err
	}
	return writeJSON(out, map[string]interface{}{"records": records, "count": len(records)})
}

func runReputation(args []string, cfg *config.Config, out io.Writer) error {
	if len(args) != 1 || args[0] != "refresh" {
		return errors.New("usage: tagging-server reputation refresh")
	}

	comps, err := openComponents(cfg)
	if err != nil {
		return err
	}
	defer comps.Close()

	n, err := comps.store.RefreshReputations()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "✓ Refreshed %d reputation(s)\n", n)
	return nil
}

// runRemote queries a running server over its JSON API. client may be nil.
func runRemote(args []string, out io.Writer, client httputil.HTTPClient) error {
	fs := flag.NewFlagSet("remote", flag.ContinueOnError)
	fs.SetOutput(out)
	base := fs.String("url", "http://localhost:8090", "Base URL of the tagging server")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		return errors.New("usage: tagging-server remote -url URL <stats|recompute> [flags]")
	}

	api := httputil.NewAPIClient(*base, client)
	var resp map[string]interface{}

	switch rest[0] {
	case "stats":
		sfs := flag.NewFlagSet("stats", flag.ContinueOnError)
		sfs.SetOutput(out)
		videoID := sfs.String("video", "", "Restrict to one video")
		if err := sfs.Parse(rest[1:]); err != nil {
			return err
		}
		path := "/api/tagging/stats"
		if *videoID != "" {
			path += "?video_id=" + url.QueryEscape(*videoID)
		}
		if err := api.GetJSON(path, &resp); err != nil {
			return err
		}

	case "recompute":
		f, err := parseFrameFlags("recompute", rest[1:], out)
		if err != nil {
			return err
		}
		body := map[string]interface{}{"video_id": f.videoID, "frame_num": f.frameNum}
		if f.trackID >= 0 {
			body["track_id"] = f.trackID
		}
		if err := api.PostJSON("/api/tagging/consensus/recompute", body, &resp); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown remote command %q", rest[0])
	}
	return writeJSON(out, resp)
}
