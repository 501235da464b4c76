package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/banshee-data/tagconsensus/internal/db"
	"github.com/banshee-data/tagconsensus/internal/httputil"
	"github.com/banshee-data/tagconsensus/internal/tagging"
	"github.com/banshee-data/tagconsensus/internal/tagging/storage/sqlite"
	"github.com/banshee-data/tagconsensus/internal/testutil"
	"github.com/banshee-data/tagconsensus/internal/version"
)

func seedDB(t *testing.T, tags ...tagging.Tag) string {
	t.Helper()
	path := testutil.TempDBPath(t)
	d, err := db.NewDB(path)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	defer d.Close()

	store := sqlite.NewTagStore(d.DB, nil)
	for i := range tags {
		if _, err := store.SubmitTag(&tags[i]); err != nil {
			t.Fatalf("Failed to seed tag: %v", err)
		}
	}
	return path
}

func seedTag(track int64, name, user string) tagging.Tag {
	return tagging.Tag{VideoID: "match-1", FrameNum: 10, TrackID: track, PlayerName: name, UserID: user, Confidence: 0.8}
}

func TestFlagDefaults(t *testing.T) {
	fs, g := newFlagSet(io.Discard)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if g.configPath != "" || g.dbPath != "" || g.listen != "" || g.grpcListen != "" || g.showVersion {
		t.Errorf("expected empty defaults, got %+v", g)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	cfg, err := loadConfig(&globalFlags{
		configPath: "../../config/tagging.example.yaml",
		dbPath:     "/tmp/override.db",
		grpcListen: ":9999",
	})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.DBPath != "/tmp/override.db" {
		t.Errorf("DBPath = %q, want override", cfg.DBPath)
	}
	if cfg.GRPCListen != ":9999" {
		t.Errorf("GRPCListen = %q, want :9999", cfg.GRPCListen)
	}
	if cfg.Consensus.MinVotes != 3 {
		t.Errorf("MinVotes = %d, want 3 from the example file", cfg.Consensus.MinVotes)
	}

	if _, err := loadConfig(&globalFlags{configPath: "missing.json"}); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestRunVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"-version"}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit code %d, stderr: %s", code, stderr.String())
	}
	if got := strings.TrimSpace(stdout.String()); got != version.String() {
		t.Errorf("version output = %q, want %q", got, version.String())
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"-db", testutil.TempDBPath(t), "frobnicate"}, &stdout, &stderr); code != 2 {
		t.Errorf("exit code %d, want 2", code)
	}
	if !strings.Contains(stderr.String(), `unknown command "frobnicate"`) {
		t.Errorf("stderr missing unknown command message: %s", stderr.String())
	}
}

func TestRunMigrate(t *testing.T) {
	path := testutil.TempDBPath(t)
	var stdout, stderr bytes.Buffer

	if code := run([]string{"-db", path, "migrate", "up"}, &stdout, &stderr); code != 0 {
		t.Fatalf("migrate up exit code %d, stderr: %s", code, stderr.String())
	}
	stdout.Reset()
	if code := run([]string{"-db", path, "migrate", "status"}, &stdout, &stderr); code != 0 {
		t.Fatalf("migrate status exit code %d, stderr: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "Dirty: false") {
		t.Errorf("unexpected status output: %s", stdout.String())
	}

	if code := run([]string{"-db", path, "migrate"}, &stdout, &stderr); code != 1 {
		t.Errorf("migrate without action exit code %d, want 1", code)
	}
}

func TestRunRecompute(t *testing.T) {
	path := seedDB(t,
		seedTag(1, "Alex", "u1"),
		seedTag(1, "Alex", "u2"),
		seedTag(2, "Sam", "u1"),
	)

	var stdout, stderr bytes.Buffer
	if code := run([]string{"-db", path, "recompute", "-video", "match-1", "-frame", "10"}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit code %d, stderr: %s", code, stderr.String())
	}
	var resp struct {
		Records []tagging.ConsensusRecord `json:"records"`
		Count   int                       `json:"count"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		t.Fatalf("decode output: %v\n%s", err, stdout.String())
	}
	if resp.Count != 2 || len(resp.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", resp.Count)
	}
	if resp.Records[0].Status != tagging.StatusConfirmed {
		t.Errorf("track 1 status = %s, want confirmed", resp.Records[0].Status)
	}
	if resp.Records[1].Status != tagging.StatusPending {
		t.Errorf("track 2 status = %s, want pending", resp.Records[1].Status)
	}

	stdout.Reset()
	if code := run([]string{"-db", path, "recompute", "-video", "match-1", "-frame", "10", "-track", "2"}, &stdout, &stderr); code != 0 {
		t.Fatalf("single track exit code %d, stderr: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), `"count": 1`) {
		t.Errorf("expected one record, got %s", stdout.String())
	}

	if code := run([]string{"-db", path, "recompute", "-frame", "10"}, &stdout, &stderr); code != 1 {
		t.Errorf("missing -video exit code %d, want 1", code)
	}
}

func TestRunReputationRefresh(t *testing.T) {
	path := seedDB(t, seedTag(1, "Alex", "u1"), seedTag(1, "Alex", "u2"))

	var stdout, stderr bytes.Buffer
	if code := run([]string{"-db", path, "reputation", "refresh"}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit code %d, stderr: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "Refreshed 2 reputation(s)") {
		t.Errorf("unexpected output: %s", stdout.String())
	}

	if code := run([]string{"-db", path, "reputation"}, &stdout, &stderr); code != 1 {
		t.Errorf("reputation without action exit code %d, want 1", code)
	}
}

func TestRunRemote(t *testing.T) {
	t.Run("stats", func(t *testing.T) {
		mock := httputil.NewMockHTTPClient().AddResponse(http.StatusOK, `{"total_tags":4,"consensus_count":1,"unique_users":2}`)
		var out bytes.Buffer
		if err := runRemote([]string{"-url", "http://tagger:8090/", "stats", "-video", "match 1"}, &out, mock); err != nil {
			t.Fatalf("runRemote: %v", err)
		}
		req := mock.Requests[0]
		if got := req.URL.String(); got != "http://tagger:8090/api/tagging/stats?video_id=match+1" {
			t.Errorf("request URL = %s", got)
		}
		if !strings.Contains(out.String(), `"total_tags": 4`) {
			t.Errorf("unexpected output: %s", out.String())
		}
	})

	t.Run("recompute", func(t *testing.T) {
		mock := httputil.NewMockHTTPClient().AddResponse(http.StatusOK, `{"records":[],"count":0,"conflicts":0}`)
		var out bytes.Buffer
		if err := runRemote([]string{"recompute", "-video", "match-1", "-frame", "3", "-track", "7"}, &out, mock); err != nil {
			t.Fatalf("runRemote: %v", err)
		}
		req := mock.Requests[0]
		if req.Method != http.MethodPost || req.URL.Path != "/api/tagging/consensus/recompute" {
			t.Errorf("unexpected request %s %s", req.Method, req.URL.Path)
		}
		body, _ := io.ReadAll(req.Body)
		var sent map[string]interface{}
		if err := json.Unmarshal(body, &sent); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		if sent["video_id"] != "match-1" || sent["frame_num"] != float64(3) || sent["track_id"] != float64(7) {
			t.Errorf("unexpected request body: %v", sent)
		}
	})

	t.Run("server error", func(t *testing.T) {
		mock := httputil.NewMockHTTPClient().AddResponse(http.StatusServiceUnavailable, `{"error":"data unavailable"}`)
		err := runRemote([]string{"stats"}, io.Discard, mock)
		if err == nil || !strings.Contains(err.Error(), "data unavailable") {
			t.Errorf("expected data unavailable error, got %v", err)
		}
	})

	t.Run("unknown", func(t *testing.T) {
		if err := runRemote([]string{"frobnicate"}, io.Discard, httputil.NewMockHTTPClient()); err == nil {
			t.Error("expected error for unknown remote command")
		}
	})
}
