package replay

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"tickflow/collector"
	"tickflow/config"
	"tickflow/models"
)

type sinkEvents struct {
	mu      sync.Mutex
	records []models.RawRecord
}

func (s *sinkEvents) OnConnected()                              {}
func (s *sinkEvents) OnDisconnected(err error)                  {}
func (s *sinkEvents) OnLoginResponse(ok bool, err error)        {}
func (s *sinkEvents) OnSubscribeResponse(string, bool, error)   {}
func (s *sinkEvents) OnMarketData(raw models.RawRecord) {
	s.mu.Lock()
	s.records = append(s.records, raw)
	s.mu.Unlock()
}

func (s *sinkEvents) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func writeCapture(t *testing.T, frames ...[]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.jsonl")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create capture: %v", err)
	}
	defer f.Close()
	for _, fr := range frames {
		fmt.Fprintf(f, `{"kind":"dce","payload":%q}`+"\n", base64.StdEncoding.EncodeToString(fr))
	}
	return path
}

func TestPlayerEmitsCapture(t *testing.T) {
	path := writeCapture(t, []byte("frame-a"), []byte("frame-b"))
	p := New("replay", config.ReplayConfig{Path: path})
	ev := &sinkEvents{}

	if err := p.Connect(context.Background(), ev); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := p.Login(context.Background(), collector.Credentials{}); err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := p.Subscribe(context.Background(), []string{"m2609"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer p.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && ev.count() < 2 {
		time.Sleep(5 * time.Millisecond)
	}

	ev.mu.Lock()
	defer ev.mu.Unlock()
	if len(ev.records) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(ev.records))
	}
	if string(ev.records[0].Payload) != "frame-a" || ev.records[0].Kind != "dce" {
		t.Errorf("first frame wrong: %+v", ev.records[0])
	}
	if ev.records[0].SourceTag != "replay" {
		t.Errorf("source tag %q", ev.records[0].SourceTag)
	}
}

func TestPlayerLoops(t *testing.T) {
	path := writeCapture(t, []byte("x"))
	p := New("replay", config.ReplayConfig{Path: path, Loop: true, Interval: time.Millisecond})
	ev := &sinkEvents{}
	if err := p.Connect(context.Background(), ev); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := p.Subscribe(context.Background(), nil); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && ev.count() < 3 {
		time.Sleep(5 * time.Millisecond)
	}
	p.Close()
	if ev.count() < 3 {
		t.Fatalf("loop mode emitted only %d frames", ev.count())
	}
}

func TestPlayerMissingFile(t *testing.T) {
	p := New("replay", config.ReplayConfig{Path: "/nonexistent/capture.jsonl"})
	if err := p.Connect(context.Background(), &sinkEvents{}); err == nil {
		t.Fatal("expected error for missing capture file")
	}
}

func TestPlayerSkipsBadLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.jsonl")
	content := "not json\n" + fmt.Sprintf(`{"kind":"dce","payload":%q}`+"\n", base64.StdEncoding.EncodeToString([]byte("ok")))
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write capture: %v", err)
	}
	p := New("replay", config.ReplayConfig{Path: path})
	ev := &sinkEvents{}
	if err := p.Connect(context.Background(), ev); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := p.Subscribe(context.Background(), nil); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer p.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && ev.count() < 1 {
		time.Sleep(5 * time.Millisecond)
	}
	if ev.count() != 1 {
		t.Fatalf("expected 1 good frame, got %d", ev.count())
	}
}
