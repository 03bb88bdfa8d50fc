package streams

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/threadgate/internal/errdefs"
	"github.com/haasonsaas/threadgate/pkg/models"
)

func newTestManager() *Manager {
	return NewManager(NewMemoryStore(), WithPollInterval(10*time.Millisecond))
}

func TestManager_AppendAndRead(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()
	handle, err := m.Create(ctx, "thread-1", "tenant-1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	for i, text := range []string{"Hel", "lo", "!"} {
		seq, err := m.AppendText(ctx, handle, text)
		if err != nil {
			t.Fatalf("AppendText() error = %v", err)
		}
		if seq != int64(i+1) {
			t.Errorf("seq = %d, want %d", seq, i+1)
		}
	}
	if _, err := m.AppendEvent(ctx, handle, models.ChunkToolCall, map[string]string{"name": "ask_human"}); err != nil {
		t.Fatalf("AppendEvent() error = %v", err)
	}

	snap, err := m.Read(ctx, handle, 2)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(snap.Chunks) != 2 || snap.Chunks[0].Text != "!" || snap.NextOffset != 4 {
		t.Errorf("Read(2) = %+v", snap)
	}
	if snap.Stream.Content != "Hello!" {
		t.Errorf("Content = %q, want Hello!", snap.Stream.Content)
	}
}

func TestManager_TerminalStream(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()
	handle, _ := m.Create(ctx, "thread-1", "tenant-1")
	m.AppendText(ctx, handle, "partial")

	stream, err := m.Finish(ctx, handle, models.StreamError, "provider unavailable")
	if err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if stream.Status != models.StreamError || stream.FinishedAt == nil {
		t.Errorf("Finish() = %+v", stream)
	}

	if _, err := m.AppendText(ctx, handle, "late"); !errors.Is(err, errdefs.ErrConflict) {
		t.Errorf("AppendText after finish error = %v, want ErrConflict", err)
	}
	if _, err := m.Finish(ctx, handle, models.StreamDone, ""); !errors.Is(err, errdefs.ErrConflict) {
		t.Errorf("second Finish() error = %v, want ErrConflict", err)
	}
	again, err := m.Finish(ctx, handle, models.StreamError, "retry gave up")
	if err != nil {
		t.Fatalf("repeat Finish() error = %v", err)
	}
	if again.Error != "provider unavailable" || !again.FinishedAt.Equal(*stream.FinishedAt) {
		t.Errorf("repeat Finish() = %+v, want the first outcome kept", again)
	}

	start := time.Now()
	snap, err := m.Wait(ctx, handle, 1, time.Second)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("Wait blocked on a terminal stream")
	}
	if snap.Stream.Content != "partial" || snap.Stream.Error != "provider unavailable" {
		t.Errorf("snapshot = %+v", snap.Stream)
	}
}

func TestManager_FinishRequiresTerminalStatus(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()
	handle, _ := m.Create(ctx, "thread-1", "tenant-1")
	if _, err := m.Finish(ctx, handle, models.StreamStreaming, ""); err == nil {
		t.Error("expected error finishing with non-terminal status")
	}
}

func TestManager_WaitWakesOnAppend(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore(), WithPollInterval(time.Hour))
	handle, _ := m.Create(ctx, "thread-1", "tenant-1")

	go func() {
		time.Sleep(20 * time.Millisecond)
		m.AppendText(ctx, handle, "tick")
	}()

	snap, err := m.Wait(ctx, handle, 0, 2*time.Second)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if len(snap.Chunks) != 1 || snap.Chunks[0].Text != "tick" {
		t.Errorf("Wait() chunks = %+v", snap.Chunks)
	}
}

func TestManager_WaitTimesOut(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()
	handle, _ := m.Create(ctx, "thread-1", "tenant-1")

	snap, err := m.Wait(ctx, handle, 0, 30*time.Millisecond)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if len(snap.Chunks) != 0 || snap.Stream.Status.Terminal() {
		t.Errorf("Wait() = %+v", snap)
	}
}

func TestManager_SubscribeFromOffset(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m := newTestManager()
	handle, _ := m.Create(ctx, "thread-1", "tenant-1")
	m.AppendText(ctx, handle, "a")
	m.AppendText(ctx, handle, "b")

	events, err := m.Subscribe(ctx, handle, 1)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		m.AppendText(ctx, handle, "c")
		m.Finish(ctx, handle, models.StreamDone, "")
	}()

	var texts []string
	var final *models.Stream
	for ev := range events {
		if ev.Chunk != nil {
			texts = append(texts, ev.Chunk.Text)
		}
		if ev.Final != nil {
			final = ev.Final
		}
	}
	if len(texts) != 2 || texts[0] != "b" || texts[1] != "c" {
		t.Errorf("texts = %v, want [b c]", texts)
	}
	if final == nil || final.Status != models.StreamDone || final.Content != "abc" {
		t.Errorf("final = %+v", final)
	}
}

func TestManager_SubscribeFinishedStream(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()
	handle, _ := m.Create(ctx, "thread-1", "tenant-1")
	m.AppendText(ctx, handle, "done text")
	m.Finish(ctx, handle, models.StreamDone, "")

	events, err := m.Subscribe(ctx, handle, 0)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	var count int
	var sawFinal bool
	for ev := range events {
		count++
		if ev.Final != nil {
			sawFinal = true
		}
	}
	if count != 2 || !sawFinal {
		t.Errorf("events = %d, final = %v; want chunk then final", count, sawFinal)
	}
}

func TestManager_SubscribeUnknownStream(t *testing.T) {
	m := newTestManager()
	if _, err := m.Subscribe(context.Background(), "missing", 0); !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("Subscribe() error = %v, want ErrNotFound", err)
	}
}

func TestManager_ResetClearsContent(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()
	handle, _ := m.Create(ctx, "thread-1", "tenant-1")
	m.AppendText(ctx, handle, "partial ")

	seq, err := m.Reset(ctx, handle, map[string]any{"attempt": 2})
	if err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if seq != 2 {
		t.Errorf("Reset() seq = %d, want 2", seq)
	}
	m.AppendText(ctx, handle, "complete")

	snap, err := m.Read(ctx, handle, 0)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if snap.Stream.Content != "complete" {
		t.Errorf("Content = %q, want complete", snap.Stream.Content)
	}
	if len(snap.Chunks) != 3 || snap.Chunks[1].Type != models.ChunkReset {
		t.Errorf("chunks = %+v, want text, reset, text", snap.Chunks)
	}
}
