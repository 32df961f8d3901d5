package workerpool

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestPool_RunsAllTasks(t *testing.T) {
	p := New("test", 4, 16, testLogger())

	var count atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		if !p.Submit(func() {
			defer wg.Done()
			count.Add(1)
		}) {
			t.Fatal("Expected submit to succeed")
		}
	}
	wg.Wait()
	p.Shutdown()

	if count.Load() != 100 {
		t.Errorf("Expected 100 tasks, got %d", count.Load())
	}
}

func TestPool_RecoversPanic(t *testing.T) {
	p := New("test", 1, 4, testLogger())

	done := make(chan struct{})
	p.Submit(func() { panic("boom") })
	p.Submit(func() { close(done) })

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Worker did not survive a panicking task")
	}
	p.Shutdown()

	if p.Panics() != 1 {
		t.Errorf("Expected 1 panic, got %d", p.Panics())
	}
}

func TestPool_TrySubmitWhenFull(t *testing.T) {
	p := New("test", 1, 1, testLogger())

	block := make(chan struct{})
	started := make(chan struct{})
	p.Submit(func() {
		close(started)
		<-block
	})
	<-started

	if !p.TrySubmit(func() {}) {
		t.Fatal("Expected queue slot to be free")
	}
	if p.TrySubmit(func() {}) {
		t.Error("Expected TrySubmit to fail on a full queue")
	}
	if p.Pending() != 1 {
		t.Errorf("Expected 1 pending task, got %d", p.Pending())
	}

	close(block)
	p.Shutdown()
}

func TestPool_SubmitAfterShutdown(t *testing.T) {
	p := New("test", 2, 2, testLogger())
	p.Shutdown()
	p.Shutdown()

	if p.Submit(func() {}) {
		t.Error("Expected Submit to fail after shutdown")
	}
	if p.TrySubmit(func() {}) {
		t.Error("Expected TrySubmit to fail after shutdown")
	}
}

func TestPool_ShutdownDrainsQueue(t *testing.T) {
	p := New("test", 1, 10, testLogger())

	var count atomic.Int32
	for i := 0; i < 10; i++ {
		p.Submit(func() {
			time.Sleep(time.Millisecond)
			count.Add(1)
		})
	}
	p.Shutdown()

	if count.Load() != 10 {
		t.Errorf("Expected queued tasks to finish, got %d", count.Load())
	}
}
