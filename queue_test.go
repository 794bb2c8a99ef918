package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// fakeDriver simulates a voice session that finishes every track
// instantly by clearing the playing slot from inside the start call.
type fakeDriver struct {
	mu        sync.Mutex
	store     *QueueStore
	joined    map[snowflake.ID]bool
	started   []string
	leaves    int
	joinErr   error
	failURLs  map[string]error
	autoClear bool
}

func newFakeDriver(store *QueueStore) *fakeDriver {
	return &fakeDriver{
		store:     store,
		joined:    map[snowflake.ID]bool{},
		failURLs:  map[string]error{},
		autoClear: true,
	}
}

func (d *fakeDriver) start(chatID snowflake.ID, streamURL string) error {
	if err, ok := d.failURLs[streamURL]; ok {
		return err
	}
	d.started = append(d.started, streamURL)
	if d.autoClear {
		d.store.Get(chatID).ClearCurrent()
	}
	return nil
}

func (d *fakeDriver) Join(ctx context.Context, chatID snowflake.ID, streamURL string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.joinErr != nil {
		return d.joinErr
	}
	if d.joined[chatID] {
		return ErrAlreadyJoined
	}
	if err := d.start(chatID, streamURL); err != nil {
		return err
	}
	d.joined[chatID] = true
	return nil
}

func (d *fakeDriver) SwitchStream(ctx context.Context, chatID snowflake.ID, streamURL string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.joined[chatID] {
		return ErrNotJoined
	}
	return d.start(chatID, streamURL)
}

func (d *fakeDriver) Leave(ctx context.Context, chatID snowflake.ID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.leaves++
	delete(d.joined, chatID)
	return nil
}

func (d *fakeDriver) Pause(ctx context.Context, chatID snowflake.ID) error  { return nil }
func (d *fakeDriver) Resume(ctx context.Context, chatID snowflake.ID) error { return nil }

func (d *fakeDriver) startedURLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.started))
	copy(out, d.started)
	return out
}

func (d *fakeDriver) leaveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.leaves
}

func newTestSequencer(store *QueueStore, driver SessionDriver) *Sequencer {
	return &Sequencer{
		store:   store,
		driver:  driver,
		poll:    time.Millisecond,
		ceiling: time.Second,
	}
}

func waitIdle(t *testing.T, q *ChatQueue) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if q.IsIdle() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("queue never went idle")
}

func waitStarted(t *testing.T, d *fakeDriver, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(d.startedURLs()) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("driver never started %d streams, got %v", n, d.startedURLs())
}

func TestSequencerPlaysInOrder(t *testing.T) {
	store := NewQueueStore()
	driver := newFakeDriver(store)
	seq := newTestSequencer(store, driver)
	chatID := snowflake.ID(1)

	q := store.Get(chatID)
	urls := []string{"https://a", "https://b", "https://c"}
	for i, u := range urls {
		pos, wasIdle, err := q.Enqueue(Track{Title: u, StreamURL: u})
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		if pos != i+1 {
			t.Errorf("enqueue %d: position = %d, want %d", i, pos, i+1)
		}
		if wasIdle != true {
			// The sequencer is not started yet, so the queue stays idle.
			t.Errorf("enqueue %d: wasIdle = false, want true", i)
		}
	}

	if !seq.StartIfIdle(context.Background(), chatID) {
		t.Fatal("StartIfIdle returned false on idle queue")
	}
	waitIdle(t, q)

	got := driver.startedURLs()
	if len(got) != 3 || got[0] != urls[0] || got[1] != urls[1] || got[2] != urls[2] {
		t.Errorf("started = %v, want %v", got, urls)
	}
	if driver.leaveCount() != 1 {
		t.Errorf("leaves = %d, want 1", driver.leaveCount())
	}
	if _, playing := q.Current(); playing {
		t.Error("playing slot still occupied after drain")
	}
	if len(q.Pending()) != 0 {
		t.Errorf("pending = %d tracks, want 0", len(q.Pending()))
	}
}

func TestSequencerSingleRunPerChat(t *testing.T) {
	store := NewQueueStore()
	driver := newFakeDriver(store)
	driver.autoClear = false
	seq := newTestSequencer(store, driver)
	chatID := snowflake.ID(2)

	q := store.Get(chatID)
	if _, _, err := q.Enqueue(Track{StreamURL: "https://a"}); err != nil {
		t.Fatal(err)
	}

	if !seq.StartIfIdle(context.Background(), chatID) {
		t.Fatal("first StartIfIdle returned false")
	}
	if seq.StartIfIdle(context.Background(), chatID) {
		t.Error("second StartIfIdle started a concurrent run")
	}

	q.ClearCurrent()
	waitIdle(t, q)
}

func TestSequencerNoSessionPreservesPending(t *testing.T) {
	store := NewQueueStore()
	driver := newFakeDriver(store)
	driver.joinErr = ErrNoActiveSession
	seq := newTestSequencer(store, driver)
	chatID := snowflake.ID(3)

	q := store.Get(chatID)
	q.Enqueue(Track{Title: "a", StreamURL: "https://a"})
	q.Enqueue(Track{Title: "b", StreamURL: "https://b"})

	seq.StartIfIdle(context.Background(), chatID)
	waitIdle(t, q)

	pending := q.Pending()
	if len(pending) != 2 || pending[0].Title != "a" || pending[1].Title != "b" {
		t.Errorf("pending after aborted run = %v, want [a b]", pending)
	}
	if _, playing := q.Current(); playing {
		t.Error("playing slot occupied after aborted run")
	}
	if len(driver.startedURLs()) != 0 {
		t.Errorf("started = %v, want none", driver.startedURLs())
	}
}

func TestSequencerDropsFailedTrack(t *testing.T) {
	store := NewQueueStore()
	driver := newFakeDriver(store)
	driver.failURLs["https://bad"] = errors.New("boom")
	seq := newTestSequencer(store, driver)
	chatID := snowflake.ID(4)

	q := store.Get(chatID)
	q.Enqueue(Track{StreamURL: "https://bad"})
	q.Enqueue(Track{StreamURL: "https://good"})

	seq.StartIfIdle(context.Background(), chatID)
	waitIdle(t, q)

	got := driver.startedURLs()
	if len(got) != 1 || got[0] != "https://good" {
		t.Errorf("started = %v, want [https://good]", got)
	}
}

func TestSequencerCeilingForcesAdvance(t *testing.T) {
	store := NewQueueStore()
	driver := newFakeDriver(store)
	driver.autoClear = false
	seq := newTestSequencer(store, driver)
	seq.ceiling = 10 * time.Millisecond
	chatID := snowflake.ID(5)

	q := store.Get(chatID)
	q.Enqueue(Track{StreamURL: "https://stuck"})

	seq.StartIfIdle(context.Background(), chatID)
	waitIdle(t, q)

	if _, playing := q.Current(); playing {
		t.Error("ceiling did not clear the playing slot")
	}
}

func TestEnqueuePositionBehindCurrent(t *testing.T) {
	q := newChatQueue()
	if _, _, err := q.Enqueue(Track{StreamURL: "https://a"}); err != nil {
		t.Fatal(err)
	}
	if _, ok := q.takeNext(); !ok {
		t.Fatal("takeNext failed")
	}

	pos, _, err := q.Enqueue(Track{StreamURL: "https://b"})
	if err != nil {
		t.Fatal(err)
	}
	if pos != 2 {
		t.Errorf("position behind playing track = %d, want 2", pos)
	}
}

func TestEnqueueRateLimit(t *testing.T) {
	q := newChatQueue()
	var limited bool
	for i := 0; i < enqueueRateBurst+1; i++ {
		_, _, err := q.Enqueue(Track{StreamURL: "https://x"})
		if errors.Is(err, ErrQueueRateLimited) {
			limited = true
		}
	}
	if !limited {
		t.Error("burst overflow was not rate limited")
	}
}

func TestAdvanceToNext(t *testing.T) {
	q := newChatQueue()
	q.Enqueue(Track{Title: "a"})
	q.Enqueue(Track{Title: "b"})
	q.takeNext()

	next, ok := q.advanceToNext()
	if !ok || next.Title != "b" {
		t.Fatalf("advanceToNext = %v %v, want track b", next, ok)
	}
	cur, playing := q.Current()
	if !playing || cur.Title != "b" {
		t.Errorf("current after advance = %v, want b", cur)
	}

	if _, ok := q.advanceToNext(); ok {
		t.Error("advanceToNext on empty pending returned a track")
	}
	if _, playing := q.Current(); playing {
		t.Error("playing slot occupied after advancing past the end")
	}
}

func TestClearAllEmptiesEverything(t *testing.T) {
	q := newChatQueue()
	q.Enqueue(Track{Title: "a"})
	q.Enqueue(Track{Title: "b"})
	q.takeNext()

	if n := q.ClearAll(); n != 1 {
		t.Errorf("ClearAll = %d, want 1", n)
	}
	if _, playing := q.Current(); playing {
		t.Error("ClearAll left the playing slot occupied")
	}
	if len(q.Pending()) != 0 {
		t.Errorf("pending after ClearAll = %d tracks, want 0", len(q.Pending()))
	}

	// A fresh enqueue lands at position 1, nothing survived the clear.
	pos, _, err := q.Enqueue(Track{Title: "c"})
	if err != nil {
		t.Fatal(err)
	}
	if pos != 1 {
		t.Errorf("position after ClearAll = %d, want 1", pos)
	}
}

func TestTakeNextPrefersOccupiedSlot(t *testing.T) {
	q := newChatQueue()
	q.Enqueue(Track{Title: "a"})
	q.Enqueue(Track{Title: "b"})

	first, ok := q.takeNext()
	if !ok || first.Title != "a" {
		t.Fatalf("takeNext = %v %v, want track a", first, ok)
	}
	again, ok := q.takeNext()
	if !ok || again != first {
		t.Errorf("takeNext on occupied slot = %v, want the same reference", again)
	}
	if len(q.Pending()) != 1 {
		t.Errorf("pending = %d tracks, want 1", len(q.Pending()))
	}
}

func TestSlotCleanupRespectsSwap(t *testing.T) {
	q := newChatQueue()
	q.Enqueue(Track{Title: "a"})
	q.Enqueue(Track{Title: "b"})

	ref, _ := q.takeNext()
	swapped, ok := q.advanceToNext()
	if !ok || swapped.Title != "b" {
		t.Fatalf("advanceToNext = %v %v, want track b", swapped, ok)
	}

	// Stale cleanup against the replaced track must not touch the slot.
	if q.requeueFront(ref) {
		t.Error("requeueFront succeeded against a swapped slot")
	}
	q.clearIfCurrent(ref)
	cur, playing := q.Current()
	if !playing || cur.Title != "b" {
		t.Errorf("current after stale cleanup = %v %v, want b", cur, playing)
	}

	// Against the live reference both operations work.
	q.clearIfCurrent(swapped)
	if _, playing := q.Current(); playing {
		t.Error("clearIfCurrent left the live slot occupied")
	}
}

func TestSequencerRestartsAfterSkipHandback(t *testing.T) {
	store := NewQueueStore()
	driver := newFakeDriver(store)
	driver.autoClear = false
	seq := newTestSequencer(store, driver)
	chatID := snowflake.ID(6)

	q := store.Get(chatID)
	q.Enqueue(Track{Title: "a", StreamURL: "https://a"})
	q.Enqueue(Track{Title: "b", StreamURL: "https://b"})

	seq.StartIfIdle(context.Background(), chatID)
	waitStarted(t, driver, 1)

	// A skip whose optimistic switch failed hands the track back.
	ref, ok := q.advanceToNext()
	if !ok {
		t.Fatal("advanceToNext returned nothing")
	}
	if !q.requeueFront(ref) {
		t.Fatal("requeueFront rejected the skip handback")
	}

	waitStarted(t, driver, 2)
	got := driver.startedURLs()
	if got[1] != "https://b" {
		t.Errorf("restarted = %q, want https://b", got[1])
	}

	q.ClearCurrent()
	waitIdle(t, q)
}
