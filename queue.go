package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"golang.org/x/time/rate"
)

// ============================================================================
// Queue
// ============================================================================

const (
	MsgQueueRunStarted   = "[%s] Sequencer started"
	MsgQueueRunFinished  = "[%s] Queue drained, leaving voice"
	MsgQueueSessionLost  = "[%s] No active voice session, suspending queue (%d pending)"
	MsgQueueTrackDropped = "[%s] Dropped track after start failure: %s (%v)"
	MsgQueueNowPlaying   = "[%s] Now playing: %s"
	MsgQueueCeilingHit   = "[%s] Track exceeded playback ceiling, forcing advance: %s"
	MsgQueueLeaveFail    = "[%s] Best-effort leave failed: %v"

	// At most one enqueue per second per chat, bursting to five. Keeps a
	// misbehaving user from flooding the resolver.
	enqueueRatePerSec = 1
	enqueueRateBurst  = 5

	// How often the sequencer re-checks the playing slot, and the hard
	// ceiling after which a stuck track is forcibly advanced.
	defaultSequencerPoll   = 5 * time.Second
	defaultPlaybackCeiling = 4 * time.Hour
	defaultQueueMaxPending = 200
)

var ErrQueueRateLimited = errors.New("enqueue rate limit exceeded")
var ErrQueueFull = errors.New("queue is full")

// Track is one playable item. StreamURL is the direct audio stream,
// PageURL the human-facing page it was resolved from.
type Track struct {
	Title     string
	StreamURL string
	PageURL   string
	Requester string
	Duration  string
}

// ChatQueue holds the playback state for a single chat: the track in the
// playing slot plus the pending FIFO behind it.
type ChatQueue struct {
	mu      sync.Mutex
	pending []Track
	current *Track
	running bool
	limiter *rate.Limiter
}

func newChatQueue() *ChatQueue {
	return &ChatQueue{
		limiter: rate.NewLimiter(rate.Limit(enqueueRatePerSec), enqueueRateBurst),
	}
}

// Enqueue appends a track and reports its 1-based queue position and
// whether the queue was idle beforehand (meaning a sequencer run should
// be started by the caller).
func (q *ChatQueue) Enqueue(t Track) (int, bool, error) {
	if !q.limiter.Allow() {
		return 0, false, ErrQueueRateLimited
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) >= defaultQueueMaxPending {
		return 0, false, ErrQueueFull
	}

	q.pending = append(q.pending, t)

	position := len(q.pending)
	if q.current != nil {
		position++
	}
	return position, !q.running, nil
}

// Current returns a copy of the playing track, if any.
func (q *ChatQueue) Current() (Track, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current == nil {
		return Track{}, false
	}
	return *q.current, true
}

// Pending returns a snapshot of the waiting tracks in play order.
func (q *ChatQueue) Pending() []Track {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Track, len(q.pending))
	copy(out, q.pending)
	return out
}

// ClearAll empties the pending FIFO and the playing slot in one lock
// hold, so an enqueue can never slip between the two.
func (q *ChatQueue) ClearAll() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.pending)
	q.pending = nil
	q.current = nil
	return n
}

// ClearCurrent empties the playing slot. The sequencer treats an empty
// slot as permission to advance.
func (q *ChatQueue) ClearCurrent() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.current = nil
}

func (q *ChatQueue) IsIdle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.running
}

// tryStartRun flips the running guard. Only the caller that gets true
// may launch a sequencer goroutine for this chat.
func (q *ChatQueue) tryStartRun() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return false
	}
	q.running = true
	return true
}

func (q *ChatQueue) endRun() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.running = false
}

// takeNext returns the track to start next. A slot already occupied,
// for example by a skip that raced the sequencer, wins over the FIFO
// head; otherwise the head is popped into the slot. The returned
// reference is stable and used for slot-identity checks.
func (q *ChatQueue) takeNext() (*Track, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current != nil {
		return q.current, true
	}
	if len(q.pending) == 0 {
		return nil, false
	}
	t := q.pending[0]
	q.pending = q.pending[1:]
	q.current = &t
	return q.current, true
}

// requeueFront pushes the track back to the head and empties the
// playing slot, but only if the slot still holds it. A skip that
// swapped the slot in the meantime wins and the swap is left alone.
func (q *ChatQueue) requeueFront(ref *Track) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current != ref {
		return false
	}
	q.pending = append([]Track{*ref}, q.pending...)
	q.current = nil
	return true
}

// clearIfCurrent empties the playing slot only if it still holds the
// given track.
func (q *ChatQueue) clearIfCurrent(ref *Track) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current == ref {
		q.current = nil
	}
}

// currentRef exposes the slot pointer so the sequencer can tell "same
// track still playing" from "slot was swapped by a skip".
func (q *ChatQueue) currentRef() *Track {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current
}

// advanceToNext pops the head directly into the playing slot, replacing
// whatever was there. Returns a stable reference to the new occupant.
// Used by skip.
func (q *ChatQueue) advanceToNext() (*Track, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		q.current = nil
		return nil, false
	}
	t := q.pending[0]
	q.pending = q.pending[1:]
	q.current = &t
	return q.current, true
}

// ============================================================================
// Queue Store
// ============================================================================

// QueueStore maps chats to their queues, creating them on first touch.
type QueueStore struct {
	mu     sync.Mutex
	queues map[snowflake.ID]*ChatQueue
}

func NewQueueStore() *QueueStore {
	return &QueueStore{queues: map[snowflake.ID]*ChatQueue{}}
}

// Playing snapshots every occupied playing slot across all chats.
func (s *QueueStore) Playing() []Track {
	s.mu.Lock()
	queues := make([]*ChatQueue, 0, len(s.queues))
	for _, q := range s.queues {
		queues = append(queues, q)
	}
	s.mu.Unlock()

	var out []Track
	for _, q := range queues {
		if t, ok := q.Current(); ok {
			out = append(out, t)
		}
	}
	return out
}

func (s *QueueStore) Get(chatID snowflake.ID) *ChatQueue {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[chatID]
	if !ok {
		q = newChatQueue()
		s.queues[chatID] = q
	}
	return q
}

// ============================================================================
// Sequencer
// ============================================================================

// Sequencer drives playback for every chat: at most one run per chat at
// a time, each run consuming that chat's FIFO until it drains or the
// voice session disappears.
type Sequencer struct {
	store   *QueueStore
	driver  SessionDriver
	poll    time.Duration
	ceiling time.Duration
}

func NewSequencer(store *QueueStore, driver SessionDriver) *Sequencer {
	return &Sequencer{
		store:   store,
		driver:  driver,
		poll:    defaultSequencerPoll,
		ceiling: defaultPlaybackCeiling,
	}
}

// StartIfIdle launches a sequencer run for the chat unless one is
// already active. Returns whether a new run was started.
func (s *Sequencer) StartIfIdle(ctx context.Context, chatID snowflake.ID) bool {
	q := s.store.Get(chatID)
	if !q.tryStartRun() {
		return false
	}
	safeGo(func() { s.run(ctx, chatID, q) })
	return true
}

func (s *Sequencer) run(ctx context.Context, chatID snowflake.ID, q *ChatQueue) {
	defer q.endRun()

	LogQueue(MsgQueueRunStarted, chatID)

	for {
		if ctx.Err() != nil {
			return
		}

		ref, ok := q.takeNext()
		if !ok {
			LogQueue(MsgQueueRunFinished, chatID)
			if err := s.driver.Leave(ctx, chatID); err != nil && !errors.Is(err, ErrNotJoined) {
				LogQueue(MsgQueueLeaveFail, chatID, err)
			}
			return
		}

		track := *ref
		err := s.driver.Join(ctx, chatID, track.StreamURL)
		if errors.Is(err, ErrAlreadyJoined) {
			err = s.driver.SwitchStream(ctx, chatID, track.StreamURL)
		}
		if errors.Is(err, ErrNoActiveSession) {
			// The whole run is pointless without a session. Put the
			// track back so the queue survives for the next run. If a
			// skip swapped the slot while the join was failing, its
			// track takes the next iteration instead.
			if !q.requeueFront(ref) {
				continue
			}
			LogQueue(MsgQueueSessionLost, chatID, len(q.Pending()))
			return
		}
		if err != nil {
			LogQueue(MsgQueueTrackDropped, chatID, track.Title, err)
			q.clearIfCurrent(ref)
			continue
		}

		LogQueue(MsgQueueNowPlaying, chatID, track.Title)
		s.watchSlot(ctx, chatID, q, ref)
	}
}

// watchSlot blocks until the playing slot empties. A skip swaps the slot
// to a new track; we adopt it and keep watching. The ceiling guards
// against a stream whose end event never fires.
func (s *Sequencer) watchSlot(ctx context.Context, chatID snowflake.ID, q *ChatQueue, watched *Track) {
	deadline := time.Now().Add(s.ceiling)
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cur := q.currentRef()
		if cur == nil {
			return
		}
		if cur != watched {
			watched = cur
			deadline = time.Now().Add(s.ceiling)
			continue
		}
		if time.Now().After(deadline) {
			LogQueue(MsgQueueCeilingHit, chatID, watched.Title)
			q.ClearCurrent()
			return
		}
	}
}
