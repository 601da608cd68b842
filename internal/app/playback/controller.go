package playback

import (
	"context"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/disgoorg/snowflake/v2"
	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/vcbox/internal/domain/track"
)

// Errors
var (
	ErrNoTrack      = errors.New("no track playing")
	ErrNotPlaying   = errors.New("not playing")
	ErrNotPaused    = errors.New("not paused")
	ErrNotConnected = errors.New("not connected")
	ErrClosed       = errors.New("controller closed")
)

const (
	DefaultIdleTimeout    = 300 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultVolume         = 100
)

// Voice is the single voice connection a controller drives.
type Voice interface {
	// Connect joins channelID, moving if already connected elsewhere.
	Connect(ctx context.Context, channelID snowflake.ID) error
	// Stream plays the file at path and blocks until it ends or ctx is done.
	// gate holds the stream while paused.
	Stream(ctx context.Context, path string, volume int, gate *Gate) error
	// Disconnect leaves the voice channel.
	Disconnect(ctx context.Context) error
}

// Config holds controller configuration.
type Config struct {
	GuildID            snowflake.ID
	IdleTimeout        time.Duration // Time with an empty queue before leaving
	ConnectTimeout     time.Duration // Bound on connect and move
	DefaultVolume      int           // Volume used when an item carries none
	LeaveAnnouncements []string      // Audio files, one is played before leaving
}

// Controller owns a guild's queue and voice connection and runs its playback loop.
type Controller struct {
	mu sync.Mutex

	voice  Voice
	config Config

	// Queue management
	queue   []track.QueueItem
	current *track.QueueItem
	state   State

	// Current stream
	gate         *Gate
	streamCancel context.CancelFunc
	interrupted  bool

	// Loop
	running  bool
	loopDone chan struct{}

	// Connection
	connected bool
	channelID snowflake.ID

	// Idle timer
	idleGen    uint64
	idleCancel func()

	// Events
	eventCh chan Event
	closed  bool

	// Context
	ctx    context.Context
	cancel context.CancelFunc

	removeFile func(path string) error
	pick       func(n int) int
}

// NewController creates a new playback controller.
func NewController(voice Voice, config Config) *Controller {
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = DefaultConnectTimeout
	}
	if config.DefaultVolume <= 0 {
		config.DefaultVolume = DefaultVolume
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		voice:      voice,
		config:     config,
		queue:      make([]track.QueueItem, 0),
		state:      StateStopped,
		eventCh:    make(chan Event, 10),
		ctx:        ctx,
		cancel:     cancel,
		removeFile: os.Remove,
		pick:       rand.IntN,
	}
}

// Events returns the event channel.
func (c *Controller) Events() <-chan Event {
	return c.eventCh
}

// Enqueue adds an item to the queue and returns its position (0 is next).
// High priority items go after the existing run of priority items; others are appended.
// Enqueue cancels a pending idle disconnect and starts the playback loop if needed.
func (c *Controller) Enqueue(item track.QueueItem, highPriority bool) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, ErrClosed
	}

	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.AddedAt.IsZero() {
		item.AddedAt = time.Now()
	}
	if item.Volume <= 0 {
		item.Volume = c.config.DefaultVolume
	}
	item.Priority = highPriority

	pos := len(c.queue)
	if highPriority {
		pos = 0
		for pos < len(c.queue) && c.queue[pos].Priority {
			pos++
		}
	}
	c.queue = append(c.queue, track.QueueItem{})
	copy(c.queue[pos+1:], c.queue[pos:])
	c.queue[pos] = item

	c.cancelIdleLocked()
	c.startLoopLocked()

	zlog.Debug().Msgf("playback: enqueued: guild=%v, title=%s, priority=%v, position=%d",
		c.config.GuildID, item.DisplayName(), highPriority, pos)
	return pos, nil
}

// Skip stops the current item so the loop advances.
func (c *Controller) Skip() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return ErrNoTrack
	}
	c.interruptLocked()
	return nil
}

// SkipAll clears the queue, removing backing files, and skips the current item.
// It returns the number of items removed from the queue.
func (c *Controller) SkipAll() (int, error) {
	c.mu.Lock()
	dropped := c.queue
	c.queue = make([]track.QueueItem, 0)
	hasCurrent := c.current != nil
	if hasCurrent {
		c.interruptLocked()
	}
	c.mu.Unlock()

	c.discard(dropped)
	if !hasCurrent && len(dropped) == 0 {
		return 0, ErrNoTrack
	}
	return len(dropped), nil
}

// Pause pauses the current item.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StatePlaying || c.gate == nil {
		return ErrNotPlaying
	}
	c.gate.Pause()
	c.state = StatePaused
	c.sendEventLocked(Event{Type: EventStateChanged, Item: c.current, State: c.state})
	return nil
}

// Resume resumes a paused item.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StatePaused || c.gate == nil {
		return ErrNotPaused
	}
	c.gate.Resume()
	c.state = StatePlaying
	c.sendEventLocked(Event{Type: EventStateChanged, Item: c.current, State: c.state})
	return nil
}

// Disconnect clears the queue, stops playback, cancels the idle timer and leaves voice.
func (c *Controller) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	dropped := c.queue
	c.queue = make([]track.QueueItem, 0)
	c.cancelIdleLocked()
	if c.current != nil {
		c.interruptLocked()
	}
	running, done := c.running, c.loopDone
	c.mu.Unlock()

	c.discard(dropped)

	if running {
		select {
		case <-done:
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "failed to wait for playback loop")
		}
	}

	c.mu.Lock()
	if c.running {
		// Something was enqueued after the stop; that loop owns the connection now.
		c.mu.Unlock()
		return nil
	}
	c.cancelIdleLocked()
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.running = true
	done = make(chan struct{})
	c.loopDone = done
	c.mu.Unlock()

	c.leave(ctx)

	c.mu.Lock()
	c.running = false
	close(done)
	if len(c.queue) > 0 {
		c.startLoopLocked()
	}
	c.mu.Unlock()
	return nil
}

// State returns the current playback state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Current returns a copy of the item being played.
func (c *Controller) Current() (track.QueueItem, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return track.QueueItem{}, false
	}
	return *c.current, true
}

// Queued returns a copy of the waiting items in play order.
func (c *Controller) Queued() []track.QueueItem {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make([]track.QueueItem, len(c.queue))
	copy(result, c.queue)
	return result
}

// All returns the current item followed by the queue.
func (c *Controller) All() []track.QueueItem {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make([]track.QueueItem, 0, len(c.queue)+1)
	if c.current != nil {
		result = append(result, *c.current)
	}
	return append(result, c.queue...)
}

// Channel returns the connected voice channel.
func (c *Controller) Channel() (snowflake.ID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channelID, c.connected
}

// Close disconnects and releases resources.
func (c *Controller) Close(ctx context.Context) {
	if err := c.Disconnect(ctx); err != nil && !errors.Is(err, ErrNotConnected) {
		zlog.Warn().Msgf("playback: disconnect on close failed: guild=%v, err=%v", c.config.GuildID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.cancelIdleLocked()
	c.cancel()
	close(c.eventCh)
}

// startLoopLocked starts the playback loop if it is not running.
// Must be called with lock held.
func (c *Controller) startLoopLocked() {
	if c.running || c.closed {
		return
	}
	c.running = true
	done := make(chan struct{})
	c.loopDone = done
	go c.loop(done)
}

// loop plays items until the queue is empty, then arms the idle timer.
func (c *Controller) loop(done chan struct{}) {
	defer close(done)

	for {
		c.mu.Lock()
		if len(c.queue) == 0 || c.closed {
			c.running = false
			c.current = nil
			if c.state != StateStopped {
				c.state = StateStopped
				c.sendEventLocked(Event{Type: EventStateChanged, State: c.state})
			}
			c.sendEventLocked(Event{Type: EventQueueEmpty, State: c.state})
			if c.connected && !c.closed {
				c.startIdleTimerLocked()
			}
			c.mu.Unlock()
			return
		}

		item := c.queue[0]
		c.queue = c.queue[1:]
		c.current = &item
		c.interrupted = false
		ctx, cancel := context.WithCancel(c.ctx)
		c.streamCancel = cancel
		c.mu.Unlock()

		c.play(ctx, item)
		cancel()
	}
}

// play connects if needed and streams one item. The item's file is removed afterwards.
func (c *Controller) play(ctx context.Context, item track.QueueItem) {
	defer c.removeItemFile(item)

	if err := c.ensureConnected(ctx, item.ChannelID); err != nil {
		zlog.Error().Msgf("playback: connect failed, skipping item: guild=%v, channel=%v, title=%s, err=%v",
			c.config.GuildID, item.ChannelID, item.DisplayName(), err)
		c.mu.Lock()
		c.finishLocked()
		c.sendEventLocked(Event{Type: EventTrackSkipped, Item: &item, State: c.state})
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	if c.interrupted {
		c.finishLocked()
		c.sendEventLocked(Event{Type: EventTrackSkipped, Item: &item, State: c.state})
		c.mu.Unlock()
		return
	}
	gate := NewGate()
	c.gate = gate
	c.state = StatePlaying
	c.sendEventLocked(Event{Type: EventTrackStarted, Item: &item, State: c.state})
	c.mu.Unlock()

	zlog.Info().Msgf("playback: track started: guild=%v, title=%s, added_by=%s",
		c.config.GuildID, item.DisplayName(), item.AddedBy.Name())

	start := time.Now()
	err := c.voice.Stream(ctx, item.FilePath(), item.Volume, gate)

	c.mu.Lock()
	defer c.mu.Unlock()
	interrupted := c.interrupted
	c.finishLocked()

	switch {
	case interrupted:
		zlog.Debug().Msgf("playback: track skipped: guild=%v, title=%s, elapsed=%v", c.config.GuildID, item.DisplayName(), time.Since(start))
		c.sendEventLocked(Event{Type: EventTrackSkipped, Item: &item, State: c.state})
	case err != nil:
		zlog.Error().Msgf("playback: stream failed: guild=%v, title=%s, err=%v", c.config.GuildID, item.DisplayName(), err)
		c.sendEventLocked(Event{Type: EventTrackEnded, Item: &item, State: c.state})
	default:
		zlog.Debug().Msgf("playback: track ended: guild=%v, title=%s, expected=%v, elapsed=%v",
			c.config.GuildID, item.DisplayName(), item.Track.Duration, time.Since(start))
		c.sendEventLocked(Event{Type: EventTrackEnded, Item: &item, State: c.state})
	}
}

// ensureConnected joins or moves to channelID within the connect timeout.
func (c *Controller) ensureConnected(ctx context.Context, channelID snowflake.ID) error {
	c.mu.Lock()
	if c.connected && c.channelID == channelID {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	defer cancel()

	if err := c.voice.Connect(ctx, channelID); err != nil {
		return errors.Wrapf(err, "failed to connect to channel %v", channelID)
	}

	c.mu.Lock()
	c.connected = true
	c.channelID = channelID
	c.mu.Unlock()
	return nil
}

// leave plays a random leave announcement and disconnects.
// Callers must own the loop (running set) so that leave runs at most once per connection.
func (c *Controller) leave(ctx context.Context) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	var announcement string
	if n := len(c.config.LeaveAnnouncements); n > 0 {
		announcement = c.config.LeaveAnnouncements[c.pick(n)]
	}
	c.mu.Unlock()

	if announcement != "" {
		if err := c.voice.Stream(ctx, announcement, c.config.DefaultVolume, NewGate()); err != nil {
			zlog.Warn().Msgf("playback: leave announcement failed: guild=%v, file=%s, err=%v", c.config.GuildID, announcement, err)
		}
	}

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.ConnectTimeout)
	defer cancel()
	if err := c.voice.Disconnect(dctx); err != nil {
		zlog.Warn().Msgf("playback: disconnect failed: guild=%v, err=%v", c.config.GuildID, err)
	}

	c.mu.Lock()
	c.connected = false
	c.channelID = 0
	c.state = StateStopped
	c.sendEventLocked(Event{Type: EventDisconnected, State: c.state})
	c.mu.Unlock()

	zlog.Info().Msgf("playback: left voice: guild=%v", c.config.GuildID)
}

// onIdle runs when the idle timer fires. Stale generations are ignored.
func (c *Controller) onIdle(gen uint64) {
	c.mu.Lock()
	if gen != c.idleGen || c.running || !c.connected || c.closed {
		c.mu.Unlock()
		return
	}
	c.idleCancel = nil
	c.running = true
	done := make(chan struct{})
	c.loopDone = done
	c.mu.Unlock()

	zlog.Info().Msgf("playback: idle timeout, leaving: guild=%v", c.config.GuildID)
	c.leave(c.ctx)

	c.mu.Lock()
	if len(c.queue) == 0 {
		c.running = false
		close(done)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	// Items enqueued while leaving are played after a fresh connect.
	c.loop(done)
}

// interruptLocked cancels the current stream.
// Must be called with lock held.
func (c *Controller) interruptLocked() {
	c.interrupted = true
	if c.streamCancel != nil {
		c.streamCancel()
	}
}

// finishLocked clears the current item.
// Must be called with lock held.
func (c *Controller) finishLocked() {
	if c.state == StatePaused {
		c.state = StatePlaying
	}
	c.current = nil
	c.gate = nil
	c.streamCancel = nil
	c.interrupted = false
}

// startIdleTimerLocked arms the idle timer with a new generation.
// Must be called with lock held.
func (c *Controller) startIdleTimerLocked() {
	c.cancelIdleLocked()
	gen := c.idleGen
	c.idleCancel = c.startWallClockTimer(c.config.IdleTimeout, func() {
		c.onIdle(gen)
	})
}

// cancelIdleLocked cancels a pending idle timer and invalidates its generation.
// Must be called with lock held.
func (c *Controller) cancelIdleLocked() {
	c.idleGen++
	if c.idleCancel != nil {
		c.idleCancel()
		c.idleCancel = nil
	}
}

func (c *Controller) removeItemFile(item track.QueueItem) {
	path := item.FilePath()
	if path == "" {
		return
	}
	if err := c.removeFile(path); err != nil && !os.IsNotExist(err) {
		zlog.Warn().Msgf("playback: failed to remove file: path=%s, err=%v", path, err)
	}
}

func (c *Controller) discard(items []track.QueueItem) {
	for _, item := range items {
		c.removeItemFile(item)
	}
}

// sendEventLocked sends an event without blocking.
// Must be called with lock held.
func (c *Controller) sendEventLocked(e Event) {
	if c.closed {
		return
	}
	e.GuildID = c.config.GuildID
	select {
	case c.eventCh <- e:
		// Successfully sent
	default:
		zlog.Debug().Msgf("playback: event dropped: guild=%v, type=%s", c.config.GuildID, e.Type)
	}
}

// startWallClockTimer starts a timer that triggers callback after duration, using wall clock.
// Returns a cancel function.
func (c *Controller) startWallClockTimer(duration time.Duration, callback func()) func() {
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		endTime := toWallTime(time.Now()).Add(duration)
		ticker := time.NewTicker(timerResolution(duration))
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if toWallTime(time.Now()).After(endTime) {
					callback()
					return
				}
			}
		}
	}()

	return cancel
}

func timerResolution(d time.Duration) time.Duration {
	if d < time.Second {
		return 10 * time.Millisecond
	}
	return 100 * time.Millisecond
}

// toWallTime returns the time with monotonic clock stripped.
func toWallTime(t time.Time) time.Time {
	return time.Unix(t.Unix(), int64(t.Nanosecond()))
}
