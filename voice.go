package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/voice"
	"github.com/disgoorg/snowflake/v2"
)

// ============================================================================
// Voice
// ============================================================================

const (
	MsgVoiceJoining       = "Joining channel %s in guild %s"
	MsgVoiceJoinRetry     = "Retrying voice connection in %v (Attempt %d/%d)"
	MsgVoiceJoinFail      = "Failed to connect to voice in guild %s after %d attempts: %v"
	MsgVoiceLeft          = "Left voice in guild %s"
	MsgVoiceSwitching     = "Switching stream in guild %s"
	MsgVoiceStreamEnded   = "Stream ended in guild %s"
	MsgVoiceFFmpegStart   = "FFmpeg start error: %v"
	MsgVoiceFFmpegPipe    = "Stdout pipe error: %v"
	MsgVoiceExternalLeave = "Bot was disconnected from voice in guild %s, tearing down session"

	voiceJoinAttempts = 5
)

// OpusSilence is the frame Discord expects while the bot is connected
// but not producing audio.
var OpusSilence = []byte{0xf8, 0xff, 0xfe}

var (
	ErrNoActiveSession = errors.New("no active voice session in this chat")
	ErrNotJoined       = errors.New("not joined to a voice session")
	ErrAlreadyJoined   = errors.New("already joined to a voice session")
)

// SessionDriver abstracts the voice transport so the sequencer never
// touches Discord directly.
type SessionDriver interface {
	Join(ctx context.Context, chatID snowflake.ID, streamURL string) error
	SwitchStream(ctx context.Context, chatID snowflake.ID, streamURL string) error
	Leave(ctx context.Context, chatID snowflake.ID) error
	Pause(ctx context.Context, chatID snowflake.ID) error
	Resume(ctx context.Context, chatID snowflake.ID) error
}

type driverSession struct {
	guildID   snowflake.ID
	channelID snowflake.ID
	conn      voice.Conn

	mu       sync.Mutex
	cmd      *exec.Cmd
	provider *StreamProvider
	paused   atomic.Bool
}

// DiscordVoiceDriver implements SessionDriver on top of disgo's voice
// manager with an external ffmpeg transcode per stream.
type DiscordVoiceDriver struct {
	mu       sync.Mutex
	client   *bot.Client
	sessions map[snowflake.ID]*driverSession

	// Called when a stream plays to completion. Never called for
	// streams replaced by SwitchStream.
	OnStreamEnd func(chatID snowflake.ID)
}

func NewDiscordVoiceDriver() *DiscordVoiceDriver {
	return &DiscordVoiceDriver{
		sessions: map[snowflake.ID]*driverSession{},
	}
}

func (d *DiscordVoiceDriver) SetClient(client bot.Client) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.client = &client
}

func (d *DiscordVoiceDriver) getSession(guildID snowflake.ID) *driverSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[guildID]
}

// findLiveChannel locates a voice channel in the guild occupied by at
// least one human. The bot's own presence does not count.
func (d *DiscordVoiceDriver) findLiveChannel(guildID snowflake.ID) (snowflake.ID, error) {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()

	if client == nil {
		return 0, ErrNoActiveSession
	}

	botID := client.ID()
	for state := range client.Caches.VoiceStates(guildID) {
		if state.UserID == botID || state.ChannelID == nil {
			continue
		}
		if member, ok := client.Caches.Member(guildID, state.UserID); ok && member.User.Bot {
			continue
		}
		return *state.ChannelID, nil
	}
	return 0, ErrNoActiveSession
}

func (d *DiscordVoiceDriver) Join(ctx context.Context, chatID snowflake.ID, streamURL string) error {
	if d.getSession(chatID) != nil {
		return ErrAlreadyJoined
	}

	channelID, err := d.findLiveChannel(chatID)
	if err != nil {
		return err
	}

	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	if client == nil {
		return ErrNoActiveSession
	}

	LogVoice(MsgVoiceJoining, channelID, chatID)

	conn := client.VoiceManager.CreateConn(chatID)

	var lastErr error
	for i := range voiceJoinAttempts {
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * time.Second
			LogVoice(MsgVoiceJoinRetry, backoff, i+1, voiceJoinAttempts)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		if err := conn.Open(ctx, channelID, false, false); err != nil {
			lastErr = err
			continue
		}
		lastErr = nil
		break
	}
	if lastErr != nil {
		LogVoice(MsgVoiceJoinFail, chatID, voiceJoinAttempts, lastErr)
		conn.Close(ctx)
		return lastErr
	}

	sess := &driverSession{
		guildID:   chatID,
		channelID: channelID,
		conn:      conn,
	}

	d.mu.Lock()
	d.sessions[chatID] = sess
	d.mu.Unlock()

	if err := d.startStream(ctx, sess, streamURL); err != nil {
		_ = d.Leave(ctx, chatID)
		return err
	}
	return nil
}

func (d *DiscordVoiceDriver) SwitchStream(ctx context.Context, chatID snowflake.ID, streamURL string) error {
	sess := d.getSession(chatID)
	if sess == nil {
		return ErrNotJoined
	}
	LogVoice(MsgVoiceSwitching, chatID)
	return d.startStream(ctx, sess, streamURL)
}

// Leave tears down the session. Safe to call when not joined.
func (d *DiscordVoiceDriver) Leave(ctx context.Context, chatID snowflake.ID) error {
	d.mu.Lock()
	sess := d.sessions[chatID]
	delete(d.sessions, chatID)
	d.mu.Unlock()

	if sess == nil {
		return nil
	}

	sess.mu.Lock()
	if sess.cmd != nil && sess.cmd.Process != nil {
		_ = sess.cmd.Process.Kill()
	}
	sess.cmd = nil
	sess.provider = nil
	sess.mu.Unlock()

	sess.conn.SetOpusFrameProvider(nil)
	_ = sess.conn.SetSpeaking(ctx, 0)
	sess.conn.Close(ctx)

	LogVoice(MsgVoiceLeft, chatID)
	return nil
}

func (d *DiscordVoiceDriver) Pause(ctx context.Context, chatID snowflake.ID) error {
	sess := d.getSession(chatID)
	if sess == nil {
		return ErrNotJoined
	}
	sess.paused.Store(true)
	return nil
}

func (d *DiscordVoiceDriver) Resume(ctx context.Context, chatID snowflake.ID) error {
	sess := d.getSession(chatID)
	if sess == nil {
		return ErrNotJoined
	}
	sess.paused.Store(false)
	return nil
}

// HandleVoiceStateUpdate reacts to the bot being moved or disconnected
// by a moderator. A forced disconnect drops the driver session so the
// next run starts clean.
func (d *DiscordVoiceDriver) HandleVoiceStateUpdate(guildID, userID snowflake.ID, channelID *snowflake.ID) {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()

	if client == nil || userID != client.ID() {
		return
	}
	if channelID != nil {
		return
	}
	if d.getSession(guildID) == nil {
		return
	}

	LogVoice(MsgVoiceExternalLeave, guildID)
	_ = d.Leave(context.Background(), guildID)
	if d.OnStreamEnd != nil {
		d.OnStreamEnd(guildID)
	}
}

// Shutdown tears down every live voice session. Used by the daemon
// shutdown hook.
func (d *DiscordVoiceDriver) Shutdown(ctx context.Context) {
	d.mu.Lock()
	ids := make([]snowflake.ID, 0, len(d.sessions))
	for id := range d.sessions {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	for _, id := range ids {
		_ = d.Leave(ctx, id)
	}
}

// startStream replaces the session's ffmpeg pipeline with a new one for
// streamURL and wires its end event back to the queue.
func (d *DiscordVoiceDriver) startStream(ctx context.Context, sess *driverSession, streamURL string) error {
	args := []string{
		"-i", streamURL,
		"-map", "0:a",
		"-acodec", "libopus",
		"-b:a", "128k",
		"-vbr", "on",
		"-compression_level", "10",
		"-analyzeduration", "0",
		"-probesize", "32",
		"-f", "opus",
		"pipe:1",
	}

	if strings.HasPrefix(streamURL, "http") {
		// Optimize input for network streams
		args = append([]string{
			"-reconnect", "1",
			"-reconnect_at_eof", "1",
			"-reconnect_streamed", "1",
			"-reconnect_delay_max", "2",
			"-user_agent", "Mozilla/5.0",
			"-fflags", "nobuffer",
			"-flags", "low_delay",
		}, args...)
	}

	cmd := exec.Command("ffmpeg", args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		LogVoice(MsgVoiceFFmpegPipe, err)
		return err
	}
	stderr, _ := cmd.StderrPipe()

	if err := cmd.Start(); err != nil {
		LogVoice(MsgVoiceFFmpegStart, err)
		return err
	}

	safeGo(func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			LogDebug("FFmpeg: %s", scanner.Text())
		}
	})

	provider := NewStreamProvider(stdout, &sess.paused)

	sess.mu.Lock()
	oldCmd := sess.cmd
	sess.cmd = cmd
	sess.provider = provider
	sess.mu.Unlock()

	if oldCmd != nil && oldCmd.Process != nil {
		_ = oldCmd.Process.Kill()
		safeGo(func() { _ = oldCmd.Wait() })
	}

	guildID := sess.guildID
	provider.OnFinish = func() {
		// A replaced provider must not advance the queue. Only the one
		// still installed in the session counts.
		sess.mu.Lock()
		active := sess.provider == provider
		sess.mu.Unlock()
		if !active {
			return
		}

		LogVoice(MsgVoiceStreamEnded, guildID)
		safeGo(func() { _ = cmd.Wait() })
		if d.OnStreamEnd != nil {
			d.OnStreamEnd(guildID)
		}
	}

	sess.conn.SetOpusFrameProvider(provider)
	_ = sess.conn.SetSpeaking(ctx, voice.SpeakingFlagMicrophone)

	return nil
}

// ============================================================================
// Stream Provider
// ============================================================================

// StreamProvider implements voice.OpusFrameProvider by parsing Opus
// packets out of ffmpeg's Ogg output. While paused it emits silence so
// the voice connection stays warm.
type StreamProvider struct {
	reader    *bufio.Reader
	header    []byte
	segBuf    []byte
	packetBuf bytes.Buffer
	queue     [][]byte
	paused    *atomic.Bool
	OnFinish  func()
	once      sync.Once
}

func NewStreamProvider(r io.Reader, paused *atomic.Bool) *StreamProvider {
	return &StreamProvider{
		reader: bufio.NewReaderSize(r, 16384),
		header: make([]byte, 27),
		segBuf: make([]byte, 255),
		paused: paused,
	}
}

func (p *StreamProvider) Close() {
	// No-op
}

func (p *StreamProvider) triggerFinish() {
	p.once.Do(func() {
		if p.OnFinish != nil {
			p.OnFinish()
		}
	})
}

// ProvideOpusFrame parses the next Opus packet from the Ogg stream.
func (p *StreamProvider) ProvideOpusFrame() ([]byte, error) {
	if p.paused != nil && p.paused.Load() {
		return OpusSilence, nil
	}

	// 1. Return queued packets if any
	if len(p.queue) > 0 {
		frame := p.queue[0]
		p.queue = p.queue[1:]
		return frame, nil
	}

scanLoop:
	for {
		sig, err := p.reader.Peek(4)
		if err != nil {
			p.triggerFinish()
			return nil, err
		}

		if string(sig) == "OggS" {
			_, err := io.ReadFull(p.reader, p.header)
			if err != nil {
				p.triggerFinish()
				return nil, err
			}
		} else {
			_, _ = p.reader.Discard(1)
			continue scanLoop
		}

		numSegs := int(p.header[26])
		segTable := p.segBuf[:numSegs]
		if _, err := io.ReadFull(p.reader, segTable); err != nil {
			p.triggerFinish()
			return nil, err
		}

		for _, segLen := range segTable {
			l := int(segLen)
			_, err := io.CopyN(&p.packetBuf, p.reader, int64(l))
			if err != nil {
				p.triggerFinish()
				return nil, err
			}

			if l < 255 {
				payload := p.packetBuf.Bytes()
				frame := make([]byte, len(payload))
				copy(frame, payload)
				p.packetBuf.Reset()

				// Skip Metadata packets (OpusHead/OpusTags).
				if len(frame) > 8 && (string(frame[:8]) == "OpusHead" || string(frame[:8]) == "OpusTags") {
					continue
				}

				p.queue = append(p.queue, frame)
			}
		}

		// If we found any frames in this page, return the first one.
		if len(p.queue) > 0 {
			frame := p.queue[0]
			p.queue = p.queue[1:]
			return frame, nil
		}
	}
}
