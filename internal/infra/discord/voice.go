package discord

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/disgoorg/disgo/voice"
	"github.com/disgoorg/snowflake/v2"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/vcbox/internal/app/playback"
)

var ErrNotConnected = errors.New("voice connection is not open")

// silenceWait is how long ProvideOpusFrame waits before sending silence.
const silenceWait = 20 * time.Millisecond

// Voice is a guild's voice connection. It implements playback.Voice.
type Voice struct {
	guildID snowflake.ID
	manager voice.Manager

	mu        sync.Mutex
	conn      voice.Conn
	channelID snowflake.ID
}

// NewVoice creates the voice connection handle for guildID. Nothing is opened until Connect.
func NewVoice(manager voice.Manager, guildID snowflake.ID) *Voice {
	return &Voice{
		guildID: guildID,
		manager: manager,
	}
}

// Connect joins channelID. A connection to another channel is closed first.
func (v *Voice) Connect(ctx context.Context, channelID snowflake.ID) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.conn != nil && v.channelID == channelID {
		return nil
	}
	if v.conn != nil {
		zlog.Debug().Msgf("voice: moving: guild=%v, from=%v, to=%v", v.guildID, v.channelID, channelID)
		v.conn.Close(ctx)
		v.conn = nil
		v.channelID = 0
	}

	conn := v.manager.CreateConn(v.guildID)
	if err := conn.Open(ctx, channelID, false, true); err != nil {
		conn.Close(context.WithoutCancel(ctx))
		return errors.Wrapf(err, "failed to join voice channel %v", channelID)
	}
	v.conn = conn
	v.channelID = channelID

	zlog.Info().Msgf("voice: connected: guild=%v, channel=%v", v.guildID, channelID)
	return nil
}

// Stream transcodes the file at path and sends it until it ends or ctx is done.
// gate is waited on between frames.
func (v *Voice) Stream(ctx context.Context, path string, volume int, gate *playback.Gate) error {
	v.mu.Lock()
	conn := v.conn
	v.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	t := newTranscoder(volume)
	defer t.Close()
	if err := t.Open(path); err != nil {
		return errors.Wrapf(err, "failed to open %s", path)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	provider := newFrameProvider()
	transcoded := make(chan error, 1)
	go func() {
		defer close(provider.frames)
		transcoded <- t.Transcode(streamCtx, gate, provider.push)
	}()

	conn.SetOpusFrameProvider(provider)
	if err := conn.SetSpeaking(ctx, voice.SpeakingFlagMicrophone); err != nil {
		zlog.Warn().Msgf("voice: failed to set speaking: guild=%v, err=%v", v.guildID, err)
	}

	var err error
	select {
	case <-provider.done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	cancel()

	conn.SetOpusFrameProvider(nil)
	_ = conn.SetSpeaking(context.WithoutCancel(ctx), 0)

	if terr := <-transcoded; err == nil && terr != nil && !errors.Is(terr, context.Canceled) {
		err = errors.Wrapf(terr, "failed to transcode %s", path)
	}
	return err
}

// Disconnect closes the voice connection.
func (v *Voice) Disconnect(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.conn == nil {
		return nil
	}
	v.conn.Close(ctx)
	v.conn = nil
	v.channelID = 0
	return nil
}

// frameProvider hands transcoded Opus frames to the voice connection.
// It implements voice.OpusFrameProvider.
type frameProvider struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once
}

func newFrameProvider() *frameProvider {
	return &frameProvider{
		frames: make(chan []byte, 100),
		done:   make(chan struct{}),
	}
}

// push queues a frame. Only the transcoder calls it, and it closes frames when finished.
func (p *frameProvider) push(ctx context.Context, frame []byte) error {
	select {
	case p.frames <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *frameProvider) ProvideOpusFrame() ([]byte, error) {
	select {
	case frame, ok := <-p.frames:
		if !ok {
			p.Close()
			return nil, io.EOF
		}
		return frame, nil
	case <-time.After(silenceWait):
		// Paused or the transcoder is behind
		return nil, nil
	}
}

func (p *frameProvider) Close() {
	p.once.Do(func() {
		close(p.done)
	})
}
