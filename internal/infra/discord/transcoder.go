package discord

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/asticode/go-astiav"
	"github.com/cockroachdb/errors"

	"github.com/osa030/vcbox/internal/app/playback"
)

const (
	sampleRate    = 48000
	frameSamples  = 960 // 20ms at 48kHz
	opusBitRate   = 128000
	defaultVolume = 100
)

func init() {
	astiav.SetLogLevel(astiav.LogLevelError)
}

// transcoder decodes an audio file and encodes it to 20ms stereo Opus frames.
type transcoder struct {
	volume int

	input       *astiav.FormatContext
	streamIndex int
	decoder     *astiav.CodecContext
	encoder     *astiav.CodecContext
	resampler   *astiav.SoftwareResampleContext
	fifo        *astiav.AudioFifo

	packet    *astiav.Packet
	decoded   *astiav.Frame
	resampled *astiav.Frame
	pts       int64
}

func newTranscoder(volume int) *transcoder {
	if volume <= 0 {
		volume = defaultVolume
	}
	return &transcoder{
		volume:    volume,
		packet:    astiav.AllocPacket(),
		decoded:   astiav.AllocFrame(),
		resampled: astiav.AllocFrame(),
	}
}

// Open opens path and prepares the decoder, encoder and resampler.
func (t *transcoder) Open(path string) error {
	t.input = astiav.AllocFormatContext()
	if t.input == nil {
		return errors.New("failed to allocate format context")
	}
	if err := t.input.OpenInput(path, nil, nil); err != nil {
		// Freed by OpenInput on failure
		t.input = nil
		return errors.Wrap(err, "failed to open input")
	}
	if err := t.input.FindStreamInfo(nil); err != nil {
		return errors.Wrap(err, "failed to find stream info")
	}

	t.streamIndex = -1
	for _, s := range t.input.Streams() {
		if s.CodecParameters().MediaType() == astiav.MediaTypeAudio {
			t.streamIndex = s.Index()
			break
		}
	}
	if t.streamIndex < 0 {
		return errors.New("no audio stream")
	}

	if err := t.openDecoder(); err != nil {
		return err
	}
	return t.openEncoder()
}

func (t *transcoder) openDecoder() error {
	params := t.input.Streams()[t.streamIndex].CodecParameters()
	codec := astiav.FindDecoder(params.CodecID())
	if codec == nil {
		return errors.Newf("no decoder for %s", params.CodecID())
	}
	t.decoder = astiav.AllocCodecContext(codec)
	if err := params.ToCodecContext(t.decoder); err != nil {
		return errors.Wrap(err, "failed to copy codec parameters")
	}
	if err := t.decoder.Open(codec, nil); err != nil {
		return errors.Wrap(err, "failed to open decoder")
	}
	return nil
}

func (t *transcoder) openEncoder() error {
	codec := astiav.FindEncoderByName("libopus")
	if codec == nil {
		codec = astiav.FindEncoder(astiav.CodecIDOpus)
	}
	if codec == nil {
		return errors.New("no opus encoder")
	}

	t.encoder = astiav.AllocCodecContext(codec)
	t.encoder.SetBitRate(opusBitRate)
	t.encoder.SetSampleRate(sampleRate)
	t.encoder.SetChannelLayout(astiav.ChannelLayoutStereo)
	t.encoder.SetSampleFormat(astiav.SampleFormatS16)
	t.encoder.SetTimeBase(astiav.NewRational(1, sampleRate))

	opts := astiav.NewDictionary()
	defer opts.Free()
	_ = opts.Set("vbr", "on", 0)
	_ = opts.Set("frame_size", "20", 0)
	if err := t.encoder.Open(codec, opts); err != nil {
		return errors.Wrap(err, "failed to open encoder")
	}

	// Initialized by the first ConvertFrame from the decoded frame's format
	t.resampler = astiav.AllocSoftwareResampleContext()
	if t.resampler == nil {
		return errors.New("failed to allocate resampler")
	}
	t.fifo = astiav.AllocAudioFifo(t.encoder.SampleFormat(), t.encoder.ChannelLayout().Channels(), frameSamples*2)
	return nil
}

// Transcode reads the whole input and passes each Opus frame to emit.
// It waits on gate before emitting each frame and stops when ctx is done.
func (t *transcoder) Transcode(ctx context.Context, gate *playback.Gate, emit func(context.Context, []byte) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := t.input.ReadFrame(t.packet); err != nil {
			if errors.Is(err, astiav.ErrEof) {
				break
			}
			return errors.Wrap(err, "failed to read packet")
		}
		if t.packet.StreamIndex() != t.streamIndex {
			t.packet.Unref()
			continue
		}
		err := t.decoder.SendPacket(t.packet)
		t.packet.Unref()
		if err != nil {
			return errors.Wrap(err, "failed to decode packet")
		}
		if err := t.drainDecoder(); err != nil {
			return err
		}
		if err := t.encodeFifo(ctx, gate, emit, frameSamples); err != nil {
			return err
		}
	}

	// Flush decoder, then whatever is left in the fifo, then the encoder
	_ = t.decoder.SendPacket(nil)
	if err := t.drainDecoder(); err != nil {
		return err
	}
	if err := t.encodeFifo(ctx, gate, emit, 1); err != nil {
		return err
	}
	_ = t.encoder.SendFrame(nil)
	return t.drainEncoder(ctx, emit)
}

// drainDecoder resamples every decoded frame into the fifo.
func (t *transcoder) drainDecoder() error {
	for {
		if err := t.decoder.ReceiveFrame(t.decoded); err != nil {
			return nil
		}

		n := int(astiav.RescaleQ(int64(t.decoded.NbSamples()),
			astiav.NewRational(1, t.decoded.SampleRate()), astiav.NewRational(1, sampleRate)))
		if n > 0 {
			t.prepareFrame(n)
			if err := t.resampler.ConvertFrame(t.decoded, t.resampled); err != nil {
				t.decoded.Unref()
				return errors.Wrap(err, "failed to resample")
			}
			if _, err := t.fifo.Write(t.resampled); err != nil {
				t.decoded.Unref()
				return errors.Wrap(err, "failed to buffer samples")
			}
		}
		t.decoded.Unref()
	}
}

// encodeFifo encodes fifo contents in frameSamples chunks while at least threshold samples remain.
func (t *transcoder) encodeFifo(ctx context.Context, gate *playback.Gate, emit func(context.Context, []byte) error, threshold int) error {
	for t.fifo.Size() >= threshold {
		n := min(t.fifo.Size(), frameSamples)
		t.prepareFrame(n)
		if _, err := t.fifo.Read(t.resampled); err != nil {
			return errors.Wrap(err, "failed to read samples")
		}
		if err := t.applyVolume(); err != nil {
			return err
		}
		t.resampled.SetPts(t.pts)
		t.pts += int64(n)

		if err := gate.Wait(ctx); err != nil {
			return err
		}
		if err := t.encoder.SendFrame(t.resampled); err != nil {
			return errors.Wrap(err, "failed to encode frame")
		}
		if err := t.drainEncoder(ctx, emit); err != nil {
			return err
		}
	}
	return nil
}

func (t *transcoder) drainEncoder(ctx context.Context, emit func(context.Context, []byte) error) error {
	for {
		pkt := astiav.AllocPacket()
		if err := t.encoder.ReceivePacket(pkt); err != nil {
			pkt.Free()
			return nil
		}
		frame := make([]byte, len(pkt.Data()))
		copy(frame, pkt.Data())
		pkt.Free()
		if err := emit(ctx, frame); err != nil {
			return err
		}
	}
}

// prepareFrame resets the work frame to hold n samples in the encoder format.
func (t *transcoder) prepareFrame(n int) {
	t.resampled.Unref()
	t.resampled.SetChannelLayout(t.encoder.ChannelLayout())
	t.resampled.SetSampleFormat(t.encoder.SampleFormat())
	t.resampled.SetSampleRate(sampleRate)
	t.resampled.SetNbSamples(n)
	_ = t.resampled.AllocBuffer(0)
}

func (t *transcoder) applyVolume() error {
	if t.volume == defaultVolume {
		return nil
	}
	b, err := t.resampled.Data().Bytes(1)
	if err != nil {
		return errors.Wrap(err, "failed to read samples")
	}
	scaleS16(b, t.volume)
	if err := t.resampled.Data().SetBytes(b, 1); err != nil {
		return errors.Wrap(err, "failed to write samples")
	}
	return nil
}

// Close frees everything the transcoder allocated.
func (t *transcoder) Close() {
	if t.fifo != nil {
		t.fifo.Free()
	}
	if t.resampler != nil {
		t.resampler.Free()
	}
	if t.encoder != nil {
		t.encoder.Free()
	}
	if t.decoder != nil {
		t.decoder.Free()
	}
	if t.input != nil {
		t.input.CloseInput()
		t.input.Free()
	}
	t.resampled.Free()
	t.decoded.Free()
	t.packet.Free()
}

// scaleS16 scales interleaved little-endian signed 16-bit samples by volume percent, clipping.
func scaleS16(b []byte, volume int) {
	for i := 0; i+1 < len(b); i += 2 {
		s := int32(int16(binary.LittleEndian.Uint16(b[i:]))) * int32(volume) / 100
		if s > math.MaxInt16 {
			s = math.MaxInt16
		} else if s < math.MinInt16 {
			s = math.MinInt16
		}
		binary.LittleEndian.PutUint16(b[i:], uint16(int16(s)))
	}
}
