package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/disgoorg/disgo/voice"
)

var (
	// OpusSilence is the opus frame Discord expects while idle or draining.
	OpusSilence = []byte{0xf8, 0xff, 0xfe}

	// SilenceDuration is the drain tail appended after the last real frame
	// so the jitter buffer empties cleanly.
	SilenceDuration = 100 * time.Millisecond
)

func init() {
	astiav.SetLogLevel(astiav.LogLevelFatal)
}

// ===========================
// Frame provider
// ===========================

// StreamProvider feeds transcoded opus frames into the voice connection.
// A nil frame marks end of input and switches the provider to draining.
type StreamProvider struct {
	frames chan []byte
	ctx    context.Context

	pauseMu   sync.RWMutex
	pauseChan chan struct{}

	draining      bool
	silenceFrames int

	once sync.Once
	done chan struct{}
}

func NewStreamProvider(ctx context.Context) *StreamProvider {
	open := make(chan struct{})
	close(open)
	return &StreamProvider{
		frames:    make(chan []byte, 100),
		ctx:       ctx,
		pauseChan: open,
		done:      make(chan struct{}),
	}
}

// Done closes once the provider has drained or been cancelled.
func (p *StreamProvider) Done() <-chan struct{} {
	return p.done
}

func (p *StreamProvider) Close() {
	p.once.Do(func() {
		close(p.done)
	})
}

// Pause blocks the frame pump until Resume. Safe to call repeatedly.
func (p *StreamProvider) Pause() {
	p.pauseMu.Lock()
	select {
	case <-p.pauseChan:
		p.pauseChan = make(chan struct{})
	default:
	}
	p.pauseMu.Unlock()
}

func (p *StreamProvider) Resume() {
	p.pauseMu.Lock()
	select {
	case <-p.pauseChan:
	default:
		close(p.pauseChan)
	}
	p.pauseMu.Unlock()
}

func (p *StreamProvider) PushFrame(f []byte) {
	select {
	case p.frames <- f:
	case <-p.ctx.Done():
	}
}

func (p *StreamProvider) ProvideOpusFrame() ([]byte, error) {
	p.pauseMu.RLock()
	gate := p.pauseChan
	p.pauseMu.RUnlock()

	select {
	case <-gate:
	case <-p.ctx.Done():
		p.Close()
		return nil, io.EOF
	}

	if p.draining {
		target := int(SilenceDuration.Milliseconds() / 20)
		if p.silenceFrames < target {
			p.silenceFrames++
			return OpusSilence, nil
		}
		p.Close()
		return nil, io.EOF
	}

	select {
	case f := <-p.frames:
		if f == nil {
			p.draining = true
			return OpusSilence, nil
		}
		return f, nil
	case <-p.ctx.Done():
		p.Close()
		return nil, io.EOF
	case <-time.After(500 * time.Millisecond):
		return OpusSilence, nil
	}
}

// ===========================
// Transcoder
// ===========================

// OpusTranscoder decodes an input URI and re-encodes it as 48kHz stereo
// opus in 20ms frames.
type OpusTranscoder struct {
	inputCtx               *astiav.FormatContext
	decoderCtx, encoderCtx *astiav.CodecContext
	audioStreamIndex       int
	packet                 *astiav.Packet
	frame                  *astiav.Frame
	resampleCtx            *astiav.SoftwareResampleContext
	resampleFrame          *astiav.Frame
	fifo                   *astiav.AudioFifo
	pts                    int64
	volume                 *atomic.Int32
	onFrame                func([]byte)
}

func NewOpusTranscoder() *OpusTranscoder {
	return &OpusTranscoder{
		packet:        astiav.AllocPacket(),
		frame:         astiav.AllocFrame(),
		resampleFrame: astiav.AllocFrame(),
	}
}

func (t *OpusTranscoder) OpenInput(in string) error {
	t.inputCtx = astiav.AllocFormatContext()
	if t.inputCtx == nil {
		return errors.New("failed to alloc ctx")
	}

	var opts *astiav.Dictionary
	if strings.HasPrefix(in, "http") {
		opts = astiav.NewDictionary()
		defer opts.Free()
		opts.Set("reconnect", "1", 0)
		opts.Set("reconnect_at_eof", "1", 0)
		opts.Set("reconnect_streamed", "1", 0)
		opts.Set("reconnect_delay_max", "30", 0)
		opts.Set("timeout", "30000000", 0)
		opts.Set("probesize", "10000000", 0)
		opts.Set("analyzeduration", "10000000", 0)
	}
	if err := t.inputCtx.OpenInput(in, nil, opts); err != nil {
		return err
	}
	if err := t.inputCtx.FindStreamInfo(nil); err != nil {
		return err
	}
	t.audioStreamIndex = -1
	for _, s := range t.inputCtx.Streams() {
		if s.CodecParameters().MediaType() == astiav.MediaTypeAudio {
			t.audioStreamIndex = s.Index()
			break
		}
	}
	if t.audioStreamIndex == -1 {
		return errors.New("no audio")
	}
	return nil
}

func (t *OpusTranscoder) SetupDecoder() error {
	p := t.inputCtx.Streams()[t.audioStreamIndex].CodecParameters()
	d := astiav.FindDecoder(p.CodecID())
	if d == nil {
		return errors.New("no decoder")
	}
	t.decoderCtx = astiav.AllocCodecContext(d)
	_ = p.ToCodecContext(t.decoderCtx)
	return t.decoderCtx.Open(d, nil)
}

func (t *OpusTranscoder) SetupEncoder() error {
	e := astiav.FindEncoderByName("libopus")
	if e == nil {
		e = astiav.FindEncoder(astiav.CodecIDOpus)
	}
	if e == nil {
		return errors.New("no encoder")
	}
	t.encoderCtx = astiav.AllocCodecContext(e)
	t.encoderCtx.SetBitRate(192000)
	t.encoderCtx.SetSampleRate(48000)
	t.encoderCtx.SetChannelLayout(astiav.ChannelLayoutStereo)
	t.encoderCtx.SetSampleFormat(astiav.SampleFormatS16)
	t.encoderCtx.SetTimeBase(astiav.NewRational(1, 48000))
	o := astiav.NewDictionary()
	defer o.Free()
	o.Set("vbr", "on", 0)
	o.Set("compression_level", "10", 0)
	o.Set("frame_size", "20", 0)
	if err := t.encoderCtx.Open(e, o); err != nil {
		return err
	}
	t.resampleCtx = astiav.AllocSoftwareResampleContext()
	if t.resampleCtx == nil {
		return errors.New("failed to allocate resampler")
	}
	return nil
}

func (t *OpusTranscoder) Transcode(ctx context.Context, on func([]byte)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transcoder panic: %v", r)
			LogStream("CRITICAL: Transcoder panic recovered: %v", r)
		}
	}()

	defer t.packet.Unref()
	t.onFrame = on
	defer func() {
		if t.onFrame != nil {
			t.onFrame(nil)
		}
	}()

	fifoSize := 960 * 2
	t.fifo = astiav.AllocAudioFifo(t.encoderCtx.SampleFormat(), t.encoderCtx.ChannelLayout().Channels(), fifoSize)
	if t.fifo == nil {
		return errors.New("failed to alloc fifo")
	}
	defer func() {
		if t.fifo != nil {
			t.fifo.Free()
			t.fifo = nil
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		t.packet.Unref()

		if err := t.inputCtx.ReadFrame(t.packet); err != nil {
			if errors.Is(err, astiav.ErrEof) {
				break
			}
			return err
		}

		if t.packet.StreamIndex() != t.audioStreamIndex {
			continue
		}

		if err := t.decoderCtx.SendPacket(t.packet); err != nil {
			return err
		}

		for {
			if err := t.decoderCtx.ReceiveFrame(t.frame); err != nil {
				break
			}
			if err := t.pushToFifo(); err != nil {
				return err
			}
			t.frame.Unref()
		}
	}

	// Flush decoder
	if t.decoderCtx != nil {
		_ = t.decoderCtx.SendPacket(nil)
		for {
			if err := t.decoderCtx.ReceiveFrame(t.frame); err != nil {
				break
			}
			if err := t.pushToFifo(); err != nil {
				return err
			}
			t.frame.Unref()
		}
	}

	if err := t.processFifo(true); err != nil {
		return err
	}

	// Flush encoder
	if t.encoderCtx != nil {
		_ = t.encoderCtx.SendFrame(nil)
		for {
			t.packet.Unref()
			if t.encoderCtx.ReceivePacket(t.packet) != nil {
				break
			}
			if t.onFrame != nil {
				d := t.packet.Data()
				fd := make([]byte, len(d))
				copy(fd, d)
				t.onFrame(fd)
			}
		}
	}
	return nil
}

func (t *OpusTranscoder) encodeAndWrite(f *astiav.Frame) error {
	if err := t.encoderCtx.SendFrame(f); err != nil {
		return err
	}
	for {
		t.packet.Unref()
		if t.encoderCtx.ReceivePacket(t.packet) != nil {
			break
		}
		if t.onFrame != nil {
			d := t.packet.Data()
			fd := make([]byte, len(d))
			copy(fd, d)
			t.onFrame(fd)
		}
	}
	return nil
}

func (t *OpusTranscoder) pushToFifo() error {
	t.resampleFrame.Unref()
	t.resampleFrame.SetChannelLayout(t.encoderCtx.ChannelLayout())
	t.resampleFrame.SetSampleFormat(t.encoderCtx.SampleFormat())
	t.resampleFrame.SetSampleRate(t.encoderCtx.SampleRate())
	nb := int(astiav.RescaleQ(int64(t.frame.NbSamples()), astiav.NewRational(1, t.frame.SampleRate()), astiav.NewRational(1, t.encoderCtx.SampleRate())))
	if nb > 0 {
		t.resampleFrame.SetNbSamples(nb)
		_ = t.resampleFrame.AllocBuffer(0)
		if t.resampleCtx.ConvertFrame(t.frame, t.resampleFrame) == nil {
			_, _ = t.fifo.Write(t.resampleFrame)
			return t.processFifo(false)
		}
	}
	return nil
}

func (t *OpusTranscoder) processFifo(drain bool) error {
	if t.fifo == nil {
		return nil
	}
	for {
		sz := 960
		if t.fifo.Size() < sz {
			if !drain || t.fifo.Size() == 0 {
				return nil
			}
			sz = t.fifo.Size()
		}
		t.resampleFrame.Unref()
		t.resampleFrame.SetNbSamples(sz)
		t.resampleFrame.SetChannelLayout(t.encoderCtx.ChannelLayout())
		t.resampleFrame.SetSampleFormat(t.encoderCtx.SampleFormat())
		t.resampleFrame.SetSampleRate(t.encoderCtx.SampleRate())
		_ = t.resampleFrame.AllocBuffer(0)
		_, _ = t.fifo.Read(t.resampleFrame)

		if t.volume != nil {
			scaleSamples(t.resampleFrame, sz, t.volume.Load())
		}

		t.resampleFrame.SetPts(t.pts)
		t.pts += int64(sz)
		if err := t.encodeAndWrite(t.resampleFrame); err != nil {
			return err
		}
	}
}

// scaleSamples applies volume (percent) in place on interleaved s16 stereo.
func scaleSamples(f *astiav.Frame, nbSamples int, vol int32) {
	if vol == 100 {
		return
	}
	data, _ := f.Data().Bytes(1)
	limit := nbSamples * 4
	if limit > len(data) {
		limit = len(data)
	}
	for i := 0; i+1 < limit; i += 2 {
		sample := int16(data[i]) | int16(data[i+1])<<8
		scaled := int64(sample) * int64(vol) / 100
		if scaled > 32767 {
			scaled = 32767
		} else if scaled < -32768 {
			scaled = -32768
		}
		data[i] = byte(scaled)
		data[i+1] = byte(scaled >> 8)
	}
	_ = f.Data().SetBytes(data, 1)
}

func (t *OpusTranscoder) Close() {
	if t.resampleCtx != nil {
		t.resampleCtx.Free()
	}
	if t.resampleFrame != nil {
		t.resampleFrame.Free()
	}
	if t.packet != nil {
		t.packet.Free()
	}
	if t.frame != nil {
		t.frame.Free()
	}
	if t.decoderCtx != nil {
		t.decoderCtx.Free()
	}
	if t.encoderCtx != nil {
		t.encoderCtx.Free()
	}
	if t.inputCtx != nil {
		t.inputCtx.CloseInput()
		t.inputCtx.Free()
	}
}

// ===========================
// Controller
// ===========================

// opusConn is the voice connection surface the controller needs beyond the
// session-facing VoiceConn.
type opusConn interface {
	VoiceConn
	SetOpusFrameProvider(provider voice.OpusFrameProvider)
	SetSpeaking(ctx context.Context, flags voice.SpeakingFlags) error
}

// DisgoStreamController runs one transcode pipeline per started stream and
// reports exactly one terminal result through onDone.
type DisgoStreamController struct{}

type streamHandle struct {
	provider *StreamProvider
	cancel   context.CancelFunc
}

func (h *streamHandle) Pause()  { h.provider.Pause() }
func (h *streamHandle) Resume() { h.provider.Resume() }
func (h *streamHandle) Stop()   { h.cancel() }

func (c *DisgoStreamController) Start(ctx context.Context, conn VoiceConn, track Track, volume *atomic.Int32, onDone func(err error)) (StreamHandle, error) {
	oc, ok := conn.(opusConn)
	if !ok {
		return nil, errors.New("voice connection does not carry opus frames")
	}

	sctx, cancel := context.WithCancel(ctx)
	provider := NewStreamProvider(sctx)

	var once sync.Once
	finish := func(err error) {
		once.Do(func() {
			cancel()
			onDone(err)
		})
	}

	go func() {
		defer provider.PushFrame(nil)
		t := NewOpusTranscoder()
		t.volume = volume
		defer t.Close()

		if err := t.OpenInput(track.SourceURI); err != nil {
			LogStream("OpenInput failed for %q: %v", track.Title, err)
			finish(fmt.Errorf("failed to open stream: %w", err))
			return
		}
		if err := t.SetupDecoder(); err != nil {
			LogStream("SetupDecoder failed for %q: %v", track.Title, err)
			finish(fmt.Errorf("failed to set up decoder: %w", err))
			return
		}
		if err := t.SetupEncoder(); err != nil {
			LogStream("SetupEncoder failed for %q: %v", track.Title, err)
			finish(fmt.Errorf("failed to set up encoder: %w", err))
			return
		}

		if err := t.Transcode(sctx, provider.PushFrame); err != nil && sctx.Err() == nil {
			LogStream("Transcode failed for %q: %v", track.Title, err)
			finish(fmt.Errorf("playback failed: %w", err))
		}
	}()

	go func() {
		oc.SetOpusFrameProvider(provider)
		_ = oc.SetSpeaking(sctx, voice.SpeakingFlagMicrophone)

		select {
		case <-provider.Done():
			finish(nil)
		case <-sctx.Done():
			finish(sctx.Err())
		}

		oc.SetOpusFrameProvider(nil)
		spkCtx, spkCancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = oc.SetSpeaking(spkCtx, 0)
		spkCancel()
	}()

	return &streamHandle{provider: provider, cancel: cancel}, nil
}
