package client

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/parrotdial/parrot-voice-dashboard/pkg/logger"
)

// Player renders one audio frame to the output device. Play blocks for the
// duration of the frame; the duplexer relies on that to keep playback
// strictly sequential.
type Player interface {
	Play(ctx context.Context, frame []byte) error
}

// FrameSender pushes one captured microphone frame to the live channel.
type FrameSender func(frame []byte) error

type playState int

const (
	playIdle playState = iota
	playActive
)

// Duplexer moves audio between the live channel and the local device in both
// directions. Agent frames queue up and play in arrival order, one at a
// time. Captured frames go out synchronously, so there is never more than
// one outbound frame in flight.
type Duplexer struct {
	player Player

	mu      sync.Mutex
	queue   [][]byte
	state   playState
	closed  bool
	sender  FrameSender
	sendMu  sync.Mutex
	playCtx context.Context
	playCxl context.CancelFunc
	wg      sync.WaitGroup
}

func NewDuplexer(player Player) *Duplexer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Duplexer{
		player:  player,
		playCtx: ctx,
		playCxl: cancel,
	}
}

// BindSender attaches the outbound path once the live channel is up.
func (d *Duplexer) BindSender(sender FrameSender) {
	d.mu.Lock()
	d.sender = sender
	d.mu.Unlock()
}

// EnqueuePlayback queues an agent audio frame. If nothing is playing, a
// drain goroutine starts; otherwise the frame waits its turn.
func (d *Duplexer) EnqueuePlayback(frame []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	d.queue = append(d.queue, frame)
	if d.state == playIdle {
		d.state = playActive
		d.wg.Add(1)
		go d.drain()
	}
}

func (d *Duplexer) drain() {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if d.closed || len(d.queue) == 0 {
			d.state = playIdle
			d.mu.Unlock()
			return
		}
		frame := d.queue[0]
		d.queue = d.queue[1:]
		ctx := d.playCtx
		d.mu.Unlock()

		if err := d.player.Play(ctx, frame); err != nil {
			if ctx.Err() != nil {
				// Flushed or closed mid-frame. Frames enqueued after the
				// flush may already be queued, so loop again with the
				// refreshed context rather than stranding them.
				continue
			}
			logger.Base().Warn("Audio frame playback failed", zap.Error(err))
		}
	}
}

// CaptureFrame ships one microphone frame to the live channel. Serialized so
// frames arrive in capture order.
func (d *Duplexer) CaptureFrame(frame []byte) error {
	d.mu.Lock()
	sender := d.sender
	closed := d.closed
	d.mu.Unlock()

	if closed || sender == nil {
		return nil
	}

	d.sendMu.Lock()
	defer d.sendMu.Unlock()
	return sender(frame)
}

// FlushPlayback drops all queued frames and interrupts the one playing. Used
// when the callee interrupts the agent mid-sentence.
func (d *Duplexer) FlushPlayback() {
	d.mu.Lock()
	d.queue = nil
	cancel := d.playCxl
	if !d.closed {
		d.playCtx, d.playCxl = context.WithCancel(context.Background())
	}
	d.mu.Unlock()

	cancel()
}

// QueuedFrames reports the playback backlog.
func (d *Duplexer) QueuedFrames() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Close discards pending audio in both directions and stops playback. Frames
// arriving after Close are dropped silently.
func (d *Duplexer) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.queue = nil
	d.sender = nil
	cancel := d.playCxl
	d.mu.Unlock()

	cancel()
	d.wg.Wait()
}
