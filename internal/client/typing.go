package client

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// TypingSender is implemented by Client.
type TypingSender interface {
	Typing() error
	StopTyping() error
}

// TypingDebouncer turns keystrokes into typing/stop_typing intents: typing
// goes out on the first keystroke, stop_typing once no keystroke arrived for
// the delay.
type TypingDebouncer struct {
	sender TypingSender
	delay  time.Duration

	mu     sync.Mutex
	timer  *time.Timer
	gen    uint64
	typing bool
}

func NewTypingDebouncer(s TypingSender, delay time.Duration) *TypingDebouncer {
	return &TypingDebouncer{sender: s, delay: delay}
}

// Keystroke reports user input and reschedules stop_typing.
func (d *TypingDebouncer) Keystroke() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.typing {
		d.typing = true
		if err := d.sender.Typing(); err != nil {
			log.Debug().Err(err).Msg("typing not sent")
		}
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = time.AfterFunc(d.delay, func() { d.expire(gen) })
}

// Flush sends stop_typing now if typing is in progress. Call it when the
// message is sent.
func (d *TypingDebouncer) Flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
}

// expire ignores timers that a later keystroke has superseded.
func (d *TypingDebouncer) expire(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if gen == d.gen {
		d.stopLocked()
	}
}

func (d *TypingDebouncer) stopLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
	if !d.typing {
		return
	}
	d.typing = false
	if err := d.sender.StopTyping(); err != nil {
		log.Debug().Err(err).Msg("stop_typing not sent")
	}
}
