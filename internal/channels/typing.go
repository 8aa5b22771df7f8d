package channels

import (
	"sync"
	"time"
)

// TypingOptions configures one typing indicator loop.
type TypingOptions struct {
	// Interval is the re-assert period; provider indicators decay after a
	// few seconds on their own.
	Interval time.Duration
	// MaxDuration stops a loop whose companion run.completed never arrived.
	MaxDuration time.Duration
	// Start asserts the indicator once; Stop clears it. Either may be nil.
	Start func()
	Stop  func()
}

// TypingController re-asserts a decaying typing indicator until stopped.
type TypingController struct {
	opts TypingOptions
	stop chan struct{}
	once sync.Once
}

// NewTyping builds a controller. Nothing runs until Start.
func NewTyping(opts TypingOptions) *TypingController {
	if opts.Interval <= 0 {
		opts.Interval = 4 * time.Second
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = 10 * time.Minute
	}
	return &TypingController{opts: opts, stop: make(chan struct{})}
}

// Start asserts the indicator now and re-asserts it on the interval until
// Stop or MaxDuration.
func (t *TypingController) Start() {
	go t.loop()
}

// Stop ends the loop and clears the indicator. Safe to call more than once.
func (t *TypingController) Stop() {
	t.once.Do(func() { close(t.stop) })
}

func (t *TypingController) loop() {
	if t.opts.Start != nil {
		t.opts.Start()
	}
	ticker := time.NewTicker(t.opts.Interval)
	defer ticker.Stop()
	deadline := time.NewTimer(t.opts.MaxDuration)
	defer deadline.Stop()
	for {
		select {
		case <-t.stop:
			if t.opts.Stop != nil {
				t.opts.Stop()
			}
			return
		case <-deadline.C:
			// Safety expiry: stop re-asserting but leave the indicator to
			// decay, the run may still be going.
			return
		case <-ticker.C:
			if t.opts.Start != nil {
				t.opts.Start()
			}
		}
	}
}
