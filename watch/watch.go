// Package watch polls the host page for the injected question turn and the
// answer turn that follows it. Each watch is bound to one highlight; it hides
// the turns it claims, captures the answer markup once generation finishes,
// and reports a single terminal result.
package watch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Host is the slice of the host adapter a watch needs. Turn indices are
// stable identifiers assigned by the adapter.
type Host interface {
	TurnCount() (int, error)
	IsAnswerTurn(i int) (bool, error)
	IsGenerating() (bool, error)
	AnswerHTML(i int) (string, error)
	HideTurn(i int) error
	UnhideTurn(i int) error
}

// Status is the terminal outcome of a watch.
type Status int

const (
	// Captured: an answer turn appeared and its markup was read.
	Captured Status = iota
	// TimedOut: the poll budget ran out before an answer appeared. Hidden
	// turns were unhidden.
	TimedOut
	// Cancelled: the watch was stopped by the user before resolution. Hidden
	// turns were unhidden.
	Cancelled
)

// Result is delivered exactly once on Done.
type Result struct {
	Status       Status
	AnswerHTML   string
	QuestionTurn int // -1 if the question turn was never identified
	AnswerTurn   int // -1 unless Status is Captured
}

const (
	// DefaultInterval is the poll period.
	DefaultInterval = 500 * time.Millisecond
	// DefaultMaxPolls bounds the total wait to two minutes at the default
	// interval.
	DefaultMaxPolls = 240
)

// Watch is a cancellable polling task. At most one watch may be active per
// highlight id; starting a new one assumes the old one already reached a
// terminal state.
type Watch struct {
	host     Host
	baseline int // turn count before the question was injected
	interval time.Duration
	maxPolls int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	detached atomic.Bool

	// Owned by the polling goroutine once Start is called.
	questionTurn int
	answerTurn   int

	done chan Result
}

// New creates a watch over the host page. baseline is the turn count observed
// before the question was injected. interval and maxPolls fall back to the
// defaults when zero.
func New(host Host, baseline int, interval time.Duration, maxPolls int) *Watch {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if maxPolls <= 0 {
		maxPolls = DefaultMaxPolls
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watch{
		host:         host,
		baseline:     baseline,
		interval:     interval,
		maxPolls:     maxPolls,
		ctx:          ctx,
		cancel:       cancel,
		questionTurn: -1,
		answerTurn:   -1,
		done:         make(chan Result, 1),
	}
}

// Start begins the polling loop.
func (w *Watch) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Done delivers the terminal result exactly once.
func (w *Watch) Done() <-chan Result { return w.done }

// Cancel stops the watch and unhides any turns it hid. The result on Done is
// Cancelled. Safe to call after the watch already resolved, in which case it
// only stops the goroutine.
func (w *Watch) Cancel() {
	w.cancel()
	w.wg.Wait()
}

// Detach marks the watch as no longer owning a popup. Polling continues; the
// caller uses the flag to decide how to apply the eventual result.
func (w *Watch) Detach() { w.detached.Store(true) }

// Detached reports whether Detach was called.
func (w *Watch) Detached() bool { return w.detached.Load() }

func (w *Watch) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for polls := 0; ; {
		select {
		case <-w.ctx.Done():
			w.unhideAll()
			w.resolve(Result{Status: Cancelled, QuestionTurn: w.questionTurn, AnswerTurn: -1})
			return
		case <-ticker.C:
			polls++
			if res, ok := w.tick(); ok {
				w.resolve(res)
				return
			}
			if polls >= w.maxPolls {
				w.unhideAll()
				w.resolve(Result{Status: TimedOut, QuestionTurn: w.questionTurn, AnswerTurn: -1})
				return
			}
		}
	}
}

// tick performs one inspection of the host page. A false return means "not
// resolved yet"; adapter errors count as a missed poll, never a failure.
func (w *Watch) tick() (Result, bool) {
	count, err := w.host.TurnCount()
	if err != nil {
		log.Debug().Err(err).Msg("watch: turn census failed")
		return Result{}, false
	}

	// The first new non-answer turn beyond the baseline is the injected
	// question. Hide it so the user's view stays clean.
	if w.questionTurn < 0 {
		for i := w.baseline; i < count; i++ {
			answer, err := w.host.IsAnswerTurn(i)
			if err != nil {
				return Result{}, false
			}
			if !answer {
				w.questionTurn = i
				if err := w.host.HideTurn(i); err != nil {
					log.Debug().Err(err).Int("turn", i).Msg("watch: hide question failed")
				}
				break
			}
		}
	}

	// An answer-shaped turn past the question (or the baseline, if the
	// question was never spotted) is the candidate answer. It only counts
	// once the host reports generation has finished.
	start := w.baseline
	if w.questionTurn >= 0 {
		start = w.questionTurn + 1
	}
	for i := start; i < count; i++ {
		answer, err := w.host.IsAnswerTurn(i)
		if err != nil {
			return Result{}, false
		}
		if !answer {
			continue
		}
		generating, err := w.host.IsGenerating()
		if err != nil || generating {
			return Result{}, false
		}
		markup, err := w.host.AnswerHTML(i)
		if err != nil {
			log.Debug().Err(err).Int("turn", i).Msg("watch: answer read failed")
			return Result{}, false
		}
		if err := w.host.HideTurn(i); err != nil {
			log.Debug().Err(err).Int("turn", i).Msg("watch: hide answer failed")
		}
		w.answerTurn = i
		return Result{
			Status:       Captured,
			AnswerHTML:   markup,
			QuestionTurn: w.questionTurn,
			AnswerTurn:   i,
		}, true
	}
	return Result{}, false
}

// unhideAll reverts the turns hidden so far. Used on cancel and timeout so
// nothing disappears from the user's normal view.
func (w *Watch) unhideAll() {
	if w.questionTurn >= 0 {
		if err := w.host.UnhideTurn(w.questionTurn); err != nil {
			log.Debug().Err(err).Int("turn", w.questionTurn).Msg("watch: unhide failed")
		}
	}
	if w.answerTurn >= 0 {
		if err := w.host.UnhideTurn(w.answerTurn); err != nil {
			log.Debug().Err(err).Int("turn", w.answerTurn).Msg("watch: unhide failed")
		}
	}
}

func (w *Watch) resolve(res Result) {
	select {
	case w.done <- res:
	default:
	}
}
