package transfer

import (
	"errors"
)

// EventKind distinguishes the events of an upload.
type EventKind int

const (
	EventProgress EventKind = iota
	EventComplete
	EventError
)

// Event is one item of an upload's event stream. Exactly one of Progress,
// Result or Err is meaningful depending on Kind.
type Event struct {
	Kind     EventKind
	Progress ProgressSnapshot
	Result   *TransferResult
	Err      *TransferError
}

const eventBuffer = 64

// Upload is a running transfer. Its events are progress updates followed by
// exactly one Complete or Error, after which the channel is closed.
type Upload struct {
	session *Session
	opts    Options
	events  chan Event
	done    chan struct{}

	result *TransferResult
	err    error
}

func newUpload(opts Options) *Upload {
	return &Upload{
		opts:   opts,
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}
}

func (u *Upload) ID() string { return u.session.ID() }

// Events returns the event stream. Progress events are dropped rather than
// blocking the transfer when the consumer falls behind; the terminal event is
// always delivered.
func (u *Upload) Events() <-chan Event { return u.events }

// Done is closed once the upload has finished.
func (u *Upload) Done() <-chan struct{} { return u.done }

// Wait blocks until the upload finishes and returns its outcome.
func (u *Upload) Wait() (*TransferResult, error) {
	<-u.done
	return u.result, u.err
}

func (u *Upload) Progress() ProgressSnapshot { return u.session.Progress() }

func (u *Upload) Cancel() { u.session.Cancel() }

// progress runs on the session goroutine.
func (u *Upload) progress(snap ProgressSnapshot) {
	if u.opts.OnProgress != nil {
		u.opts.OnProgress(snap)
	}
	// one slot stays free for the terminal event
	if len(u.events) < cap(u.events)-1 {
		u.events <- Event{Kind: EventProgress, Progress: snap}
	}
}

func (u *Upload) finish(res *TransferResult, err error) {
	if err != nil {
		var terr *TransferError
		if !errors.As(err, &terr) {
			terr = newError(u.session.ID(), KindTransferFailed, err)
		}
		if u.opts.OnError != nil {
			u.opts.OnError(terr)
		}
		u.events <- Event{Kind: EventError, Err: terr}
		u.err = terr
	} else {
		if u.opts.OnComplete != nil {
			u.opts.OnComplete(*res)
		}
		u.events <- Event{Kind: EventComplete, Result: res}
		u.result = res
	}
	close(u.events)
	close(u.done)
}
