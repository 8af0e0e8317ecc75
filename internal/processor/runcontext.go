package processor

import (
	"context"
	"sync"

	"hlsdl/internal/playlist"
)

// runContext holds the per-invocation mutable state of one Download call:
// the cancellation flag, the pause gate, and the parsed playlist (kept
// around for the step-mode methods and finalization). It is never shared
// across Download calls.
type runContext struct {
	mu           sync.Mutex
	cancelled    bool
	paused       bool
	pauseRelease chan struct{}
	cancelCtx    context.CancelFunc

	playlist *playlist.Playlist

	haveLastState bool
	lastState     DownloadState
	lastMessage   string
}

// newRunContext derives a cancellable context from parent; Cancel both
// flips the cooperative flag and cancels this context, so blocking
// Fetcher calls and pause waits observe cancellation at their native
// suspension points instead of needing to poll the flag.
func newRunContext(parent context.Context) (*runContext, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	return &runContext{cancelCtx: cancel}, ctx
}

// waitIfPaused returns the current pause gate's release channel, or nil
// when not paused; the calling worker blocks on it until resumed or
// cancelled. Cancellation always wins: Cancel releases any armed pause gate.
func (rc *runContext) waitIfPaused() <-chan struct{} {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if !rc.paused {
		return nil
	}
	return rc.pauseRelease
}

// Pause arms a fresh one-shot release signal. A second Pause call while
// already paused is a no-op.
func (rc *runContext) Pause() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.paused {
		return
	}
	rc.paused = true
	rc.pauseRelease = make(chan struct{})
}

// Resume releases the current pause gate. A no-op if not paused.
func (rc *runContext) Resume() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if !rc.paused {
		return
	}
	rc.paused = false
	close(rc.pauseRelease)
}

// Cancel sets the cancellation flag and, if the run is currently paused,
// releases the pause gate so blocked workers can observe cancellation and
// exit instead of hanging forever.
func (rc *runContext) Cancel() {
	rc.mu.Lock()
	rc.cancelled = true
	if rc.paused {
		rc.paused = false
		close(rc.pauseRelease)
	}
	cancelCtx := rc.cancelCtx
	rc.mu.Unlock()
	if cancelCtx != nil {
		cancelCtx()
	}
}

func (rc *runContext) Cancelled() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.cancelled
}

// shouldNotify reports whether (state, message) differs from the last
// notified pair, and records it as the new last pair if so. This is the
// state-transition deduplication required by the notification contract.
func (rc *runContext) shouldNotify(state DownloadState, message string) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.haveLastState && rc.lastState == state && rc.lastMessage == message {
		return false
	}
	rc.haveLastState = true
	rc.lastState = state
	rc.lastMessage = message
	return true
}
