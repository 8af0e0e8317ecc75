// Package processor is the orchestration core: it drives playlist parsing,
// key prefetch, a bounded worker pool, crash-safe progress persistence, and
// final concatenation through the Fetcher, Decryptor, ProgressStore, and
// Combiner collaborators.
package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"hlsdl/internal/combine"
	"hlsdl/internal/config"
	"hlsdl/internal/crypto"
	"hlsdl/internal/fetch"
	"hlsdl/internal/herrors"
	"hlsdl/internal/logger"
	"hlsdl/internal/playlist"
	"hlsdl/internal/progress"
	"hlsdl/internal/retry"
)

// Processor owns one download run's collaborators. It is safe to reuse
// across sequential (not concurrent) calls to Download; each call builds
// its own runContext.
type Processor struct {
	Fetcher   fetch.Fetcher
	Decryptor crypto.Decryptor
	Progress  progress.ProgressStore
	Combiner  combine.Combiner
	Parser    *playlist.Parser
	Config    config.Config
	Log       logger.Logger

	OnProgress ProgressFunc
	OnState    StateFunc

	// run is swapped in at the start of every Download call and read from
	// Pause/Resume/Cancel, which callers may invoke from another goroutine
	// while Download is in flight; an atomic pointer keeps that handoff
	// race-free without forcing Download's hot path through a mutex.
	run atomic.Pointer[runContext]

	mu        sync.Mutex // serializes completed-map mutation and progress saves
	completed map[int]bool
}

func (p *Processor) log() logger.Logger {
	if p.Log == nil {
		return logger.Nop{}
	}
	return p.Log
}

// Pause arms cooperative pause on the in-flight run, if any.
func (p *Processor) Pause() {
	if run := p.run.Load(); run != nil {
		run.Pause()
		p.notifyState(StatePaused, "download paused")
	}
}

// Resume releases a previously armed pause.
func (p *Processor) Resume() {
	if run := p.run.Load(); run != nil {
		run.Resume()
		p.notifyState(StateResumed, "download resumed")
	}
}

// Cancel cooperatively cancels the in-flight run, if any.
func (p *Processor) Cancel() {
	if run := p.run.Load(); run != nil {
		run.Cancel()
	}
}

// Download runs the full pipeline described in the processor's design:
// parse, prefetch keys, dispatch a worker pool over outstanding segments,
// and finalize by combining segment files into Config.OutputPath.
func (p *Processor) Download(parentCtx context.Context, url string) error {
	run, ctx := newRunContext(parentCtx)
	p.run.Store(run)
	p.completed = map[int]bool{}

	if err := os.MkdirAll(p.Config.WorkDir, 0o755); err != nil {
		return p.fail(herrors.Wrap(herrors.KindIOFailed, err, "failed to create work dir "+p.Config.WorkDir))
	}

	p.notifyState(StateStarted, "download started")

	priorDone, err := p.Progress.Load()
	if err != nil {
		return p.fail(err)
	}
	if err := p.Progress.Save(priorDone); err != nil {
		return p.fail(herrors.Wrap(herrors.KindIOFailed, err, "failed to write initial progress file"))
	}

	pl, err := p.Parse(ctx, url)
	if err != nil {
		return p.fail(err)
	}
	run.playlist = pl

	if err := p.PrefetchKeys(ctx, pl); err != nil {
		return p.fail(err)
	}

	var todo []int
	for i := range pl.Segments {
		if priorDone[i] {
			p.completed[i] = true
			continue
		}
		todo = append(todo, i)
	}
	p.notifyProgress(len(p.completed), len(pl.Segments))

	if err := p.runWorkers(ctx, todo, len(pl.Segments)); err != nil {
		if herrors.Is(err, herrors.KindCancelled) {
			p.Progress.Cleanup()
			p.notifyState(StateCancelled, err.Error())
			p.notifyState(StateStopped, "stopped")
			return err
		}
		return p.fail(err)
	}

	if err := p.finalize(pl); err != nil {
		return p.fail(err)
	}

	p.notifyState(StateCompleted, "download completed")
	p.notifyState(StateStopped, "stopped")
	return nil
}

// fail transitions to ERROR, then always emits the terminal STOPPED
// notification, and returns err unchanged for the caller to propagate.
func (p *Processor) fail(err error) error {
	p.notifyState(StateError, err.Error())
	p.notifyState(StateStopped, "stopped")
	return err
}

// Parse is the step-mode entry point wrapping the playlist parser, exposed
// for callers that want to inspect the playlist before committing to a
// full Download call.
func (p *Processor) Parse(ctx context.Context, url string) (*playlist.Playlist, error) {
	pl, err := p.Parser.Parse(ctx, url)
	if err != nil {
		return nil, err
	}
	return pl, nil
}

// PrefetchKeys fetches and populates KeyBytes for every unique
// EncryptionSpec in pl that doesn't already have a key cached, deduplicated
// by structural equality so a key shared by many segments is fetched once.
func (p *Processor) PrefetchKeys(ctx context.Context, pl *playlist.Playlist) error {
	unique := map[[3]string]*playlist.EncryptionSpec{}
	for i := range pl.Segments {
		spec := pl.Segments[i].Encryption
		if spec == nil || len(spec.KeyBytes) == 16 {
			continue
		}
		unique[spec.DedupKey()] = spec
	}

	for _, spec := range unique {
		keyBytes, err := retry.Do(ctx, p.retryConfig(), func() ([]byte, error) {
			return p.fetchKeyBytes(ctx, spec.KeyURI)
		})
		if err != nil {
			return herrors.Wrap(herrors.KindKeyFetchFailed, err, "failed to fetch key "+spec.KeyURI)
		}
		if len(keyBytes) != 16 {
			return herrors.Newf(herrors.KindKeyLengthInvalid, "key at %s must be 16 bytes, got %d", spec.KeyURI, len(keyBytes))
		}
		spec.KeyBytes = keyBytes
	}
	return nil
}

func (p *Processor) fetchKeyBytes(ctx context.Context, uri string) ([]byte, error) {
	stream, err := p.Fetcher.Fetch(ctx, uri)
	if err != nil {
		return nil, err
	}
	defer stream.Close()
	return io.ReadAll(stream)
}

// ProcessSegment fetches a segment's ciphertext and, if encrypted, pipes it
// through the Decryptor. The returned stream owns the underlying fetch
// stream. Exposed as a step-mode method per the supplemented API.
func (p *Processor) ProcessSegment(ctx context.Context, seg playlist.Segment) (io.ReadCloser, error) {
	if run := p.run.Load(); run != nil && run.Cancelled() {
		return nil, herrors.New(herrors.KindCancelled, "cancelled before segment fetch")
	}

	stream, err := p.Fetcher.Fetch(ctx, seg.URI)
	if err != nil {
		return nil, err
	}

	if seg.Encryption == nil {
		return stream, nil
	}
	if len(seg.Encryption.KeyBytes) != 16 {
		stream.Close()
		return nil, herrors.WrapSegment(herrors.KindDecryptionFailed, seg.Index, nil, "key not populated before segment dispatch")
	}
	return p.Decryptor.Decrypt(stream, seg.Encryption.KeyBytes, seg.Encryption, seg.Index)
}

func (p *Processor) retryConfig() retry.Config {
	return retry.Config{MaxAttempts: p.Config.MaxRetries, BaseDelay: p.Config.RetryBaseDelay}
}

func (p *Processor) segmentPath(index int) string {
	return filepath.Join(p.Config.WorkDir, fmt.Sprintf("segment_%d.ts", index+1))
}

// runWorkers dispatches one task per index in todo across a fixed-size
// pool and waits for all of them to finish, or for the shutdown grace
// period to elapse after a terminal error or cancellation.
func (p *Processor) runWorkers(ctx context.Context, todo []int, total int) error {
	numWorkers := p.Config.NumThreads
	if numWorkers < 1 {
		numWorkers = 1
	}

	workerCtx, stop := context.WithCancel(ctx)
	defer stop()

	workCh := make(chan int)
	errCh := make(chan error, 1)
	var wg sync.WaitGroup

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range workCh {
				if err := p.runSegmentTask(workerCtx, idx, total); err != nil {
					select {
					case errCh <- err:
					default:
					}
					stop()
				}
			}
		}()
	}

feed:
	for _, idx := range todo {
		select {
		case workCh <- idx:
		case <-workerCtx.Done():
			break feed
		}
	}
	close(workCh)

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	grace := p.Config.ShutdownGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	select {
	case <-finished:
	case <-workerCtx.Done():
		select {
		case <-finished:
		case <-time.After(grace):
			p.log().Warnf("worker pool did not exit within %s grace period", grace)
		}
	}

	select {
	case err := <-errCh:
		return err
	default:
	}
	if run := p.run.Load(); run != nil && run.Cancelled() {
		return herrors.New(herrors.KindCancelled, "download cancelled")
	}
	return ctx.Err()
}

// runSegmentTask implements one iteration of step 5 of the processor's
// dispatch loop: pause gate, cancellation check, fetch+decrypt+write,
// progress report, then a second cancellation check after reporting
// progress.
func (p *Processor) runSegmentTask(ctx context.Context, idx int, total int) error {
	run := p.run.Load()
	if release := run.waitIfPaused(); release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return herrors.New(herrors.KindCancelled, "cancelled while paused")
		}
	}
	if run.Cancelled() {
		return herrors.New(herrors.KindCancelled, "cancelled before segment fetch")
	}

	seg := run.playlist.Segments[idx]

	stream, err := retry.Do(ctx, p.retryConfig(), func() (io.ReadCloser, error) {
		return p.ProcessSegment(ctx, seg)
	})
	if err != nil {
		if herrors.Is(err, herrors.KindCancelled) || errors.Is(err, context.Canceled) || run.Cancelled() {
			return herrors.WrapSegment(herrors.KindCancelled, idx, err, "cancelled while processing segment")
		}
		return herrors.WrapSegment(herrors.KindSegmentFailed, idx, err, "failed to process segment")
	}

	path := p.segmentPath(idx)
	writeErr := writeSegmentFile(path, stream)
	stream.Close()
	if writeErr != nil {
		return herrors.WrapSegment(herrors.KindIOFailed, idx, writeErr, "failed to write segment file "+path)
	}

	p.mu.Lock()
	p.completed[idx] = true
	saveErr := p.Progress.Save(p.completed)
	doneCount := len(p.completed)
	p.mu.Unlock()
	if saveErr != nil {
		return herrors.WrapSegment(herrors.KindIOFailed, idx, saveErr, "failed to save progress")
	}

	p.notifyProgress(doneCount, total)

	if run.Cancelled() {
		return herrors.New(herrors.KindCancelled, "cancelled during IO")
	}
	return nil
}

func writeSegmentFile(path string, r io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return err
	}
	return f.Sync()
}

// finalize verifies every expected segment file exists, invokes the
// Combiner, optionally deletes the segment files, and purges progress
// state.
func (p *Processor) finalize(pl *playlist.Playlist) error {
	paths := make([]string, len(pl.Segments))
	for i := range pl.Segments {
		path := p.segmentPath(i)
		if _, err := os.Stat(path); err != nil {
			return herrors.WrapSegment(herrors.KindMissingSegment, i, err, "missing segment file "+path)
		}
		paths[i] = path
	}

	if err := p.Combiner.Combine(paths, p.Config.WorkDir, p.Config.OutputPath); err != nil {
		return err
	}

	if p.Config.CleanupSegmentsOnComplete {
		for _, path := range paths {
			os.Remove(path)
		}
	}

	return p.Progress.Cleanup()
}

func (p *Processor) notifyState(state DownloadState, message string) {
	run := p.run.Load()
	if run != nil && !run.shouldNotify(state, message) {
		return
	}
	if p.OnState != nil {
		p.OnState(state, message)
	}
}

func (p *Processor) notifyProgress(done, total int) {
	if p.OnProgress != nil {
		p.OnProgress(done, total)
	}
}
