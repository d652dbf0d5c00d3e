package writers

import (
	"context"

	"github.com/wolfeidau/dictionary-cache/telemetry"
)

// Read delivers the next chunk of the shared body into buf. When a
// cycle is already in flight the caller parks until that cycle's result
// is fanned out; otherwise the caller becomes the active consumer and
// drives a full network-read/cache-write cycle itself. Every consumer
// parked before a cycle completes receives that same cycle's bytes.
func (w *Writers) Read(ctx context.Context, consumer Consumer, buf []byte) (int, error) {
	w.mu.Lock()
	if _, ok := w.members[consumer]; !ok {
		w.mu.Unlock()
		return 0, ErrNotMember
	}
	if w.inCycle {
		if w.active == consumer {
			w.mu.Unlock()
			return 0, ErrReadInProgress
		}
		wt := &waiter{consumer: consumer, buf: buf, ch: make(chan readResult, 1)}
		w.waiting = append(w.waiting, wt)
		w.mu.Unlock()

		select {
		case r := <-wt.ch:
			return r.n, r.err
		case <-ctx.Done():
			w.dropWaiter(wt)
			return 0, ctx.Err()
		}
	}

	network := w.network
	if network == nil {
		w.mu.Unlock()
		return 0, ErrNoNetworkTransaction
	}
	w.active = consumer
	w.inCycle = true
	w.mu.Unlock()

	n, err := network.Read(ctx, buf)
	switch {
	case err != nil:
		return w.onNetworkReadFailure(ctx, consumer, err)
	case n == 0:
		return w.onNetworkReadComplete(ctx, consumer)
	default:
		return w.onDataReceived(ctx, consumer, buf, n)
	}
}

// onDataReceived writes the chunk to the entry and fans it out. A short
// or failed cache write downgrades the session to network-read-only and
// dooms the entry for future use; the active consumer still gets its
// bytes.
func (w *Writers) onDataReceived(ctx context.Context, consumer Consumer, buf []byte, n int) (int, error) {
	w.mu.Lock()
	checksum := w.checksum
	readOnly := w.networkReadOnly
	offset := w.written
	w.mu.Unlock()

	telemetry.RecordNetworkRead(ctx, int64(n))
	if checksum != nil {
		_, _ = checksum.Write(buf[:n])
	}

	cacheFailed := false
	if !readOnly {
		written, err := w.entry.WriteData(ctx, ContentStream, offset, buf[:n], false)
		if err != nil || written != n {
			w.logger.Warn("cache write fell short, continuing from network only",
				"requested", n, "written", written, "error", err)
			cacheFailed = true
		}
	}

	w.mu.Lock()
	if cacheFailed {
		w.networkReadOnly = true
		w.shouldKeepEntry = false
	} else if !readOnly {
		w.written += int64(n)
	}
	waiters := w.takeWaitersLocked()
	w.active = nil
	w.inCycle = false
	var finalize func()
	if len(w.members) == 0 && !w.finished {
		finalize = w.finalizeLocked(false)
	}
	w.mu.Unlock()

	if cacheFailed {
		telemetry.RecordCacheWriteFailure(ctx)
		w.host.DoomEntry()
	}
	for _, wt := range waiters {
		m := min(len(wt.buf), n)
		copy(wt.buf, buf[:m])
		wt.ch <- readResult{m, nil}
	}
	if finalize != nil {
		finalize()
	}
	return n, nil
}

// onNetworkReadComplete handles end-of-body: the checksum is verified,
// waiters are answered with zero, and the session completes with the
// remaining members promoted to cache readers.
func (w *Writers) onNetworkReadComplete(ctx context.Context, consumer Consumer) (int, error) {
	w.mu.Lock()
	checksum := w.checksum
	w.checksum = nil
	w.mu.Unlock()

	if checksum != nil {
		sum := checksum.Sum()
		if !consumer.ResponseChecksumMatches(sum) {
			w.logger.Warn("response body checksum mismatch, flagging entry unusable",
				"hash", sum.ShortString())
			w.markEntryUnusable(ctx, sum)
		}
	}

	w.mu.Lock()
	waiters := w.takeWaitersLocked()
	readers := make([]Consumer, 0, len(w.members))
	for member := range w.members {
		readers = append(readers, member)
	}
	clear(w.members)
	w.active = nil
	w.inCycle = false
	w.finished = true
	keep := w.shouldKeepEntry
	peak := w.peak
	w.mu.Unlock()

	for _, wt := range waiters {
		wt.ch <- readResult{0, nil}
	}
	telemetry.RecordWriterSession(ctx, "complete", peak)
	w.host.DoneWritingToEntry(true, keep, readers)
	return 0, nil
}

// onNetworkReadFailure propagates the error to every parked consumer,
// detaches the idle members whose only recourse was the failed shared
// read, and disposes of the entry.
func (w *Writers) onNetworkReadFailure(ctx context.Context, consumer Consumer, readErr error) (int, error) {
	w.mu.Lock()
	waiters := w.takeWaitersLocked()
	for _, wt := range waiters {
		delete(w.members, wt.consumer)
	}
	var idle []Consumer
	for member := range w.members {
		if member != consumer {
			idle = append(idle, member)
			delete(w.members, member)
		}
	}
	delete(w.members, consumer)
	w.active = nil
	w.inCycle = false
	w.finished = true
	truncate := w.shouldTruncateLocked()
	peak := w.peak
	w.mu.Unlock()

	for _, wt := range waiters {
		wt.ch <- readResult{0, readErr}
	}
	for _, member := range idle {
		member.OnRemoved(readErr)
	}
	telemetry.RecordWriterSession(ctx, "network_error", peak)

	if truncate {
		w.truncateEntry(ctx)
		w.host.DoneWritingToEntry(false, true, nil)
	} else {
		w.host.DoomEntry()
		w.host.DoneWritingToEntry(false, false, nil)
	}
	return 0, readErr
}

func (w *Writers) takeWaitersLocked() []*waiter {
	waiters := w.waiting
	w.waiting = nil
	return waiters
}

// dropWaiter removes a parked read that gave up waiting. The fan-out
// may already have claimed the waiter; its buffered channel keeps the
// race harmless.
func (w *Writers) dropWaiter(target *waiter) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, wt := range w.waiting {
		if wt == target {
			w.waiting = append(w.waiting[:i], w.waiting[i+1:]...)
			return
		}
	}
}
