package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/bletext/internal/ble/protocol"
)

// SendText encodes text per the connected protocol, frames it, and writes it
// chunk by chunk to the resolved endpoint. Each chunk must complete before the
// next is issued; the first rejected chunk aborts the send with a *WriteError
// and the connection stays open. Returns ErrNotReady when no endpoint has
// been resolved yet.
func (mgr *Manager) SendText(ctx context.Context, text string) error {
	mgr.sendMu.Lock()
	defer mgr.sendMu.Unlock()

	var (
		cfg protocol.Config
		mtu int
		ok  bool
	)
	if err := mgr.do(func() { cfg, mtu, ok = mgr.m.ready() }); err != nil {
		return err
	}
	if !ok {
		return ErrNotReady
	}

	payload, err := protocol.Prepare(text, cfg)
	if err != nil {
		return fmt.Errorf("ble: prepare payload: %w", err)
	}
	chunks := protocol.Split(payload, mtu, cfg.ChunkOverhead)
	mode := WriteWithResponse
	if cfg.WriteWithoutResponse {
		mode = WriteWithoutResponse
	}

	slog.Debug("[BLE] sending", "bytes", len(payload), "chunks", len(chunks), "mtu", mtu, "mode", mode)
	for i, chunk := range chunks {
		if i > 0 && mgr.opts.InterChunkDelay > 0 {
			if err := sleepCtx(ctx, mgr.opts.InterChunkDelay); err != nil {
				return &WriteError{Chunk: i, Chunks: len(chunks), Err: err}
			}
		}
		if err := mgr.writeChunk(ctx, chunk, mode); err != nil {
			slog.Warn("[BLE] write failed", "chunk", i+1, "chunks", len(chunks), "error", err)
			_ = mgr.do(func() { mgr.setStatus(fmt.Sprintf("Write failed at chunk %d/%d", i+1, len(chunks))) })
			return &WriteError{Chunk: i, Chunks: len(chunks), Err: err}
		}
	}

	_ = mgr.do(func() { mgr.setStatus(fmt.Sprintf("Sent %d bytes in %d chunks", len(payload), len(chunks))) })
	return nil
}

// writeChunk issues one write on the loop and waits for its result, at most
// opts.WriteTimeout.
func (mgr *Manager) writeChunk(ctx context.Context, chunk []byte, mode WriteMode) error {
	reply := make(chan error, 1)
	var (
		id       uint64
		issueErr error
	)
	err := mgr.do(func() {
		ep, wid, err := mgr.m.beginWrite()
		if err != nil {
			issueErr = err
			return
		}
		id = wid
		mgr.writeReply = reply
		if err := mgr.link.Write(ep.Characteristic, chunk, mode, mgr.writeDone(mgr.m.session, wid)); err != nil {
			mgr.m.abortWrite(wid)
			mgr.writeReply = nil
			issueErr = err
		}
	})
	if err != nil {
		return err
	}
	if issueErr != nil {
		return issueErr
	}

	timer := time.NewTimer(mgr.opts.WriteTimeout)
	defer timer.Stop()

	var abortErr error
	select {
	case err := <-reply:
		return err
	case <-mgr.stopped:
		select {
		case err := <-reply:
			return err
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		abortErr = ctx.Err()
	case <-timer.C:
		abortErr = ErrWriteTimeout
	}

	_ = mgr.do(func() {
		if mgr.writeReply == reply {
			mgr.m.abortWrite(id)
			mgr.writeReply = nil
		}
	})
	// The result may have been delivered before the abort ran.
	select {
	case err := <-reply:
		return err
	default:
		return abortErr
	}
}

// writeDone returns the completion callback for write id of session.
// Results for a closed session or a superseded write are dropped.
func (mgr *Manager) writeDone(session, id uint64) func(error) {
	var once sync.Once
	return func(err error) {
		once.Do(func() {
			mgr.inbox.post(func() {
				if session != mgr.m.session {
					return
				}
				mgr.run(mgr.m.apply(writeResult{id: id, err: err}))
			})
		})
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
