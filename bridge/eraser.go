package bridge

import (
	"time"

	"github.com/golang/glog"

	"github.com/alimasry/go-canvas-sync/records"
)

// eraserState tracks an erase gesture.
//
//	idle -> erasing     eraser selected
//	erasing -> settling another tool selected; debounce armed
//	settling -> erasing eraser selected again; debounce cancelled
//	settling -> idle    debounce fired; queue flushed
type eraserState int

const (
	eraserIdle eraserState = iota
	eraserErasing
	eraserSettling
)

func (b *Bridge) handleTool(tool string) {
	if tool == b.settings.EraserTool {
		if b.eraser != eraserErasing {
			glog.V(1).Infof("[bridge]%s eraser on", b.handle.DocumentID())
		}
		b.eraser = eraserErasing
		stopTimer(&b.debounceTimer)
		return
	}
	if b.eraser == eraserErasing {
		b.eraser = eraserSettling
		b.debounceTimer = time.NewTimer(b.settings.EraserDebounce)
	}
}

func (b *Bridge) queueEraser(diff records.Diff) {
	if b.eraserQueue == nil {
		q := diff.Clone()
		b.eraserQueue = &q
	} else {
		q := b.eraserQueue.Squash(diff)
		b.eraserQueue = &q
	}
	// an abandoned gesture must not hold edits forever
	stopTimer(&b.idleTimer)
	b.idleTimer = time.NewTimer(b.settings.EraserIdleTimeout)
}

func (b *Bridge) flushEraser() {
	stopTimer(&b.idleTimer)
	if b.eraserQueue == nil {
		return
	}
	q := *b.eraserQueue
	b.eraserQueue = nil
	if !q.IsEmpty() {
		b.flushPosition()
		b.apply(q)
	}
}
