package lsmtree

import (
	"sync"
	"time"

	"github.com/carlsverre/lsm-tree/internal/logging"
)

// backgroundWorker drives periodic flush and compaction in the background,
// grounded on the teacher's db/background.go channel-driven design,
// trimmed down to this engine's scope: no rate limiter, no pause/resume, no
// subcompactions.
type backgroundWorker struct {
	tree *Tree

	rotateCh   chan struct{}
	flushCh    chan struct{}
	compactCh  chan struct{}
	shutdownCh chan struct{}
	done       sync.WaitGroup
}

func newBackgroundWorker(t *Tree) *backgroundWorker {
	return &backgroundWorker{
		tree:       t,
		rotateCh:   make(chan struct{}, 1),
		flushCh:    make(chan struct{}, 1),
		compactCh:  make(chan struct{}, 1),
		shutdownCh: make(chan struct{}),
	}
}

func (w *backgroundWorker) start() {
	w.done.Add(1)
	go w.loop()
}

func (w *backgroundWorker) stop() {
	close(w.shutdownCh)
	w.done.Wait()
}

func (w *backgroundWorker) loop() {
	defer w.done.Done()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-w.shutdownCh:
			return
		case <-w.rotateCh:
			w.runRotate()
		case <-w.flushCh:
			w.runFlush()
		case <-w.compactCh:
			w.runCompact()
		case <-ticker.C:
			w.runFlush()
			w.runCompact()
		}
	}
}

func (w *backgroundWorker) runRotate() {
	if err := w.tree.rotateMemtable(); err != nil {
		w.tree.logger.Errorf(logging.NSTree+"background rotate failed: %v", err)
	}
}

func (w *backgroundWorker) runFlush() {
	if err := w.tree.Flush(); err != nil {
		w.tree.logger.Errorf(logging.NSFlush+"background flush failed: %v", err)
		return
	}
	select {
	case w.compactCh <- struct{}{}:
	default:
	}
}

func (w *backgroundWorker) runCompact() {
	if err := w.tree.Compact(); err != nil {
		w.tree.logger.Errorf(logging.NSCompact+"background compaction failed: %v", err)
	}
}
