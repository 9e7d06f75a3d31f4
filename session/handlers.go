package session

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// handlerSet accounts for the request handlers started during one
// connection cycle, keyed by a sequence number so Disconnect can name the
// topics still being handled when it gives up waiting.
type handlerSet struct {
	wg sync.WaitGroup

	mu      sync.Mutex
	seq     uint64
	running map[uint64]string
}

func newHandlerSet() *handlerSet {
	return &handlerSet{running: make(map[uint64]string)}
}

// start records a handler for topic. No start may follow wait.
func (h *handlerSet) start(topic string) uint64 {
	h.wg.Add(1)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	h.running[h.seq] = topic
	return h.seq
}

func (h *handlerSet) finish(id uint64) {
	h.mu.Lock()
	delete(h.running, id)
	h.mu.Unlock()
	h.wg.Done()
}

// topics returns the topics of running handlers, sorted.
func (h *handlerSet) topics() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	topics := make([]string, 0, len(h.running))
	for _, t := range h.running {
		topics = append(topics, t)
	}
	slices.Sort(topics)
	return topics
}

// wait blocks until every started handler finished or ctx is done.
func (h *handlerSet) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		topics := h.topics()
		if len(topics) == 0 {
			return nil
		}
		return fmt.Errorf("session: %d handlers still running on [%s]: %w",
			len(topics), strings.Join(topics, " "), ctx.Err())
	}
}
