package background

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sitesafe/fieldsync/internal/logging"
	"github.com/sitesafe/fieldsync/internal/metrics"
	"github.com/sitesafe/fieldsync/internal/models"
	"github.com/sitesafe/fieldsync/internal/sync/connectivity"
	"github.com/sitesafe/fieldsync/internal/sync/remote"
)

// Defaults
const (
	DefaultRetention      = 24 * time.Hour
	DefaultReplayInterval = 5 * time.Minute
)

// RequestStore persists captured requests.
type RequestStore interface {
	InsertBackgroundRequest(ctx context.Context, r *models.BackgroundRequest) error
	ListBackgroundRequests(ctx context.Context) ([]*models.BackgroundRequest, error)
	UpdateBackgroundRequest(ctx context.Context, r *models.BackgroundRequest) error
	DeleteBackgroundRequest(ctx context.Context, id string) error
}

// QueueStore is the durable sync queue as seen by the worker.
type QueueStore interface {
	DeleteQueueItems(ctx context.Context, ids ...string) error
}

// Config holds worker options.
type Config struct {
	Retention time.Duration
	Interval  time.Duration
	// HTTP replays requests. It must not go through an Interceptor.
	HTTP *http.Client
}

// ReplayResult summarizes one replay run.
type ReplayResult struct {
	Replayed int `json:"replayed"`
	Failed   int `json:"failed"`
	Expired  int `json:"expired"`
	Acked    int `json:"acked"`
}

// Worker replays captured requests oldest first, on every offline to online
// transition and on its own ticker. It shares only the database with the
// foreground engine.
type Worker struct {
	requests  RequestStore
	queue     QueueStore
	notifier  *Notifier
	monitor   *connectivity.Monitor
	client    *http.Client
	retention time.Duration
	interval  time.Duration
	now       func() time.Time

	replayMu sync.Mutex
	runMu    sync.Mutex
	running  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewWorker creates a Worker. monitor may be nil, in which case replay runs
// only on the ticker or when ReplayAll is called.
func NewWorker(requests RequestStore, q QueueStore, notifier *Notifier, monitor *connectivity.Monitor, config Config) *Worker {
	if config.Retention <= 0 {
		config.Retention = DefaultRetention
	}
	if config.Interval <= 0 {
		config.Interval = DefaultReplayInterval
	}
	if config.HTTP == nil {
		config.HTTP = &http.Client{Timeout: 30 * time.Second}
	}
	return &Worker{
		requests:  requests,
		queue:     q,
		notifier:  notifier,
		monitor:   monitor,
		client:    config.HTTP,
		retention: config.Retention,
		interval:  config.Interval,
		now:       time.Now,
	}
}

// ReplayAll replays every stored request. Replay stops at the first request
// that fails; the remaining ones keep their order for the next run.
func (w *Worker) ReplayAll(ctx context.Context) (*ReplayResult, error) {
	w.replayMu.Lock()
	defer w.replayMu.Unlock()

	stored, err := w.requests.ListBackgroundRequests(ctx)
	if err != nil {
		return nil, err
	}

	result := &ReplayResult{}
	now := w.now()
	for _, r := range stored {
		if r.Expired(now, w.retention) {
			if err := w.requests.DeleteBackgroundRequest(ctx, r.ID); err != nil {
				return result, err
			}
			result.Expired++
			metrics.BackgroundReplays.WithLabelValues(metrics.OutcomeExpired).Inc()
			logging.Warn("Dropped expired background request", map[string]interface{}{
				"request_id": r.ID,
				"attempts":   r.Attempts,
			})
			w.publish(Message{Type: MessageExpired, RequestID: r.ID, Error: r.LastError})
			continue
		}

		acked, replayErr := w.replay(ctx, r)
		if replayErr != nil {
			r.Attempts++
			r.LastError = replayErr.Error()
			if err := w.requests.UpdateBackgroundRequest(ctx, r); err != nil {
				return result, err
			}
			result.Failed++
			metrics.BackgroundReplays.WithLabelValues(metrics.OutcomeFailed).Inc()
			logging.Warn("Background replay failed", map[string]interface{}{
				"request_id": r.ID,
				"attempts":   r.Attempts,
				"error":      r.LastError,
			})
			w.publish(Message{Type: MessageFailed, RequestID: r.ID, Error: r.LastError})
			break
		}

		if len(acked) > 0 {
			if err := w.queue.DeleteQueueItems(ctx, acked...); err != nil {
				return result, err
			}
		}
		if err := w.requests.DeleteBackgroundRequest(ctx, r.ID); err != nil {
			return result, err
		}
		result.Replayed++
		result.Acked += len(acked)
		metrics.BackgroundReplays.WithLabelValues(metrics.OutcomeOK).Inc()
		logging.Info("Background replay succeeded", map[string]interface{}{
			"request_id": r.ID,
			"acked":      len(acked),
		})
		w.publish(Message{Type: MessageReplayed, RequestID: r.ID, OpIDs: acked})
	}
	return result, nil
}

// replay sends r and returns the operation ids the server acknowledged.
func (w *Worker) replay(ctx context.Context, r *models.BackgroundRequest) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, bytes.NewReader(r.Body))
	if err != nil {
		return nil, err
	}
	for k, v := range r.Header {
		req.Header[k] = append([]string(nil), v...)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("replay returned HTTP %d", resp.StatusCode)
	}

	var pushResp remote.PushResponse
	if err := json.Unmarshal(body, &pushResp); err != nil {
		// Delivered, but nothing can be acknowledged locally.
		logging.Warn("Unreadable replay response", map[string]interface{}{"request_id": r.ID})
		return nil, nil
	}
	var acked []string
	for _, res := range pushResp.Results {
		if res.OK() {
			acked = append(acked, res.OpID)
		}
	}
	return acked, nil
}

func (w *Worker) publish(msg Message) {
	if w.notifier != nil {
		w.notifier.Publish(msg)
	}
}

// Start begins replaying in the background. It replays once immediately
// when the monitor is already online, then on every reconnect and tick.
func (w *Worker) Start(ctx context.Context) {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})

	var transitions <-chan connectivity.Transition
	cancel := func() {}
	if w.monitor != nil {
		transitions, cancel = w.monitor.Subscribe()
	}

	w.wg.Add(1)
	go w.loop(ctx, w.stopCh, transitions, cancel)

	logging.Info("Background replay worker started", map[string]interface{}{
		"interval":  w.interval.String(),
		"retention": w.retention.String(),
	})
}

// Stop halts the worker and waits for an in-flight replay to finish.
func (w *Worker) Stop() {
	w.runMu.Lock()
	if !w.running {
		w.runMu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	w.runMu.Unlock()

	w.wg.Wait()
	logging.Info("Background replay worker stopped", nil)
}

func (w *Worker) loop(ctx context.Context, stopCh chan struct{}, transitions <-chan connectivity.Transition, cancel func()) {
	defer w.wg.Done()
	defer cancel()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Already online means no transition will come; replay right away.
	if w.monitor == nil || w.monitor.Online() {
		w.runOnce(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t, ok := <-transitions:
			if !ok {
				transitions = nil
				continue
			}
			if t.Online {
				w.runOnce(ctx)
			}
		case <-ticker.C:
			if w.monitor == nil || w.monitor.Online() {
				w.runOnce(ctx)
			}
		}
	}
}

func (w *Worker) runOnce(ctx context.Context) {
	if _, err := w.ReplayAll(ctx); err != nil {
		logging.Error("Background replay run failed", err, nil)
	}
}
