package notify

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"fleetops/internal/metrics"
	"fleetops/internal/store"
)

// Worker drains the alert delivery queue: signed POSTs, exponential backoff,
// a hard attempt cap after which the delivery is marked failed.
type Worker struct {
	Store       store.Store
	HTTP        *http.Client
	Stop        chan struct{}
	MaxAttempts int
}

func NewWorker(s store.Store) *Worker {
	return &Worker{
		Store:       s,
		HTTP:        &http.Client{Timeout: 5 * time.Second},
		Stop:        make(chan struct{}),
		MaxAttempts: 10,
	}
}

func (w *Worker) Start() {
	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-w.Stop:
				return
			case <-ticker.C:
				w.processOnce()
			}
		}
	}()
}

func (w *Worker) processOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	items, err := w.Store.FetchDueAlertDeliveries(ctx, 50)
	if err != nil || len(items) == 0 {
		return
	}
	for _, it := range items {
		success := false
		next := time.Now().Add(nextBackoff(it.Attempts))
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, it.URL, bytes.NewReader(it.Payload))
		if err != nil {
			_ = w.Store.FailAlertDelivery(ctx, it.ID, err.Error(), 0)
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Fleetops-Event", it.EventType)
		if it.Secret != "" {
			req.Header.Set("X-Fleetops-Signature", SignHMAC(it.Secret, it.Payload))
		}
		resp, err := w.HTTP.Do(req)
		code := 0
		if err == nil && resp != nil {
			code = resp.StatusCode
			if resp.Body != nil {
				_ = resp.Body.Close()
			}
			if code >= 200 && code < 300 {
				success = true
			}
		}
		lastErr := ""
		if !success && err != nil {
			lastErr = err.Error()
		}
		switch {
		case success:
			metrics.AlertDeliveries.WithLabelValues("delivered").Inc()
			_ = w.Store.MarkAlertDelivery(ctx, it.ID, true, nil, "", code)
		case it.Attempts+1 >= w.MaxAttempts:
			metrics.AlertDeliveries.WithLabelValues("failed").Inc()
			_ = w.Store.FailAlertDelivery(ctx, it.ID, lastErr, code)
		default:
			metrics.AlertDeliveries.WithLabelValues("retry").Inc()
			_ = w.Store.MarkAlertDelivery(ctx, it.ID, false, &next, lastErr, code)
		}
	}
}

func nextBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 10 {
		attempts = 10
	}
	d := time.Second * time.Duration(1<<attempts)
	if d > time.Hour {
		d = time.Hour
	}
	return d
}
