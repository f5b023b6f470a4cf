// Package reachability watches backend connectivity and triggers queue
// processing when the device comes back online.
package reachability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/dmitrijs2005/medvoice/internal/logging"
)

// Prober reports whether the backend is currently reachable.
type Prober interface {
	// Probe returns nil when the backend answered.
	Probe(ctx context.Context) error
}

// HTTPProber probes with a HEAD request against the given URL. Any HTTP
// response, including an error status, counts as reachable; only transport
// failures count as offline.
type HTTPProber struct {
	URL        string
	httpClient *http.Client
}

func NewHTTPProber(url string) *HTTPProber {
	return &HTTPProber{URL: url, httpClient: &http.Client{Timeout: 3 * time.Second}}
}

func (p *HTTPProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("probe failed: %w", err)
	}
	_ = resp.Body.Close()
	return nil
}

// Watcher polls a Prober at a fixed interval and invokes its callback on
// every offline-to-online transition. Edge detection matters: firing on
// every connectivity event would cause redundant scheduling passes.
type Watcher struct {
	prober   Prober
	interval time.Duration
	onOnline func()
	log      logging.Logger

	online bool
	known  bool
}

func NewWatcher(prober Prober, interval time.Duration, onOnline func(), log logging.Logger) *Watcher {
	return &Watcher{prober: prober, interval: interval, onOnline: onOnline, log: log}
}

// evaluate runs one probe cycle and fires the callback if the state moved
// from offline (or unknown) to online.
func (w *Watcher) evaluate(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	err := w.prober.Probe(probeCtx)
	cancel()

	nowOnline := err == nil

	if nowOnline && (!w.known || !w.online) {
		w.log.Info(ctx, "network is back online")
		if w.onOnline != nil {
			w.onOnline()
		}
	}
	if !nowOnline && w.known && w.online {
		w.log.Info(ctx, "network went offline")
	}

	w.online = nowOnline
	w.known = true
}

// Run blocks, probing until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.evaluate(ctx)
		case <-ctx.Done():
			return
		}
	}
}
