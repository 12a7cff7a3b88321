// Package hooks delivers event packets to webhook URLs registered on
// watchables. Delivery is fire and forget: the event log is the reliable
// record, a webhook is a nudge.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/brucemcpherson/effex-fb/internal/model"
)

const requestTimeout = 10 * time.Second

// Dispatcher posts packets to watchable URLs.
type Dispatcher struct {
	client *http.Client
	log    *zap.Logger
	wg     sync.WaitGroup
}

// New builds a Dispatcher. A nil client gets a default with a sane
// timeout.
func New(client *http.Client, log *zap.Logger) *Dispatcher {
	if client == nil {
		client = &http.Client{Timeout: requestTimeout}
	}
	return &Dispatcher{client: client, log: log}
}

// Dispatch posts the packet to the watchable's URL, if it has one.
func (d *Dispatcher) Dispatch(packet model.EventPacket, w model.Watchable) {
	if w.URL == "" {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.post(w.URL, packet)
	}()
}

func (d *Dispatcher) post(url string, packet model.EventPacket) {
	payload, err := json.Marshal(packet)
	if err != nil {
		d.log.Warn("event packet not serializable", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		d.log.Warn("webhook request invalid", zap.String("url", url), zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		d.log.Warn("webhook delivery failed", zap.String("url", url), zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		d.log.Warn("webhook rejected",
			zap.String("url", url), zap.Int("status", resp.StatusCode))
	}
}

// Flush waits for in-flight deliveries. Used in tests and on shutdown.
func (d *Dispatcher) Flush() { d.wg.Wait() }
