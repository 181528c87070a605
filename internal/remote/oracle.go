package remote

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// Oracle answers "are we online right now" and announces offline-to-online
// transitions. Implementations must answer Online with a fresh check, not a
// cached verdict.
type Oracle interface {
	Online(ctx context.Context) bool
	// Changes delivers a value whenever connectivity returns after an
	// offline period.
	Changes() <-chan struct{}
}

// ProbeOracle determines connectivity by issuing a cheap HEAD request to the
// remote base URL. A background watch loop turns probe flips into change
// notifications.
type ProbeOracle struct {
	probeURL   string
	httpClient *http.Client

	mu      sync.Mutex
	online  bool
	known   bool
	changes chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewProbeOracle(probeURL string, httpClient *http.Client) *ProbeOracle {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &ProbeOracle{
		probeURL:   probeURL,
		httpClient: httpClient,
		changes:    make(chan struct{}, 1),
	}
}

// Online performs a point-in-time connectivity check.
func (o *ProbeOracle) Online(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, o.probeURL, nil)
	if err != nil {
		return false
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		o.record(false)
		return false
	}
	resp.Body.Close()
	o.record(true)
	return true
}

func (o *ProbeOracle) Changes() <-chan struct{} {
	return o.changes
}

// Watch polls connectivity at the given interval until Stop is called,
// feeding the Changes stream.
func (o *ProbeOracle) Watch(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, probeCancel := context.WithTimeout(ctx, 5*time.Second)
				o.Online(probeCtx)
				probeCancel()
			}
		}
	}()
}

func (o *ProbeOracle) Stop() {
	if o.cancel == nil {
		return
	}
	o.cancel()
	o.wg.Wait()
}

func (o *ProbeOracle) record(online bool) {
	o.mu.Lock()
	wasOffline := o.known && !o.online
	o.online = online
	o.known = true
	o.mu.Unlock()

	if online && wasOffline {
		select {
		case o.changes <- struct{}{}:
		default:
		}
	}
}
