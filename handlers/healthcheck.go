// The handlers package holds the HTTP surface of the rebalance
// controller. The only exposed route is the healthcheck consumed by
// the platform's liveness probe.
package handlers

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/zenazn/goji/web"
)

var (
	healthy  atomic.Bool
	lastTick atomic.Int64 // unix seconds of the last completed tick
)

// SetHealthy records the outcome of the most recent reconciliation
// tick. Written only by the scheduler loop; the handler only reads.
func SetHealthy(ok bool) {
	healthy.Store(ok)
	lastTick.Store(time.Now().Unix())
}

// Healthcheck returns 200 while the last completed tick succeeded and
// 503 otherwise (including before the first tick has completed).
func Healthcheck(c web.C, w http.ResponseWriter, r *http.Request) {
	last := "never"
	if ts := lastTick.Load(); ts > 0 {
		last = time.Unix(ts, 0).UTC().Format(time.RFC3339)
	}
	if !healthy.Load() {
		http.Error(w, fmt.Sprintf("reconciliation failing (last tick: %s)", last), http.StatusServiceUnavailable)
		return
	}
	fmt.Fprintf(w, "OK (last tick: %s)\n", last)
}
