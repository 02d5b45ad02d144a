package metrics

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	vm "github.com/VictoriaMetrics/metrics"
)

const namespace = "gatesync"

// Recorder records gateway metrics into its own set. A nil *Recorder is
// valid and records nothing.
type Recorder struct {
	set *vm.Set
}

// New creates a recorder with an empty metric set.
func New() *Recorder {
	return &Recorder{set: vm.NewSet()}
}

// ReconnectScheduled counts an armed reconnect timer.
func (r *Recorder) ReconnectScheduled(server string) {
	if r == nil {
		return
	}
	r.set.GetOrCreateCounter(name("reconnects_total", "server", server)).Inc()
}

// SessionReady counts a completed identify or resume.
func (r *Recorder) SessionReady(server string, resumed bool) {
	if r == nil {
		return
	}
	kind := "identify"
	if resumed {
		kind = "resume"
	}
	r.set.GetOrCreateCounter(name("sessions_ready_total", "server", server, "kind", kind)).Inc()
}

// FrameDropped counts an inbound frame that was discarded.
func (r *Recorder) FrameDropped(server, reason string) {
	if r == nil {
		return
	}
	r.set.GetOrCreateCounter(name("frames_dropped_total", "server", server, "reason", reason)).Inc()
}

// CommandDropped counts an outbound command rejected by a full queue.
func (r *Recorder) CommandDropped(server string) {
	if r == nil {
		return
	}
	r.set.GetOrCreateCounter(name("commands_dropped_total", "server", server)).Inc()
}

// EventDispatched counts a dispatch envelope forwarded to consumers.
func (r *Recorder) EventDispatched(server, event string) {
	if r == nil {
		return
	}
	r.set.GetOrCreateCounter(name("events_dispatched_total", "server", server, "event", event)).Inc()
}

// HeartbeatRTT records one heartbeat round trip.
func (r *Recorder) HeartbeatRTT(server string, rtt time.Duration) {
	if r == nil {
		return
	}
	r.set.GetOrCreateHistogram(name("heartbeat_rtt_seconds", "server", server)).Update(rtt.Seconds())
}

// RegisterStatus exports the aggregate status as a gauge. Only the first
// registration of a recorder takes effect.
func (r *Recorder) RegisterStatus(f func() float64) {
	if r == nil {
		return
	}
	r.set.GetOrCreateGauge(name("status"), f)
}

// RegisterConnections exports the number of live connections.
func (r *Recorder) RegisterConnections(f func() float64) {
	if r == nil {
		return
	}
	r.set.GetOrCreateGauge(name("connections"), f)
}

// WritePrometheus writes every metric in text exposition format.
func (r *Recorder) WritePrometheus(w io.Writer) {
	if r == nil {
		return
	}
	r.set.WritePrometheus(w)
}

// Handler serves the metrics over HTTP.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.WritePrometheus(w)
	})
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

// name builds a metric name with label pairs.
func name(metric string, labels ...string) string {
	full := namespace + "_" + metric
	if len(labels) < 2 {
		return full
	}
	var b strings.Builder
	b.WriteString(full)
	b.WriteByte('{')
	for i := 0; i+1 < len(labels); i += 2 {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, `%s="%s"`, labels[i], labelEscaper.Replace(labels[i+1]))
	}
	b.WriteByte('}')
	return b.String()
}
