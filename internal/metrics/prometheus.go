package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/chadiek/sales-coach/internal/agent"
	"github.com/chadiek/sales-coach/internal/coach"
)

// Metrics contains the Prometheus collectors for the relay.
// It implements agent.Observer and coach.Observer.
type Metrics struct {
	// Connection metrics
	ActiveSessions   prometheus.Gauge
	SessionsOpened   prometheus.Counter
	InboundMessages  *prometheus.CounterVec
	MalformedInbound prometheus.Counter

	// Transcription metrics
	ActiveTranscribers prometheus.Gauge
	Utterances         *prometheus.CounterVec
	DroppedAudio       prometheus.Counter

	// Tip metrics
	Tips           *prometheus.CounterVec
	TipsDiscarded  prometheus.Counter
	AdvisorCalls   *prometheus.CounterVec
	AdvisorLatency *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "coach_active_sessions",
			Help: "Current number of connected client sessions",
		}),
		SessionsOpened: f.NewCounter(prometheus.CounterOpts{
			Name: "coach_sessions_opened_total",
			Help: "Total number of client sessions accepted",
		}),
		InboundMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coach_inbound_messages_total",
			Help: "Inbound client messages by type",
		}, []string{"type"}),
		MalformedInbound: f.NewCounter(prometheus.CounterOpts{
			Name: "coach_inbound_malformed_total",
			Help: "Inbound client messages that could not be decoded",
		}),
		ActiveTranscribers: f.NewGauge(prometheus.GaugeOpts{
			Name: "coach_active_transcribers",
			Help: "Current number of open transcription streams",
		}),
		Utterances: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coach_utterances_total",
			Help: "Finalized utterances appended to conversations",
		}, []string{"role"}),
		DroppedAudio: f.NewCounter(prometheus.CounterOpts{
			Name: "coach_audio_frames_dropped_total",
			Help: "Audio frames received while no transcriber was open",
		}),
		Tips: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coach_tips_delivered_total",
			Help: "Tips delivered to clients by severity",
		}, []string{"severity"}),
		TipsDiscarded: f.NewCounter(prometheus.CounterOpts{
			Name: "coach_tips_discarded_total",
			Help: "Tips dropped because the conversation was reset or the session ended",
		}),
		AdvisorCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coach_advisor_calls_total",
			Help: "Advisor round-trips by stage and outcome",
		}, []string{"stage", "outcome"}),
		AdvisorLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coach_advisor_duration_seconds",
			Help:    "Advisor round-trip latency by stage",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~51s
		}, []string{"stage"}),
	}
}

func (m *Metrics) SessionOpened() {
	m.SessionsOpened.Inc()
	m.ActiveSessions.Inc()
}

func (m *Metrics) SessionClosed() { m.ActiveSessions.Dec() }

func (m *Metrics) Inbound(kind string) { m.InboundMessages.WithLabelValues(kind).Inc() }

func (m *Metrics) Malformed() { m.MalformedInbound.Inc() }

func (m *Metrics) TranscriptionStarted() { m.ActiveTranscribers.Inc() }
func (m *Metrics) TranscriptionStopped() { m.ActiveTranscribers.Dec() }

func (m *Metrics) UtteranceAppended(role agent.Role) {
	m.Utterances.WithLabelValues(string(role)).Inc()
}

func (m *Metrics) AudioDropped() { m.DroppedAudio.Inc() }

func (m *Metrics) TipDelivered(severity agent.Severity) {
	m.Tips.WithLabelValues(string(severity)).Inc()
}

func (m *Metrics) TipDiscarded() { m.TipsDiscarded.Inc() }

func (m *Metrics) StageCompleted(stage coach.Stage, outcome coach.Outcome, took time.Duration) {
	m.AdvisorCalls.WithLabelValues(string(stage), string(outcome)).Inc()
	if took > 0 {
		m.AdvisorLatency.WithLabelValues(string(stage)).Observe(took.Seconds())
	}
}
