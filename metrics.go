package udpnib

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics mirrors the StatsCounters and Rates into Prometheus collectors.
// The StatsReporter is the only writer.
type Metrics struct {
	PacketsReceived prometheus.Counter
	BytesReceived   prometheus.Counter
	PacketsDropped  prometheus.Counter
	BytesDropped    prometheus.Counter
	LatePackets     prometheus.Counter
	ProblemPackets  prometheus.Counter
	WrongSize       prometheus.Counter
	Resets          prometheus.Counter
	BytesSent       prometheus.Counter
	ReceiveSleeps   prometheus.Counter
	SendSleeps      prometheus.Counter
	Buffered        prometheus.Gauge
	Free            prometheus.Gauge
	Recording       prometheus.Gauge
}

// NewMetrics creates the udpnib collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: "udpnib", Name: name, Help: help})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "udpnib", Name: name, Help: help})
	}
	m := &Metrics{
		PacketsReceived: counter("packets_received_total", "Packets received in sequence"),
		BytesReceived:   counter("bytes_received_total", "Bytes received in sequence"),
		PacketsDropped:  counter("packets_dropped_total", "Filler packets written in place of lost packets"),
		BytesDropped:    counter("bytes_dropped_total", "Bytes of filler written in place of lost packets"),
		LatePackets:     counter("late_packets_total", "Packets discarded because their slot was already filled"),
		ProblemPackets:  counter("problem_packets_total", "Packets whose sequence phase could not be corrected"),
		WrongSize:       counter("wrong_size_packets_total", "Datagrams discarded for having the wrong length"),
		Resets:          counter("sequence_resets_total", "Times the sequence tracker was reset"),
		BytesSent:       counter("bytes_sent_total", "Bytes handed to the downstream transfers"),
		ReceiveSleeps:   counter("receive_sleeps_total", "Receive polls that found no packet"),
		SendSleeps:      counter("send_sleeps_total", "Transmit polls that found less than a chunk"),
		Buffered:        gauge("buffered_bytes", "Bytes received but not yet sent"),
		Free:            gauge("free_bytes", "Bytes the receiver can fill before the ring overruns"),
		Recording:       gauge("recording", "1 while an acquisition is in progress"),
	}
	reg.MustRegister(m.PacketsReceived, m.BytesReceived, m.PacketsDropped, m.BytesDropped,
		m.LatePackets, m.ProblemPackets, m.WrongSize, m.Resets, m.BytesSent,
		m.ReceiveSleeps, m.SendSleeps, m.Buffered, m.Free, m.Recording)
	return m
}

// observe adds one interval's worth of counter increases and sets the gauges.
func (m *Metrics) observe(d StatsSnapshot, buffered, free int, recording bool) {
	m.PacketsReceived.Add(float64(d.PacketsReceived))
	m.BytesReceived.Add(float64(d.BytesReceived))
	m.PacketsDropped.Add(float64(d.PacketsDropped))
	m.BytesDropped.Add(float64(d.BytesDropped))
	m.LatePackets.Add(float64(d.LatePackets))
	m.ProblemPackets.Add(float64(d.ProblemPackets))
	m.WrongSize.Add(float64(d.WrongSize))
	m.Resets.Add(float64(d.Resets))
	m.BytesSent.Add(float64(d.BytesSent))
	m.ReceiveSleeps.Add(float64(d.ReceiveSleeps))
	m.SendSleeps.Add(float64(d.SendSleeps))
	m.Buffered.Set(float64(buffered))
	m.Free.Set(float64(free))
	if recording {
		m.Recording.Set(1)
	} else {
		m.Recording.Set(0)
	}
}

// ServeMetrics serves reg on addr at /metrics. The returned server is already running.
func ServeMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		UpdateLogger.Printf("prometheus: listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ProblemLogger.Printf("prometheus serve error: %v", err)
		}
	}()
	return srv
}
