package api

import (
	"github.com/prometheus/client_golang/prometheus"
)

// gpuflowCollector implements prometheus.Collector, reading the shared
// datapath counters on each scrape.
type gpuflowCollector struct {
	srv *Server

	packetsTotal  *prometheus.Desc
	bytesTotal    *prometheus.Desc
	burstsTotal   *prometheus.Desc
	dropsTotal    *prometheus.Desc
	lastPartial   *prometheus.Desc
	ringOccupancy *prometheus.Desc
}

func newCollector(srv *Server) *gpuflowCollector {
	return &gpuflowCollector{
		srv: srv,

		packetsTotal: prometheus.NewDesc(
			"gpuflow_packets_total",
			"Total packets moved through the datapath.",
			[]string{"direction"}, nil,
		),
		bytesTotal: prometheus.NewDesc(
			"gpuflow_bytes_total",
			"Total bytes moved through the datapath.",
			[]string{"direction"}, nil,
		),
		burstsTotal: prometheus.NewDesc(
			"gpuflow_bursts_total",
			"Total bursts moved through the datapath.",
			[]string{"direction"}, nil,
		),
		dropsTotal: prometheus.NewDesc(
			"gpuflow_drops_total",
			"Total packets dropped under back-pressure.",
			[]string{"direction"}, nil,
		),
		lastPartial: prometheus.NewDesc(
			"gpuflow_rx_last_partial_packets_total",
			"Packets recovered from undrained semaphore slots at shutdown.",
			nil, nil,
		),
		ringOccupancy: prometheus.NewDesc(
			"gpuflow_ring_occupancy",
			"Bursts currently queued in a software ring.",
			[]string{"direction", "port", "queue"}, nil,
		),
	}
}

func (c *gpuflowCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.packetsTotal
	ch <- c.bytesTotal
	ch <- c.burstsTotal
	ch <- c.dropsTotal
	ch <- c.lastPartial
	ch <- c.ringOccupancy
}

func (c *gpuflowCollector) Collect(ch chan<- prometheus.Metric) {
	m := c.srv.mgr
	if m == nil {
		return
	}
	st := m.Stats()

	ch <- prometheus.MustNewConstMetric(c.packetsTotal, prometheus.CounterValue,
		float64(st.RxPkts.Load()), "rx")
	ch <- prometheus.MustNewConstMetric(c.packetsTotal, prometheus.CounterValue,
		float64(st.TxPkts.Load()), "tx")
	ch <- prometheus.MustNewConstMetric(c.bytesTotal, prometheus.CounterValue,
		float64(st.RxBytes.Load()), "rx")
	ch <- prometheus.MustNewConstMetric(c.burstsTotal, prometheus.CounterValue,
		float64(st.RxBursts.Load()), "rx")
	ch <- prometheus.MustNewConstMetric(c.burstsTotal, prometheus.CounterValue,
		float64(st.TxBursts.Load()), "tx")
	ch <- prometheus.MustNewConstMetric(c.dropsTotal, prometheus.CounterValue,
		float64(st.RxDrops.Load()), "rx")
	ch <- prometheus.MustNewConstMetric(c.dropsTotal, prometheus.CounterValue,
		float64(st.TxDrops.Load()), "tx")
	ch <- prometheus.MustNewConstMetric(c.lastPartial, prometheus.CounterValue,
		float64(st.RxLastPartial.Load()))

	for _, q := range m.Queues() {
		ch <- prometheus.MustNewConstMetric(c.ringOccupancy, prometheus.GaugeValue,
			float64(q.RingLen), q.Direction,
			itoa(q.Port), itoa(q.Queue))
	}
}

func itoa(v uint16) string {
	// Small, hot during scrape with many queues; avoids fmt.
	if v == 0 {
		return "0"
	}
	var buf [5]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
