package topicsync

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// serverCollector exposes the server's counters to Prometheus. Collect
// runs on the scrape goroutine while the server loop mutates state, so
// every sampled value comes from an atomic mirror, never from a
// loop-owned map or slice.
type serverCollector struct {
	srv *Server

	rejects atomic.Uint64

	topicsDesc        *prometheus.Desc
	clientsDesc       *prometheus.Desc
	subscriptionsDesc *prometheus.Desc
	transitionsDesc   *prometheus.Desc
	changesDesc       *prometheus.Desc
	rollbacksDesc     *prometheus.Desc
	rejectsDesc       *prometheus.Desc
	historyDesc       *prometheus.Desc
}

func newServerCollector(srv *Server) *serverCollector {
	return &serverCollector{
		srv: srv,

		topicsDesc: prometheus.NewDesc(
			"topicsync_topics",
			"Number of topics currently registered",
			nil, nil,
		),
		clientsDesc: prometheus.NewDesc(
			"topicsync_clients",
			"Number of connected clients",
			nil, nil,
		),
		subscriptionsDesc: prometheus.NewDesc(
			"topicsync_subscriptions",
			"Number of active topic subscriptions across all clients",
			nil, nil,
		),
		transitionsDesc: prometheus.NewDesc(
			"topicsync_transitions_total",
			"Total number of committed transitions",
			nil, nil,
		),
		changesDesc: prometheus.NewDesc(
			"topicsync_changes_total",
			"Total number of changes applied to topics",
			nil, nil,
		),
		rollbacksDesc: prometheus.NewDesc(
			"topicsync_rollbacks_total",
			"Total number of transitions rolled back",
			nil, nil,
		),
		rejectsDesc: prometheus.NewDesc(
			"topicsync_rejected_actions_total",
			"Total number of client actions rejected",
			nil, nil,
		),
		historyDesc: prometheus.NewDesc(
			"topicsync_history_entries",
			"Number of transitions kept in the undo history",
			nil, nil,
		),
	}
}

func (c *serverCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.topicsDesc
	ch <- c.clientsDesc
	ch <- c.subscriptionsDesc
	ch <- c.transitionsDesc
	ch <- c.changesDesc
	ch <- c.rollbacksDesc
	ch <- c.rejectsDesc
	ch <- c.historyDesc
}

func (c *serverCollector) Collect(ch chan<- prometheus.Metric) {
	sm := c.srv.sm
	ch <- prometheus.MustNewConstMetric(
		c.topicsDesc, prometheus.GaugeValue, float64(sm.topicCount.Load()))
	ch <- prometheus.MustNewConstMetric(
		c.clientsDesc, prometheus.GaugeValue, float64(c.srv.clients.Count()))
	ch <- prometheus.MustNewConstMetric(
		c.subscriptionsDesc, prometheus.GaugeValue, float64(c.srv.clients.SubscriptionCount()))
	ch <- prometheus.MustNewConstMetric(
		c.transitionsDesc, prometheus.CounterValue, float64(sm.transitions.Load()))
	ch <- prometheus.MustNewConstMetric(
		c.changesDesc, prometheus.CounterValue, float64(sm.applied.Load()))
	ch <- prometheus.MustNewConstMetric(
		c.rollbacksDesc, prometheus.CounterValue, float64(sm.rollbacks.Load()))
	ch <- prometheus.MustNewConstMetric(
		c.rejectsDesc, prometheus.CounterValue, float64(c.rejects.Load()))
	ch <- prometheus.MustNewConstMetric(
		c.historyDesc, prometheus.GaugeValue, float64(c.srv.history.Len()))
}

// Collector returns the server's Prometheus collector for registration.
func (s *Server) Collector() prometheus.Collector { return s.metrics }
