package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	IcapAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fwboot",
		Name:      "icap_attempts_total",
		Help:      "ICAP sequence attempts, by operation.",
	}, []string{"op"})

	MailboxMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fwboot",
		Name:      "mailbox_messages_total",
		Help:      "Mailbox requests served, by class and status.",
	}, []string{"class", "status"})

	UpdateResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fwboot",
		Name:      "update_results_total",
		Help:      "Completed firmware update sessions, by result.",
	}, []string{"result"})

	UpdateBytesReceived = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fwboot",
		Name:      "update_bytes_received",
		Help:      "Bytes staged by the current firmware update session.",
	})

	BootClassification = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fwboot",
		Name:      "boot_classification",
		Help:      "Set to 1 for the classification of the running image.",
	}, []string{"image"})
)

func init() {
	prometheus.MustRegister(IcapAttempts, MailboxMessages, UpdateResults, UpdateBytesReceived, BootClassification)
}
