package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Métricas del bus de eventos y del registro de operaciones asíncronas.
// Viven en un paquete aparte para evitar ciclos entre bus, router y async.

var (
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nodebus_events_published_total",
		Help: "Eventos publicados por este nodo, por acción",
	}, []string{"action"})

	// outcome: handled | self | unrouted | failed | dropped
	EventsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nodebus_events_received_total",
		Help: "Eventos recibidos por este nodo, por acción y resultado",
	}, []string{"action", "outcome"})

	ReplyWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "nodebus_reply_wait_seconds",
		Help:    "Tiempo esperando una respuesta request/reply",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 16),
	})

	ReplyTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nodebus_reply_timeouts_total",
		Help: "Requests request/reply que terminaron sin respuesta no nula",
	})

	// op: publish | subscribe | decode | reply
	TransportErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nodebus_transport_errors_total",
		Help: "Errores del transporte degradados a no-op",
	}, []string{"op"})

	// status: completed | failed | canceled | timed_out
	AsyncOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nodebus_async_operations_total",
		Help: "Operaciones asíncronas finalizadas por estado terminal",
	}, []string{"status"})

	AsyncPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nodebus_async_pending",
		Help: "Entradas en el PendingResultStore local",
	})
)

// RegisterBus registra las métricas en el registry dado (o el default si es nil).
func RegisterBus(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	collectors := []prometheus.Collector{
		EventsPublished, EventsReceived, ReplyWait, ReplyTimeouts,
		TransportErrors, AsyncOperations, AsyncPending,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}
