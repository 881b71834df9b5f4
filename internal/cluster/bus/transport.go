package bus

import "context"

// Transport es el broker subyacente (Redis pub/sub, Postgres LISTEN/NOTIFY,
// hub en memoria). El bus no conoce los detalles de cada uno.
type Transport interface {
	// Publish entrega payload a todos los suscriptores del topic.
	// Devuelve cuántos suscriptores lo recibieron, o -1 si el broker no lo sabe.
	Publish(ctx context.Context, topic string, payload []byte) (int, error)

	// Subscribe registra fn para el topic. Los mensajes de un mismo topic se
	// entregan en orden de llegada, en una goroutine propia del transporte.
	Subscribe(ctx context.Context, topic string, fn func(payload []byte)) (Subscription, error)

	// Close libera conexiones y suscripciones.
	Close() error
}

// Subscription se cierra para dejar de recibir mensajes.
type Subscription interface {
	Close() error
}

// CommitHooks es la vista mínima de una transacción que permite diferir la
// publicación hasta el commit (ver store/pgtx).
type CommitHooks interface {
	OnCommit(fn func())
}
