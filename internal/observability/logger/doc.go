// Package logger provee el logger Zap del nodo con scoping por contexto.
//
// # Decisiones
//
//   - Singleton: una sola instancia por proceso, inicializada con Init().
//   - Scoping: los handlers del bus y del router derivan loggers con los campos
//     del evento (node_id, action, async_id, correlation_id) sin crear un core nuevo.
//   - Entornos: "dev" usa consola con colores, "prod" usa JSON.
//   - Tests: Replace() permite inyectar zap.NewNop() o un observer.
//
// # Uso
//
//	logger.Init(logger.Config{Env: cfg.App.Env, Level: cfg.Log.Level, NodeID: cfg.Cluster.NodeID})
//	defer logger.Sync()
//
//	log := logger.From(ctx).With(logger.Component("bus"), logger.Action(string(ev.Action)))
//	log.Warn("publish failed", logger.Err(err))
package logger
