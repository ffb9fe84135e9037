// Package pipeline propagates entity changes to providers.
//
// Changes are read from a source, applied by an Applier, and acknowledged
// once applied:
//   - BatchSource: polled sources such as an outbox table
//   - StreamSource: pushed sources such as Redis Streams or Kafka
//
// DispatchApplier applies changes through an entsync.Registry. Appliers
// compose with middleware for retries, circuit breaking, dead-lettering,
// rate limiting, deduplication, validation and routing.
//
//	source := pgoutbox.New(db)
//	applier, dlq := pipeline.Resilient(pipeline.NewDispatchApplier(registry), nil)
//	coord := pipeline.NewPollingCoordinator(source, applier,
//	    pipeline.WithInterval(time.Second),
//	    pipeline.WithBatchSize(200),
//	)
//	err := coord.Start(ctx)
package pipeline
