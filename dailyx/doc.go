// Package dailyx runs bounded daily work sessions: a coordinator admits a
// small set of tasks, delegates them to concurrently running workers over
// asynq, enforces a hard wall-clock deadline and produces a final accounting
// of what happened, persisting every lifecycle decision in a relational
// database so a restarted process resumes where it left off.
//
// Quick start:
//  1. Open a DB with OpenDB(ctx, "sqlite", dsn) and create the store with
//     NewSQLStore(db, dialect); call Migrate.
//  2. Create a Dispatcher with NewAsynqDispatcher(redis, ...) and a Processor
//     on the worker side with NewProcessor(redis, runner, sink, ...).
//  3. Build a Coordinator with NewCoordinator(store, dispatcher, generator,
//     cfg, Collaborators{...}).
//  4. Call Coordinator.Run for a session, or schedule it with NewDailyTrigger.
//  5. Results delivered by workers move tasks through the state machine; the
//     deadline cutoff builds the Report and the Archiver moves rows to history.
package dailyx
