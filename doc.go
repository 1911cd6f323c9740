// Package sundayhug is an embeddable unit orchestration engine for
// commerce operations.
//
// Incoming work items are routed to operational units (order, customer
// service, inventory, marketing, crisis response), scored into priority
// tiers and processed by multi-step workflows that span several units.
// Steps whose unit carries financial or brand risk pause for a human
// decision before the workflow continues.
//
// # Core Concepts
//
//  1. Unit
//  2. Registry
//  3. Engine
//  4. FlowBuilder
//  5. LocalRunner
//
// # Unit
//
// A Unit is an executable capability with a stable id. Its UnitConfig
// carries the retry limit, timeout and approval level the engine applies
// when a workflow step delegates to it. NewUnit wraps a plain function in
// the standard lifecycle (enable, pause, stop, error).
//
// # Engine
//
// The Engine validates and stores workflow definitions, persists instance
// state through the configured stores and provides APIs to:
//   - start instances and wait for them to settle
//   - pause, resume, cancel and retry instances
//   - resolve approval requests
//   - read instance state and event history
//
// Failed required steps are handled by the definition's error strategy:
// STOP fails the instance, SKIP moves on, RETRY schedules a resumption
// with exponential backoff and ESCALATE asks a human. Scheduled
// resumptions are tasks on a queue processed by workers, so backoff never
// blocks a worker.
//
// Stores exist for memory, SQLite, Redis, PostgreSQL and MongoDB.
//
// # FlowBuilder
//
// FlowBuilder is the fluent API for definitions:
//
//	sundayhug.New("refund-request").
//	    Step("lookup", "order").On(sundayhug.Gte("amount", 500000), "review").Default("refund").
//	    Step("review", "cs").RequireApproval().Default("refund").
//	    Step("refund", "cs")
//
// The same definitions can be written as YAML and loaded with
// LoadDefinitions.
//
// # LocalRunner
//
// LocalRunner bundles a registry, approval manager, engine, delay queue
// and worker in one process. NewSQLiteRunner does the same on a SQLite
// database so instances, approvals and queued tasks survive a restart.
//
// For a complete service with routing, an HTTP surface and configuration,
// see cmd/sundayhug.
package sundayhug
