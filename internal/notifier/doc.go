// Package notifier is the notification sink between the tracker and the
// chat transport.
//
// Two paths share one rate limiter and one dedup cache:
//
//   - Deliver sends synchronously and returns the transport error. Job
//     deliveries use it so the execution engine owns retries. A
//     notification with an explicit Key is remembered in the store, so a
//     retried or recovered job never sends the same message twice.
//   - Notify queues the message for a worker pool that retries with
//     backoff. User-action side messages (partner requests, proof
//     reviews) go this way and never fail the action.
//
// Alert sends to the operator chat set with SetOpsTarget.
package notifier
