// Package scheduler is the durable job store behind pester, reminder and
// overdue firings.
//
// Every (task, kind) pair has a generation counter. Scheduling or cancelling
// bumps it inside the caller's transaction, and a job can only be claimed
// while its generation is current, so a firing that raced an edit is
// dropped instead of delivered.
package scheduler
