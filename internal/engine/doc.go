// Package engine provides the run execution engine. It schedules parameter
// combinations through a priority task queue, supervises a fixed pool of
// worker loops with retry and restart policies, detects stalled workers via a
// watchdog, short-circuits repeat work through the result cache, and streams
// lifecycle events to subscribers.
package engine
