// Package probe implements the probe handlers of the activity tracer.
//
// Every kernel observation moment is a method on Probes. Handlers never block
// and never fail the traced operation: they consult the Filter, stash or
// consume per-thread state in bounded correlation tables, and submit finished
// records to an Output that drops rather than waits.
//
// Correlation tables:
//
//	entry_timestamps  tid       -> entry time       (connect/send/recv enter -> exit)
//	pending_sockets   tid       -> socket handle    (connect/send/recv enter -> exit)
//	pending_forks     child pid -> fork time        (clone exit -> scheduler start)
//	pending_exits     pid       -> exit time        (task exit -> wait exit)
//	traced_pids       pid set                       (clone exit adds, wait exit removes)
//
// Entries are removed only by the consuming side. A thread is inside at most
// one syscall at a time, so a second entry for the same key overwrites the
// first.
package probe
