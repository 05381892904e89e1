// Package replay drives the probe handlers from a scripted YAML scenario.
//
// A scenario lists observation moments in order. Each step names the probe
// that fires, the task it fires in, the clock value at that moment and,
// depending on the probe, a socket, a return value or the pre-exec pid:
//
//	sockets:
//	  web:
//	    family: inet
//	    local: 192.168.1.10:40000
//	    remote: 10.0.0.5:443
//	steps:
//	  - {at: 1000, probe: connect_enter, task: {pid: 100, comm: curl}, socket: web}
//	  - {at: 1500, probe: connect_exit, task: {pid: 100, comm: curl}, ret: 0}
//
// A socket reference of "null" (or none) passes a null handle. Socket fields
// listed under faults fail to read, exercising the fail-soft extraction.
// A few scenarios are embedded and available through Builtin.
package replay
