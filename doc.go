// Package coral holds the types that cross the boundary between the shell
// host and its out-of-process plugins: structured values, pipeline data in
// its three shapes, evaluated calls, command signatures, and the labeled
// error payload.
//
// The wire protocol itself lives in the protocol subpackage; the host side
// (spawning, correlation, caching, garbage collection, registry) lives in
// host; runtime is the SDK for writing plugin executables in Go.
package coral
