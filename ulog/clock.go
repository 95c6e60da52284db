package ulog

import "time"

// nowUnix and nowUnixNano exist as package vars, not direct time.Now() calls,
// so tests can substitute a deterministic clock -- the same reason the
// teacher's segment.go keeps its own `timestamp` package var instead of
// calling time.Now() inline.
var (
	nowUnix     = func() int64 { return time.Now().Unix() }
	nowUnixNano = func() int64 { return time.Now().UnixNano() }
)
