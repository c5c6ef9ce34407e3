// Package groutine starts named goroutines. Each one carries its name as a
// pprof label, so goroutine profiles show which component owns it.
package groutine

import (
	"bytes"
	"context"
	"runtime"
	"runtime/pprof"
	"strconv"
)

const nameLabel = "goroutine_name"

// Go runs fn on a new goroutine labelled name. A nil ctx is treated as
// context.Background().
func Go(ctx context.Context, name string, fn func(ctx context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}
	go pprof.Do(ctx, pprof.Labels(nameLabel, name), fn)
}

// Start is Go with a channel that is closed once fn returns.
func Start(ctx context.Context, name string, fn func(ctx context.Context)) <-chan struct{} {
	done := make(chan struct{})
	Go(ctx, name, func(ctx context.Context) {
		defer close(done)
		fn(ctx)
	})
	return done
}

// Name returns the name of the goroutine that received ctx from Go.
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	name, _ := pprof.Label(ctx, nameLabel)
	return name
}

// ID returns the runtime id of the calling goroutine, parsed from its stack
// header. Only suitable for reentrancy checks and debugging.
func ID() uint64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	buf = bytes.TrimPrefix(buf, []byte("goroutine "))
	end := bytes.IndexByte(buf, ' ')
	if end < 0 {
		return 0
	}
	id, _ := strconv.ParseUint(string(buf[:end]), 10, 64)
	return id
}
