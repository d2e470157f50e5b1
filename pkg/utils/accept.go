// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"context"
	"errors"
	"math"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ConnHandler serves one accepted connection. The connection is closed
// after the handler returns.
type ConnHandler func(ctx context.Context, conn net.Conn)

// AcceptOptions bounds how fast and how many connections are admitted.
type AcceptOptions struct {
	// MaxConnections caps concurrently served connections. 0 is unbounded.
	MaxConnections int
	// AcceptRate caps new connections per second. 0 disables the limit.
	AcceptRate float64
}

// AcceptLoop runs handle in its own goroutine for every connection accepted
// on ln. When MaxConnections handlers are running the loop stops calling
// Accept, leaving further peers in the listen backlog.
//
// Cancelling ctx closes ln. AcceptLoop then waits for running handlers,
// which are not cancelled, and returns nil.
func AcceptLoop(ctx context.Context, ln net.Listener, opts AcceptOptions, handle ConnHandler) error {
	var sem *semaphore.Weighted
	if opts.MaxConnections > 0 {
		sem = semaphore.NewWeighted(int64(opts.MaxConnections))
	}
	var limiter *rate.Limiter
	if opts.AcceptRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.AcceptRate), int(math.Max(1, math.Ceil(opts.AcceptRate))))
	}
	release := func() {
		if sem != nil {
			sem.Release(1)
		}
	}

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer ln.Close()

	handlerCtx := context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		if sem != nil {
			if err := sem.Acquire(ctx, 1); err != nil {
				return nil
			}
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				release()
				return nil
			}
		}

		conn, err := ln.Accept()
		if err != nil {
			release()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return err
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer release()
			defer conn.Close()
			handle(handlerCtx, conn)
		}()
	}
}
