/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of mosdns.
 */

package bundled_upstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pmkol/doh-racer/pkg/query_context"
	"github.com/pmkol/doh-racer/pkg/upstream"
)

const defaultTimeout = 2500 * time.Millisecond

var nopLogger = zap.NewNop()

var (
	ErrAllFailed = errors.New("all upstreams failed")
	ErrTimeout   = errors.New("upstream timeout")
)

// Failure is the reason a single upstream lost the race.
type Failure struct {
	Upstream string
	Err      error
}

// AllFailedError carries every per-upstream failure of a race.
// errors.Is(err, ErrAllFailed) reports true for it.
type AllFailedError struct {
	Failures []Failure
}

func (e *AllFailedError) Error() string {
	if len(e.Failures) == 0 {
		return ErrAllFailed.Error()
	}
	msgs := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		msgs = append(msgs, fmt.Sprintf("[%s: %v]", f.Upstream, f.Err))
	}
	return fmt.Sprintf("%s: %s", ErrAllFailed, strings.Join(msgs, ", "))
}

func (e *AllFailedError) Unwrap() error {
	return ErrAllFailed
}

// Outcome is the winning reply of a race.
type Outcome struct {
	Response *upstream.Response
	From     upstream.Upstream
	Latency  time.Duration
}

type Opts struct {
	// Timeout bounds every single attempt. Default is 2500ms.
	Timeout time.Duration

	// Logger is the *zap.Logger for the race.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *Opts) init() {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
}

type parallelResult struct {
	res     *upstream.Response
	err     error
	from    upstream.Upstream
	latency time.Duration
}

// Race sends q to every upstream in ups at the same time and returns the
// first successful reply. Every attempt has its own timeout. Once a winner is
// found the remaining attempts are canceled and their results are dropped.
// If all attempts fail, the returned error is an *AllFailedError.
func Race(ctx context.Context, qCtx *query_context.Context, ups []upstream.Upstream, opts Opts) (*Outcome, error) {
	opts.init()
	logger := opts.Logger

	t := len(ups)
	if t == 0 {
		return nil, &AllFailedError{}
	}

	q := qCtx.Q()

	// Canceled as soon as Race returns. Losers observe it and abort.
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Sized to t so that no attempt blocks on send after Race has returned.
	c := make(chan *parallelResult, t)
	for _, u := range ups {
		u := u
		go func() {
			attemptCtx, attemptCancel := context.WithTimeout(raceCtx, opts.Timeout)
			defer attemptCancel()

			start := time.Now()
			res, err := u.Exchange(attemptCtx, q)
			if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && raceCtx.Err() == nil {
				err = ErrTimeout
			}
			c <- &parallelResult{res: res, err: err, from: u, latency: time.Since(start)}
		}()
	}

	failures := make([]Failure, 0, t)
	for i := 0; i < t; i++ {
		var r *parallelResult
		select {
		case r = <-c:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		if r.err == nil && r.res != nil {
			cancel()
			logger.Debug("upstream won race",
				qCtx.InfoField(),
				zap.String("upstream", r.from.Name()),
				zap.Duration("latency", r.latency))
			return &Outcome{Response: r.res, From: r.from, Latency: r.latency}, nil
		}

		err := r.err
		if err == nil {
			err = errors.New("nil response")
		}
		switch {
		case errors.Is(err, ErrTimeout):
			logger.Warn("upstream exchange timed out",
				qCtx.InfoField(),
				zap.String("upstream", r.from.Name()),
				zap.Duration("timeout", opts.Timeout))
		default:
			logger.Warn("upstream exchange failed",
				qCtx.InfoField(),
				zap.String("upstream", r.from.Name()),
				zap.String("addr", r.from.Address()),
				zap.Error(err))
		}
		failures = append(failures, Failure{Upstream: r.from.Name(), Err: err})
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, &AllFailedError{Failures: failures}
}
