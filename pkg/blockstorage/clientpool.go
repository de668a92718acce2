// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package blockstorage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/lightbitslabs/cinder-conformance/pkg/grpcutil"
)

type poolMember struct {
	dialCtx  context.Context    // dialling context only, ignored afterwards.
	cancel   context.CancelFunc // to abort authentication prematurely.
	dialDone chan struct{}      // closed once dialling is over, either way.

	// all of the below are protected by mu.
	mu sync.Mutex

	clnt     Client // nil while still authenticating.
	rc       uint64
	expireBy time.Time // zero Time: in active use.

	// mutually exclusive with clnt once dialDone is closed.
	dialErr error

	// set by the reaper on expired clients that are being closed, so that
	// GetClient() catching one at exactly that moment redials instead of
	// failing.
	reaped bool
}

const (
	DefaultClientPoolDialTimeout = 30 * time.Second
	DefaultClientPoolLingerTime  = 10 * time.Minute
	DefaultClientPoolReapCycle   = time.Minute
)

// ClientPoolOptions defines ClientPool operational behaviour
type ClientPoolOptions struct {
	// upper bound on authenticating a single profile. default:
	// `DefaultClientPoolDialTimeout`.
	DialTimeout time.Duration

	// idle clients are kept around for approximately `LingerTime` after
	// their last user returned them. default: `DefaultClientPoolLingerTime`.
	LingerTime time.Duration

	// approximately once every `ReapCycle` clients past their `LingerTime`
	// are closed. default: `DefaultClientPoolReapCycle`.
	ReapCycle time.Duration
}

// DialFunc authenticates as credential `profile` and returns a client acting
// on its behalf.
type DialFunc func(ctx context.Context, profile string) (Client, error)

// ClientPool maintains authenticated block-storage clients, at most one
// live client per credential profile. the scenarios of a suite run share a
// pool so that hundreds of concurrent workers don't each re-authenticate.
type ClientPool struct {
	opts ClientPoolOptions

	dialCtx context.Context
	cancel  context.CancelFunc // aborts in-flight dialling on Close().
	dialWG  sync.WaitGroup
	dialer  DialFunc

	killReaper chan struct{}
	reaperDone chan struct{}

	mu     sync.Mutex             // all of the below are protected by mu.
	pool   map[string]*poolMember // profile -> client
	lut    map[string]*poolMember // client ID -> client
	closed bool
}

// NewClientPoolWithOptions creates a client pool using `dialer` to create new
// clients. zero values in `opts` are replaced by defaults.
func NewClientPoolWithOptions(dialer DialFunc, opts ClientPoolOptions) *ClientPool {
	if opts.DialTimeout == 0 {
		opts.DialTimeout = DefaultClientPoolDialTimeout
	}
	if opts.LingerTime == 0 {
		opts.LingerTime = DefaultClientPoolLingerTime
	}
	if opts.ReapCycle == 0 {
		opts.ReapCycle = DefaultClientPoolReapCycle
	}

	cp := &ClientPool{
		opts:       opts,
		dialer:     dialer,
		pool:       make(map[string]*poolMember),
		lut:        make(map[string]*poolMember),
		killReaper: make(chan struct{}),
		reaperDone: make(chan struct{}),
	}
	cp.dialCtx, cp.cancel = context.WithCancel(context.Background())
	go cp.reaper()

	return cp
}

func NewClientPool(dialer DialFunc) *ClientPool {
	return NewClientPoolWithOptions(dialer, ClientPoolOptions{})
}

// Close aborts any in-flight dialling and closes every client in the pool,
// whether in use or not. it blocks until all of them are closed.
func (cp *ClientPool) Close() {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return
	}
	cp.closed = true
	cp.mu.Unlock()

	cp.cancel()
	cp.dialWG.Wait()

	close(cp.killReaper)
	<-cp.reaperDone

	cp.mu.Lock()
	leftPool := len(cp.pool)
	leftLut := len(cp.lut)
	cp.mu.Unlock()
	if leftPool != 0 || leftLut != 0 {
		panic(fmt.Sprintf("Close(): %d clients left in the pool, %d in the LUT "+
			"after reaper retired", leftPool, leftLut))
	}
}

func (cp *ClientPool) reapClients() {
	now := time.Now()
	var expired []Client

	cp.mu.Lock()
	for id, pm := range cp.lut {
		pm.mu.Lock()
		// zero expiry with rc of 0 means pm is still dialling.
		if pm.rc != 0 || pm.expireBy.IsZero() || !pm.expireBy.Before(now) {
			pm.mu.Unlock()
			continue
		}
		clnt := pm.clnt
		if clnt == nil {
			panic(fmt.Sprintf("reapClients(): found expired nil client with ID '%s'", id))
		}
		delete(cp.lut, id)
		delete(cp.pool, clnt.Profile())
		pm.reaped = true
		pm.clnt = nil
		pm.dialErr = status.Error(codes.Canceled, "block-storage client is closing")
		pm.mu.Unlock()
		expired = append(expired, clnt)
	}
	cp.mu.Unlock()

	for _, clnt := range expired {
		clnt.Close()
	}
}

func (cp *ClientPool) closeClients() {
	cp.mu.Lock()
	clients := make([]Client, 0, len(cp.lut))
	for id, pm := range cp.lut {
		pm.mu.Lock()
		clnt := pm.clnt
		if clnt == nil {
			panic(fmt.Sprintf("closeClients(): found nil client with ID '%s'", id))
		}
		pm.clnt = nil
		pm.dialErr = status.Error(codes.Canceled, "block-storage client is closing")
		pm.mu.Unlock()

		delete(cp.lut, id)
		delete(cp.pool, clnt.Profile())
		clients = append(clients, clnt)
	}
	cp.mu.Unlock()

	for _, clnt := range clients {
		clnt.Close()
	}
	close(cp.reaperDone)
}

func (cp *ClientPool) reaper() {
	ticker := time.NewTicker(cp.opts.ReapCycle)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cp.reapClients()
		case <-cp.killReaper:
			cp.closeClients()
			return
		}
	}
}

// dial runs in its own goroutine. the GetClient() calls waiting for it may
// give up early, the resulting client still ends up in the pool.
func (cp *ClientPool) dial(profile string, pm *poolMember) {
	clnt, err := cp.dialer(pm.dialCtx, profile)
	pm.mu.Lock()
	if err != nil {
		clnt = nil
		pm.dialErr = err
	} else {
		pm.clnt = clnt
		pm.expireBy = time.Now().Add(cp.opts.LingerTime)
	}
	pm.mu.Unlock()

	pm.cancel()

	cp.mu.Lock()
	if clnt != nil {
		cp.lut[clnt.ID()] = pm
	} else {
		// failed dials are not cached, the next GetClient() retries:
		delete(cp.pool, profile)
	}
	cp.mu.Unlock()
	close(pm.dialDone)
}

// GetClient returns a ready-to-use client acting as credential `profile`,
// dialling one if necessary. `ctx` only bounds waiting for the dialling,
// individual client calls take their own contexts.
//
// clients obtained from GetClient() must be returned using PutClient().
func (cp *ClientPool) GetClient(ctx context.Context, profile string) (Client, error) {
	if profile == "" {
		return nil, status.Error(codes.InvalidArgument, "no credential profile specified")
	}

retry:
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil, status.Error(codes.Canceled, "block-storage client pool is closing")
	}

	pm, ok := cp.pool[profile]
	if !ok {
		pm = &poolMember{
			dialDone: make(chan struct{}),
		}
		pm.dialCtx, pm.cancel = context.WithTimeout(cp.dialCtx, cp.opts.DialTimeout)
		cp.pool[profile] = pm
		cp.dialWG.Add(1)
		go func() {
			defer cp.dialWG.Done()
			cp.dial(profile, pm)
		}()
	}
	cp.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, grpcutil.ErrFromCtxErr(ctx.Err())
	case <-pm.dialDone:
		pm.mu.Lock()
		dialErr := pm.dialErr
		reaped := pm.reaped
		if dialErr != nil {
			pm.mu.Unlock()
			if reaped {
				goto retry
			}
			return nil, dialErr
		}
		pm.rc++
		pm.expireBy = time.Time{}
		clnt := pm.clnt
		pm.mu.Unlock()
		return clnt, nil
	}
}

// PutClient returns a client obtained from GetClient() to the pool.
func (cp *ClientPool) PutClient(c Client) {
	if c == nil {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	// the reaper closes everything unconditionally at this point:
	if cp.closed {
		return
	}

	cid := c.ID()
	pm, ok := cp.lut[cid]
	if !ok {
		panic(fmt.Sprintf("PutClient(): client ID '%s' of profile '%s' does "+
			"not belong to this pool", cid, c.Profile()))
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.rc == 0 {
		panic(fmt.Sprintf("PutClient(): client ID '%s' of profile '%s' returned "+
			"more times than obtained", cid, c.Profile()))
	}
	pm.rc--
	if pm.rc == 0 {
		pm.expireBy = time.Now().Add(cp.opts.LingerTime)
	}
}

// WithClient obtains a client for `profile`, passes it to `fn` and returns it
// to the pool once `fn` is done.
func (cp *ClientPool) WithClient(
	ctx context.Context, profile string, fn func(Client) error,
) error {
	clnt, err := cp.GetClient(ctx, profile)
	if err != nil {
		return err
	}
	defer cp.PutClient(clnt)
	return fn(clnt)
}
