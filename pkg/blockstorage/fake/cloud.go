// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

// Package fake implements an in-memory block-storage cloud and clients
// talking to it. resources don't settle instantly: every state transition
// takes a configurable number of status polls, exercising the waiters the
// same way a real deployment would.
package fake

import (
	"sort"
	"sync"
	"time"

	guuid "github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/lightbitslabs/cinder-conformance/pkg/blockstorage"
)

// operation names accepted by Deny() and FailOn().
const (
	OpVolumeList     = "volume:list"
	OpVolumeShow     = "volume:show"
	OpVolumeCreate   = "volume:create"
	OpVolumeDelete   = "volume:delete"
	OpVolumeAttach   = "volume:attach"
	OpVolumeDetach   = "volume:detach"
	OpSnapshotList   = "snapshot:list"
	OpSnapshotShow   = "snapshot:show"
	OpSnapshotCreate = "snapshot:create"
	OpSnapshotDelete = "snapshot:delete"
	OpBackupList     = "backup:list"
	OpBackupShow     = "backup:show"
	OpBackupCreate   = "backup:create"
	OpBackupDelete   = "backup:delete"
	OpBackupRestore  = "backup:restore"
	OpRemoteOk       = "remote:ok"
)

const DefaultProject = "default"

// pending is a state transition that completes after `polls` more status
// polls. a zero `to` means the resource disappears.
type pending struct {
	to    string
	polls int
	done  func()
}

type resource struct {
	project string
	status  string
	next    *pending
}

// settle counts one status poll against the pending transition, if any, and
// reports whether the resource is gone as a result.
func (r *resource) settle() (gone bool) {
	if r.next == nil {
		return false
	}
	if r.next.polls > 0 {
		r.next.polls--
	}
	if r.next.polls > 0 {
		return false
	}
	p := r.next
	r.next = nil
	if p.done != nil {
		p.done()
	}
	if p.to == "" {
		return true
	}
	r.status = p.to
	return false
}

// transition puts the resource into status `from` and schedules the move to
// `to` after `polls` status polls. with zero `polls` the transition happens
// right away.
func (r *resource) transition(polls int, from, to string, done func()) (gone bool) {
	r.status = from
	r.next = &pending{to: to, polls: polls, done: done}
	if polls == 0 {
		return r.settle()
	}
	return false
}

type volume struct {
	resource
	blockstorage.Volume

	pendingAttach string // server ID, while attaching.
}

type snapshot struct {
	resource
	blockstorage.Snapshot
}

type backup struct {
	resource
	blockstorage.Backup
}

// ErrFn is invoked by a client before performing operation `op` on behalf
// of `profile`. a non-nil result is returned to the caller verbatim.
type ErrFn func(profile, op string) error

type Options struct {
	// number of status polls a state transition takes. zero settles all
	// transitions immediately.
	SettlePolls int
	// servers volumes can be attached to.
	Servers []string
}

// Cloud is the shared state of all the clients of a fake deployment.
type Cloud struct {
	settlePolls int

	mu        sync.Mutex
	volumes   map[string]*volume
	snapshots map[string]*snapshot
	backups   map[string]*backup
	servers   map[string]bool
	projects  map[string]string          // profile -> project
	admins    map[string]bool            // profiles seeing all projects
	denied    map[string]map[string]bool // profile -> op -> denied
	failOn    map[string]ErrFn
	calls     map[string]int
}

func NewCloud(opts Options) *Cloud {
	c := &Cloud{
		settlePolls: opts.SettlePolls,
		volumes:     make(map[string]*volume),
		snapshots:   make(map[string]*snapshot),
		backups:     make(map[string]*backup),
		servers:     make(map[string]bool),
		projects:    make(map[string]string),
		admins:      make(map[string]bool),
		denied:      make(map[string]map[string]bool),
		failOn:      make(map[string]ErrFn),
		calls:       make(map[string]int),
	}
	for _, s := range opts.Servers {
		c.servers[s] = true
	}
	return c
}

// SetProject places `profile` into `project`. profiles only see resources of
// their own project, those of other projects appear not to exist.
func (c *Cloud) SetProject(profile, project string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.projects[profile] = project
}

// SetAdmin lets `profile` see and act on the resources of all projects.
func (c *Cloud) SetAdmin(profile string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.admins[profile] = true
}

// Deny makes operation `op` fail with PermissionDenied for `profile`.
func (c *Cloud) Deny(profile string, ops ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.denied[profile]
	if m == nil {
		m = make(map[string]bool)
		c.denied[profile] = m
	}
	for _, op := range ops {
		m[op] = true
	}
}

// FailOn injects `fn` in front of every invocation of `op`. a nil `fn`
// removes a previously injected one.
func (c *Cloud) FailOn(op string, fn ErrFn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fn == nil {
		delete(c.failOn, op)
		return
	}
	c.failOn[op] = fn
}

func (c *Cloud) AddServer(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.servers[id] = true
}

// Calls returns the number of times `op` was invoked, by any profile.
func (c *Cloud) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// Counts returns the number of volumes, snapshots and backups currently
// known, in any status and project.
func (c *Cloud) Counts() (vols, snaps, backups int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.volumes), len(c.snapshots), len(c.backups)
}

// begin performs the common pre-flight of every client operation. called
// with c.mu held.
func (c *Cloud) begin(profile, op string) error {
	c.calls[op]++
	if c.denied[profile][op] {
		return status.Errorf(codes.PermissionDenied,
			"policy doesn't allow %s to be performed", op)
	}
	if fn := c.failOn[op]; fn != nil {
		// injected functions may call back into the cloud:
		c.mu.Unlock()
		err := fn(profile, op)
		c.mu.Lock()
		return err
	}
	return nil
}

func (c *Cloud) projectOf(profile string) string {
	if p, ok := c.projects[profile]; ok {
		return p
	}
	return DefaultProject
}

func (c *Cloud) visible(profile string, r *resource) bool {
	return c.admins[profile] || r.project == c.projectOf(profile)
}

func newID() string {
	return guuid.New().String()
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

func notFound(kind, id string) error {
	return status.Errorf(codes.NotFound, "%s %s could not be found", kind, id)
}

func sortedKeys[T any](m map[string]T) []string {
	res := make([]string, 0, len(m))
	for k := range m {
		res = append(res, k)
	}
	sort.Strings(res)
	return res
}
