// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

// Package rbac verifies that a block-storage deployment enforces an expected
// access policy: every operation of the policy table is performed with the
// client of every listed profile and the outcome is compared with the
// expectation for that profile.
package rbac

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"gopkg.in/yaml.v2"

	"github.com/lightbitslabs/cinder-conformance/pkg/util/strlist"
)

// operations that can appear in a policy table.
const (
	OpVolumeList     = "volume:list"
	OpVolumeShow     = "volume:show"
	OpVolumeCreate   = "volume:create"
	OpVolumeDelete   = "volume:delete"
	OpSnapshotList   = "snapshot:list"
	OpSnapshotShow   = "snapshot:show"
	OpSnapshotCreate = "snapshot:create"
	OpSnapshotDelete = "snapshot:delete"
	OpBackupList     = "backup:list"
	OpBackupShow     = "backup:show"
	OpBackupCreate   = "backup:create"
	OpBackupDelete   = "backup:delete"
	OpBackupRestore  = "backup:restore"
)

// Operations lists all the supported operations, in the order they are
// checked.
var Operations = []string{
	OpVolumeList, OpVolumeShow, OpVolumeCreate, OpVolumeDelete,
	OpSnapshotList, OpSnapshotShow, OpSnapshotCreate, OpSnapshotDelete,
	OpBackupList, OpBackupShow, OpBackupCreate, OpBackupDelete, OpBackupRestore,
}

type Expectation string

const (
	Allow    Expectation = "allow"
	Forbid   Expectation = "forbid"
	NotFound Expectation = "not-found"
)

// Code returns the status code an operation is expected to complete with.
func (e Expectation) Code() (codes.Code, error) {
	switch e {
	case Allow:
		return codes.OK, nil
	case Forbid:
		return codes.PermissionDenied, nil
	case NotFound:
		return codes.NotFound, nil
	}
	return codes.Unknown, fmt.Errorf("unsupported expectation '%s'", e)
}

type Rule struct {
	Operation string                 `yaml:"operation"`
	Expect    map[string]Expectation `yaml:"expect"`
}

// Profiles returns the profiles the rule has expectations for, sorted.
func (r *Rule) Profiles() []string {
	res := make([]string, 0, len(r.Expect))
	for p := range r.Expect {
		res = append(res, p)
	}
	sort.Strings(res)
	return res
}

// Policy is an RBAC expectations table, e.g.:
//
//	rules:
//	  - operation: volume:show
//	    expect: {admin: allow, member: allow, outsider: not-found}
//	  - operation: volume:delete
//	    expect: {admin: allow, reader: forbid}
type Policy struct {
	Rules []Rule `yaml:"rules"`
}

func (p *Policy) Validate() error {
	if len(p.Rules) == 0 {
		return errors.New("policy has no rules")
	}
	seen := map[string]bool{}
	for i, r := range p.Rules {
		if !strlist.Contains(Operations, r.Operation) {
			return errors.Errorf("rule %d: unsupported operation '%s', must be one of: %s",
				i, r.Operation, strings.Join(Operations, ", "))
		}
		if seen[r.Operation] {
			return errors.Errorf("rule %d: duplicate rule for operation '%s'", i, r.Operation)
		}
		seen[r.Operation] = true
		if len(r.Expect) == 0 {
			return errors.Errorf("rule %d (%s): no expectations", i, r.Operation)
		}
		for _, profile := range r.Profiles() {
			if profile == "" {
				return errors.Errorf("rule %d (%s): empty profile name", i, r.Operation)
			}
			if _, err := r.Expect[profile].Code(); err != nil {
				return errors.Wrapf(err, "rule %d (%s), profile '%s'", i, r.Operation, profile)
			}
		}
	}
	return nil
}

// Profiles returns all the profiles mentioned by the policy, sorted.
func (p *Policy) Profiles() []string {
	var res []string
	for i := range p.Rules {
		res = append(res, p.Rules[i].Profiles()...)
	}
	return strlist.CopyUniqueSorted(res)
}

// Operations returns the operations the policy has rules for.
func (p *Policy) Operations() []string {
	res := make([]string, 0, len(p.Rules))
	for _, r := range p.Rules {
		res = append(res, r.Operation)
	}
	return res
}

// Without returns a copy of the policy lacking the rules of all the
// operations matching any of the shell `patterns`, e.g. "backup:*".
func (p *Policy) Without(patterns ...string) *Policy {
	res := &Policy{}
	for _, r := range p.Rules {
		if !strlist.MatchAny(patterns, r.Operation) {
			res.Rules = append(res.Rules, r)
		}
	}
	return res
}

// ParsePolicy parses and validates a YAML policy. unknown keys are errors.
func ParsePolicy(raw []byte) (*Policy, error) {
	var p Policy
	if err := yaml.UnmarshalStrict(raw, &p); err != nil {
		return nil, errors.Wrap(err, "invalid RBAC policy")
	}
	if err := p.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid RBAC policy")
	}
	return &p, nil
}

func LoadPolicy(path string) (*Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read RBAC policy")
	}
	return ParsePolicy(raw)
}
