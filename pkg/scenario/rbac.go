// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package scenario

import (
	"context"

	"github.com/lightbitslabs/cinder-conformance/pkg/rbac"
)

var rbacPolicy = &Scenario{
	Name:        "rbac/policy",
	Description: "check every operation of the RBAC policy table with every listed profile",
	Requires:    []Feature{FeatureRBAC},
	precheck: func(env *Env) string {
		if env.RBACPolicy == nil {
			return "no RBAC policy configured"
		}
		return ""
	},
	run: func(ctx context.Context, env *Env) error {
		policy := env.RBACPolicy
		if !env.Features[FeatureBackups] {
			policy = policy.Without("backup:*")
			if len(policy.Rules) == 0 {
				return skipf("policy only has backup rules and feature '%s' is disabled",
					FeatureBackups)
			}
		}
		owner := env.RBACOwner
		if owner == "" {
			owner = env.Profile
		}
		return rbac.Check(ctx, env.Log.WithField("scenario", "rbac/policy"), env.Pool, policy,
			rbac.Options{
				Owner:      owner,
				VolumeSize: env.VolumeSize,
				VolumeType: env.VolumeType,
				Backoff:    env.Backoff,
				NamePrefix: env.namePrefix() + "-rbac",
			})
	},
}
