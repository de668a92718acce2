// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package cinder

import (
	"fmt"
	"sort"

	"github.com/gophercloud/gophercloud/v2"

	"github.com/lightbitslabs/cinder-conformance/pkg/backend"
)

// ProfileConfig holds the credentials of a single profile. exactly one of
// password, application credential, `token` or `token-path` based auth must
// be configured.
type ProfileConfig struct {
	Username   string `yaml:"username"`
	UserID     string `yaml:"user-id"`
	Password   string `yaml:"password"`
	DomainName string `yaml:"user-domain-name"`
	DomainID   string `yaml:"user-domain-id"`

	ProjectName       string `yaml:"project-name"`
	ProjectID         string `yaml:"project-id"`
	ProjectDomainName string `yaml:"project-domain-name"`
	ProjectDomainID   string `yaml:"project-domain-id"`

	AppCredentialID     string `yaml:"application-credential-id"`
	AppCredentialSecret string `yaml:"application-credential-secret"`

	// pre-issued token, either inline or read from a file that is
	// watched for updates.
	Token     string `yaml:"token"`
	TokenPath string `yaml:"token-path"`
}

// Config of the `cinder` backend, e.g.:
//
//	backend: cinder
//	auth-url: https://keystone.example.com:5000/v3
//	region: RegionOne
//	volume-api-version: "3.60"
//	profiles:
//	  admin:
//	    username: admin
//	    password: secret
//	    user-domain-name: Default
//	    project-name: admin
//	    project-domain-name: Default
//	  reader:
//	    token-path: /run/secrets/reader-token
type Config struct {
	backend.ConfigBase `yaml:",inline"`

	AuthURL      string `yaml:"auth-url"`
	Region       string `yaml:"region"`
	EndpointType string `yaml:"endpoint-type"` // public|internal|admin

	// block-storage API microversion to request, e.g. "3.60". empty
	// selects the service default.
	VolumeAPIVersion  string `yaml:"volume-api-version"`
	ComputeAPIVersion string `yaml:"compute-api-version"`

	Profiles map[string]ProfileConfig `yaml:"profiles"`
}

func (cfg *Config) availability() (gophercloud.Availability, error) {
	switch cfg.EndpointType {
	case "", "public", "publicURL":
		return gophercloud.AvailabilityPublic, nil
	case "internal", "internalURL":
		return gophercloud.AvailabilityInternal, nil
	case "admin", "adminURL":
		return gophercloud.AvailabilityAdmin, nil
	}
	return "", fmt.Errorf("unsupported endpoint type: '%s'", cfg.EndpointType)
}

func (p *ProfileConfig) tokenBased() bool {
	return p.Token != "" || p.TokenPath != ""
}

func (p *ProfileConfig) validate() error {
	methods := 0
	if p.Password != "" {
		methods++
		if p.Username == "" && p.UserID == "" {
			return fmt.Errorf("password auth requires a username or user ID")
		}
	}
	if p.AppCredentialID != "" || p.AppCredentialSecret != "" {
		methods++
		if p.AppCredentialID == "" || p.AppCredentialSecret == "" {
			return fmt.Errorf("application credential requires both ID and secret")
		}
	}
	if p.Token != "" {
		methods++
	}
	if p.TokenPath != "" {
		methods++
	}
	if methods != 1 {
		return fmt.Errorf("exactly one auth method must be configured, found %d", methods)
	}
	return nil
}

// Validate checks the config for completeness.
func (cfg *Config) Validate() error {
	if cfg.AuthURL == "" {
		return fmt.Errorf("auth-url is missing")
	}
	if _, err := cfg.availability(); err != nil {
		return err
	}
	if len(cfg.Profiles) == 0 {
		return fmt.Errorf("no credential profiles configured")
	}
	for _, name := range cfg.profileNames() {
		p := cfg.Profiles[name]
		if err := p.validate(); err != nil {
			return fmt.Errorf("profile '%s': %s", name, err)
		}
	}
	return nil
}

func (cfg *Config) profileNames() []string {
	res := make([]string, 0, len(cfg.Profiles))
	for k := range cfg.Profiles {
		res = append(res, k)
	}
	sort.Strings(res)
	return res
}

// authOptions translates profile `p` into Keystone auth options. `token` is
// the current content of the token file, if the profile uses one.
func (cfg *Config) authOptions(p *ProfileConfig, token string) gophercloud.AuthOptions {
	opts := gophercloud.AuthOptions{
		IdentityEndpoint: cfg.AuthURL,
		AllowReauth:      !p.tokenBased(),
	}
	switch {
	case p.AppCredentialID != "":
		opts.ApplicationCredentialID = p.AppCredentialID
		opts.ApplicationCredentialSecret = p.AppCredentialSecret
		// application credentials carry their own scope.
		return opts
	case p.Token != "":
		opts.TokenID = p.Token
	case p.TokenPath != "":
		opts.TokenID = token
	default:
		opts.Username = p.Username
		opts.UserID = p.UserID
		opts.Password = p.Password
		opts.DomainName = p.DomainName
		opts.DomainID = p.DomainID
	}
	if p.ProjectID != "" || p.ProjectName != "" {
		opts.Scope = &gophercloud.AuthScope{
			ProjectID:   p.ProjectID,
			ProjectName: p.ProjectName,
			DomainName:  p.ProjectDomainName,
			DomainID:    p.ProjectDomainID,
		}
	}
	return opts
}
