// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package auth validates JWT bearer tokens for the HTTP API. Keys come
// either from a provider's JWKS endpoint (cached, auto-refreshed) or
// from a shared HMAC secret for simpler deployments.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Config is the auth section of the top-level configuration.
type Config struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// JWKSURL points at the identity provider's key set. Mutually
	// exclusive with Secret.
	JWKSURL string `yaml:"jwks_url" json:"jwks_url"`

	// Secret enables HS256 validation with a shared key.
	Secret string `yaml:"secret" json:"secret"`

	Issuer   string `yaml:"issuer" json:"issuer"`
	Audience string `yaml:"audience" json:"audience"`
}

func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.JWKSURL == "" && c.Secret == "" {
		return fmt.Errorf("auth enabled but neither jwks_url nor secret is set")
	}
	if c.JWKSURL != "" && c.Secret != "" {
		return fmt.Errorf("jwks_url and secret are mutually exclusive")
	}
	return nil
}

// Claims are the token fields the server cares about. Everything else
// lands in Custom.
type Claims struct {
	Subject string         `json:"sub"`
	Email   string         `json:"email"`
	Role    string         `json:"role"`
	OrgID   string         `json:"org_id"`
	Custom  map[string]any `json:"-"`
}

// Validator checks bearer tokens against the configured key source.
type Validator struct {
	cfg    Config
	cache  *jwk.Cache
	secret []byte
}

// NewValidator builds a validator. With a JWKS URL the key set is
// fetched eagerly so misconfiguration fails at startup, then refreshed
// in the background to ride out key rotation.
func NewValidator(ctx context.Context, cfg Config) (*Validator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	v := &Validator{cfg: cfg}
	if cfg.Secret != "" {
		v.secret = []byte(cfg.Secret)
		return v, nil
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(cfg.JWKSURL, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
		return nil, fmt.Errorf("registering JWKS URL: %w", err)
	}
	if _, err := cache.Refresh(ctx, cfg.JWKSURL); err != nil {
		return nil, fmt.Errorf("fetching JWKS from %s: %w", cfg.JWKSURL, err)
	}
	v.cache = cache
	return v, nil
}

// ValidateToken verifies the signature, expiry, and (when configured)
// issuer and audience, and extracts claims.
func (v *Validator) ValidateToken(ctx context.Context, raw string) (*Claims, error) {
	opts := []jwt.ParseOption{jwt.WithValidate(true)}
	if v.secret != nil {
		opts = append(opts, jwt.WithKey(jwa.HS256, v.secret))
	} else {
		keyset, err := v.cache.Get(ctx, v.cfg.JWKSURL)
		if err != nil {
			return nil, fmt.Errorf("getting JWKS: %w", err)
		}
		opts = append(opts, jwt.WithKeySet(keyset))
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}

	token, err := jwt.Parse([]byte(raw), opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims := &Claims{
		Subject: token.Subject(),
		Custom:  make(map[string]any),
	}
	if email, ok := token.Get("email"); ok {
		if s, ok := email.(string); ok {
			claims.Email = s
		}
	}
	if role, ok := token.Get("role"); ok {
		if s, ok := role.(string); ok {
			claims.Role = s
		}
	}
	if org, ok := token.Get("org_id"); ok {
		if s, ok := org.(string); ok {
			claims.OrgID = s
		}
	}
	for iter := token.Iterate(ctx); iter.Next(ctx); {
		pair := iter.Pair()
		key, ok := pair.Key.(string)
		if !ok {
			continue
		}
		switch key {
		case "sub", "email", "role", "org_id", "iss", "aud", "exp", "iat", "nbf":
		default:
			claims.Custom[key] = pair.Value
		}
	}
	return claims, nil
}
