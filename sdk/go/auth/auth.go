// Copyright (C) The gpufleet Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package auth extracts management tokens from HTTP requests.
package auth

import (
	"net/http"
	"strings"
)

type Credentials struct {
	Tokens []string
}

func NewCredentials(tokens ...string) *Credentials {
	return &Credentials{Tokens: tokens}
}

func CredentialsFromRequest(r *http.Request) *Credentials {
	c := NewCredentials()
	c.LoadTokensFromHTTPRequest(r)
	return c
}

// LoadTokensFromHTTPRequest loads all tokens it can find in the
// headers of an http request.
func (a *Credentials) LoadTokensFromHTTPRequest(r *http.Request) {
	// Load plain token from "Authorization: Bearer ..." header
	// (typically used by API clients and prometheus).
	if toks := strings.SplitN(r.Header.Get("Authorization"), " ", 2); len(toks) == 2 && toks[0] == "Bearer" {
		a.Tokens = append(a.Tokens, strings.TrimSpace(toks[1]))
	}

	// Load token from "Authorization: Basic ..." header, where
	// the username is ignored (typically used by curl -u).
	if _, password, ok := r.BasicAuth(); ok {
		a.Tokens = append(a.Tokens, strings.TrimSpace(password))
	}
}
