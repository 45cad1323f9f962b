// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// authMiddleware requires a valid HS256 bearer token on every request,
// mirroring the Authorization-header convention of the ClusterCockpit
// JWT authenticator.
func (a *RestApi) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rawtoken := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if rawtoken == "" {
			handleError(fmt.Errorf("missing bearer token"), http.StatusUnauthorized, rw)
			return
		}

		token, err := jwt.Parse(rawtoken, func(t *jwt.Token) (interface{}, error) {
			if t.Method != jwt.SigningMethodHS256 {
				return nil, fmt.Errorf("unexpected signing method: %s", t.Method.Alg())
			}
			return a.JWTSecret, nil
		})
		if err != nil || !token.Valid {
			handleError(fmt.Errorf("invalid token"), http.StatusUnauthorized, rw)
			return
		}

		next.ServeHTTP(rw, r)
	})
}
