/*
 * Copyright 2025 the Network-Logging authors.  All rights reserved.
 */

package main

import (
	"net/http"
	"strings"
	"time"

	jwt "github.com/dgrijalva/jwt-go"
	"github.com/labstack/echo"
	"golang.org/x/crypto/bcrypt"

	"github.com/peanutyost/Network-Logging/netlog_models/loggerdb"
)

const tokenLifetime = 24 * time.Hour

type authClaims struct {
	UserID   int64  `json:"uid"`
	Username string `json:"username"`
	Admin    bool   `json:"admin"`
	jwt.StandardClaims
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Username  string    `json:"username"`
	Admin     bool      `json:"admin"`
}

func (a *apiServer) issueToken(u *loggerdb.User) (string, time.Time, error) {
	expires := time.Now().Add(tokenLifetime)
	claims := &authClaims{
		UserID:   u.ID,
		Username: u.Username,
		Admin:    u.IsAdmin,
		StandardClaims: jwt.StandardClaims{
			IssuedAt:  time.Now().Unix(),
			ExpiresAt: expires.Unix(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	return signed, expires, err
}

func (a *apiServer) handleLogin(c echo.Context) error {
	if len(a.secret) == 0 {
		return echo.NewHTTPError(http.StatusServiceUnavailable,
			"authentication is not configured")
	}
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "bad request")
	}

	u, err := a.db.UserByUsername(c.Request().Context(), req.Username)
	if err != nil {
		if loggerdb.IsNotFound(err) {
			return echo.NewHTTPError(http.StatusUnauthorized,
				"invalid credentials")
		}
		return err
	}
	if !u.IsActive {
		return echo.NewHTTPError(http.StatusUnauthorized,
			"account disabled")
	}
	err = bcrypt.CompareHashAndPassword([]byte(u.HashedPassword),
		[]byte(req.Password))
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized,
			"invalid credentials")
	}

	signed, expires, err := a.issueToken(u)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, &loginResponse{
		Token:     signed,
		ExpiresAt: expires,
		Username:  u.Username,
		Admin:     u.IsAdmin,
	})
}

// authRequired validates the bearer token and stashes the claims on the
// request context.
func (a *apiServer) authRequired(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if len(a.secret) == 0 {
			return echo.NewHTTPError(http.StatusServiceUnavailable,
				"authentication is not configured")
		}
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		if !strings.HasPrefix(header, "Bearer ") {
			return echo.NewHTTPError(http.StatusUnauthorized,
				"missing bearer token")
		}
		raw := strings.TrimPrefix(header, "Bearer ")

		claims := &authClaims{}
		token, err := jwt.ParseWithClaims(raw, claims,
			func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, echo.NewHTTPError(
						http.StatusUnauthorized,
						"bad signing method")
				}
				return a.secret, nil
			})
		if err != nil || !token.Valid {
			return echo.NewHTTPError(http.StatusUnauthorized,
				"invalid token")
		}
		c.Set("claims", claims)
		return next(c)
	}
}

// adminRequired restricts a route to admin accounts; it must run inside
// authRequired.
func (a *apiServer) adminRequired(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		claims, ok := c.Get("claims").(*authClaims)
		if !ok || !claims.Admin {
			return echo.NewHTTPError(http.StatusForbidden,
				"admin access required")
		}
		return next(c)
	}
}

type createUserRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	IsAdmin  bool   `json:"is_admin"`
}

func (a *apiServer) handleCreateUser(c echo.Context) error {
	var req createUserRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "bad request")
	}
	if req.Username == "" || len(req.Password) < 8 {
		return echo.NewHTTPError(http.StatusBadRequest,
			"username and a password of 8+ characters are required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password),
		bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	id, err := a.db.CreateUser(c.Request().Context(), &loggerdb.User{
		Username:       req.Username,
		Email:          req.Email,
		HashedPassword: string(hash),
		IsAdmin:        req.IsAdmin,
		IsActive:       true,
	})
	if err != nil {
		return err
	}
	u, err := a.db.UserByID(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, u)
}
