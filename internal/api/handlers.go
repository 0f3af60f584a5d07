package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/FranksOps/prospector/internal/auth"
	"github.com/FranksOps/prospector/internal/cache"
	"github.com/FranksOps/prospector/internal/pipeline"
	"github.com/FranksOps/prospector/internal/profile"
	"github.com/FranksOps/prospector/internal/storage"
	"github.com/gin-gonic/gin"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

type credentials struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type userResponse struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type errorResponse struct {
	Detail string `json:"detail"`
	Code   string `json:"code,omitempty"`
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "prospector", "version": s.cfg.Version})
}

func (s *Server) register(c *gin.Context) {
	var in credentials
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Detail: "Email and password are required"})
		return
	}

	u, err := s.auth.Register(c.Request.Context(), in.Email, in.Password)
	switch {
	case errors.Is(err, storage.ErrDuplicateEmail):
		c.JSON(http.StatusBadRequest, errorResponse{Detail: "Email already registered"})
		return
	case errors.Is(err, auth.ErrInvalidCredentials):
		c.JSON(http.StatusBadRequest, errorResponse{Detail: "Email and password are required"})
		return
	case err != nil:
		s.internal(c, err)
		return
	}
	c.JSON(http.StatusCreated, userResponse{ID: u.ID, Email: u.Email, CreatedAt: u.CreatedAt})
}

func (s *Server) login(c *gin.Context) {
	var in credentials
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Detail: "Email and password are required"})
		return
	}

	token, err := s.auth.Login(c.Request.Context(), storage.NormalizeEmail(in.Email), in.Password)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, errorResponse{Detail: "Invalid credentials"})
		return
	case err != nil:
		s.internal(c, err)
		return
	}
	c.JSON(http.StatusOK, tokenResponse{AccessToken: token, TokenType: "bearer"})
}

func (s *Server) searchProfiles(c *gin.Context) {
	var in profile.CriteriaInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusUnprocessableEntity, errorResponse{Detail: err.Error(), Code: "validation"})
		return
	}
	criteria, err := profile.NewSearchCriteria(in)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, errorResponse{Detail: err.Error(), Code: "validation"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RunTimeout)
	defer cancel()

	res, err := s.search.Run(ctx, criteria)
	if err != nil {
		_ = c.Error(err)
		kind := pipeline.KindOf(err)
		status, detail := failure(kind)
		c.JSON(status, errorResponse{Detail: detail, Code: string(kind)})
		return
	}

	s.logger.Info("search served",
		"user", userEmail(c),
		"extracted", res.Summary.Extracted,
		"skipped", len(res.Summary.Skipped),
		"interrupted", res.Summary.Interrupted,
	)
	c.JSON(http.StatusOK, res.Records)
}

// failure maps a pipeline error kind onto a status and a caller-facing
// message. Internal detail stays in the logs.
func failure(kind pipeline.Kind) (int, string) {
	switch kind {
	case pipeline.KindSessionUnavailable:
		return http.StatusServiceUnavailable, "Scraping session unavailable"
	case pipeline.KindTargetUnreachable:
		return http.StatusBadGateway, "Target site unreachable"
	case pipeline.KindRateLimited:
		return http.StatusTooManyRequests, "Target site is rate limiting requests"
	case pipeline.KindCanceled:
		return http.StatusRequestTimeout, "Request canceled"
	case pipeline.KindPersistenceError:
		return http.StatusInternalServerError, "Could not store profiles"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

func (s *Server) getProfile(c *gin.Context) {
	id := c.Param("id")
	rec, err := cache.Lookup(c.Request.Context(), s.cache, s.cfg.CacheBackend, id, s.profiles.GetProfile, s.logger)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Detail: "Profile not found"})
		return
	case err != nil:
		s.internal(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) listProfiles(c *gin.Context) {
	filter := storage.Filter{ProfileURL: c.Query("url"), Limit: defaultListLimit}

	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusUnprocessableEntity, errorResponse{Detail: "limit must be a positive integer", Code: "validation"})
			return
		}
		filter.Limit = min(n, maxListLimit)
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusUnprocessableEntity, errorResponse{Detail: "offset must be a non-negative integer", Code: "validation"})
			return
		}
		filter.Offset = n
	}
	if v := c.Query("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, errorResponse{Detail: "since must be an RFC 3339 timestamp", Code: "validation"})
			return
		}
		filter.Since = &t
	}

	recs, err := s.profiles.QueryProfiles(c.Request.Context(), filter)
	if err != nil {
		s.internal(c, err)
		return
	}
	if recs == nil {
		recs = []*profile.Record{}
	}
	c.JSON(http.StatusOK, recs)
}

func (s *Server) internal(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, errorResponse{Detail: "Internal server error"})
}

func userEmail(c *gin.Context) string {
	if u := auth.UserFromContext(c); u != nil {
		return u.Email
	}
	return ""
}
