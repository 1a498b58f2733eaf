package api

import (
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"

	"github.com/quanta-kt/sanddb/internal/engine"
)

func (s *Server) putKey(c *gin.Context) {
	start := time.Now()
	key := c.Param("key")

	var req PutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.errorResponse(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	if err := s.eng.Put([]byte(key), []byte(req.Value)); err != nil {
		s.errorResponse(c, s.statusFor(err), "PUT_FAILED", err.Error())
		return
	}

	s.successResponse(c, http.StatusOK, KVEntry{
		Key:       key,
		Value:     req.Value,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}, time.Since(start))
}

func (s *Server) getKey(c *gin.Context) {
	start := time.Now()
	key := c.Param("key")

	value, ok, err := s.eng.Get([]byte(key))
	if err != nil {
		s.errorResponse(c, s.statusFor(err), "GET_FAILED", err.Error())
		return
	}
	if !ok {
		s.errorResponse(c, http.StatusNotFound, "KEY_NOT_FOUND", "key not found: "+key)
		return
	}

	s.successResponse(c, http.StatusOK, KVEntry{
		Key:   key,
		Value: string(value),
	}, time.Since(start))
}

func (s *Server) deleteKey(c *gin.Context) {
	start := time.Now()
	key := c.Param("key")

	if err := s.eng.Delete([]byte(key)); err != nil {
		s.errorResponse(c, s.statusFor(err), "DELETE_FAILED", err.Error())
		return
	}

	s.successResponse(c, http.StatusOK, gin.H{
		"key":     key,
		"deleted": true,
	}, time.Since(start))
}

// statusFor maps engine errors onto HTTP statuses.
func (s *Server) statusFor(err error) int {
	if errors.Is(err, engine.ErrClosed) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) successResponse(c *gin.Context, status int, data interface{}, duration time.Duration) {
	c.JSON(status, APIResponse{
		Status: "success",
		Data:   data,
		Metadata: &Metadata{
			Version:         "1.0",
			ExecutionTimeMs: float64(duration.Nanoseconds()) / 1e6,
			Timestamp:       time.Now().UTC().Format(time.RFC3339),
		},
	})
}

func (s *Server) errorResponse(c *gin.Context, status int, code, message string) {
	c.JSON(status, APIResponse{
		Status: "error",
		Error: &APIError{
			Code:    code,
			Message: message,
		},
		Metadata: &Metadata{
			Version:   "1.0",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		},
	})
}
