package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hanar3/trading-sim/internal/gateway"
	"github.com/hanar3/trading-sim/internal/order"
	"github.com/hanar3/trading-sim/internal/publish"
	"github.com/hanar3/trading-sim/pkg/wire"
)

// orderResponse is the body of every order and cancel response. OK is the
// only field clients must read.
type orderResponse struct {
	OK        bool   `json:"ok"`
	RequestID string `json:"request_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
	Field     string `json:"field,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, orderResponse{
		OK:        false,
		RequestID: c.GetString(requestIDKey),
		Code:      code,
		Error:     msg,
	})
}

func (s *Server) placeOrder(c *gin.Context) {
	var req order.PlaceOrderRequest
	if !s.bindOrderJSON(c, &req) {
		return
	}
	res, err := s.Orders.PlaceLimitOrder(c.Request.Context(), c.GetString(requestIDKey), req)
	s.respondResult(c, res, err)
}

func (s *Server) cancelOrder(c *gin.Context) {
	var req order.CancelOrderRequest
	if !s.bindOrderJSON(c, &req) {
		return
	}
	res, err := s.Orders.CancelOrder(c.Request.Context(), c.GetString(requestIDKey), req)
	s.respondResult(c, res, err)
}

// bindOrderJSON decodes the body. A field of the wrong JSON type is reported
// like any other validation failure.
func (s *Server) bindOrderJSON(c *gin.Context, dst any) bool {
	err := c.ShouldBindJSON(dst)
	if err == nil {
		return true
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		c.JSON(http.StatusBadRequest, orderResponse{
			OK:        false,
			RequestID: c.GetString(requestIDKey),
			Code:      "VALIDATION_FAILED",
			Error:     typeErr.Field + ": " + string(order.ReasonWrongType),
			Field:     typeErr.Field,
			Reason:    string(order.ReasonWrongType),
		})
		return false
	}
	respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
	return false
}

func (s *Server) respondResult(c *gin.Context, res gateway.Result, err error) {
	if err == nil {
		c.JSON(http.StatusOK, orderResponse{OK: true, RequestID: res.RequestID, MessageID: res.MessageID})
		return
	}

	resp := orderResponse{OK: false, RequestID: res.RequestID, MessageID: res.MessageID, Error: err.Error()}
	status := http.StatusInternalServerError

	var (
		vErr   *order.ValidationError
		encErr *wire.EncodingError
		pubErr *publish.PublishError
	)
	switch {
	case errors.As(err, &vErr):
		status = http.StatusBadRequest
		resp.Code = "VALIDATION_FAILED"
		resp.Field = vErr.Field
		resp.Reason = string(vErr.Reason)
		resp.MessageID = ""
	case errors.As(err, &encErr):
		resp.Code = "ENCODING_FAILED"
		resp.Error = "internal encoding error"
		resp.MessageID = ""
	case errors.As(err, &pubErr):
		switch pubErr.Kind {
		case publish.KindChannelUnavailable:
			status = http.StatusServiceUnavailable
			resp.Code = "CHANNEL_UNAVAILABLE"
		case publish.KindRejected:
			status = http.StatusBadGateway
			resp.Code = "REJECTED"
		case publish.KindNacked:
			status = http.StatusBadGateway
			resp.Code = "NACKED"
		case publish.KindUnconfirmed:
			status = http.StatusGatewayTimeout
			resp.Code = "UNCONFIRMED"
		}
	default:
		resp.Code = "INTERNAL_ERROR"
		resp.Error = "internal server error"
		s.log.Error("unclassified order pipeline error", zap.String("request_id", res.RequestID), zap.Error(err))
	}
	c.JSON(status, resp)
}

func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ready":          s.Orders.Ready(),
		"dry_run":        s.Meta.DryRun,
		"target":         s.Meta.Target,
		"version":        s.Meta.Version,
		"schema_version": s.Meta.SchemaVersion,
		"go_version":     runtime.Version(),
		"timestamp":      time.Now(),
	})
}

func (s *Server) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

func (s *Server) getSchema(c *gin.Context) {
	data, err := wire.SchemaJSON()
	if err != nil {
		respondError(c, http.StatusInternalServerError, "SCHEMA_ERROR", err.Error())
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", data)
}

// inDoubtEntry is a journal entry with its body decoded for reading.
type inDoubtEntry struct {
	MessageID string          `json:"message_id"`
	RequestID string          `json:"request_id,omitempty"`
	Target    string          `json:"target"`
	Variant   string          `json:"variant"`
	Message   json.RawMessage `json:"message,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

func (s *Server) getInDoubt(c *gin.Context) {
	if s.Journal == nil {
		respondError(c, http.StatusNotFound, "JOURNAL_DISABLED", "order journal is not enabled")
		return
	}
	entries := s.Journal.InDoubt()
	out := make([]inDoubtEntry, 0, len(entries))
	for _, e := range entries {
		item := inDoubtEntry{
			MessageID: e.MessageID,
			RequestID: e.RequestID,
			Target:    e.Target,
			Variant:   e.Variant,
			Timestamp: e.Timestamp,
		}
		if decoded, err := wire.ToJSON(e.Body); err == nil {
			item.Message = decoded
		}
		out = append(out, item)
	}
	c.JSON(http.StatusOK, gin.H{"count": len(out), "entries": out})
}

func (s *Server) resolveInDoubt(c *gin.Context) {
	if s.Journal == nil {
		respondError(c, http.StatusNotFound, "JOURNAL_DISABLED", "order journal is not enabled")
		return
	}
	id := c.Param("id")
	if !s.Journal.Resolve(id) {
		respondError(c, http.StatusNotFound, "NOT_FOUND", "no in-doubt publication "+id)
		return
	}
	s.Metrics.SetInDoubt(len(s.Journal.InDoubt()))
	s.log.Info("in-doubt publication resolved", zap.String("message_id", id))
	c.JSON(http.StatusOK, gin.H{"ok": true, "message_id": id})
}
