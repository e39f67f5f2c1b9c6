package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/jrepp/botfleet/pkg/billing"
	"github.com/jrepp/botfleet/pkg/fleet"
	"github.com/jrepp/botfleet/pkg/supervisor"
)

// maxEventBytes bounds billing event bodies.
const maxEventBytes = 1 << 20

type createWorkerRequest struct {
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
}

type credentialRequest struct {
	Token string `json:"token"`
}

type listWorkersResponse struct {
	Workers []*fleet.Worker `json:"workers"`
}

type logsResponse struct {
	Stream supervisor.Stream `json:"stream"`
	Lines  []string          `json:"lines"`
}

type eventResponse struct {
	Result billing.Result `json:"result"`
}

func workerID(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest("id", "must be a positive integer")
	}
	return id, nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleCreateWorker(c *gin.Context) {
	var req createWorkerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, badRequest("body", err.Error()))
		return
	}
	w, err := s.fleet.CreateWorker(c.Request.Context(), req.TenantID, req.Name)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, w)
}

func (s *Server) handleListWorkers(c *gin.Context) {
	workers, err := s.fleet.ListWorkers(c.Request.Context(), c.Query("tenant"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if workers == nil {
		workers = []*fleet.Worker{}
	}
	c.JSON(http.StatusOK, listWorkersResponse{Workers: workers})
}

func (s *Server) handleGetWorker(c *gin.Context) {
	id, err := workerID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	w, err := s.fleet.GetWorker(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (s *Server) handleDeleteWorker(c *gin.Context) {
	id, err := workerID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if err := s.fleet.DeleteWorker(c.Request.Context(), id); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSetCredential(c *gin.Context) {
	id, err := workerID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	var req credentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, badRequest("body", err.Error()))
		return
	}
	if err := s.fleet.SetCredential(c.Request.Context(), id, req.Token); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleGetSettings(c *gin.Context) {
	id, err := workerID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	settings, err := s.fleet.GetSettings(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (s *Server) handleUpsertSettings(c *gin.Context) {
	id, err := workerID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	var patch fleet.SettingsPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		s.writeError(c, badRequest("body", err.Error()))
		return
	}
	settings, err := s.fleet.UpsertSettings(c.Request.Context(), id, patch)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (s *Server) handleStart(c *gin.Context) {
	id, err := workerID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	w, err := s.fleet.RequestStart(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (s *Server) handleStop(c *gin.Context) {
	id, err := workerID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	w, err := s.fleet.RequestStop(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (s *Server) handleDescribe(c *gin.Context) {
	id, err := workerID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	desc, err := s.fleet.Describe(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, desc)
}

func (s *Server) handleLogs(c *gin.Context) {
	id, err := workerID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	stream, err := supervisor.ParseStream(c.DefaultQuery("stream", string(supervisor.StreamStdout)))
	if err != nil {
		s.writeError(c, err)
		return
	}
	lines := supervisor.DefaultLogLines
	if raw := c.Query("lines"); raw != "" {
		lines, err = strconv.Atoi(raw)
		if err != nil || lines <= 0 {
			s.writeError(c, badRequest("lines", "must be a positive integer"))
			return
		}
	}

	out, err := s.fleet.Logs(c.Request.Context(), id, stream, lines)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if out == nil {
		out = []string{}
	}
	c.JSON(http.StatusOK, logsResponse{Stream: stream, Lines: out})
}

func (s *Server) handleGetEntitlement(c *gin.Context) {
	e, err := s.fleet.GetEntitlement(c.Request.Context(), c.Param("tenant"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

// handleBillingEvent accepts a provider event. Signature verification
// happens upstream of this service.
func (s *Server) handleBillingEvent(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxEventBytes))
	if err != nil {
		s.writeError(c, badRequest("body", err.Error()))
		return
	}
	ev, err := billing.ParseEvent(raw)
	if err != nil {
		s.writeError(c, err)
		return
	}
	res, err := s.events.Handle(c.Request.Context(), ev)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, eventResponse{Result: res})
}
