package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/signalplane/signalplane/internal/scheduler"
)

// handleHealth answers from process state only; it never touches the
// store, so a degraded database does not take the surface down with it.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

type agentView struct {
	Name         string     `json:"name"`
	Enabled      bool       `json:"enabled"`
	State        string     `json:"state"`
	IntervalMins int        `json:"interval_mins"`
	BaseWeight   float64    `json:"base_weight"`
	LastScore    *float64   `json:"last_score,omitempty"`
	LastRun      *time.Time `json:"last_run,omitempty"`
	RunCount     int        `json:"run_count"`
	ErrorCount   int        `json:"error_count"`
	LastError    *string    `json:"last_error,omitempty"`
}

func (s *Server) handleListAgents(c *gin.Context) {
	statuses, err := s.agents.GetAllAgentStatuses(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "agent statuses unavailable"})
		return
	}

	states := s.scheduler.States()
	views := make([]agentView, 0, len(statuses))
	for _, st := range statuses {
		state, ok := states[st.Name]
		if !ok {
			state = "UNREGISTERED"
		}
		views = append(views, agentView{
			Name:         st.Name,
			Enabled:      st.Enabled,
			State:        state,
			IntervalMins: st.IntervalMins,
			BaseWeight:   st.BaseWeight,
			LastScore:    st.LastScore,
			LastRun:      st.LastRun,
			RunCount:     st.RunCount,
			ErrorCount:   st.ErrorCount,
			LastError:    st.LastError,
		})
	}
	c.JSON(http.StatusOK, gin.H{"agents": views, "count": len(views)})
}

func (s *Server) handleStartAgent(c *gin.Context) {
	name := c.Param("name")
	force := c.Query("force") == "true"

	if err := s.scheduler.Start(name, force); err != nil {
		s.schedulerError(c, name, err)
		return
	}
	if err := s.agents.SetAgentEnabled(c.Request.Context(), name, true); err != nil {
		s.log.Warn().Err(err).Str("agent", name).Msg("Failed to persist enabled flag")
	}
	c.JSON(http.StatusOK, gin.H{"agent": name, "state": "SCHEDULED", "force": force})
}

func (s *Server) handleStopAgent(c *gin.Context) {
	name := c.Param("name")

	if err := s.scheduler.Stop(name); err != nil {
		s.schedulerError(c, name, err)
		return
	}
	if err := s.agents.SetAgentEnabled(c.Request.Context(), name, false); err != nil {
		s.log.Warn().Err(err).Str("agent", name).Msg("Failed to persist enabled flag")
	}
	c.JSON(http.StatusOK, gin.H{"agent": name, "state": "STOPPED"})
}

func (s *Server) handleRunAgent(c *gin.Context) {
	name := c.Param("name")

	if err := s.scheduler.RunNow(name); err != nil {
		s.schedulerError(c, name, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"agent": name, "triggered": true})
}

func (s *Server) handleSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, s.snapshots.CurrentSnapshot())
}

func (s *Server) handleAllocator(c *gin.Context) {
	snap := s.snapshots.CurrentSnapshot()
	if snap.Plan == nil {
		c.JSON(http.StatusOK, gin.H{"plan": nil, "note": "no rebalance has completed yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"plan": snap.Plan})
}

func (s *Server) schedulerError(c *gin.Context, name string, err error) {
	if errors.Is(err, scheduler.ErrUnknownAgent) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown agent", "agent": name})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "agent": name})
}
