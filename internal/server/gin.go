package server

import (
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sevir/officepool/internal/pool"
	"github.com/sevir/officepool/internal/process"
	"github.com/sevir/officepool/internal/store"
	"github.com/sevir/officepool/pkg/models"
)

const (
	defaultEventLimit = 100
	maxLogChunk       = 64 * 1024
)

func (s *Server) newGinEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.handleHealth)

	api := r.Group("/api")
	{
		api.GET("/version", s.handleAPIVersion)
		api.GET("/slots", s.handleAPISlots)
		api.GET("/slots/:index/log", s.handleAPISlotLog)
		api.POST("/slots/:index/restart", s.handleAPISlotRestart)
		api.GET("/events", s.handleAPIEvents)
	}

	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	state := s.pool.State()
	slots := s.pool.Slots()

	counts := make(map[models.SlotState]int)
	busy := 0
	for _, info := range slots {
		counts[info.State]++
		if info.Busy {
			busy++
		}
	}

	status := "healthy"
	code := http.StatusOK
	switch {
	case state != models.PoolStateStarted:
		status = "unavailable"
		code = http.StatusServiceUnavailable
	case counts[models.SlotStateRunning] < len(slots):
		status = "degraded"
	}

	c.JSON(code, gin.H{
		"status":  status,
		"pool_id": s.pool.ID(),
		"state":   state,
		"slots":   len(slots),
		"busy":    busy,
		"states":  counts,
	})
}

func (s *Server) handleAPIVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version": s.version,
		"commit":  s.commit,
	})
}

func (s *Server) handleAPISlots(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"state": s.pool.State(),
		"slots": s.pool.Slots(),
	})
}

func (s *Server) handleAPISlotRestart(c *gin.Context) {
	index, ok := slotParam(c)
	if !ok {
		return
	}

	if err := s.pool.RecycleSlot(index); err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"slot": index, "status": "restarting"})
}

func (s *Server) handleAPISlotLog(c *gin.Context) {
	index, ok := slotParam(c)
	if !ok {
		return
	}
	if index >= len(s.pool.Slots()) {
		c.JSON(http.StatusNotFound, gin.H{"error": pool.ErrSlotNotFound.Error()})
		return
	}
	if s.logDir == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "log not available"})
		return
	}

	offset := int64(0)
	if raw := strings.TrimSpace(c.Query("offset")); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
			return
		}
		offset = v
	}

	data, nextOffset, truncated, err := readLogChunk(process.LogPath(s.logDir, index), offset, maxLogChunk)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.JSON(http.StatusNotFound, gin.H{"error": "log not available"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"content":     string(data),
		"next_offset": nextOffset,
		"truncated":   truncated,
	})
}

func (s *Server) handleAPIEvents(c *gin.Context) {
	if s.events == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "event journal disabled"})
		return
	}

	filter := store.ListFilter{Limit: defaultEventLimit}
	if raw := strings.TrimSpace(c.Query("slot")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid slot"})
			return
		}
		filter.Slot = &v
	}
	for _, raw := range c.QueryArray("type") {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				filter.Types = append(filter.Types, models.EventType(part))
			}
		}
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		raw := strings.TrimSpace(c.Query(name))
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
			return
		}
		*dst = v
	}

	events, err := s.events.List(filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func slotParam(c *gin.Context) (int, bool) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid slot index"})
		return 0, false
	}
	return index, true
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, pool.ErrSlotNotFound):
		return http.StatusNotFound
	case errors.Is(err, pool.ErrSlotBusy), errors.Is(err, pool.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, pool.ErrPoolNotRunning), errors.Is(err, pool.ErrPoolShutdown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func readLogChunk(path string, offset, limit int64) ([]byte, int64, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, offset, false, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, offset, false, err
	}

	size := st.Size()
	start := min(max(offset, 0), size)
	truncated := false

	// From the beginning of a large file only the tail is returned.
	if start == 0 && size > limit {
		start = size - limit
		truncated = true
	}

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return nil, start, false, err
	}

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, start, false, err
	}
	if int64(len(data)) > limit {
		data = data[:limit]
		truncated = true
	}

	return data, start + int64(len(data)), truncated, nil
}
