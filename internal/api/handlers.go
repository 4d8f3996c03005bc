package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kzaytsev/frostview/internal/store"
)

const handlerTimeout = 10 * time.Second

func (s *Server) handleListLocations(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), handlerTimeout)
	defer cancel()

	locations, err := s.reader.ListLocations(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"locations": locations})
}

func (s *Server) handleListThings(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), handlerTimeout)
	defer cancel()

	things, err := s.reader.ListThings(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"things": things})
}

func (s *Server) handleListProperties(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), handlerTimeout)
	defer cancel()

	properties, err := s.reader.ListProperties(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"observed_properties": properties})
}

func (s *Server) handleListDatastreams(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), handlerTimeout)
	defer cancel()

	datastreams, err := s.reader.ListDatastreams(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"datastreams": datastreams})
}

// handleHourlySeries returns the aggregated hourly series of one datastream.
// An id with no data yields an empty series, not an error.
func (s *Server) handleHourlySeries(c *gin.Context) {
	dsID, err := strconv.ParseInt(c.Param("datastream_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid datastream_id"})
		return
	}

	q := store.HourlyQuery{DatastreamID: dsID, Limit: s.cfg.DefaultLimit}

	if v := c.Query("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start timestamp"})
			return
		}
		tt := t.UTC()
		q.Since = &tt
	}
	if v := c.Query("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid end timestamp"})
			return
		}
		tt := t.UTC()
		q.Until = &tt
	}
	if v := c.Query("last_n"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid last_n"})
			return
		}
		q.Limit = n
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), handlerTimeout)
	defer cancel()

	series, err := s.reader.HourlySeries(ctx, q)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"datastream_id": dsID,
		"count":         len(series),
		"hourly":        series,
	})
}

// handleLatestByLocation returns the freshest hourly aggregate per
// datastream observed at one location.
func (s *Server) handleLatestByLocation(c *gin.Context) {
	locID, err := strconv.ParseInt(c.Param("location_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid location_id"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), handlerTimeout)
	defer cancel()

	latest, err := s.reader.LatestByLocation(ctx, locID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"location_id": locID,
		"latest":      latest,
	})
}

func (s *Server) fail(c *gin.Context, err error) {
	s.log.Error().Err(err).Str("path", c.FullPath()).Msg("query failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
