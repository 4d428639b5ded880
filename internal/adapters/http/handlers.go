package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/directory"
	"github.com/dkeye/peercall/internal/directory/wire"
	"github.com/dkeye/peercall/internal/metrics"
)

type directoryHandlers struct {
	dir     directory.Directory
	metrics *metrics.Metrics
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, directory.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, directory.ErrBadPath), errors.Is(err, directory.ErrBadRecord):
		return http.StatusBadRequest
	case errors.Is(err, wire.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, directory.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *directoryHandlers) fail(c *gin.Context, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("directory failure")
	}
	c.AbortWithStatusJSON(status, wire.NewError(err))
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, wire.Error{Code: wire.CodeBadRequest, Message: msg})
}

// observe records the outcome of every request to op.
func (h *directoryHandlers) observe(op string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.metrics.ObserveRequest(op, strconv.Itoa(c.Writer.Status()), start)
	}
}

func (h *directoryHandlers) create(c *gin.Context) {
	var req wire.PathRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid create request")
		return
	}
	coll, err := directory.ParseCollection(req.Path)
	if err != nil {
		h.fail(c, err)
		return
	}
	ref, err := h.dir.Create(c.Request.Context(), coll)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, wire.RefResponse{Path: ref.Path()})
}

func (h *directoryHandlers) get(c *gin.Context) {
	var req wire.PathRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid get request")
		return
	}
	ref, err := directory.ParseDoc(req.Path)
	if err != nil {
		h.fail(c, err)
		return
	}
	doc, err := h.dir.Get(c.Request.Context(), ref)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, wire.FromDocument(doc))
}

func (h *directoryHandlers) set(c *gin.Context)    { h.writeField(c, h.dir.Set) }
func (h *directoryHandlers) update(c *gin.Context) { h.writeField(c, h.dir.Update) }

type fieldWriter func(ctx context.Context, ref directory.DocRef, field string, value any) error

func (h *directoryHandlers) writeField(c *gin.Context, write fieldWriter) {
	var req wire.FieldRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Field == "" {
		badRequest(c, "invalid field request")
		return
	}
	ref, err := directory.ParseDoc(req.Path)
	if err != nil {
		h.fail(c, err)
		return
	}
	value := req.Value
	if len(value) == 0 {
		value = []byte("null")
	}
	if err := write(c.Request.Context(), ref, req.Field, value); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *directoryHandlers) append(c *gin.Context) {
	var req wire.AppendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid append request")
		return
	}
	coll, err := directory.ParseCollection(req.Path)
	if err != nil {
		h.fail(c, err)
		return
	}
	ref, err := h.dir.Append(c.Request.Context(), coll, req.Record)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, wire.RefResponse{Path: ref.Path()})
}

func (h *directoryHandlers) list(c *gin.Context) {
	var req wire.PathRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid list request")
		return
	}
	coll, err := directory.ParseCollection(req.Path)
	if err != nil {
		h.fail(c, err)
		return
	}
	docs, err := h.dir.List(c.Request.Context(), coll)
	if err != nil {
		h.fail(c, err)
		return
	}
	out := wire.ListResponse{Documents: make([]wire.Document, 0, len(docs))}
	for _, d := range docs {
		out.Documents = append(out.Documents, wire.FromDocument(d))
	}
	c.JSON(http.StatusOK, out)
}

func (h *directoryHandlers) batchDelete(c *gin.Context) {
	var req wire.BatchDeleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid batch-delete request")
		return
	}
	refs := make([]directory.DocRef, 0, len(req.Paths))
	for _, p := range req.Paths {
		ref, err := directory.ParseDoc(p)
		if err != nil {
			h.fail(c, err)
			return
		}
		refs = append(refs, ref)
	}
	if err := h.dir.BatchDelete(c.Request.Context(), refs); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
