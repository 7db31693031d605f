package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"voterimport/internal/apperr"
	"voterimport/internal/models"
	"voterimport/internal/normalizer"
	"voterimport/internal/service/ingest"
	"voterimport/internal/service/query"
	"voterimport/internal/worker"
)

// multipart framing allowance on top of the file budget
const formOverhead = 64 << 10

type JobRunner interface {
	Submit(ctx context.Context, clientKey string, fn func(context.Context)) error
}

type Pinger interface {
	PingContext(ctx context.Context) error
}

// Handler wires HTTP routes to the ingestion engine and the query service.
type Handler struct {
	engine *ingest.Engine
	query  *query.Service
	jobs   JobRunner
	db     Pinger
}

// NewHandler constructs a Handler instance.
func NewHandler(engine *ingest.Engine, querySvc *query.Service, jobs JobRunner, db Pinger) *Handler {
	return &Handler{engine: engine, query: querySvc, jobs: jobs, db: db}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", h.healthz)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	imports := router.Group("/import")
	imports.POST("", h.importFile)
	imports.GET("/:sessionId", h.getSession)
	imports.GET("/:sessionId/rows", h.getRows)
	imports.GET("/:sessionId/export", h.exportCSV)
}

func (h *Handler) importFile(c *gin.Context) {
	limit := h.engine.MaxBytes()
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+formOverhead)

	var (
		body     io.Reader
		fileName string
		hints    map[string]string
	)
	mediaType, _, _ := mime.ParseMediaType(c.ContentType())
	if mediaType == "multipart/form-data" {
		if err := c.Request.ParseMultipartForm(limit); err != nil {
			writeError(c, uploadError(err, "invalid multipart form"))
			return
		}
		defer c.Request.MultipartForm.RemoveAll()
		fh, err := c.FormFile("file")
		if err != nil {
			writeError(c, apperr.New(apperr.InvalidRequest, "file is required"))
			return
		}
		if fh.Size > limit {
			writeError(c, apperr.New(apperr.SizeLimitExceeded, "file too large"))
			return
		}
		f, err := fh.Open()
		if err != nil {
			writeError(c, apperr.Wrap(apperr.InvalidRequest, err, "open file failed"))
			return
		}
		defer f.Close()
		body = f
		fileName = c.PostForm("fileName")
		if fileName == "" {
			fileName = fh.Filename
		}
		if hints, err = parseMapping(c.PostForm("mapping")); err != nil {
			writeError(c, err)
			return
		}
	} else {
		body = c.Request.Body
		fileName = c.Query("fileName")
		var err error
		if hints, err = parseMapping(c.Query("mapping")); err != nil {
			writeError(c, err)
			return
		}
	}

	var (
		res       *models.ImportResult
		ingestErr error
	)
	err := h.jobs.Submit(c.Request.Context(), c.ClientIP(), func(ctx context.Context) {
		res, ingestErr = h.engine.Ingest(ctx, body, fileName, hints)
	})
	if err == nil {
		err = ingestErr
	}
	if err != nil {
		writeError(c, uploadError(err, "read upload"))
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) getSession(c *gin.Context) {
	session, err := h.query.Session(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *Handler) getRows(c *gin.Context) {
	offset, err := intQuery(c, "offset", 0)
	if err != nil {
		writeError(c, err)
		return
	}
	limit, err := intQuery(c, "limit", query.DefaultLimit)
	if err != nil {
		writeError(c, err)
		return
	}
	page, err := h.query.Page(c.Request.Context(), c.Param("sessionId"), offset, limit, c.Query("q"))
	if err != nil {
		writeError(c, err)
		return
	}
	rows := make([]gin.H, 0, len(page.Rows))
	for _, rec := range page.Rows {
		row := make(gin.H, len(rec.Fields)+1)
		for k, v := range rec.Fields {
			row[k] = v
		}
		row["sequenceNo"] = rec.SequenceNo
		rows = append(rows, row)
	}
	c.JSON(http.StatusOK, gin.H{"rows": rows, "total": page.Total})
}

const exportStatusTrailer = "X-Export-Status"

func (h *Handler) exportCSV(c *gin.Context) {
	id := c.Param("sessionId")
	// resolve first so a missing session still gets a JSON error
	if _, err := h.query.Session(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s_export.csv"`, id))
	c.Header("Trailer", exportStatusTrailer)
	c.Status(http.StatusOK)
	if _, err := h.query.WriteCSV(c.Request.Context(), c.Writer, id); err != nil {
		log.Printf("export session %s aborted: %v", id, err)
		c.Writer.Header().Set(exportStatusTrailer, "aborted")
		abortStream(c)
		return
	}
	c.Writer.Header().Set(exportStatusTrailer, "complete")
}

// abortStream closes the connection under a response that already sent its status, so
// the client sees a failed transfer instead of a short but well formed body. Writers
// that cannot be hijacked keep the aborted trailer as the only signal.
func abortStream(c *gin.Context) {
	var w http.ResponseWriter = c.Writer
	for {
		u, ok := w.(interface{ Unwrap() http.ResponseWriter })
		if !ok {
			break
		}
		w = u.Unwrap()
	}
	conn, _, err := http.NewResponseController(w).Hijack()
	if err != nil {
		return
	}
	conn.Close()
	c.Abort()
}

func (h *Handler) healthz(c *gin.Context) {
	if err := h.db.PingContext(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// parseMapping decodes an optional JSON object of header -> canonical field.
func parseMapping(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var hints map[string]string
	if err := json.Unmarshal([]byte(raw), &hints); err != nil {
		return nil, apperr.Wrap(apperr.InvalidRequest, err, "mapping must be a JSON object of header to field")
	}
	for header, field := range hints {
		if !normalizer.IsField(field) {
			return nil, apperr.New(apperr.InvalidRequest, "mapping for %q names unknown field %q", header, field)
		}
	}
	return hints, nil
}

func intQuery(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.New(apperr.InvalidRequest, "%s must be an integer", name)
	}
	return n, nil
}

// uploadError classifies transport failures while reading the request body.
func uploadError(err error, msg string) error {
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		return apperr.New(apperr.SizeLimitExceeded, "upload exceeds %d bytes", tooBig.Limit)
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) || errors.Is(err, worker.ErrDispatcherBusy) || errors.Is(err, context.Canceled) {
		return err
	}
	return apperr.Wrap(apperr.InvalidRequest, err, "%s", msg)
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.ParseError, apperr.EmptyFileError, apperr.InvalidRequest:
		return http.StatusBadRequest
	case apperr.SizeLimitExceeded:
		return http.StatusRequestEntityTooLarge
	case apperr.SessionNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	if errors.Is(err, worker.ErrDispatcherBusy) {
		c.JSON(http.StatusTooManyRequests, gin.H{"kind": "Busy", "message": "server is busy, please retry"})
		return
	}
	kind := apperr.KindOf(err)
	status := statusFor(kind)
	msg := apperr.Message(err)
	if status == http.StatusInternalServerError {
		log.Printf("%s %s failed: %v", c.Request.Method, c.FullPath(), err)
		var appErr *apperr.Error
		if !errors.As(err, &appErr) {
			msg = "internal error"
		}
	}
	c.JSON(status, gin.H{"kind": kind, "message": msg})
}
