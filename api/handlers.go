package api

import (
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/regvault/regvault/internal/gc"
	"github.com/regvault/regvault/internal/regerr"
	"github.com/regvault/regvault/internal/registry"
	"github.com/regvault/regvault/internal/upload"
)

// Handlers holds the engine components the dispatcher translates
// requests into calls against. HTTP routing itself is a presentation
// detail; the shapes in the table this implements come straight from
// the orchestrator and registry engine.
type Handlers struct {
	Upload   *upload.Orchestrator
	Registry *registry.Engine
	GC       *gc.Collector
	Logger   *zap.Logger
}

var (
	uploadsPattern  = regexp.MustCompile(`^(.+)/blobs/uploads/?([^/]*)$`)
	manifestPattern = regexp.MustCompile(`^(.+)/manifests/([^/]+)$`)
	blobPattern     = regexp.MustCompile(`^(.+)/blobs/(sha256:[0-9a-fA-F]+)$`)
)

// Health answers liveness checks.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Dispatch routes every /v2/* request to the right engine operation.
// The routing itself is intentionally simple; the interesting shapes
// all live in the engine operations.
func (h *Handlers) Dispatch(c *gin.Context) {
	path := strings.TrimPrefix(c.Param("path"), "/")
	method := c.Request.Method

	if m := uploadsPattern.FindStringSubmatch(path); m != nil {
		name, uploadID := m[1], m[2]
		h.dispatchUploads(c, method, name, uploadID)
		return
	}
	if m := blobPattern.FindStringSubmatch(path); m != nil {
		name, digest := m[1], m[2]
		h.dispatchBlob(c, method, name, digest)
		return
	}
	if m := manifestPattern.FindStringSubmatch(path); m != nil {
		name, reference := m[1], m[2]
		h.dispatchManifest(c, method, name, reference)
		return
	}
	c.Status(http.StatusNotFound)
}

func (h *Handlers) dispatchUploads(c *gin.Context, method, name, uploadID string) {
	switch {
	case uploadID == "" && method == http.MethodPost:
		if from := c.Query("from"); from != "" {
			h.mountExistingLayer(c, from, c.Query("mount"), name)
			return
		}
		if digest := c.Query("digest"); digest != "" {
			h.monolithicUpload(c, name, digest)
			return
		}
		h.startUpload(c, name)
	case uploadID != "" && method == http.MethodGet:
		h.getUpload(c, name, uploadID)
	case uploadID != "" && method == http.MethodPatch:
		h.uploadChunk(c, name, uploadID)
	case uploadID != "" && method == http.MethodPut:
		h.finishUpload(c, name, uploadID)
	case uploadID != "" && method == http.MethodDelete:
		h.cancelUpload(c, name, uploadID)
	default:
		c.Status(http.StatusMethodNotAllowed)
	}
}

func (h *Handlers) dispatchBlob(c *gin.Context, method, name, digest string) {
	switch method {
	case http.MethodGet:
		h.getLayer(c, name, digest)
	case http.MethodHead:
		h.layerExists(c, name, digest)
	default:
		c.Status(http.StatusMethodNotAllowed)
	}
}

func (h *Handlers) dispatchManifest(c *gin.Context, method, name, reference string) {
	switch method {
	case http.MethodGet:
		h.getManifest(c, name, reference)
	case http.MethodHead:
		h.manifestExists(c, name, reference)
	case http.MethodPut:
		h.putManifest(c, name, reference)
	default:
		c.Status(http.StatusMethodNotAllowed)
	}
}

func (h *Handlers) startUpload(c *gin.Context, name string) {
	handle, err := h.Upload.StartUpload(c.Request.Context(), name)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.Header("Location", uploadLocation(name, handle))
	c.JSON(http.StatusAccepted, handleJSON(handle))
}

func (h *Handlers) getUpload(c *gin.Context, name, uploadID string) {
	handle, err := h.Upload.GetUpload(c.Request.Context(), name, uploadID)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, handleJSON(handle))
}

func (h *Handlers) uploadChunk(c *gin.Context, name, uploadID string) {
	location := c.Query("location")
	length := c.Request.ContentLength
	if length < 0 {
		writeErr(c, regerr.New(regerr.KindClient, "uploadChunk", errors.New("Content-Length is required")))
		return
	}

	rng := parseContentRange(c.GetHeader("Content-Range"))

	handle, err := h.Upload.UploadChunk(c.Request.Context(), name, uploadID, location, c.Request.Body, length, rng)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.Header("Location", uploadLocation(name, handle))
	c.JSON(http.StatusAccepted, handleJSON(handle))
}

func (h *Handlers) finishUpload(c *gin.Context, name, uploadID string) {
	location := c.Query("location")
	digest := c.Query("digest")

	var lengthPtr *int64
	if cl := c.Request.ContentLength; cl > 0 {
		lengthPtr = &cl
	}

	finished, err := h.Upload.FinishUpload(c.Request.Context(), name, uploadID, location, digest, c.Request.Body, lengthPtr)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.Header("Docker-Content-Digest", finished.Digest)
	c.Header("Location", "/v2/"+finished.Location)
	c.JSON(http.StatusCreated, gin.H{"digest": finished.Digest, "location": finished.Location})
}

func (h *Handlers) cancelUpload(c *gin.Context, name, uploadID string) {
	if err := h.Upload.CancelUpload(c.Request.Context(), name, uploadID); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) monolithicUpload(c *gin.Context, name, digest string) {
	var sizePtr *int64
	if cl := c.Request.ContentLength; cl >= 0 {
		sizePtr = &cl
	}

	finished, err := h.Upload.MonolithicUpload(c.Request.Context(), name, digest, c.Request.Body, sizePtr)
	if err != nil {
		if errors.Is(err, upload.ErrTooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "too-large"})
			return
		}
		writeErr(c, err)
		return
	}
	c.Header("Docker-Content-Digest", finished.Digest)
	c.JSON(http.StatusCreated, gin.H{"digest": finished.Digest, "location": finished.Location})
}

func (h *Handlers) mountExistingLayer(c *gin.Context, sourceName, digest, destName string) {
	result, err := h.Registry.MountExistingLayer(c.Request.Context(), sourceName, digest, destName)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.Header("Docker-Content-Digest", result.Digest)
	c.JSON(http.StatusCreated, gin.H{"digest": result.Digest, "location": result.Location})
}

func (h *Handlers) putManifest(c *gin.Context, name, reference string) {
	checkLayers := c.Query("checkLayers") != "false"
	result, err := h.Registry.PutManifest(c.Request.Context(), name, reference, c.Request.Body, registry.PutManifestOptions{
		ContentType: c.GetHeader("Content-Type"),
		CheckLayers: checkLayers,
	})
	if err != nil {
		writeErr(c, err)
		return
	}
	c.Header("Docker-Content-Digest", result.Digest)
	c.JSON(http.StatusCreated, gin.H{"digest": result.Digest, "location": result.Location})
}

func (h *Handlers) getManifest(c *gin.Context, name, reference string) {
	obj, err := h.Registry.GetManifest(c.Request.Context(), name, reference)
	if err != nil {
		writeErr(c, err)
		return
	}
	defer obj.Stream.Close()
	c.Header("Docker-Content-Digest", obj.Digest)
	c.DataFromReader(http.StatusOK, obj.Size, obj.ContentType, obj.Stream, nil)
}

func (h *Handlers) manifestExists(c *gin.Context, name, reference string) {
	meta, ok, err := h.Registry.ManifestExists(c.Request.Context(), name, reference)
	if err != nil {
		writeErr(c, err)
		return
	}
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}
	c.Header("Docker-Content-Digest", meta.Digest)
	c.Header("Content-Length", strconv.FormatInt(meta.Size, 10))
	c.Header("Content-Type", meta.ContentType)
	c.Status(http.StatusOK)
}

func (h *Handlers) getLayer(c *gin.Context, name, digest string) {
	obj, err := h.Registry.GetLayer(c.Request.Context(), name, digest)
	if err != nil {
		writeErr(c, err)
		return
	}
	defer obj.Stream.Close()
	c.Header("Docker-Content-Digest", obj.Digest)
	c.DataFromReader(http.StatusOK, obj.Size, "application/octet-stream", obj.Stream, nil)
}

func (h *Handlers) layerExists(c *gin.Context, name, digest string) {
	meta, ok, err := h.Registry.LayerExists(c.Request.Context(), name, digest)
	if err != nil {
		writeErr(c, err)
		return
	}
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}
	c.Header("Docker-Content-Digest", meta.Digest)
	c.Header("Content-Length", strconv.FormatInt(meta.Size, 10))
	c.Status(http.StatusOK)
}

// ListRepositories answers /v2/_catalog.
func (h *Handlers) ListRepositories(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("n"))
	names, cursor, err := h.Registry.ListRepositories(c.Request.Context(), c.Query("last"), limit)
	if err != nil {
		writeErr(c, err)
		return
	}
	body := gin.H{"repositories": names}
	if cursor != "" {
		body["cursor"] = cursor
	}
	c.JSON(http.StatusOK, body)
}

// GarbageCollection answers /v2/_gc.
func (h *Handlers) GarbageCollection(c *gin.Context) {
	name := c.Query("name")
	mode := gc.Mode(c.Query("mode"))
	if name == "" || (mode != gc.ModeUnreferenced && mode != gc.ModeUntagged) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name and mode=unreferenced|untagged are required"})
		return
	}

	ok, err := h.GC.Collect(c.Request.Context(), name, mode)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, ok)
}

func uploadLocation(name string, handle *upload.Handle) string {
	return "/v2/" + name + "/blobs/uploads/" + handle.ID + "?location=" + handle.Location
}

func handleJSON(h *upload.Handle) gin.H {
	rng := []int64{0, -1}
	if h.Range != nil {
		rng = []int64{h.Range.Start, h.Range.End}
	}
	return gin.H{
		"id":       h.ID,
		"location": h.Location,
		"range":    rng,
		"minChunk": h.MinChunk,
		"maxChunk": h.MaxChunk,
	}
}

// parseContentRange parses a "start-end/total" Content-Range header
// into the optional range the orchestrator validates against the
// upload's current cursor.
func parseContentRange(header string) *upload.ByteRange {
	if header == "" {
		return nil
	}
	bounds := strings.SplitN(header, "/", 2)[0]
	parts := strings.SplitN(bounds, "-", 2)
	if len(parts) != 2 {
		return nil
	}
	start, err1 := strconv.ParseInt(parts[0], 10, 64)
	end, err2 := strconv.ParseInt(parts[1], 10, 64)
	if err1 != nil || err2 != nil {
		return nil
	}
	return &upload.ByteRange{Start: start, End: end}
}

func writeErr(c *gin.Context, err error) {
	kind := regerr.KindOf(err)

	status := http.StatusInternalServerError
	switch kind {
	case regerr.KindRange:
		status = http.StatusRequestedRangeNotSatisfiable
	case regerr.KindManifest, regerr.KindClient:
		status = http.StatusBadRequest
	case regerr.KindBlob, regerr.KindNotFound:
		status = http.StatusNotFound
	case regerr.KindServer, regerr.KindInternal:
		status = http.StatusInternalServerError
	}

	body := gin.H{"error": err.Error(), "kind": string(kind)}
	var e *regerr.Error
	if errors.As(err, &e) && e.Range != nil {
		body["location"] = e.Range.Fingerprint
		body["byteRange"] = e.Range.ByteRange
	}
	c.JSON(status, body)
}
