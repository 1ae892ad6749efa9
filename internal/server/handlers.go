package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apierr "github.com/bleepstore/hashstore/internal/errors"
	"github.com/bleepstore/hashstore/internal/hashing"
	"github.com/bleepstore/hashstore/internal/storage"
)

// ContentBody is the JSON body returned by POST /content.
type ContentBody struct {
	Key string `json:"key"`
}

// blobKey parses the {key} URL parameter.
func blobKey(r *http.Request) (hashing.Key, error) {
	return hashing.ParseKey(chi.URLParam(r, "key"))
}

// body returns the request body, capped at the configured blob size.
func (s *Server) body(w http.ResponseWriter, r *http.Request) io.Reader {
	if s.cfg.Server.MaxBlobSize > 0 {
		return http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxBlobSize)
	}
	return r.Body
}

// bodyError converts a body read failure, mapping an exceeded limit to
// EntityTooLarge.
func bodyError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return apierr.ErrEntityTooLarge
	}
	return err
}

// putBlob handles PUT /blobs/{key}. The body is streamed into the store and
// committed only if it was read completely.
func (s *Server) putBlob(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, r, apierr.ErrServiceUnavailable)
		return
	}
	key, err := blobKey(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if s.cfg.Server.MaxBlobSize > 0 && r.ContentLength > s.cfg.Server.MaxBlobSize {
		writeError(w, r, apierr.ErrEntityTooLarge)
		return
	}

	ctx := r.Context()
	bw, err := s.store.Write(ctx, key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer bw.Abort()

	n, err := io.Copy(bw, s.body(w, r))
	if err != nil {
		writeError(w, r, bodyError(err))
		return
	}
	if err := bw.Close(); err != nil {
		writeError(w, r, err)
		return
	}

	slog.Debug("Blob stored", "key", key, "size", n, "request_id", requestIDFrom(ctx))
	w.WriteHeader(http.StatusNoContent)
}

// getBlob handles GET /blobs/{key}.
func (s *Server) getBlob(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, r, apierr.ErrServiceUnavailable)
		return
	}
	key, err := blobKey(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	ctx := r.Context()
	info, ok, err := s.store.Stat(ctx, key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !ok {
		writeError(w, r, apierr.ErrNoSuchKey)
		return
	}

	rc, err := s.store.Read(ctx, key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer rc.Close()

	setBlobHeaders(w, info)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		slog.Warn("Blob response truncated", "key", key, "request_id", requestIDFrom(ctx), "error", err)
	}
}

// headBlob handles HEAD /blobs/{key}.
func (s *Server) headBlob(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, r, apierr.ErrServiceUnavailable)
		return
	}
	key, err := blobKey(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	info, ok, err := s.store.Stat(r.Context(), key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !ok {
		writeError(w, r, apierr.ErrNoSuchKey)
		return
	}
	setBlobHeaders(w, info)
	w.WriteHeader(http.StatusOK)
}

// deleteBlob handles DELETE /blobs/{key}. Deleting an absent key succeeds.
func (s *Server) deleteBlob(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, r, apierr.ErrServiceUnavailable)
		return
	}
	key, err := blobKey(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.store.Remove(r.Context(), key); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// postContent handles POST /content: the body is stored under its own
// digest and the key is returned.
func (s *Server) postContent(w http.ResponseWriter, r *http.Request) {
	if s.cas == nil {
		writeError(w, r, apierr.ErrServiceUnavailable)
		return
	}
	if s.cfg.Server.MaxBlobSize > 0 && r.ContentLength > s.cfg.Server.MaxBlobSize {
		writeError(w, r, apierr.ErrEntityTooLarge)
		return
	}
	key, err := s.cas.Write(r.Context(), s.body(w, r))
	if err != nil {
		writeError(w, r, bodyError(err))
		return
	}
	w.Header().Set("Location", "/blobs/"+key.String())
	writeJSON(w, http.StatusCreated, ContentBody{Key: key.String()})
}

func setBlobHeaders(w http.ResponseWriter, info storage.ItemInfo) {
	h := w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Length", strconv.FormatInt(info.Size, 10))
	h.Set("X-Hashstore-Location", string(info.Location))
	if !info.ModTime.IsZero() {
		h.Set("Last-Modified", info.ModTime.UTC().Format(http.TimeFormat))
	}
}
