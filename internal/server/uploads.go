package server

import (
	"encoding/json"
	"net/http"
	"os"
	"path"

	"github.com/go-chi/chi/v5"

	"civicsense/internal/domain"
	"civicsense/internal/upload"
)

// maxMultipartMemory is held in memory per upload request; the rest spills to
// temporary files.
const maxMultipartMemory = 8 << 20

// registerUploads mounts the image endpoints on the router directly since
// they speak multipart and raw files rather than JSON.
func registerUploads(r chi.Router, basePath string, store *upload.Store) {
	r.Post(path.Join(basePath, "uploads"), func(w http.ResponseWriter, req *http.Request) {
		if _, ok := identityFromContext(req.Context()); !ok {
			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
			return
		}
		if store.MaxBytes > 0 {
			req.Body = http.MaxBytesReader(w, req.Body, int64(domain.MaxImages)*(store.MaxBytes+maxMultipartMemory))
		}
		if err := req.ParseMultipartForm(maxMultipartMemory); err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "invalid multipart body", map[string]any{"error": err.Error()}))
			return
		}
		defer req.MultipartForm.RemoveAll()
		headers := req.MultipartForm.File["images"]
		if len(headers) == 0 {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "no images in form field images", nil))
			return
		}
		var files []upload.File
		for _, h := range headers {
			f, err := h.Open()
			if err != nil {
				respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "unreadable image", map[string]any{"name": h.Filename}))
				return
			}
			defer f.Close()
			files = append(files, upload.File{Name: h.Filename, Body: f})
		}
		results := store.StoreAll(req.Context(), files)
		resp := UploadResponse{URLs: upload.URLs(results)}
		if resp.URLs == nil {
			resp.URLs = []string{}
		}
		for _, res := range results {
			if res.Err != nil {
				resp.Failed = append(resp.Failed, UploadFailure{Name: res.Name, Message: res.Err.Error()})
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})

	r.Get(upload.URLPrefix+"{name}", func(w http.ResponseWriter, req *http.Request) {
		p, err := store.Path(chi.URLParam(req, "name"))
		if err != nil {
			http.NotFound(w, req)
			return
		}
		if _, err := os.Stat(p); err != nil {
			http.NotFound(w, req)
			return
		}
		http.ServeFile(w, req, p)
	})
}
