package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"chatsync/internal/media"
)

// UploadRoutes returns a sub-router mounted at /api/uploads.
//   - POST /          stores the multipart field "file" and returns its URL
//   - GET /{filename} serves files of local storage; nil local disables it
func UploadRoutes(storage media.Storage, local *media.LocalStorage) chi.Router {
	r := chi.NewRouter()

	r.Post("/", func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, media.MaxSize+1<<20)
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to parse multipart form"})
			return
		}
		defer r.MultipartForm.RemoveAll()

		file, header, err := r.FormFile("file")
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing file"})
			return
		}
		defer file.Close()

		name, err := media.ObjectName(header.Filename)
		if err != nil {
			writeError(w, r, err)
			return
		}
		contentType := media.ContentType(header.Filename)
		url, err := storage.Put(r.Context(), name, contentType, file)
		if err != nil {
			writeError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, media.UploadResponse{
			URL:      url,
			Filename: name,
			MimeType: contentType,
		})
	})

	r.Get("/{filename}", func(w http.ResponseWriter, r *http.Request) {
		if local == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
			return
		}
		filename := chi.URLParam(r, "filename")
		path, err := local.Path(filename)
		if err != nil {
			writeError(w, r, err)
			return
		}
		http.ServeFile(w, r, path)
	})

	return r
}
