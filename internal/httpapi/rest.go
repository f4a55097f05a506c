package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/treesync/internal/auth"
	"github.com/erauner12/treesync/internal/dbpath"
	"github.com/erauner12/treesync/internal/emulator"
	"github.com/erauner12/treesync/internal/validation"
)

const maxBodyBytes = 16 << 20

var invalidRequestErrs = []error{
	validation.ErrInvalidKey,
	validation.ErrInvalidPath,
	validation.ErrLeafTooLarge,
	validation.ErrValueWithChildren,
	validation.ErrInvalidPriority,
	validation.ErrInvalidData,
	validation.ErrReadOnlyPath,
	validation.ErrAncestorMergePath,
}

// requestPath returns the database path addressed by a /db/* route
func requestPath(r *http.Request) (dbpath.Path, error) {
	raw := "/" + chi.URLParam(r, "*")
	if err := validation.ValidateRootPathString(raw); err != nil {
		return dbpath.Empty, err
	}
	return dbpath.New(raw), nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

// writeDBError maps database errors to status codes
func writeDBError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, emulator.ErrPermissionDenied) {
		writeError(w, r, http.StatusForbidden, err.Error())
		return
	}
	for _, target := range invalidRequestErrs {
		if errors.Is(err, target) {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}
	log.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("database request failed")
	writeError(w, r, http.StatusInternalServerError, "internal error")
}

// respondWithData writes the data now stored at path
func (s *Server) respondWithData(w http.ResponseWriter, r *http.Request, path dbpath.Path) {
	n, err := s.DB.Get(auth.Subject(r.Context()), path)
	if err != nil {
		writeDBError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n.Val(r.URL.Query().Get("format") == "export"))
}

// GetData handles GET /db/*. With ?format=export priorities are included and
// integer keyed objects stay objects.
func (s *Server) GetData(w http.ResponseWriter, r *http.Request) {
	path, err := requestPath(r)
	if err != nil {
		writeDBError(w, r, err)
		return
	}
	s.respondWithData(w, r, path)
}

// PutData handles PUT /db/*, replacing the data at the path with the JSON body
func (s *Server) PutData(w http.ResponseWriter, r *http.Request) {
	path, err := requestPath(r)
	if err != nil {
		writeDBError(w, r, err)
		return
	}
	var data any
	if err := decodeBody(w, r, &data); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := s.DB.Set(auth.Subject(r.Context()), path, data); err != nil {
		writeDBError(w, r, err)
		return
	}
	s.respondWithData(w, r, path)
}

// PatchData handles PATCH /db/*, merging the body's children into the path
func (s *Server) PatchData(w http.ResponseWriter, r *http.Request) {
	path, err := requestPath(r)
	if err != nil {
		writeDBError(w, r, err)
		return
	}
	var children map[string]any
	if err := decodeBody(w, r, &children); err != nil {
		writeError(w, r, http.StatusBadRequest, "body must be a json object")
		return
	}
	if err := s.DB.Update(auth.Subject(r.Context()), path, children); err != nil {
		writeDBError(w, r, err)
		return
	}
	s.respondWithData(w, r, path)
}

// DeleteData handles DELETE /db/*
func (s *Server) DeleteData(w http.ResponseWriter, r *http.Request) {
	path, err := requestPath(r)
	if err != nil {
		writeDBError(w, r, err)
		return
	}
	if err := s.DB.Set(auth.Subject(r.Context()), path, nil); err != nil {
		writeDBError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}
