// Package httpapi is the thin HTTP adapter over the control plane's
// seven operations. Handlers parse the request, call into
// internal/lifecycle, and map the closed error taxonomy onto status
// codes; no policy or lifecycle logic lives here.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/buildmode/internal/docmodel"
	"github.com/ternarybob/buildmode/internal/errs"
	"github.com/ternarybob/buildmode/internal/lifecycle"
)

// Server holds the handlers backing the control-plane API.
type Server struct {
	Engine      *lifecycle.Engine
	Evaluations *lifecycle.EvaluationService
	Artifacts   *lifecycle.ArtifactService
	Logger      arbor.ILogger
}

// Routes registers every control-plane endpoint on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /jobs", s.submitJob)
	mux.HandleFunc("GET /jobs/{id}", s.getJob)
	mux.HandleFunc("POST /jobs/{id}/run", s.runJob)
	mux.HandleFunc("POST /jobs/{id}/stop", s.stopJob)
	mux.HandleFunc("POST /artifacts", s.submitArtifact)
	mux.HandleFunc("GET /artifacts/{id}", s.getArtifact)
	mux.HandleFunc("POST /evaluations", s.submitEvaluation)
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.decodeDoc(w, r)
	if !ok {
		return
	}
	stored, err := s.Engine.SubmitJob(r.Context(), job)
	s.respond(w, http.StatusCreated, stored, err)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.Engine.GetJob(r.Context(), r.PathValue("id"))
	s.respond(w, http.StatusOK, job, err)
}

func (s *Server) runJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.Engine.RunJob(r.Context(), r.PathValue("id"))
	s.respond(w, http.StatusOK, job, err)
}

func (s *Server) stopJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.Engine.StopJob(r.Context(), r.PathValue("id"))
	s.respond(w, http.StatusOK, job, err)
}

func (s *Server) submitArtifact(w http.ResponseWriter, r *http.Request) {
	artifact, ok := s.decodeDoc(w, r)
	if !ok {
		return
	}
	stored, err := s.Artifacts.Submit(r.Context(), artifact)
	s.respond(w, http.StatusCreated, stored, err)
}

func (s *Server) getArtifact(w http.ResponseWriter, r *http.Request) {
	artifact, err := s.Artifacts.Get(r.Context(), r.PathValue("id"))
	s.respond(w, http.StatusOK, artifact, err)
}

func (s *Server) submitEvaluation(w http.ResponseWriter, r *http.Request) {
	evaluation, ok := s.decodeDoc(w, r)
	if !ok {
		return
	}
	storedEval, job, err := s.Evaluations.Submit(r.Context(), evaluation)
	if err != nil {
		s.respond(w, 0, nil, err)
		return
	}
	s.respond(w, http.StatusCreated, docmodel.Doc{"evaluation": storedEval, "job": job}, nil)
}

func (s *Server) decodeDoc(w http.ResponseWriter, r *http.Request) (docmodel.Doc, bool) {
	var doc docmodel.Doc
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return nil, false
	}
	return doc, true
}

// respond writes doc as JSON with successCode, or maps err to its
// taxonomy-defined status code per §7.
func (s *Server) respond(w http.ResponseWriter, successCode int, doc any, err error) {
	if err == nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(successCode)
		json.NewEncoder(w).Encode(doc)
		return
	}

	coreErr, ok := errs.As(err)
	if !ok {
		s.Logger.Error().Err(err).Msg("unmapped internal error")
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	status := statusForKind(coreErr.Kind)
	if status == http.StatusInternalServerError {
		s.Logger.Error().Err(coreErr).Msg("internal error")
	}

	body := map[string]any{
		"error": coreErr.Error(),
		"kind":  string(coreErr.Kind),
	}
	if coreErr.Kind == errs.SchemaValidation {
		body["schema_kind"] = coreErr.SchemaKind
		body["violations"] = coreErr.Violations
	}
	if coreErr.Code != "" {
		body["code"] = coreErr.Code
	}
	if coreErr.Details != nil {
		body["details"] = coreErr.Details
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// statusForKind maps the closed error taxonomy onto the HTTP status
// codes §7 specifies.
func statusForKind(kind errs.Kind) int {
	switch kind {
	case errs.SchemaValidation:
		return http.StatusUnprocessableEntity
	case errs.PolicyViolation:
		return http.StatusForbidden
	case errs.ContractViolation:
		return http.StatusBadRequest
	case errs.Conflict:
		return http.StatusConflict
	case errs.NotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
