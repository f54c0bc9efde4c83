// Package server accepts workflow submissions over HTTP and runs them in the background.
//
// Routes:
//
//	POST /submit        {document, args} -> {workflow_id, state_url}
//	POST /cancel/{id}   -> {cancelled}
//	GET  /state/{id}    the workflow's state file
//	GET  /metrics       prometheus metrics
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warptools/sciflo/pkg/executor"
	"github.com/warptools/sciflo/pkg/fsutil"
	"github.com/warptools/sciflo/pkg/ids"
	"github.com/warptools/sciflo/pkg/logging"
	"github.com/warptools/sciflo/sfapi"
)

const LOG_TAG = "server"

const (
	// CancelAttempts is how many times cancel looks for pid files of a workflow it does not own.
	CancelAttempts = 10
	// CancelInterval separates those attempts.
	CancelInterval = time.Second
)

type SubmitRequest struct {
	Document string      `json:"document"`
	Args     interface{} `json:"args,omitempty"`
}

type SubmitResponse struct {
	WorkflowID string             `json:"workflow_id"`
	StateURL   string             `json:"state_url"`
	Error      *sfapi.ErrorRecord `json:"error,omitempty"`
}

type CancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

type Server struct {
	// ctx is the parent of every run the server starts; it outlives the requests.
	ctx  context.Context
	exec *executor.Executor
	mux  *http.ServeMux

	CancelAttempts int
	CancelInterval time.Duration
}

// New creates a server whose runs are children of ctx.
func New(ctx context.Context, exec *executor.Executor) *Server {
	s := &Server{
		ctx:            ctx,
		exec:           exec,
		mux:            http.NewServeMux(),
		CancelAttempts: CancelAttempts,
		CancelInterval: CancelInterval,
	}
	s.mux.HandleFunc("POST /submit", s.handleSubmit)
	s.mux.HandleFunc("POST /cancel/{id}", s.handleCancel)
	s.mux.HandleFunc("GET /state/{id}", s.handleState)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	log := logging.Ctx(ctx)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info(LOG_TAG, "listening on %s", addr)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Submit starts doc in the background and returns its workflow id.
// When the document cannot be started, the state file is still written,
// with status exception, and the error is returned alongside the id.
func (s *Server) Submit(ctx context.Context, document string, args interface{}) (string, error) {
	log := logging.Ctx(ctx)
	workflowID := ids.NewWorkflowID()
	err := s.start(workflowID, document, args)
	if err != nil {
		log.Info(LOG_TAG, "submission %s failed: %s", workflowID, err)
		s.writeFailedState(workflowID, args, err)
		return workflowID, err
	}
	log.Info(LOG_TAG, "submission %s started", workflowID)
	return workflowID, nil
}

func (s *Server) start(workflowID string, document string, args interface{}) error {
	doc, err := sfapi.ParseDocument([]byte(document))
	if err != nil {
		return err
	}
	res, err := s.exec.Resolve(s.ctx, doc, args)
	if err != nil {
		return err
	}
	_, err = s.exec.StartResolved(s.ctx, doc, res, workflowID)
	return err
}

func (s *Server) writeFailedState(workflowID string, args interface{}, cause error) {
	now := time.Now()
	path := s.exec.StatePath(workflowID)
	st := sfapi.StateFile{
		WorkflowID: workflowID,
		Args:       args,
		WorkDir:    s.exec.Config().WorkDir,
		OutputDir:  filepath.Dir(path),
		StartTime:  now,
		EndTime:    &now,
		Pid:        os.Getpid(),
		Units:      map[string]sfapi.UnitSummary{},
		UnitIDs:    map[string]string{},
		Status:     sfapi.WorkflowException,
		Exception:  sfapi.RecordFromError(cause),
	}
	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err == nil {
		err = fsutil.WriteJSONAtomic(path, st)
	}
	if err != nil {
		logging.Ctx(s.ctx).Warn(LOG_TAG, "writing state file for %s: %s", workflowID, err)
	}
}

// Cancel stops a workflow. Runs owned by this server are cancelled directly;
// for any other workflow the in-flight units' pid files are signalled.
func (s *Server) Cancel(ctx context.Context, workflowID string) bool {
	if _, ok := s.exec.Lookup(workflowID); ok {
		return s.exec.Cancel(workflowID)
	}
	return SignalUnits(ctx, s.exec.StatePath(workflowID), s.CancelAttempts, s.CancelInterval)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, SubmitResponse{
			Error: sfapi.RecordFromError(sfapi.ErrorInvalidArgument("body", err.Error())),
		})
		return
	}
	workflowID, err := s.Submit(r.Context(), req.Document, req.Args)
	resp := SubmitResponse{
		WorkflowID: workflowID,
		StateURL:   stateURL(r, workflowID),
	}
	if err != nil {
		resp.Error = sfapi.RecordFromError(err)
		writeJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, CancelResponse{Cancelled: s.Cancel(r.Context(), r.PathValue("id"))})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if run, ok := s.exec.Lookup(id); ok {
		writeJSON(w, http.StatusOK, run.State())
		return
	}
	st, err := executor.ReadState(s.exec.StatePath(id))
	if err != nil {
		writeJSON(w, http.StatusNotFound, sfapi.RecordFromError(err))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func stateURL(r *http.Request, workflowID string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + "/state/" + workflowID
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
