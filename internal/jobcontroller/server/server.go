// Package server exposes the job service REST API: job creation, job
// retrieval and a health probe. It reads from the job table only and
// never hands out internal record fields.
package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/hepbatch/jobcontroller/internal/common/controllererrors"
	"github.com/hepbatch/jobcontroller/internal/common/health"
	"github.com/hepbatch/jobcontroller/internal/jobcontroller/domain"
	"github.com/hepbatch/jobcontroller/internal/jobcontroller/job"
	"github.com/hepbatch/jobcontroller/internal/jobcontroller/volumes"
)

type JobServer struct {
	jobTable        *job.Table
	submitter       job.Submitter
	maxRestartCount int32
	healthChecker   health.Checker
}

func NewJobServer(jobTable *job.Table, submitter job.Submitter, maxRestartCount int32, healthChecker health.Checker) *JobServer {
	return &JobServer{
		jobTable:        jobTable,
		submitter:       submitter,
		maxRestartCount: maxRestartCount,
		healthChecker:   healthChecker,
	}
}

func (s *JobServer) Routes() http.Handler {
	router := chi.NewRouter()
	router.Post("/jobs", s.createJob)
	router.Get("/jobs", s.getJobs)
	router.Get("/jobs/{jobId}", s.getJob)
	router.Method(http.MethodGet, "/health", health.NewHealthCheckHttpHandler(s.healthChecker))
	return router
}

type jobRequest struct {
	Experiment  string            `json:"experiment"`
	Image       string            `json:"docker-img"`
	Cmd         string            `json:"cmd"`
	EnvVars     map[string]string `json:"env-vars"`
	CvmfsMounts []string          `json:"cvmfs_mounts"`
}

func (r *jobRequest) validate() error {
	var result *multierror.Error
	if r.Experiment == "" {
		result = multierror.Append(result, &controllererrors.ErrInvalidArgument{
			Name: "experiment", Value: r.Experiment, Message: "field is required",
		})
	}
	if r.Image == "" {
		result = multierror.Append(result, &controllererrors.ErrInvalidArgument{
			Name: "docker-img", Value: r.Image, Message: "field is required",
		})
	}
	for _, repository := range r.CvmfsMounts {
		if !volumes.IsValidCvmfsRepository(repository) {
			result = multierror.Append(result, &controllererrors.ErrInvalidArgument{
				Name: "cvmfs_mounts", Value: repository, Message: "unknown cvmfs repository",
			})
		}
	}
	return result.ErrorOrNil()
}

func (s *JobServer) createJob(w http.ResponseWriter, r *http.Request) {
	var request jobRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := request.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobId := uuid.NewString()
	jobRequest := domain.JobRequest{
		JobId:            jobId,
		Experiment:       request.Experiment,
		Image:            request.Image,
		Cmd:              request.Cmd,
		EnvVars:          request.EnvVars,
		CvmfsMounts:      request.CvmfsMounts,
		SharedFileSystem: true,
	}

	if _, err := s.submitter.Submit(r.Context(), jobRequest); err != nil {
		var invalid *controllererrors.ErrInvalidArgument
		if errors.As(err, &invalid) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Errorf("Failed to allocate workload for job %s: %v", jobId, err)
		writeError(w, http.StatusInternalServerError, "job could not be allocated")
		return
	}

	record := domain.NewJobRecord(jobRequest, s.maxRestartCount)
	if err := s.jobTable.Insert(record); err != nil {
		// The id is freshly generated, so a duplicate means uuid collision
		// rather than anything a client did.
		log.Errorf("Failed to insert record for job %s: %v", jobId, err)
		writeError(w, http.StatusInternalServerError, "job could not be recorded")
		return
	}

	writeJson(w, http.StatusCreated, map[string]string{"job-id": jobId})
}

func (s *JobServer) getJobs(w http.ResponseWriter, r *http.Request) {
	writeJson(w, http.StatusOK, map[string]interface{}{"jobs": s.jobTable.List()})
}

func (s *JobServer) getJob(w http.ResponseWriter, r *http.Request) {
	jobId := chi.URLParam(r, "jobId")
	record, err := s.jobTable.Get(jobId)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJson(w, http.StatusOK, map[string]interface{}{"job": record.PublicView()})
}

func writeJson(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Errorf("Failed to write response body: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJson(w, status, map[string]string{"error": message})
}
