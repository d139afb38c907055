package dispatch

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/interactive-solutions/go-dispatch/internal"
)

type HttpHandler struct {
	app *application
}

// Routes registers the operator and callback endpoints on the router.
func (h *HttpHandler) Routes(r *mux.Router) {
	r.HandleFunc("/campaigns/{id:[0-9]+}/jobs", h.SubmitJob).Methods(http.MethodPost)
	r.HandleFunc("/campaigns/{id:[0-9]+}/stop", h.StopJob).Methods(http.MethodPost)
	r.HandleFunc("/campaigns/{id:[0-9]+}/resume", h.ResumeJob).Methods(http.MethodPost)
	r.HandleFunc("/campaigns/{id:[0-9]+}/finalize", h.FinalizeJob).Methods(http.MethodPost)
	r.HandleFunc("/campaigns/{id:[0-9]+}/statistics", h.GetStatistics).Methods(http.MethodGet)
	r.HandleFunc("/callbacks/delivery", h.DeliveryReport).Methods(http.MethodPost)
}

func (h *HttpHandler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	campaignId, ok := campaignIdVar(w, r)
	if !ok {
		return
	}

	body := &internal.SubmitJobRequest{}
	if !decodeBody(w, r, body) {
		return
	}

	job, err := h.app.Submit(r.Context(), campaignId, body.VisibleAt, body.SendRate)
	if err != nil {
		h.writeError(w, err, "Failed to submit job")
		return
	}

	writeJson(w, http.StatusCreated, job)
}

func (h *HttpHandler) StopJob(w http.ResponseWriter, r *http.Request) {
	campaignId, ok := campaignIdVar(w, r)
	if !ok {
		return
	}

	job, err := h.app.Stop(r.Context(), campaignId)
	if err != nil {
		h.writeError(w, err, "Failed to stop job")
		return
	}

	writeJson(w, http.StatusOK, job)
}

func (h *HttpHandler) ResumeJob(w http.ResponseWriter, r *http.Request) {
	campaignId, ok := campaignIdVar(w, r)
	if !ok {
		return
	}

	body := &internal.SubmitJobRequest{}
	if !decodeBody(w, r, body) {
		return
	}

	job, err := h.app.Resume(r.Context(), campaignId, body.VisibleAt, body.SendRate)
	if err != nil {
		h.writeError(w, err, "Failed to resume job")
		return
	}

	writeJson(w, http.StatusCreated, job)
}

func (h *HttpHandler) FinalizeJob(w http.ResponseWriter, r *http.Request) {
	campaignId, ok := campaignIdVar(w, r)
	if !ok {
		return
	}

	stat, err := h.app.Finalize(r.Context(), campaignId)
	if err != nil {
		h.writeError(w, err, "Failed to finalize job")
		return
	}

	writeJson(w, http.StatusOK, stat)
}

func (h *HttpHandler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	campaignId, ok := campaignIdVar(w, r)
	if !ok {
		return
	}

	stat, status, err := h.app.Statistics(r.Context(), campaignId)
	if err != nil {
		h.writeError(w, err, "Failed to retrieve statistics")
		return
	}

	payload := struct {
		Statistic Statistic `json:"statistic"`
		JobStatus JobStatus `json:"jobStatus"`
	}{stat, status}

	writeJson(w, http.StatusOK, payload)
}

func (h *HttpHandler) DeliveryReport(w http.ResponseWriter, r *http.Request) {
	body := &internal.DeliveryReportRequest{}
	if !decodeBody(w, r, body) {
		return
	}

	report := DeliveryReport{
		ProviderMessageId: body.ProviderMessageId,
		Status:            MessageStatus(body.Status),
		OccurredAt:        body.OccurredAt,
		ErrorCode:         body.ErrorCode,
		ErrorDescription:  body.ErrorDescription,
	}

	if err := h.app.ReportDelivery(r.Context(), report); err != nil {
		h.writeError(w, err, "Failed to apply delivery report")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *HttpHandler) writeError(w http.ResponseWriter, err error, message string) {
	switch errors.Cause(err) {
	case CampaignNotFoundErr, JobNotFoundErr, MessageNotFoundErr:
		http.Error(w, errors.Cause(err).Error(), 404)

	case InvalidSendRateErr, InvalidReportErr:
		http.Error(w, err.Error(), 400)

	case JobExistsErr, JobActiveErr:
		http.Error(w, errors.Cause(err).Error(), 409)

	default:
		h.app.logger.WithError(err).Error(message)
		http.Error(w, message, 500)
	}
}

func campaignIdVar(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "Invalid campaign id", 400)
		return 0, false
	}

	return id, true
}

// decodeBody accepts an empty body, leaving target at its zero value.
func decodeBody(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(target); err != nil && err != io.EOF {
		http.Error(w, "Failed to parse incoming json", 400)
		return false
	}

	return true
}

func writeJson(w http.ResponseWriter, status int, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Failed to convert to json", 500)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
