package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/CareCall/internal/anomaly"
	"github.com/BTreeMap/CareCall/internal/models"
	"github.com/BTreeMap/CareCall/internal/timematch"
)

type callNowRequest struct {
	PatientID string `json:"patientId"`
}

type callNowResponse struct {
	Success bool   `json:"success"`
	CallID  string `json:"callId,omitempty"`
	Error   string `json:"error,omitempty"`
}

type callEndedResponse struct {
	Received  bool   `json:"received"`
	Processed bool   `json:"processed"`
	CallLogID string `json:"callLogId,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type anomalyCheckRequest struct {
	PatientID string `json:"patientId"`
	CallLogID string `json:"callLogId,omitempty"`
	AudioURL  string `json:"audioUrl"`
}

type anomalyCheckResponse struct {
	Success bool `json:"success"`
	anomaly.Result
}

type annotateRequest struct {
	Note string `json:"note"`
}

type voicePreviewRequest struct {
	VoiceID string `json:"voiceId"`
	Text    string `json:"text"`
}

type dependencyStatus struct {
	Status      string  `json:"status"`
	Service     string  `json:"service,omitempty"`
	ModelLoaded *bool   `json:"modelLoaded,omitempty"`
	ModelError  *string `json:"modelError,omitempty"`
	Error       string  `json:"error,omitempty"`
}

type healthResponse struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Dependencies map[string]dependencyStatus `json:"dependencies,omitempty"`
}

func decodeJSON(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid JSON format", models.ErrValidation)
	}
	return nil
}

func readBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Timestamp: s.now().UTC()}
	if s.deps.Embedding != nil {
		h, err := s.deps.Embedding.Health(r.Context())
		dep := dependencyStatus{Status: h.Status, Service: h.Service, ModelError: h.ModelError}
		if err != nil {
			dep = dependencyStatus{Status: "unavailable", Error: err.Error()}
		} else {
			loaded := h.ModelLoaded
			dep.ModelLoaded = &loaded
		}
		resp.Dependencies = map[string]dependencyStatus{"embedding": dep}
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (s *Server) callNowHandler(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		slog.Warn("Server.callNowHandler: rate limited")
		writeJSONResponse(w, http.StatusTooManyRequests, callNowResponse{Error: "too many call requests"})
		return
	}
	var req callNowRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, callNowResponse{Error: err.Error()})
		return
	}
	if strings.TrimSpace(req.PatientID) == "" {
		writeJSONResponse(w, http.StatusBadRequest, callNowResponse{Error: models.ErrEmptyPatientID.Error()})
		return
	}

	callID, err := s.deps.Calls.CallNow(r.Context(), req.PatientID)
	if err != nil {
		slog.Error("Server.callNowHandler: call failed", "patientID", req.PatientID, "error", err)
		writeJSONResponse(w, statusFor(err), callNowResponse{Error: err.Error()})
		return
	}
	slog.Info("Server.callNowHandler: call placed", "patientID", req.PatientID, "callID", callID)
	writeJSONResponse(w, http.StatusOK, callNowResponse{Success: true, CallID: callID})
}

// callEndedHandler always answers 200 so the provider never redelivers on our failures.
func (s *Server) callEndedHandler(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		slog.Warn("Server.callEndedHandler: failed to read body", "error", err)
		writeJSONResponse(w, http.StatusOK, callEndedResponse{Received: true, Reason: "unreadable_body"})
		return
	}
	ctx, cancel := webhookContext(r)
	defer cancel()
	out := s.deps.Webhooks.HandleCallEnded(ctx, body)
	writeJSONResponse(w, http.StatusOK, callEndedResponse{
		Received:  true,
		Processed: out.Processed,
		CallLogID: out.CallLogID,
		Reason:    out.Reason,
	})
}

func (s *Server) toolHandler(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to read body"))
		return
	}
	ctx, cancel := webhookContext(r)
	defer cancel()
	resp, err := s.deps.Webhooks.HandleToolRequest(ctx, body)
	if err != nil {
		slog.Error("Server.toolHandler: tool request failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

// webhookContext keeps request values but not its cancellation: a provider that hangs
// up mid-request must not abort writes already under way.
func webhookContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), webhookTimeout)
}

func (s *Server) anomalyCheckHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Anomaly == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("voice anomaly checks not configured"))
		return
	}
	var req anomalyCheckRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	switch {
	case strings.TrimSpace(req.PatientID) == "":
		writeError(w, fmt.Errorf("%w: %w", models.ErrValidation, models.ErrEmptyPatientID))
		return
	case strings.TrimSpace(req.AudioURL) == "":
		writeError(w, fmt.Errorf("%w: %w", models.ErrValidation, models.ErrEmptyAudioURL))
		return
	}

	patient, err := s.deps.Store.GetPatient(r.Context(), req.PatientID)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.deps.Anomaly.Check(r.Context(), anomaly.Request{
		Patient:    patient,
		CallLogID:  req.CallLogID,
		AudioURL:   req.AudioURL,
		Thresholds: s.opts.AnomalyThresholds,
	})
	if err != nil {
		slog.Error("Server.anomalyCheckHandler: check failed", "patientID", req.PatientID, "error", err)
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, anomalyCheckResponse{Success: true, Result: res})
}

func limitParam(r *http.Request) int {
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		return n
	}
	return defaultLogLimit
}

func (s *Server) anomalyLogsHandler(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientId")
	logs, err := s.deps.Store.ListAnomalyLogs(r.Context(), patientID, limitParam(r))
	if err != nil {
		slog.Error("Server.anomalyLogsHandler: list failed", "patientID", patientID, "error", err)
		writeError(w, err)
		return
	}
	if logs == nil {
		logs = []models.VoiceAnomalyLog{}
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{"logs": logs})
}

func (s *Server) annotateAnomalyLogHandler(w http.ResponseWriter, r *http.Request) {
	logID := chi.URLParam(r, "logId")
	var req annotateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Store.AnnotateAnomalyLog(r.Context(), logID, strings.TrimSpace(req.Note)); err != nil {
		writeError(w, err)
		return
	}
	slog.Info("Server.annotateAnomalyLogHandler: note saved", "logID", logID, "by", SubjectFromContext(r.Context()))
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

func (s *Server) callLogsHandler(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientId")
	logs, err := s.deps.Store.ListCallLogs(r.Context(), patientID, limitParam(r))
	if err != nil {
		slog.Error("Server.callLogsHandler: list failed", "patientID", patientID, "error", err)
		writeError(w, err)
		return
	}
	if logs == nil {
		logs = []models.CallLog{}
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{"callLogs": logs})
}

func (s *Server) dailyCheckInHandler(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientId")
	patient, err := s.deps.Store.GetPatient(r.Context(), patientID)
	if err != nil {
		writeError(w, err)
		return
	}
	date := r.URL.Query().Get("date")
	if date == "" {
		date = timematch.LocalDate(patient.Timezone, s.now())
	} else if _, err := time.Parse(timematch.DateLayout, date); err != nil {
		writeError(w, fmt.Errorf("%w: date must be YYYY-MM-DD", models.ErrValidation))
		return
	}

	checkIn, err := s.deps.Store.GetDailyCheckIn(r.Context(), patientID, date)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]interface{}{"date": date, "checkIn": checkIn}
	if s.deps.Moods != nil {
		mood, err := s.deps.Moods.DailyMood(r.Context(), patientID, date)
		if err != nil {
			slog.Warn("Server.dailyCheckInHandler: mood unavailable", "patientID", patientID, "date", date, "error", err)
		} else {
			resp["mood"] = mood
		}
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (s *Server) voicePreviewHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.TTS == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("voice preview not configured"))
		return
	}
	var req voicePreviewRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	audio, err := s.deps.TTS.Synthesize(r.Context(), req.VoiceID, req.Text)
	if err != nil {
		if !errors.Is(err, models.ErrValidation) {
			slog.Error("Server.voicePreviewHandler: synthesis failed", "voiceID", req.VoiceID, "error", err)
		}
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(audio)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(audio); err != nil {
		slog.Error("Server.voicePreviewHandler: failed to write audio", "error", err)
	}
}
