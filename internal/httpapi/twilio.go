package httpapi

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/ent0n29/voicebridge/internal/recording"
	"github.com/ent0n29/voicebridge/internal/telephony"
)

type makeCallRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

func (s *Server) telephonyConfig() telephony.Config {
	return telephony.Config{
		AccountSID:      s.cfg.TwilioAccountSID,
		AuthToken:       s.cfg.TwilioAuthToken,
		From:            s.cfg.TwilioPhoneNumber,
		SayLanguage:     s.cfg.TwilioSayLanguage,
		HoldMessage:     s.cfg.TwilioHoldMessage,
		DefaultGreeting: s.cfg.TwilioDefaultGreeting,
	}
}

func (s *Server) handleIncomingCall(w http.ResponseWriter, r *http.Request) {
	host := telephony.ExternalHost(r, s.cfg.PublicBaseURL)
	doc, err := telephony.IncomingCallTwiML(s.telephonyConfig(), host)
	if err != nil {
		log.Printf("incoming call: build twiml: %v", err)
		http.Error(w, "failed to build twiml", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(doc))
}

func (s *Server) handleMakeCall(w http.ResponseWriter, r *http.Request) {
	if s.deps.Placer == nil {
		respondError(w, http.StatusServiceUnavailable, "telephony_unavailable", "twilio credentials are not configured")
		return
	}

	var req makeCallRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.To) == "" {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "Número de telefone de destino (to) é obrigatório",
		})
		return
	}

	host := telephony.ExternalHost(r, s.cfg.PublicBaseURL)
	sid, err := s.deps.Placer.PlaceCall(r.Context(), req.To, req.Message, host)
	if err != nil {
		log.Printf("make call: %v", err)
		respondJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "Falha ao iniciar chamada",
			"details": err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Chamada iniciada com sucesso com gravação",
		"callSid": sid,
	})
}

func (s *Server) handleRecordingCompleted(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "message": err.Error()})
		return
	}
	cb := recording.CallbackFromForm(r.Form)
	log.Printf("recording callback: call=%s recording=%s", cb.CallSID, cb.RecordingSID)

	if s.deps.Recordings == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "message": "recording storage is not configured"})
		return
	}

	if _, err := s.deps.Recordings.Fetch(r.Context(), cb); err != nil {
		if errors.Is(err, recording.ErrIncompleteCallback) {
			log.Printf("recording callback: %v", err)
			respondJSON(w, http.StatusOK, map[string]string{"status": "success"})
			return
		}
		log.Printf("recording callback: %v", err)
		respondJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "message": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "success"})
}
