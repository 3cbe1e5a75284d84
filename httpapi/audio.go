package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/alfred-dev/gatekeep/middleware"
	"github.com/alfred-dev/gatekeep/provider"
)

var errAudioTooLarge = errors.New("audio file exceeds the maximum upload size of 25 MiB")

const maxAudioUpload = 25 << 20 // OpenAI's own Whisper upload limit

// maxSpeechInputLength caps /v1/audio/speech input text length.
const maxSpeechInputLength = 4096

// audioCapable resolves the provider for a model and asserts it
// implements provider.AudioProvider, writing a clear 400 (not a panic)
// when the resolved provider can't serve audio at all.
func (d *Deps) audioCapable(w http.ResponseWriter, model string) (provider.AudioProvider, bool) {
	prov, err := d.Providers.GetForModel(model)
	if err != nil {
		writeErrorResponse(w, http.StatusNotFound, "provider_not_found", err.Error())
		return nil, false
	}
	audio, ok := prov.(provider.AudioProvider)
	if !ok {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_request", prov.Name()+" does not support audio endpoints")
		return nil, false
	}
	return audio, true
}

func (d *Deps) parseAudioForm(r *http.Request) (*provider.AudioTranscriptionRequest, error) {
	if err := r.ParseMultipartForm(maxAudioUpload); err != nil {
		return nil, err
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, err
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}
	if len(data) > maxAudioUpload {
		return nil, errAudioTooLarge
	}
	req := &provider.AudioTranscriptionRequest{
		Model:          r.FormValue("model"),
		File:           data,
		Filename:       header.Filename,
		Language:       r.FormValue("language"),
		Prompt:         r.FormValue("prompt"),
		ResponseFormat: r.FormValue("response_format"),
	}
	return req, nil
}

// Transcriptions handles POST /v1/audio/transcriptions.
func (d *Deps) Transcriptions(w http.ResponseWriter, r *http.Request) {
	req, err := d.parseAudioForm(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "failed to parse multipart form: "+err.Error())
		return
	}
	if req.Model == "" {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "model field is required")
		return
	}
	audio, ok := d.audioCapable(w, req.Model)
	if !ok {
		return
	}

	start := time.Now()
	resp, err := audio.Transcription(r.Context(), req)
	d.finishAudio(w, r, req.Model, "audio.transcriptions", start, err, func() {
		_ = json.NewEncoder(w).Encode(resp)
	})
}

// Translations handles POST /v1/audio/translations.
func (d *Deps) Translations(w http.ResponseWriter, r *http.Request) {
	req, err := d.parseAudioForm(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "failed to parse multipart form: "+err.Error())
		return
	}
	if req.Model == "" {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "model field is required")
		return
	}
	audio, ok := d.audioCapable(w, req.Model)
	if !ok {
		return
	}

	start := time.Now()
	resp, err := audio.Translation(r.Context(), req)
	d.finishAudio(w, r, req.Model, "audio.translations", start, err, func() {
		_ = json.NewEncoder(w).Encode(resp)
	})
}

// Speech handles POST /v1/audio/speech — returns raw audio bytes rather
// than a JSON envelope, so it has its own response path.
func (d *Deps) Speech(w http.ResponseWriter, r *http.Request) {
	var req provider.AudioSpeechRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "failed to parse request body: "+err.Error())
		return
	}
	if req.Model == "" || req.Input == "" {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "model and input fields are required")
		return
	}
	if utf8.RuneCountInString(req.Input) > maxSpeechInputLength {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "input exceeds the maximum length of 4096 characters")
		return
	}
	audio, ok := d.audioCapable(w, req.Model)
	if !ok {
		return
	}

	tenant := middleware.GetTenant(r.Context())
	providerName := provider.DetectProvider(req.Model)
	tc := provider.NewTokenCounter(providerName, req.Model)
	charTokens := tc.CountText(req.Input)

	start := time.Now()
	audioBytes, contentType, err := audio.Speech(r.Context(), &req)
	latency := time.Since(start)
	if err != nil {
		writeErrorResponse(w, http.StatusBadGateway, "provider_error", "upstream provider error: "+err.Error())
		return
	}

	cost := d.Pricing.CalculateUnitCost(providerName, req.Model, float64(len(req.Input)))
	d.Usage.RecordDirect(r.Context(), uuid.NewString(), tenant, providerName, req.Model, charTokens, 0, cost, latency, http.StatusOK, false)
	if d.Metrics != nil {
		d.Metrics.TrackRequest(providerName, req.Model, "audio.speech", http.StatusOK, float64(latency.Milliseconds()), int64(charTokens), false)
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(audioBytes)
}

func (d *Deps) finishAudio(w http.ResponseWriter, r *http.Request, model, endpoint string, start time.Time, err error, writeOK func()) {
	latency := time.Since(start)
	providerName := provider.DetectProvider(model)
	if err != nil {
		writeErrorResponse(w, http.StatusBadGateway, "provider_error", "upstream provider error: "+err.Error())
		if d.Metrics != nil {
			d.Metrics.TrackRequest(providerName, model, endpoint, http.StatusBadGateway, float64(latency.Milliseconds()), 0, false)
		}
		return
	}

	tenant := middleware.GetTenant(r.Context())
	cost := d.Pricing.CalculateUnitCost(providerName, model, latency.Seconds())
	d.Usage.RecordDirect(r.Context(), uuid.NewString(), tenant, providerName, model, 0, 0, cost, latency, http.StatusOK, false)
	if d.Metrics != nil {
		d.Metrics.TrackRequest(providerName, model, endpoint, http.StatusOK, float64(latency.Milliseconds()), 0, false)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	writeOK()
}
