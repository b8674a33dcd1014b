package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/avatarvoice/internal/health"
	"github.com/MrWong99/avatarvoice/internal/orchestrator"
	"github.com/MrWong99/avatarvoice/internal/resilience"
	"github.com/MrWong99/avatarvoice/pkg/types"
)

const (
	// maxAudioBytes bounds an uploaded /api/stt body.
	maxAudioBytes = 25 << 20

	// maxJSONBytes bounds a /api/tts body.
	maxJSONBytes = 1 << 20

	voicesTimeout = 10 * time.Second
)

type ttsRequest struct {
	Text       string  `json:"text"`
	Language   string  `json:"language,omitempty"`
	Voice      string  `json:"voice,omitempty"`
	Model      string  `json:"model,omitempty"`
	Speed      float64 `json:"speed,omitempty"`
	Pitch      float64 `json:"pitch,omitempty"`
	Format     string  `json:"format,omitempty"`
	SampleRate int     `json:"sample_rate,omitempty"`

	// TimeoutMS sets an explicit deadline for this call.
	TimeoutMS int `json:"timeout_ms,omitempty"`
}

type sttResponse struct {
	Text       string  `json:"text"`
	Language   string  `json:"language,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	DurationMS int64   `json:"duration_ms,omitempty"`
	CallID     string  `json:"call_id"`
	Backend    string  `json:"backend"`
	Variant    string  `json:"variant"`
	Cache      string  `json:"cache"`
}

type attemptView struct {
	Backend    string `json:"backend"`
	Variant    string `json:"variant"`
	Outcome    string `json:"outcome"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

type skipView struct {
	Backend string `json:"backend"`
	Variant string `json:"variant,omitempty"`
	Reason  string `json:"reason"`
}

type errorResponse struct {
	Error    string        `json:"error"`
	CallID   string        `json:"call_id,omitempty"`
	Attempts []attemptView `json:"attempts,omitempty"`
	Skipped  []skipView    `json:"skipped,omitempty"`
}

type voiceView struct {
	ID       string            `json:"id"`
	Name     string            `json:"name,omitempty"`
	Backend  string            `json:"backend"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type voicesResponse struct {
	Voices []voiceView        `json:"voices"`
	Errors map[string]string `json:"errors,omitempty"`
}

type cacheView struct {
	Entries  int   `json:"entries"`
	Bytes    int64 `json:"bytes"`
	InFlight int   `json:"in_flight"`
	Waiters  int   `json:"waiters"`
}

type backendsResponse struct {
	Backends []orchestrator.BackendStatus `json:"backends"`
	Cache    cacheView                    `json:"cache"`
}

// Register adds the API and probe routes to mux. The service is ready when
// at least one TTS candidate is eligible.
func (a *App) Register(mux *http.ServeMux) {
	health.New(
		health.Func("tts", func() bool { return a.orch.Ready(types.CapabilityTTS) }, "no eligible tts backend"),
	).Register(mux)

	mux.HandleFunc("POST /api/tts", a.handleTTS)
	mux.HandleFunc("POST /api/stt", a.handleSTT)
	mux.HandleFunc("GET /api/voices", a.handleVoices)
	mux.HandleFunc("GET /api/backends", a.handleBackends)
	mux.HandleFunc("POST /api/cache/clear", a.handleCacheClear)
}

func (a *App) handleTTS(w http.ResponseWriter, r *http.Request) {
	var req ttsRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBytes))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	res, err := a.orch.Synthesize(r.Context(), req.Text, types.Options{
		Voice:      req.Voice,
		Model:      req.Model,
		Language:   req.Language,
		Speed:      req.Speed,
		Pitch:      req.Pitch,
		Format:     req.Format,
		SampleRate: req.SampleRate,
	}, deadlineAfter(req.TimeoutMS))
	if err != nil {
		writeError(w, res.CallID, err)
		return
	}

	mime := res.Payload.MIMEType
	if mime == "" {
		mime = "audio/wav"
	}
	h := w.Header()
	h.Set("Content-Type", mime)
	h.Set("Content-Length", strconv.Itoa(len(res.Payload.Audio)))
	setResultHeaders(h, res)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(res.Payload.Audio); err != nil {
		slog.Debug("tts response write failed", "call_id", res.CallID, "err", err)
	}
}

func (a *App) handleSTT(w http.ResponseWriter, r *http.Request) {
	audio, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAudioBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "reading audio: " + err.Error()})
		return
	}

	q := r.URL.Query()
	opts := types.Options{
		Language: q.Get("language"),
		Model:    q.Get("model"),
	}
	if s := q.Get("sample_rate"); s != "" {
		if opts.SampleRate, err = strconv.Atoi(s); err != nil || opts.SampleRate <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid sample_rate " + strconv.Quote(s)})
			return
		}
	}
	timeoutMS, _ := strconv.Atoi(q.Get("timeout_ms"))

	res, err := a.orch.Transcribe(r.Context(), audio, opts, deadlineAfter(timeoutMS))
	if err != nil {
		writeError(w, res.CallID, err)
		return
	}
	setResultHeaders(w.Header(), res)
	tr := res.Payload.Transcript
	writeJSON(w, http.StatusOK, sttResponse{
		Text:       tr.Text,
		Language:   tr.Language,
		Confidence: tr.Confidence,
		DurationMS: tr.Duration.Milliseconds(),
		CallID:     res.CallID,
		Backend:    res.Backend,
		Variant:    res.Variant,
		Cache:      res.Source.String(),
	})
}

// handleVoices lists the voices of every TTS backend concurrently. Backends
// that fail are reported under "errors" without failing the request.
func (a *App) handleVoices(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), voicesTimeout)
	defer cancel()

	lists := make([][]types.VoiceProfile, len(a.voices))
	errs := make([]error, len(a.voices))
	var g errgroup.Group
	g.SetLimit(4)
	for i, src := range a.voices {
		g.Go(func() error {
			lists[i], errs[i] = src.Provider.ListVoices(ctx)
			return nil
		})
	}
	_ = g.Wait()

	resp := voicesResponse{Voices: []voiceView{}}
	for i, src := range a.voices {
		if errs[i] != nil {
			if resp.Errors == nil {
				resp.Errors = make(map[string]string)
			}
			resp.Errors[src.Backend] = errs[i].Error()
			slog.Warn("listing voices failed", "backend", src.Backend, "err", errs[i])
			continue
		}
		for _, v := range lists[i] {
			resp.Voices = append(resp.Voices, voiceView{
				ID:       v.ID,
				Name:     v.Name,
				Backend:  src.Backend,
				Metadata: v.Metadata,
			})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleBackends(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, backendsResponse{
		Backends: a.orch.Backends(),
		Cache:    toCacheView(a.orch),
	})
}

func (a *App) handleCacheClear(w http.ResponseWriter, _ *http.Request) {
	before := a.orch.CacheStats().Entries
	a.orch.InvalidateCache()
	writeJSON(w, http.StatusOK, map[string]int{"cleared": before})
}

func toCacheView(o *orchestrator.Orchestrator) cacheView {
	st := o.CacheStats()
	return cacheView{Entries: st.Entries, Bytes: st.Bytes, InFlight: st.InFlight, Waiters: st.Waiters}
}

func setResultHeaders(h http.Header, res orchestrator.Result) {
	h.Set("X-Call-ID", res.CallID)
	h.Set("X-Backend", res.Backend)
	h.Set("X-Variant", res.Variant)
	h.Set("X-Cache", res.Source.String())
}

func deadlineAfter(ms int) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.Now().Add(time.Duration(ms) * time.Millisecond)
}

// statusFor maps an orchestration error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrEmptyInput):
		return http.StatusBadRequest
	case errors.Is(err, resilience.ErrNotConfigured):
		return http.StatusServiceUnavailable
	case errors.Is(err, resilience.ErrDeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, resilience.ErrAllBackendsFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, callID string, err error) {
	resp := errorResponse{Error: err.Error(), CallID: callID}
	var rerr *resilience.Error
	if errors.As(err, &rerr) {
		resp.Error = rerr.Kind.Error()
		for _, at := range rerr.Attempts {
			v := attemptView{
				Backend:    at.Backend,
				Variant:    at.Variant,
				Outcome:    at.Outcome.String(),
				DurationMS: at.Duration.Milliseconds(),
			}
			if at.Err != nil {
				v.Error = at.Err.Error()
			}
			resp.Attempts = append(resp.Attempts, v)
		}
		for _, s := range rerr.Skipped {
			resp.Skipped = append(resp.Skipped, skipView{Backend: s.Backend, Variant: s.Variant, Reason: s.Reason})
		}
	}
	writeJSON(w, statusFor(err), resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response encode failed", "err", err)
	}
}
