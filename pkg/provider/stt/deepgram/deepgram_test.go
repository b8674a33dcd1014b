package deepgram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/avatarvoice/pkg/audio/wav"
	"github.com/MrWong99/avatarvoice/pkg/types"
)

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(p.model, p.language, 16000, 1)
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "host", "api.deepgram.com", u.Host)
	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "language", "en", q.Get("language"))
	assertEqual(t, "punctuate", "true", q.Get("punctuate"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
	if _, ok := q["keywords"]; ok {
		t.Error("expected no 'keywords' param when none provided")
	}
}

func TestBuildURL_RegionalEndpointAndKeywords(t *testing.T) {
	p, err := New("key",
		WithEndpoint("wss://api.eu.deepgram.com/v1/listen"),
		WithKeywords("Eldrinax:5", "Thornwick:3"),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL("base", "de-DE", 48000, 2)
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	q := u.Query()
	assertEqual(t, "host", "api.eu.deepgram.com", u.Host)
	assertEqual(t, "model", "base", q.Get("model"))
	assertEqual(t, "language", "de-DE", q.Get("language"))
	assertEqual(t, "sample_rate", "48000", q.Get("sample_rate"))
	assertEqual(t, "channels", "2", q.Get("channels"))
	if kws := q["keywords"]; len(kws) != 2 || kws[0] != "Eldrinax:5" {
		t.Errorf("keywords = %v", kws)
	}
}

// ---- JSON parsing tests ----

func TestParseDeepgramResponse_Final(t *testing.T) {
	raw := []byte(`{
		"type": "Results",
		"is_final": true,
		"channel": {
			"alternatives": [{
				"transcript": "Hello world",
				"confidence": 0.95,
				"words": [
					{"word": "Hello", "start": 0.1, "end": 0.5, "confidence": 0.97},
					{"word": "world", "start": 0.6, "end": 1.0, "confidence": 0.93}
				]
			}]
		}
	}`)

	r, ok := parseDeepgramResponse(raw)
	if !ok {
		t.Fatal("expected ok=true for valid Results message")
	}
	if !r.final {
		t.Error("expected final=true")
	}
	assertEqual(t, "text", "Hello world", r.Text)
	if r.Confidence != 0.95 {
		t.Errorf("expected confidence 0.95, got %f", r.Confidence)
	}
	if len(r.Words) != 2 {
		t.Fatalf("expected 2 words, got %d", len(r.Words))
	}
	assertEqual(t, "word[0]", "Hello", r.Words[0].Word)
	if r.Words[0].Start != time.Duration(0.1*float64(time.Second)) {
		t.Errorf("unexpected start: %v", r.Words[0].Start)
	}
}

func TestParseDeepgramResponse_Ignored(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"metadata", `{"type":"Metadata","request_id":"abc"}`},
		{"empty alternatives", `{"type":"Results","is_final":true,"channel":{"alternatives":[]}}`},
		{"invalid json", `{invalid`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, ok := parseDeepgramResponse([]byte(tc.raw)); ok {
				t.Error("expected ok=false")
			}
		})
	}
}

func TestJoin(t *testing.T) {
	tr := join([]types.Transcript{
		{Text: "Hello there.", Confidence: 0.9, Words: []types.WordDetail{{Word: "Hello"}, {Word: "there."}}},
		{Text: " General Kenobi. ", Confidence: 0.7, Words: []types.WordDetail{{Word: "General"}, {Word: "Kenobi."}}},
	})
	assertEqual(t, "text", "Hello there. General Kenobi.", tr.Text)
	if tr.Confidence < 0.79 || tr.Confidence > 0.81 {
		t.Errorf("confidence = %v, want 0.8", tr.Confidence)
	}
	if len(tr.Words) != 4 {
		t.Errorf("words = %d, want 4", len(tr.Words))
	}
	if got := join(nil); got.Text != "" {
		t.Errorf("join(nil).Text = %q", got.Text)
	}
}

// ---- end to end against a fake live endpoint ----

func TestTranscribe_FakeServer(t *testing.T) {
	var (
		gotAuth  string
		gotBytes int
		gotQuery url.Values
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.Query()
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()

		for {
			typ, msg, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageBinary {
				gotBytes += len(msg)
				continue
			}
			if strings.Contains(string(msg), "CloseStream") {
				break
			}
		}

		send := func(v any) {
			data, _ := json.Marshal(v)
			conn.Write(ctx, websocket.MessageText, data)
		}
		result := func(text string, final bool) map[string]any {
			return map[string]any{
				"type":     "Results",
				"is_final": final,
				"channel": map[string]any{
					"alternatives": []map[string]any{{"transcript": text, "confidence": 0.9}},
				},
			}
		}
		send(result("hel", false))
		send(result("hello", true))
		send(result("world", true))
		send(map[string]any{"type": "Metadata"})
		conn.Close(websocket.StatusNormalClosure, "")
	}))
	defer srv.Close()

	p, err := New("secret", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/listen"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	audio := wav.Encode(make([]byte, 20000), 16000, 1)
	tr, err := p.Transcribe(context.Background(), audio, types.Options{Language: "en-US"})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	assertEqual(t, "text", "hello world", tr.Text)
	assertEqual(t, "auth", "Token secret", gotAuth)
	assertEqual(t, "language", "en-US", gotQuery.Get("language"))
	if gotBytes != 20000 {
		t.Errorf("server received %d bytes, want 20000", gotBytes)
	}
	if tr.Duration != 625*time.Millisecond {
		t.Errorf("Duration = %v, want 625ms", tr.Duration)
	}
}

func TestTranscribe_EmptyAudio(t *testing.T) {
	p, _ := New("key")
	if _, err := p.Transcribe(context.Background(), nil, types.Options{}); err == nil {
		t.Fatal("expected error for empty audio")
	}
}

// ---- Constructor tests ----

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	assertEqual(t, "model", defaultModel, p.model)
	assertEqual(t, "language", defaultLanguage, p.language)
	assertEqual(t, "endpoint", DefaultEndpoint, p.endpoint)
	if p.sampleRate != defaultSampleRate {
		t.Errorf("expected sampleRate %d, got %d", defaultSampleRate, p.sampleRate)
	}
}

// ---- helpers ----

func assertEqual(t *testing.T, label, want, got string) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %q, got %q", label, want, got)
	}
}
