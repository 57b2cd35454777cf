package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicebridge/internal/config"
	"github.com/ent0n29/voicebridge/internal/observability"
	"github.com/ent0n29/voicebridge/internal/realtime"
	"github.com/ent0n29/voicebridge/internal/recording"
	"github.com/ent0n29/voicebridge/internal/relay"
	"github.com/ent0n29/voicebridge/internal/session"
)

func testMetrics(prefix string) *observability.Metrics {
	return observability.NewMetrics("test_httpapi_" + prefix + "_" + time.Now().Format("150405") + "_" + time.Now().Format("000000000"))
}

type fakePlacer struct {
	to, message, host string
	err               error
}

func (f *fakePlacer) PlaceCall(_ context.Context, to, message, host string) (string, error) {
	f.to, f.message, f.host = to, message, host
	if f.err != nil {
		return "", f.err
	}
	return "CA123", nil
}

type fakeFetcher struct {
	got recording.Callback
	err error
}

func (f *fakeFetcher) Fetch(_ context.Context, cb recording.Callback) (string, error) {
	f.got = cb
	if f.err != nil {
		return "", f.err
	}
	if err := cb.Validate(); err != nil {
		return "", err
	}
	return "stored.wav", nil
}

func newTestServer(t *testing.T, cfg config.Config, deps Deps) *httptest.Server {
	t.Helper()
	if deps.Calls == nil {
		deps.Calls = session.NewManager(time.Minute)
	}
	ts := httptest.NewServer(New(cfg, deps).Router())
	t.Cleanup(ts.Close)
	return ts
}

func decodeBody(t *testing.T, res *http.Response) map[string]any {
	t.Helper()
	defer res.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestRootAndHealth(t *testing.T) {
	ts := newTestServer(t, config.Config{}, Deps{Metrics: testMetrics("health")})

	res, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET / error = %v", err)
	}
	if body := decodeBody(t, res); body["message"] != "Twilio Media Stream Server is running!" {
		t.Fatalf("GET / body = %+v", body)
	}

	res, err = http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if body := decodeBody(t, res); body["telephony"] != false {
		t.Fatalf("healthz body = %+v", body)
	}
}

func TestReadyReportsStoreFailure(t *testing.T) {
	ts := newTestServer(t, config.Config{}, Deps{
		Ready: func(context.Context) error { return errors.New("db down") },
	})
	res, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz status = %d, want %d", res.StatusCode, http.StatusServiceUnavailable)
	}
}

func TestIncomingCallTwiML(t *testing.T) {
	cfg := config.Config{TwilioHoldMessage: "Por favor, aguarde", TwilioSayLanguage: "pt-BR"}
	ts := newTestServer(t, cfg, Deps{})

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/incoming-call", nil)
	req.Host = "relay.example.com"
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /incoming-call error = %v", err)
	}
	defer res.Body.Close()
	if ct := res.Header.Get("Content-Type"); ct != "text/xml" {
		t.Fatalf("Content-Type = %q, want text/xml", ct)
	}
	raw, _ := io.ReadAll(res.Body)
	doc := string(raw)
	for _, want := range []string{"Por favor, aguarde", `<Pause length="1"`, `wss://relay.example.com/media-stream`} {
		if !strings.Contains(doc, want) {
			t.Fatalf("twiml missing %q: %s", want, doc)
		}
	}
}

func TestIncomingCallRequiresSignatureWhenEnabled(t *testing.T) {
	cfg := config.Config{TwilioValidateSignature: true, TwilioAuthToken: "tok"}
	ts := newTestServer(t, cfg, Deps{})

	res, err := http.PostForm(ts.URL+"/incoming-call", url.Values{"CallSid": {"CA1"}})
	if err != nil {
		t.Fatalf("POST /incoming-call error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusForbidden)
	}
}

func TestMakeCall(t *testing.T) {
	placer := &fakePlacer{}
	ts := newTestServer(t, config.Config{PublicBaseURL: "https://public.example.com"}, Deps{Placer: placer})

	res, err := http.Post(ts.URL+"/make-call", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("POST /make-call error = %v", err)
	}
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing to status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
	res.Body.Close()

	body, _ := json.Marshal(makeCallRequest{To: "+5511999990000", Message: "Oi"})
	res, err = http.Post(ts.URL+"/make-call", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /make-call error = %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	got := decodeBody(t, res)
	if got["success"] != true || got["callSid"] != "CA123" {
		t.Fatalf("body = %+v", got)
	}
	if placer.to != "+5511999990000" || placer.message != "Oi" || placer.host != "public.example.com" {
		t.Fatalf("placer saw %+v", placer)
	}
}

func TestMakeCallProviderFailure(t *testing.T) {
	ts := newTestServer(t, config.Config{}, Deps{Placer: &fakePlacer{err: errors.New("invalid From number")}})

	res, err := http.Post(ts.URL+"/make-call", "application/json", strings.NewReader(`{"to":"+1"}`))
	if err != nil {
		t.Fatalf("POST /make-call error = %v", err)
	}
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusInternalServerError)
	}
	got := decodeBody(t, res)
	if got["error"] != "Falha ao iniciar chamada" || !strings.Contains(fmt.Sprint(got["details"]), "invalid From number") {
		t.Fatalf("body = %+v", got)
	}
}

func TestMakeCallWithoutTelephony(t *testing.T) {
	ts := newTestServer(t, config.Config{}, Deps{})
	res, err := http.Post(ts.URL+"/make-call", "application/json", strings.NewReader(`{"to":"+1"}`))
	if err != nil {
		t.Fatalf("POST /make-call error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusServiceUnavailable)
	}
}

func TestRecordingCompleted(t *testing.T) {
	tests := []struct {
		name       string
		form       url.Values
		fetchErr   error
		wantStatus int
		wantBody   string
	}{
		{
			name:       "stored",
			form:       url.Values{"RecordingSid": {"RE1"}, "RecordingUrl": {"https://api.twilio.com/RE1"}, "CallSid": {"CA1"}},
			wantStatus: http.StatusOK,
			wantBody:   "success",
		},
		{
			name:       "incomplete is acknowledged",
			form:       url.Values{"CallSid": {"CA1"}},
			wantStatus: http.StatusOK,
			wantBody:   "success",
		},
		{
			name:       "download failure",
			form:       url.Values{"RecordingSid": {"RE1"}, "RecordingUrl": {"https://api.twilio.com/RE1"}},
			fetchErr:   errors.New("status 404"),
			wantStatus: http.StatusInternalServerError,
			wantBody:   "error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetcher := &fakeFetcher{err: tt.fetchErr}
			ts := newTestServer(t, config.Config{}, Deps{Recordings: fetcher})

			res, err := http.PostForm(ts.URL+"/recording-completed", tt.form)
			if err != nil {
				t.Fatalf("POST /recording-completed error = %v", err)
			}
			if res.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", res.StatusCode, tt.wantStatus)
			}
			if got := decodeBody(t, res); got["status"] != tt.wantBody {
				t.Fatalf("body = %+v, want status %q", got, tt.wantBody)
			}
			if fetcher.got.CallSID != tt.form.Get("CallSid") {
				t.Fatalf("fetcher CallSID = %q", fetcher.got.CallSID)
			}
		})
	}
}

func TestGetUnknownCall(t *testing.T) {
	ts := newTestServer(t, config.Config{}, Deps{})
	res, err := http.Get(ts.URL + "/v1/calls/nope")
	if err != nil {
		t.Fatalf("GET /v1/calls/nope error = %v", err)
	}
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
	if got := decodeBody(t, res); got["code"] != "call_not_found" {
		t.Fatalf("body = %+v", got)
	}
}

func TestPerfLatencyWithoutMetrics(t *testing.T) {
	ts := newTestServer(t, config.Config{}, Deps{})
	res, err := http.Get(ts.URL + "/v1/perf/latency")
	if err != nil {
		t.Fatalf("GET /v1/perf/latency error = %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	res.Body.Close()
}

// fakeModel is a realtime endpoint that answers the first forwarded caller
// audio with one assistant audio delta.
func fakeModel(t *testing.T, received chan<- string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		answered := false
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var ev struct {
				Type string `json:"type"`
			}
			_ = json.Unmarshal(raw, &ev)
			received <- ev.Type
			if ev.Type == "input_audio_buffer.append" && !answered {
				answered = true
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"response.audio.delta","response_id":"r1","item_id":"item_1","delta":"AQID"}`))
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestMediaStreamBridgesCallerAndModel(t *testing.T) {
	received := make(chan string, 64)
	model := fakeModel(t, received)
	dialer := realtime.NewDialer(realtime.DialerConfig{
		APIKey:  "sk-test",
		BaseURL: "ws" + strings.TrimPrefix(model.URL, "http"),
		Model:   "test-model",
	})

	calls := session.NewManager(time.Minute)
	ts := newTestServer(t, config.Config{}, Deps{
		Calls: calls,
		Dialer: relay.DialerFunc(func(ctx context.Context) (relay.Conn, error) {
			return dialer.Dial(ctx)
		}),
		Relay:   relay.Config{Session: realtime.NewSessionConfig(realtime.SessionOptions{Voice: "shimmer"})},
		Metrics: testMetrics("ws"),
	})

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/media-stream", nil)
	if err != nil {
		t.Fatalf("dial media stream: %v", err)
	}
	defer conn.Close()

	frames := []string{
		`{"event":"connected","protocol":"Call","version":"1.0.0"}`,
		`{"event":"start","sequenceNumber":"1","start":{"streamSid":"MZ42","callSid":"CA42","tracks":["inbound"]},"streamSid":"MZ42"}`,
		`{"event":"media","sequenceNumber":"2","media":{"track":"inbound","chunk":"1","timestamp":"20","payload":"/////w=="},"streamSid":"MZ42"}`,
	}
	for _, f := range frames {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
			t.Fatalf("write frame: %v", err)
		}
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var media struct {
		Event     string `json:"event"`
		StreamSID string `json:"streamSid"`
		Media     struct {
			Payload string `json:"payload"`
		} `json:"media"`
	}
	if err := conn.ReadJSON(&media); err != nil {
		t.Fatalf("read media frame: %v", err)
	}
	if media.Event != "media" || media.StreamSID != "MZ42" || media.Media.Payload != "AQID" {
		t.Fatalf("media frame = %+v", media)
	}
	var mark struct {
		Event string `json:"event"`
		Mark  struct {
			Name string `json:"name"`
		} `json:"mark"`
	}
	if err := conn.ReadJSON(&mark); err != nil {
		t.Fatalf("read mark frame: %v", err)
	}
	if mark.Event != "mark" || mark.Mark.Name != "responsePart" {
		t.Fatalf("mark frame = %+v", mark)
	}

	list := calls.List()
	if len(list) != 1 || list[0].StreamSID != "MZ42" || list[0].CallSID != "CA42" {
		t.Fatalf("calls = %+v", list)
	}

	seen := map[string]bool{}
	timeout := time.After(2 * time.Second)
	for !seen["session.update"] {
		select {
		case typ := <-received:
			seen[typ] = true
		case <-timeout:
			t.Fatalf("model never received session.update; saw %v", seen)
		}
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	deadline := time.Now().Add(2 * time.Second)
	for calls.ActiveCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("call still active after hang up")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMediaStreamClosesCallerWhenModelUnavailable(t *testing.T) {
	calls := session.NewManager(time.Minute)
	ts := newTestServer(t, config.Config{}, Deps{
		Calls: calls,
		Dialer: relay.DialerFunc(func(context.Context) (relay.Conn, error) {
			return nil, errors.New("connection refused")
		}),
	})

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/media-stream", nil)
	if err != nil {
		t.Fatalf("dial media stream: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseInternalServerErr) {
		t.Fatalf("read error = %v, want close 1011", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		list := calls.List()
		if len(list) == 1 && list[0].Status == session.StatusEnded {
			if list[0].EndReason != "model_unavailable" {
				t.Fatalf("EndReason = %q", list[0].EndReason)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("call not ended: %+v", list)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
