package telephony

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

type fakeCalls struct {
	params *twilioApi.CreateCallParams
	err    error
}

func (f *fakeCalls) CreateCall(params *twilioApi.CreateCallParams) (*twilioApi.ApiV2010Call, error) {
	f.params = params
	if f.err != nil {
		return nil, f.err
	}
	sid := "CA42"
	return &twilioApi.ApiV2010Call{Sid: &sid}, nil
}

var testConfig = Config{
	From:            "+15550001111",
	SayLanguage:     "pt-BR",
	HoldMessage:     "Aguarde",
	DefaultGreeting: "Olá, aqui é a Carol",
}

func TestPlaceCallRecordsAndStreams(t *testing.T) {
	api := &fakeCalls{}
	c := NewCallerWithAPI(testConfig, api, nil)

	sid, err := c.PlaceCall(context.Background(), " +5511999990000 ", "", "relay.example.com")
	if err != nil {
		t.Fatalf("PlaceCall() error = %v", err)
	}
	if sid != "CA42" {
		t.Fatalf("sid = %q, want CA42", sid)
	}

	p := api.params
	if *p.To != "+5511999990000" || *p.From != testConfig.From {
		t.Fatalf("to/from = %q/%q", *p.To, *p.From)
	}
	if p.Record == nil || !*p.Record {
		t.Fatalf("Record not enabled")
	}
	if *p.RecordingStatusCallback != "https://relay.example.com/recording-completed" {
		t.Fatalf("RecordingStatusCallback = %q", *p.RecordingStatusCallback)
	}
	if events := *p.RecordingStatusCallbackEvent; len(events) != 1 || events[0] != "completed" {
		t.Fatalf("RecordingStatusCallbackEvent = %v", events)
	}
	doc := *p.Twiml
	if !strings.Contains(doc, "Esta chamada está sendo gravada. Olá, aqui é a Carol") {
		t.Fatalf("twiml missing notice and greeting: %s", doc)
	}
	if !strings.Contains(doc, `url="wss://relay.example.com/media-stream"`) {
		t.Fatalf("twiml missing stream url: %s", doc)
	}
}

func TestPlaceCallUsesCustomMessage(t *testing.T) {
	api := &fakeCalls{}
	c := NewCallerWithAPI(testConfig, api, nil)
	if _, err := c.PlaceCall(context.Background(), "+1555", "Oi Ana", "h"); err != nil {
		t.Fatalf("PlaceCall() error = %v", err)
	}
	if !strings.Contains(*api.params.Twiml, "gravada. Oi Ana") {
		t.Fatalf("twiml = %s", *api.params.Twiml)
	}
}

func TestPlaceCallErrors(t *testing.T) {
	c := NewCallerWithAPI(testConfig, &fakeCalls{}, nil)
	if _, err := c.PlaceCall(context.Background(), "  ", "", "h"); err == nil {
		t.Fatalf("PlaceCall() error = nil, want missing destination")
	}

	c = NewCallerWithAPI(testConfig, &fakeCalls{err: errors.New("invalid number")}, nil)
	_, err := c.PlaceCall(context.Background(), "+1", "", "h")
	if err == nil || !strings.Contains(err.Error(), "invalid number") {
		t.Fatalf("PlaceCall() error = %v, want provider error", err)
	}
}

func TestIncomingCallTwiML(t *testing.T) {
	doc, err := IncomingCallTwiML(testConfig, "relay.example.com")
	if err != nil {
		t.Fatalf("IncomingCallTwiML() error = %v", err)
	}
	say := strings.Index(doc, "<Say")
	pause := strings.Index(doc, `<Pause length="1"`)
	stream := strings.Index(doc, `<Stream url="wss://relay.example.com/media-stream"`)
	if say < 0 || pause < say || stream < pause {
		t.Fatalf("unexpected document order: %s", doc)
	}
	if !strings.Contains(doc, "Aguarde") {
		t.Fatalf("hold message missing: %s", doc)
	}
}

func TestExternalHost(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/incoming-call", nil)
	r.Host = "internal:5050"
	if got := ExternalHost(r, ""); got != "internal:5050" {
		t.Fatalf("ExternalHost() = %q, want Host header", got)
	}
	r.Header.Set("X-Forwarded-Host", "edge.example.com, proxy")
	if got := ExternalHost(r, ""); got != "edge.example.com" {
		t.Fatalf("ExternalHost() = %q, want forwarded host", got)
	}
	if got := ExternalHost(r, "https://public.example.com/"); got != "public.example.com" {
		t.Fatalf("ExternalHost() = %q, want configured host", got)
	}
}

func sign(token, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	data := fullURL
	for _, k := range keys {
		data += k + form.Get(k)
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestRequireSignature(t *testing.T) {
	handler := RequireSignature("tok", "")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	form := url.Values{"CallSid": {"CA1"}, "RecordingSid": {"RE1"}}

	newReq := func(sig string) *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/recording-completed", strings.NewReader(form.Encode()))
		r.Host = "relay.example.com"
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		r.Header.Set(SignatureHeader, sig)
		return r
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newReq(sign("tok", "https://relay.example.com/recording-completed", form)))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("signed status = %d, want %d", rec.Code, http.StatusNoContent)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, newReq(sign("other", "https://relay.example.com/recording-completed", form)))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("forged status = %d, want %d", rec.Code, http.StatusForbidden)
	}
}
