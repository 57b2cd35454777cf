// Package recording downloads finished call recordings from Twilio and hands
// them to a storage backend.
package recording

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ent0n29/voicebridge/internal/observability"
)

var ErrIncompleteCallback = errors.New("recording callback incomplete")

// Callback is the recording status callback Twilio posts once a recording is
// available.
type Callback struct {
	RecordingSID string
	RecordingURL string
	CallSID      string
	DateCreated  string
}

func CallbackFromForm(form url.Values) Callback {
	return Callback{
		RecordingSID: strings.TrimSpace(form.Get("RecordingSid")),
		RecordingURL: strings.TrimSpace(form.Get("RecordingUrl")),
		CallSID:      strings.TrimSpace(form.Get("CallSid")),
		DateCreated:  strings.TrimSpace(form.Get("DateCreated")),
	}
}

func (c Callback) Validate() error {
	var missing []string
	if c.RecordingURL == "" {
		missing = append(missing, "RecordingUrl")
	}
	if c.RecordingSID == "" {
		missing = append(missing, "RecordingSid")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrIncompleteCallback, strings.Join(missing, ", "))
	}
	return nil
}

var dateLayouts = []string{time.RFC1123Z, time.RFC1123, time.RFC3339Nano}

// FileName is <created>_<CallSid>_<RecordingSid>.wav where created is the UTC
// ISO-8601 creation time with ':' and '.' replaced by '-'. An absent or
// unparseable DateCreated falls back to now.
func FileName(c Callback, now time.Time) string {
	created := now
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, c.DateCreated); err == nil {
			created = t
			break
		}
	}
	stamp := created.UTC().Format("2006-01-02T15:04:05.000Z")
	stamp = strings.NewReplacer(":", "-", ".", "-").Replace(stamp)
	return stamp + "_" + c.CallSID + "_" + c.RecordingSID + ".wav"
}

// Storage persists a recording under the given file name.
type Storage interface {
	Put(ctx context.Context, name string, body io.Reader) error
}

type Fetcher struct {
	accountSID string
	authToken  string
	storage    Storage
	client     *http.Client
	metrics    *observability.Metrics
	now        func() time.Time
}

func NewFetcher(accountSID, authToken string, storage Storage, metrics *observability.Metrics) *Fetcher {
	return &Fetcher{
		accountSID: accountSID,
		authToken:  authToken,
		storage:    storage,
		client:     &http.Client{Timeout: 2 * time.Minute},
		metrics:    metrics,
		now:        time.Now,
	}
}

// Fetch downloads the WAV rendition of the recording and stores it. It returns
// the stored file name.
func (f *Fetcher) Fetch(ctx context.Context, cb Callback) (string, error) {
	if err := cb.Validate(); err != nil {
		f.metrics.Recording("incomplete")
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cb.RecordingURL+".wav", nil)
	if err != nil {
		f.metrics.Recording("failed")
		return "", fmt.Errorf("build recording request: %w", err)
	}
	req.SetBasicAuth(f.accountSID, f.authToken)

	resp, err := f.client.Do(req)
	if err != nil {
		f.metrics.Recording("failed")
		return "", fmt.Errorf("download recording: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		f.metrics.Recording("failed")
		return "", fmt.Errorf("download recording: status %d: %s", resp.StatusCode, strings.TrimSpace(string(preview)))
	}

	name := FileName(cb, f.now())
	if err := f.storage.Put(ctx, name, resp.Body); err != nil {
		f.metrics.Recording("failed")
		return "", fmt.Errorf("store recording: %w", err)
	}
	f.metrics.Recording("stored")
	log.Printf("recording %s for call %s stored as %s", cb.RecordingSID, cb.CallSID, name)
	return name, nil
}
