package telephony

import (
	"log"
	"net/http"

	"github.com/twilio/twilio-go/client"
)

const SignatureHeader = "X-Twilio-Signature"

// RequireSignature rejects webhook requests whose X-Twilio-Signature does not
// match the URL and form parameters Twilio signed.
func RequireSignature(authToken, publicBaseURL string) func(http.Handler) http.Handler {
	validator := client.NewRequestValidator(authToken)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := r.ParseForm(); err != nil {
				http.Error(w, "invalid form body", http.StatusBadRequest)
				return
			}
			params := make(map[string]string, len(r.PostForm))
			for key, values := range r.PostForm {
				if len(values) > 0 {
					params[key] = values[0]
				}
			}

			signed := "https://" + ExternalHost(r, publicBaseURL) + r.URL.RequestURI()
			if !validator.Validate(signed, params, r.Header.Get(SignatureHeader)) {
				log.Printf("telephony: rejected unsigned webhook %s %s", r.Method, r.URL.Path)
				http.Error(w, "invalid twilio signature", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
