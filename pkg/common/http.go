package common

import (
	"crypto/tls"
	"net/http"
	"net/http/cookiejar"
	"time"
)

// The provider only serves the mobile-app API to clients presenting the
// official app's headers.
const (
	mobileUserAgent = "Energa/3.0.3 (pl.energa-operator.mojlicznik; build:1; iOS 26.2.0) Alamofire/3.0.3"
	acceptLanguage  = "en-US;q=1.0, pl-PL;q=0.9"
)

type mobileAppTransport struct {
	transport http.RoundTripper
}

// RoundTrip clones the request before mutating headers since the original
// request may be shared or reused.
func (t *mobileAppTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", mobileUserAgent)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", acceptLanguage)
	req.Header.Set("Content-Type", "application/json")
	return t.transport.RoundTrip(req)
}

// HTTPClient returns a client suitable for the provider's legacy mobile API:
// mobile-app headers on every request, a cookie jar (the provider has shipped
// cookie-only sessions), and certificate verification disabled because the
// endpoint presents an incomplete chain.
func HTTPClient(timeout time.Duration) *http.Client {
	jar, _ := cookiejar.New(nil)
	return &http.Client{
		Transport: &mobileAppTransport{
			transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
		Jar:     jar,
		Timeout: timeout,
	}
}
