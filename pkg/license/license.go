// Package license implements C10: the host side of the device's license
// handshake, grounded on
// original_source/src/LicenseChecker/LicenseCheckerImpl/LicenseCheckerImpl.cc.
package license

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/visionplatform/hostcore/pkg/errs"
)

// Type is the device's license tier, grounded on
// original_source/src/LicenseChecker/LicenseCheckerImpl/LicenseCheckerImpl.cc's
// LicenseType switch.
type Type int

const (
	TypeNoFeatures Type = iota
	TypeFacialAuthSubscription
	TypeFacialAuthRenewal
	TypeFacialAuthPerpetual
	TypeAntiSpoofSubscription
	TypeAntiSpoofRenewal
	TypeAntiSpoofPerpetual
)

func (t Type) String() string {
	names := [...]string{
		"NoFeatures", "FacialAuthSubscription", "FacialAuthRenewal",
		"FacialAuthPerpetual", "AntiSpoofSubscription", "AntiSpoofRenewal",
		"AntiSpoofPerpetual",
	}
	if int(t) < len(names) {
		return names[t]
	}
	return "Unknown"
}

// MaxPayloadSize is LICENSE_VERIFICATION_RES_SIZE(64) + LICENSE_SIGNATURE_SIZE(384).
const MaxPayloadSize = 64 + 384

type infoResponse struct {
	LicenseType int    `json:"license_type"`
	Payload     string `json:"payload"`
}

// Client fetches a signed license payload for a device's LicenseRequest
// event. RetryMax is 0: spec.md classifies HTTP transport failures
// (-1/timeout) as a terminal NetworkError, not a retry trigger, so
// go-retryablehttp is used here for its structured client/logging plumbing
// rather than its retry behavior.
type Client struct {
	Endpoint string
	http     *retryablehttp.Client
}

// NewClient builds a Client against endpoint with a 10-second request
// timeout, matching the original's conn->SetTimeout(10).
func NewClient(endpoint string) *Client {
	hc := retryablehttp.NewClient()
	hc.RetryMax = 0
	hc.HTTPClient.Timeout = 10 * time.Second
	hc.Logger = nil // silence the library's default logger; callers use log.Printf below
	return &Client{Endpoint: endpoint, http: hc}
}

// Request performs the GET license_key/serial_number/encrypted_session_token
// handshake and returns the decoded license type and payload bytes.
//
// serialNumber is passed verbatim; trailing NUL bytes (a fixed-width field
// on the wire) are trimmed before URL-encoding, matching the original's
// null-terminator handling.
func (c *Client) Request(licenseKey string, serialNumber []byte, iv, encSessionToken []byte) (Type, []byte, error) {
	serial := trimNUL(serialNumber)
	bundle := append(append([]byte{}, iv...), encSessionToken...)
	encoded := base64.StdEncoding.EncodeToString(bundle)

	q := url.Values{}
	q.Set("license_key", licenseKey)
	q.Set("serial_number", string(serial))
	q.Set("encrypted_session_token", encoded)

	reqURL := c.Endpoint + "?" + q.Encode()
	log.Printf("license: GET request to %s", c.Endpoint)

	req, err := retryablehttp.NewRequest(http.MethodGet, reqURL, nil)
	if err != nil {
		return 0, nil, errs.Wrap(errs.NetworkError, "license.Request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, errs.Wrap(errs.NetworkError, "license.Request", err)
	}
	defer resp.Body.Close()

	if requestID := resp.Header.Get("X-Request-Id"); requestID != "" {
		log.Printf("license: x-request-id %s", requestID)
	}

	if resp.StatusCode != http.StatusOK {
		return 0, nil, errs.New(errs.NetworkError, fmt.Sprintf("license.Request: http %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, errs.Wrap(errs.NetworkError, "license.Request", err)
	}

	var info infoResponse
	if err := json.Unmarshal(body, &info); err != nil {
		return 0, nil, errs.Wrap(errs.LicenseError, "license.Request", err)
	}

	payload, err := base64.StdEncoding.DecodeString(info.Payload)
	if err != nil {
		return 0, nil, errs.Wrap(errs.LicenseError, "license.Request", err)
	}
	if len(payload) > MaxPayloadSize {
		return 0, nil, errs.New(errs.LicenseError, fmt.Sprintf("license.Request: payload %d bytes exceeds max %d", len(payload), MaxPayloadSize))
	}

	t := Type(info.LicenseType)
	log.Printf("license: type=%s", t)
	return t, payload, nil
}

func trimNUL(b []byte) []byte {
	for i, c := range b {
		if c == 0 {
			return b[:i]
		}
	}
	return b
}
