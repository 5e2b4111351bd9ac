package license

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/visionplatform/hostcore/pkg/errs"
)

func TestRequestDecodesPayloadAndType(t *testing.T) {
	wantPayload := []byte("signed-payload-bytes")
	encoded := base64.StdEncoding.EncodeToString(wantPayload)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("license_key"); got != "ABC123" {
			t.Errorf("license_key = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"license_type": 3, "payload": "` + encoded + `"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	typ, payload, err := c.Request("ABC123", []byte("SERIAL123\x00\x00"), []byte{1, 2, 3, 4}, []byte{5, 6, 7, 8})
	if err != nil {
		t.Fatal(err)
	}
	if typ != TypeFacialAuthPerpetual {
		t.Errorf("type = %v, want FacialAuthPerpetual", typ)
	}
	if string(payload) != string(wantPayload) {
		t.Errorf("payload = %q, want %q", payload, wantPayload)
	}
}

func TestRequestRejectsOversizedPayload(t *testing.T) {
	big := make([]byte, MaxPayloadSize+1)
	encoded := base64.StdEncoding.EncodeToString(big)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"license_type": 0, "payload": "` + encoded + `"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if _, _, err := c.Request("k", []byte("s"), nil, nil); err == nil {
		t.Fatal("expected oversized payload to be rejected")
	} else if errs.KindOf(err) != errs.LicenseError {
		t.Errorf("kind = %v, want LicenseError", errs.KindOf(err))
	}
}

func TestRequestNonOKStatusIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if _, _, err := c.Request("k", []byte("s"), nil, nil); errs.KindOf(err) != errs.NetworkError {
		t.Errorf("kind = %v, want NetworkError", errs.KindOf(err))
	}
}

func TestKeystoreOverrideTakesPrecedence(t *testing.T) {
	dir := t.TempDir()
	ks := NewKeystore(filepath.Join(dir, "license.json"))

	if err := ks.SetLicenseKey("PERSISTED00000000000000000000000000", true); err != nil {
		t.Fatal(err)
	}
	if err := ks.SetLicenseKey("OVERRIDE000000000000000000000000000", false); err != nil {
		t.Fatal(err)
	}

	got, err := ks.GetLicenseKey()
	if err != nil {
		t.Fatal(err)
	}
	if got != "OVERRIDE000000000000000000000000000" {
		t.Errorf("got %q, want override", got)
	}

	if err := ks.SetLicenseKey("", false); err != nil {
		t.Fatal(err)
	}
	got, err = ks.GetLicenseKey()
	if err != nil {
		t.Fatal(err)
	}
	if got != "PERSISTED00000000000000000000000000" {
		t.Errorf("got %q, want persisted value after clearing override", got)
	}
}

func TestKeystoreMissingFileIsLicenseError(t *testing.T) {
	dir := t.TempDir()
	ks := NewKeystore(filepath.Join(dir, "nonexistent.json"))
	if _, err := ks.GetLicenseKey(); errs.KindOf(err) != errs.LicenseError {
		t.Errorf("kind = %v, want LicenseError", errs.KindOf(err))
	}
	_ = os.Getenv("HOME") // smoke-test DefaultPath doesn't panic
	if _, err := DefaultPath(); err != nil {
		t.Fatal(err)
	}
}
