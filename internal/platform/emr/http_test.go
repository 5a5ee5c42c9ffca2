package emr

import (
	"bytes"
	"io"
	"net/http"
	"testing"
)

func TestNewHTTPClient_DefaultTimeout(t *testing.T) {
	if c := NewHTTPClient(0); c.Timeout != DefaultTimeout {
		t.Errorf("expected default timeout, got %s", c.Timeout)
	}
}

func TestReadBody(t *testing.T) {
	resp := &http.Response{Body: io.NopCloser(bytes.NewReader([]byte(`{"ok":true}`)))}
	body, err := ReadBody(resp)
	if err != nil || string(body) != `{"ok":true}` {
		t.Fatalf("unexpected body %q, err %v", body, err)
	}

	huge := &http.Response{Body: io.NopCloser(bytes.NewReader(make([]byte, maxResponseSize+1)))}
	if _, err := ReadBody(huge); err == nil {
		t.Error("expected error for oversized body")
	}
}

func TestIsSuccess(t *testing.T) {
	for status, want := range map[int]bool{200: true, 204: true, 299: true, 199: false, 301: false, 404: false} {
		if IsSuccess(status) != want {
			t.Errorf("IsSuccess(%d) = %v", status, !want)
		}
	}
}
