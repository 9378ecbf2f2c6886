package request

import (
	"context"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.astrophena.name/tgproxy/internal/testutil"
)

func TestMakeJSON(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		testutil.AssertEqual(t, r.Header.Get("Content-Type"), "application/json")
		b, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatal(err)
		}
		testutil.AssertEqual(t, string(b), `{"message":"hi"}`)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	resp, err := Make[struct {
		OK bool `json:"ok"`
	}](context.Background(), Params{
		Method: http.MethodPost,
		URL:    srv.URL,
		Body: struct {
			Message string `json:"message"`
		}{Message: "hi"},
	})
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, resp.OK, true)
}

func TestMakeMultipart(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil {
			t.Fatal(err)
		}
		testutil.AssertEqual(t, mediaType, "multipart/form-data")

		mr := multipart.NewReader(r.Body, params["boundary"])
		var fields, files int
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatal(err)
			}
			if part.FileName() == "" {
				fields++
				continue
			}
			files++
			testutil.AssertEqual(t, part.Header.Get("Content-Type"), "image/png")
			b, err := io.ReadAll(part)
			if err != nil {
				t.Fatal(err)
			}
			testutil.AssertEqual(t, string(b), "fake png")
		}
		testutil.AssertEqual(t, fields, 1)
		testutil.AssertEqual(t, files, 1)

		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := Make[IgnoreResponse](context.Background(), Params{
		Method: http.MethodPost,
		URL:    srv.URL,
		Form:   map[string]string{"chat_id": "test"},
		Files: map[string]File{
			"qr_0": {Name: "qr.png", ContentType: "image/png", Data: []byte("fake png")},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestMakeStatusError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusTeapot)
	}))
	defer srv.Close()

	_, err := Make[IgnoreResponse](context.Background(), Params{
		Method: http.MethodGet,
		URL:    srv.URL,
	})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("got %T, want *StatusError", err)
	}
	testutil.AssertEqual(t, statusErr.StatusCode, http.StatusTeapot)
}

func TestScrubber(t *testing.T) {
	t.Parallel()

	const token = "123456:ABC-secret"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token "+token, http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := Make[IgnoreResponse](context.Background(), Params{
		Method:   http.MethodGet,
		URL:      srv.URL,
		Scrubber: strings.NewReplacer(token, "[EXPUNGED]"),
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	if strings.Contains(err.Error(), token) {
		t.Fatalf("error message leaks the token: %q", err)
	}
	if !strings.Contains(err.Error(), "[EXPUNGED]") {
		t.Fatalf("error message is not scrubbed: %q", err)
	}
}
