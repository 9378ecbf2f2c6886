// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package web

import (
	"context"
	"io"
	"net/http"
	"testing"

	"go.astrophena.name/tgproxy/internal/testutil"
)

func TestListenAndServeValidation(t *testing.T) {
	t.Parallel()

	err := ListenAndServe(context.Background(), &ListenAndServeConfig{})
	testutil.AssertEqual(t, err, errNoAddr)

	err = ListenAndServe(context.Background(), &ListenAndServeConfig{Addr: "localhost:0"})
	testutil.AssertEqual(t, err, errNilMux)
}

func TestListenAndServe(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var addr string
	mux := http.NewServeMux()

	logf := func(format string, args ...any) {}
	ready := make(chan struct{})
	serveReadyHook = func() { close(ready) }
	defer func() { serveReadyHook = nil }()

	done := make(chan error, 1)
	go func() {
		done <- ListenAndServe(ctx, &ListenAndServeConfig{
			Addr: "localhost:0",
			Mux:  mux,
			Logf: func(format string, args ...any) {
				// The first log line reports the listen address.
				if addr == "" && len(args) == 1 {
					addr, _ = args[0].(string)
				}
				logf(format, args...)
			},
		})
	}()

	<-ready
	if addr == "" {
		t.Fatal("listen address was not reported")
	}

	// /health is registered automatically.
	res, err := http.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}
	resp := testutil.UnmarshalJSON[HealthResponse](t, b)
	testutil.AssertEqual(t, resp.OK, true)

	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}
