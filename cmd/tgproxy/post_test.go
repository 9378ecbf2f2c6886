// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"go.astrophena.name/tgproxy/internal/testutil"
)

func TestSendDetails(t *testing.T) {
	t.Parallel()

	testutil.RunGolden(t, "testdata/details/*.json", func(t *testing.T, tc string) []byte {
		tm := testMux(t, nil)
		p := testPublisher(t, tm)
		p.posting = postingConfig{PerPost: 10, ChannelHandle: "@testchannel"}

		chunk := testutil.UnmarshalJSON[[]*proxy](t, readFile(t, tc))
		if err := p.sendDetails(context.Background(), chunk, 1); err != nil {
			t.Fatal(err)
		}

		testutil.AssertEqual(t, len(tm.sentMessages), 1)
		text, ok := tm.sentMessages[0]["text"].(string)
		if !ok {
			t.Fatal("sent message has no text")
		}
		return []byte(text)
	}, *update)
}

func TestKeyboardRows(t *testing.T) {
	t.Parallel()

	tm := testMux(t, nil)
	p := testPublisher(t, tm)
	p.posting = postingConfig{PerPost: 10}

	var chunk []*proxy
	for range 4 {
		chunk = append(chunk, &proxy{
			IP:     "1.2.3.4",
			Port:   "443",
			Secret: "ee00",
			TGLink: "tg://proxy?server=1.2.3.4&port=443&secret=ee00",
		})
	}
	if err := p.sendDetails(context.Background(), chunk, 1); err != nil {
		t.Fatal(err)
	}

	markup, ok := tm.sentMessages[0]["reply_markup"].(map[string]any)
	if !ok {
		t.Fatal("sent message has no reply markup")
	}
	rows, ok := markup["inline_keyboard"].([]any)
	if !ok {
		t.Fatal("reply markup has no inline keyboard")
	}

	// Buttons are laid out in rows of three.
	testutil.AssertEqual(t, len(rows), 2)
	testutil.AssertEqual(t, len(rows[0].([]any)), 3)
	testutil.AssertEqual(t, len(rows[1].([]any)), 1)

	button := rows[0].([]any)[0].(map[string]any)
	testutil.AssertEqual(t, button["text"], "Connect")
	testutil.AssertEqual(t, button["url"], "tg://proxy?server=1.2.3.4&port=443&secret=ee00")
}

func TestErrNotifyUsesErrorThread(t *testing.T) {
	t.Parallel()

	tm := testMux(t, nil)
	p := testPublisher(t, tm)
	p.posting.ErrorThreadID = 42

	if err := p.errNotify(context.Background(), errors.New("fetch failed")); err != nil {
		t.Fatal(err)
	}

	testutil.AssertEqual(t, len(tm.sentMessages), 1)
	testutil.AssertEqual(t, tm.sentMessages[0]["message_thread_id"], float64(42))
	text, ok := tm.sentMessages[0]["text"].(string)
	if !ok {
		t.Fatalf("text is not a string: %v", tm.sentMessages[0]["text"])
	}
	if !strings.Contains(text, "fetch failed") {
		t.Fatalf("notification %q does not mention the error", text)
	}
}

func TestErrNotifyWithoutErrorThread(t *testing.T) {
	t.Parallel()

	tm := testMux(t, nil)
	p := testPublisher(t, tm)

	if err := p.errNotify(context.Background(), errors.New("fetch failed")); err != nil {
		t.Fatal(err)
	}

	testutil.AssertEqual(t, len(tm.sentMessages), 1)
	if _, ok := tm.sentMessages[0]["message_thread_id"]; ok {
		t.Fatal("message_thread_id must be omitted when error_thread_id is not configured")
	}
}

func TestSendRetriesOnRateLimit(t *testing.T) {
	t.Parallel()

	var calls int
	tm := testMux(t, map[string]http.HandlerFunc{
		sendMessage: func(w http.ResponseWriter, r *http.Request) {
			calls++
			if calls < 3 {
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"ok":false,"parameters":{"retry_after":1}}`))
				return
			}
			w.Write([]byte("{}"))
		},
	})
	p := testPublisher(t, tm)

	var slept []time.Duration
	p.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	err := p.send(context.Background(), &message{ChatID: "test", Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, calls, 3)
	testutil.AssertEqual(t, slept, []time.Duration{time.Second, time.Second})
}

func TestSendGivesUpOnOtherErrors(t *testing.T) {
	t.Parallel()

	var calls int
	tm := testMux(t, map[string]http.HandlerFunc{
		sendMessage: func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"ok":false,"description":"Bad Request"}`))
		},
	})
	p := testPublisher(t, tm)

	err := p.send(context.Background(), &message{ChatID: "test", Text: "hi"})
	if err == nil {
		t.Fatal("expected an error")
	}
	testutil.AssertEqual(t, calls, 1)
}

func TestEscapeMarkdownV2(t *testing.T) {
	t.Parallel()

	testutil.AssertEqual(t, escapeMarkdownV2("1.2.3.4:443"), `1\.2\.3\.4:443`)
	testutil.AssertEqual(t, escapeMarkdownV2("a_b*c[d]"), `a\_b\*c\[d\]`)
	testutil.AssertEqual(t, escapeMarkdownV2("plain"), "plain")
}

func TestPostAllChunks(t *testing.T) {
	t.Parallel()

	tm := testMux(t, nil)
	p := testPublisher(t, tm)
	p.posting = postingConfig{PerPost: 2, Delay: time.Minute}

	var slept []time.Duration
	p.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	var proxies []*proxy
	for i := range 5 {
		proxies = append(proxies, &proxy{
			IP:     "1.2.3.4",
			Port:   "443",
			Secret: "ee00",
			TGLink: "tg://proxy?server=1.2.3.4&port=443&secret=ee0" + string(rune('0'+i)),
		})
	}

	posted := p.postAll(context.Background(), proxies)

	// 5 proxies with 2 per post make 3 albums with delays between them.
	testutil.AssertEqual(t, len(posted), 5)
	testutil.AssertEqual(t, len(tm.sentMediaGroups), 3)
	testutil.AssertEqual(t, slept, []time.Duration{time.Minute, time.Minute})
}

func TestPostAllStopsOnCanceledContext(t *testing.T) {
	t.Parallel()

	tm := testMux(t, nil)
	p := testPublisher(t, tm)
	p.posting = postingConfig{PerPost: 1, Delay: time.Minute}

	ctx, cancel := context.WithCancel(context.Background())
	p.sleep = func(context.Context, time.Duration) error {
		cancel()
		return ctx.Err()
	}

	proxies := []*proxy{
		{IP: "1.2.3.4", Port: "443", Secret: "ee00", TGLink: "tg://proxy?server=1.2.3.4&port=443&secret=ee00"},
		{IP: "5.6.7.8", Port: "443", Secret: "ee01", TGLink: "tg://proxy?server=5.6.7.8&port=443&secret=ee01"},
	}

	posted := p.postAll(ctx, proxies)

	// Only the first chunk goes out, the rest is dropped once the deadline
	// hits during the delay.
	testutil.AssertEqual(t, len(posted), 1)
	testutil.AssertEqual(t, len(tm.sentMediaGroups), 1)
}
