// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.astrophena.name/tgproxy/internal/qr"
	"go.astrophena.name/tgproxy/internal/request"
	"go.astrophena.name/tgproxy/internal/version"
)

// Posting to Telegram.

const sendRetryLimit = 5 // N attempts to retry message sending

// postAll posts proxies in chunks with delays between them and returns the
// list of successfully posted proxies.
func (p *publisher) postAll(ctx context.Context, proxies []*proxy) []*proxy {
	var posted []*proxy

	for i := 0; i < len(proxies); i += p.posting.PerPost {
		if ctx.Err() != nil {
			p.slog.Warn("stopping posting, context canceled", "error", ctx.Err())
			break
		}

		chunk := proxies[i:min(i+p.posting.PerPost, len(proxies))]

		if err := p.postChunk(ctx, chunk); err != nil {
			p.slog.Warn("failed to post chunk, skipping", "error", err)
			continue
		}
		posted = append(posted, chunk...)

		if i+p.posting.PerPost < len(proxies) {
			p.slog.Debug("waiting before next post", "delay", p.posting.Delay)
			if err := p.sleep(ctx, p.posting.Delay); err != nil {
				break
			}
		}
	}

	return posted
}

// postChunk posts a chunk of proxies as a media album of QR codes and
// replies to it with a message listing the details and an inline keyboard
// of connect buttons.
func (p *publisher) postChunk(ctx context.Context, chunk []*proxy) error {
	type mediaItem struct {
		Type  string `json:"type"`
		Media string `json:"media"`
	}

	var (
		media []mediaItem
		files = make(map[string]request.File)
	)
	for i, pr := range chunk {
		png, err := qr.EncodePNG(pr.TGLink)
		if err != nil {
			p.slog.Warn("skipping proxy, QR code generation failed", "link", pr.TGLink, "error", err)
			continue
		}
		key := fmt.Sprintf("qr_code_%d", i)
		files[key] = request.File{
			Name:        "qr_code.png",
			ContentType: "image/png",
			Data:        png,
		}
		media = append(media, mediaItem{Type: "photo", Media: "attach://" + key})
	}
	if len(media) == 0 {
		return errors.New("no valid QR codes were generated for this chunk")
	}

	mediaJSON, err := json.Marshal(media)
	if err != nil {
		return err
	}

	p.slog.Debug("posting media group", "size", len(media))
	if p.dry {
		return nil
	}

	type mediaGroupResponse struct {
		Result []struct {
			MessageID int64 `json:"message_id"`
		} `json:"result"`
	}
	res, err := request.Make[mediaGroupResponse](ctx, request.Params{
		Method: http.MethodPost,
		URL:    tgAPI + "/bot" + p.botToken + "/sendMediaGroup",
		Form: map[string]string{
			"chat_id": p.channelID,
			"media":   string(mediaJSON),
		},
		Files:      files,
		HTTPClient: p.httpc,
		Scrubber:   p.scrubber,
	})
	if err != nil {
		return err
	}
	if len(res.Result) == 0 {
		return errors.New("sendMediaGroup returned no messages to reply to")
	}

	return p.sendDetails(ctx, chunk, res.Result[0].MessageID)
}

// sendDetails sends the reply message with addresses, countries and the
// inline keyboard.
func (p *publisher) sendDetails(ctx context.Context, chunk []*proxy, replyTo int64) error {
	var lines []string
	for i, pr := range chunk {
		ipPort := fmt.Sprintf("%s:%s", pr.IP, pr.Port)
		name := pr.CountryName
		if name == "" {
			name = pr.CountryCode
		}
		if name == "" {
			name = "NA"
		}
		flag := pr.CountryFlag
		if flag == "" {
			flag = "🏴‍☠️"
		}
		lines = append(lines,
			fmt.Sprintf(`🔒 *Address:* [%s](%s)`, escapeMarkdownV2(ipPort), escapeMarkdownV2(pr.TGLink)),
			fmt.Sprintf(`🌎 *Country:* %s %s`, flag, escapeMarkdownV2(name)),
		)
		if i < len(chunk)-1 {
			lines = append(lines, "")
		}
	}
	if p.posting.ChannelHandle != "" {
		lines = append(lines, "\n"+escapeMarkdownV2(p.posting.ChannelHandle))
	}

	var buttons []inlineKeyboardButton
	for _, pr := range chunk {
		buttons = append(buttons, inlineKeyboardButton{Text: "Connect", URL: pr.TGLink})
	}
	keyboard := inlineKeyboard{}
	for len(buttons) > 0 {
		row := buttons[:min(3, len(buttons))]
		keyboard = append(keyboard, row)
		buttons = buttons[len(row):]
	}

	msg := &message{
		ChatID:           p.channelID,
		Text:             strings.Join(lines, "\n"),
		ParseMode:        "MarkdownV2",
		ReplyToMessageID: replyTo,
		ReplyMarkup:      &replyMarkup{keyboard},
	}
	msg.LinkPreviewOptions.IsDisabled = true

	return p.send(ctx, msg)
}

var markdownV2Escaper = strings.NewReplacer(func() []string {
	var pairs []string
	for _, c := range "_*[]()~`>#+-=|{}.!" {
		pairs = append(pairs, string(c), `\`+string(c))
	}
	return pairs
}()...)

func escapeMarkdownV2(s string) string { return markdownV2Escaper.Replace(s) }

type message struct {
	ChatID             string `json:"chat_id"`
	MessageThreadID    int64  `json:"message_thread_id,omitempty"`
	Text               string `json:"text"`
	ParseMode          string `json:"parse_mode,omitempty"`
	ReplyToMessageID   int64  `json:"reply_to_message_id,omitempty"`
	LinkPreviewOptions struct {
		IsDisabled bool `json:"is_disabled"`
	} `json:"link_preview_options"`
	ReplyMarkup *replyMarkup `json:"reply_markup,omitempty"`
}

type replyMarkup struct {
	InlineKeyboard inlineKeyboard `json:"inline_keyboard"`
}

type inlineKeyboard = [][]inlineKeyboardButton

// https://core.telegram.org/bots/api#inlinekeyboardbutton
type inlineKeyboardButton struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

func (p *publisher) send(ctx context.Context, msg *message) error {
	var err error
	for range sendRetryLimit {
		err = p.makeTelegramRequest(ctx, "sendMessage", msg)
		if err == nil {
			break
		}
		retryable, wait := isSendingRateLimited(err)
		if !retryable {
			break
		}
		p.slog.Warn("sending rate limited, waiting", "chat_id", p.channelID, "wait", wait)
		if err := p.sleep(ctx, wait); err != nil {
			return err
		}
	}
	return err
}

func isSendingRateLimited(err error) (retryable bool, wait time.Duration) {
	var statusErr *request.StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusTooManyRequests {
		return false, 0
	}

	var errorResponse struct {
		Parameters struct {
			RetryAfter int `json:"retry_after"`
		} `json:"parameters"`
	}
	if err := json.Unmarshal(statusErr.Body, &errorResponse); err != nil {
		return false, 0
	}

	return true, time.Duration(errorResponse.Parameters.RetryAfter) * time.Second
}

func (p *publisher) errNotify(ctx context.Context, origErr error) error {
	if p.dry || p.botToken == "" {
		return nil
	}
	tmpl := p.errorTemplate
	if tmpl == "" {
		tmpl = defaultErrorTemplate
	}
	msg := &message{
		ChatID:          p.channelID,
		MessageThreadID: p.posting.ErrorThreadID,
		Text:            fmt.Sprintf(tmpl, origErr),
	}
	msg.LinkPreviewOptions.IsDisabled = true
	return p.send(ctx, msg)
}

func (p *publisher) makeTelegramRequest(ctx context.Context, method string, args any) error {
	if _, err := request.Make[request.IgnoreResponse](ctx, request.Params{
		Method: http.MethodPost,
		URL:    tgAPI + "/bot" + p.botToken + "/" + method,
		Body:   args,
		Headers: map[string]string{
			"User-Agent": version.UserAgent(),
		},
		HTTPClient: p.httpc,
		Scrubber:   p.scrubber,
	}); err != nil {
		return err
	}
	return nil
}
