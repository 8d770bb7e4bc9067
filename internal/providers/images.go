package providers

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/tjfontaine/agent-interceptor/internal/domain"
)

// extractImageMetadata walks message content blocks and records each inline
// image's position, media type, and decoded payload size. The base64 payload
// itself is never retained.
func extractImageMetadata(messages gjson.Result) []domain.ImageMeta {
	var metas []domain.ImageMeta

	messages.ForEach(func(_, msg gjson.Result) bool {
		content := msg.Get("content")
		if !content.IsArray() {
			return true
		}
		content.ForEach(func(_, part gjson.Result) bool {
			switch part.Get("type").String() {
			case "image_url":
				// OpenAI format: data URL or remote URL
				url := part.Get("image_url.url").String()
				meta := domain.ImageMeta{Index: len(metas)}
				if strings.HasPrefix(url, "data:") {
					meta.MIME = dataURLMIME(url)
					meta.SizeBytes = dataURLPayloadSize(url)
				} else {
					meta.MIME = "url"
				}
				metas = append(metas, meta)
			case "image":
				// Anthropic format: {source: {media_type, data}}
				source := part.Get("source")
				metas = append(metas, domain.ImageMeta{
					Index:     len(metas),
					MIME:      source.Get("media_type").String(),
					SizeBytes: base64DecodedLen(source.Get("data").String()),
				})
			}
			return true
		})
		return true
	})

	return metas
}

func dataURLMIME(url string) string {
	rest := strings.TrimPrefix(url, "data:")
	if idx := strings.IndexAny(rest, ";,"); idx >= 0 {
		return rest[:idx]
	}
	return "unknown"
}

func dataURLPayloadSize(url string) int {
	idx := strings.IndexByte(url, ',')
	if idx < 0 {
		return 0
	}
	return base64DecodedLen(url[idx+1:])
}

// base64DecodedLen computes the decoded size without decoding.
func base64DecodedLen(b64 string) int {
	n := len(b64)
	if n == 0 {
		return 0
	}
	padding := 0
	for i := n - 1; i >= 0 && b64[i] == '='; i-- {
		padding++
	}
	return n/4*3 - padding
}
