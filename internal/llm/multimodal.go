package llm

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/pocketmind/pocketmind/pkg/models"
)

// dataURISizeCap bounds inline media for providers that reject large
// data URIs.
const dataURISizeCap = 10 << 20 // 10 MB

// mediaSupport records which non-image media a provider tag can ingest
// through its OpenAI-compatible surface. Providers not listed receive a
// degraded text-only block instead of the media.
var mediaSupport = map[string]struct {
	video bool
	audio bool
	doc   bool
}{
	"kimi":      {video: true},
	"moonshot":  {video: true},
	"gemini":    {video: true, audio: true, doc: true},
	"google":    {video: true, audio: true, doc: true},
	"dashscope": {video: true, audio: true},
	"qwen":      {video: true, audio: true},
	"openai":    {audio: true},
	"anthropic": {doc: true},
}

// lowerBlocks rewrites content blocks for a specific provider: media kinds
// the provider cannot ingest become short text markers so the model still
// learns what it is missing, and oversized inline media degrades the same
// way.
func lowerBlocks(provider string, blocks []models.ContentBlock) []models.ContentBlock {
	support := mediaSupport[strings.ToLower(provider)]
	out := make([]models.ContentBlock, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case models.BlockVideo:
			if !support.video {
				out = append(out, degradedBlock("video", b))
				continue
			}
			if oversized(b) {
				out = append(out, models.TextBlock(fmt.Sprintf("[video %s: too large to inline, skipped]", b.FileName)))
				continue
			}
			out = append(out, b)
		case models.BlockAudio:
			if !support.audio {
				out = append(out, degradedBlock("audio", b))
				continue
			}
			if oversized(b) {
				out = append(out, models.TextBlock(fmt.Sprintf("[audio %s: too large to inline, skipped]", b.FileName)))
				continue
			}
			out = append(out, b)
		case models.BlockDocument:
			if !support.doc {
				out = append(out, degradedBlock("document", b))
				continue
			}
			out = append(out, b)
		default:
			out = append(out, b)
		}
	}
	return out
}

func degradedBlock(kind string, b models.ContentBlock) models.ContentBlock {
	name := b.FileName
	if name == "" {
		name = b.MediaType
	}
	return models.TextBlock(fmt.Sprintf("[%s %s: provider does not support, skipped]", kind, name))
}

func oversized(b models.ContentBlock) bool {
	// Base64 expands by 4/3; compare in encoded size since that is what
	// crosses the wire.
	return len(b.Data) > dataURISizeCap
}

// dataURI renders a block's base64 payload as a data URI.
func dataURI(b models.ContentBlock) string {
	mediaType := b.MediaType
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	return "data:" + mediaType + ";base64," + b.Data
}

// encodeBase64 is a helper for adapters that hold raw bytes.
func encodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}
