package extract

import (
	"regexp"
	"sort"

	chatvault "github.com/chatvault/chatvault"
)

// youtubeOriginID keeps re-imports of a watch history deduplicable: the
// archive has no conversation id of its own.
const youtubeOriginID = "youtube_watch_history"

// videoIDPatterns cover the URL shapes found in watch-history exports.
var videoIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[?&]v=([\w-]{11})`),
	regexp.MustCompile(`youtu\.be/([\w-]{11})`),
	regexp.MustCompile(`embed/([\w-]{11})`),
	regexp.MustCompile(`/v/([\w-]{11})`),
}

// YouTubeExtractor turns a watch-history export into one conversation of
// user-role "Watched: …" messages sorted ascending by timestamp. Transcript
// metadata fields are reserved for a future transcript worker.
type YouTubeExtractor struct{}

// NewYouTubeExtractor creates a YouTube watch-history extractor.
func NewYouTubeExtractor() *YouTubeExtractor { return &YouTubeExtractor{} }

var _ Extractor = (*YouTubeExtractor)(nil)

func (e *YouTubeExtractor) Metadata() Metadata {
	return Metadata{
		Name:       FormatYouTube,
		Version:    "1.0.0",
		Extensions: []string{"json"},
		AutoDetect: true,
		FormatSpec: "list of watch items each with title, titleUrl, and time",
	}
}

// Detect matches a watch-history item: title + titleUrl + time.
func (e *YouTubeExtractor) Detect(first map[string]any) bool {
	if first == nil {
		return false
	}
	return asString(first["title"]) != "" &&
		asString(first["titleUrl"]) != "" &&
		asString(first["time"]) != ""
}

// Extract consumes the synthetic {"items": […]} conversation the registry
// wraps a watch history into.
func (e *YouTubeExtractor) Extract(conv map[string]any) (Conversation, error) {
	out := Conversation{
		OriginID: youtubeOriginID,
		Title:    "YouTube Watch History",
		Format:   FormatYouTube,
	}

	for _, raw := range asSlice(conv["items"]) {
		item := asMap(raw)
		if item == nil {
			continue
		}
		title := CleanText(asString(item["title"]))
		url := asString(item["titleUrl"])
		if title == "" || url == "" {
			continue
		}

		content := "Watched: " + title
		meta := &chatvault.MessageMeta{
			VideoID:          VideoID(url),
			VideoURL:         url,
			TranscriptStatus: "pending",
		}
		if subs := asSlice(item["subtitles"]); len(subs) > 0 {
			ch := asMap(subs[0])
			if name := asString(ch["name"]); name != "" {
				content += " by " + name
				meta.ChannelName = name
				meta.ChannelURL = asString(ch["url"])
			}
		}

		var ts int64
		if v, ok := ParseISO(asString(item["time"])); ok {
			ts = v
		}
		out.Messages = append(out.Messages, Message{
			Role:      chatvault.RoleUser,
			Content:   content,
			Timestamp: ts,
			Meta:      meta,
		})
	}

	sort.SliceStable(out.Messages, func(i, j int) bool {
		return out.Messages[i].Timestamp < out.Messages[j].Timestamp
	})
	return out, nil
}

// VideoID extracts the 11-character video id from any supported YouTube URL
// shape, or "" when none matches.
func VideoID(url string) string {
	for _, re := range videoIDPatterns {
		if m := re.FindStringSubmatch(url); m != nil {
			return m[1]
		}
	}
	return ""
}
