package extract

import (
	"encoding/json"
	"errors"
	"testing"

	chatvault "github.com/chatvault/chatvault"
)

func TestRegistryParity(t *testing.T) {
	r := NewRegistry()
	if r.Size() != 6 {
		t.Fatalf("Size() = %d, want 6", r.Size())
	}
	names := r.Names()
	if len(names) != r.Size() {
		t.Fatalf("Names() has %d entries, Size() = %d", len(names), r.Size())
	}
	meta := r.MetadataAll()
	if len(meta) != r.Size() {
		t.Fatalf("MetadataAll() has %d entries, Size() = %d", len(meta), r.Size())
	}
	for _, name := range names {
		if _, ok := r.Lookup(name); !ok {
			t.Errorf("Lookup(%q) missing", name)
		}
		if _, ok := meta[name]; !ok {
			t.Errorf("MetadataAll() missing %q", name)
		}
	}
}

func TestLookupCaseInsensitive(t *testing.T) {
	r := NewRegistry()
	e, ok := r.Lookup("ChatGPT")
	if !ok {
		t.Fatal("Lookup(ChatGPT) not found")
	}
	if e.Metadata().Name != FormatChatGPT {
		t.Fatalf("got %q", e.Metadata().Name)
	}
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "chatgpt list",
			raw:  `[{"title":"Trip plan","mapping":{},"create_time":1700000000}]`,
			want: FormatChatGPT,
		},
		{
			name: "claude list",
			raw:  `[{"uuid":"abc","name":"","chat_messages":[]}]`,
			want: FormatClaude,
		},
		{
			name: "openwebui wins over chatgpt despite title",
			raw:  `[{"title":"x","chat":{"history":{"messages":{}}}}]`,
			want: FormatOpenWebUI,
		},
		{
			name: "wrapped conversations object",
			raw:  `{"conversations":[{"uuid":"abc","name":"n","chat_messages":[]}]}`,
			want: FormatClaude,
		},
		{
			name: "youtube watch history",
			raw:  `[{"title":"Watched a video","titleUrl":"https://www.youtube.com/watch?v=dQw4w9WgXcQ","time":"2024-01-05T10:00:00Z"}]`,
			want: FormatYouTube,
		},
	}
	r := NewRegistry()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var raw any
			if err := json.Unmarshal([]byte(tt.raw), &raw); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			list, format, err := r.DetectFormat(raw)
			if err != nil {
				t.Fatalf("DetectFormat: %v", err)
			}
			if format != tt.want {
				t.Fatalf("format = %q, want %q", format, tt.want)
			}
			if len(list) == 0 {
				t.Fatal("empty conversation list")
			}
		})
	}
}

func TestDetectFormatYouTubeWrapsHistory(t *testing.T) {
	raw := []any{
		map[string]any{"title": "Watched one", "titleUrl": "https://youtu.be/dQw4w9WgXcQ", "time": "2024-01-05T10:00:00Z"},
		map[string]any{"title": "Watched two", "titleUrl": "https://youtu.be/aaaaaaaaaaa", "time": "2024-01-06T10:00:00Z"},
	}
	r := NewRegistry()
	list, format, err := r.DetectFormat(raw)
	if err != nil {
		t.Fatalf("DetectFormat: %v", err)
	}
	if format != FormatYouTube {
		t.Fatalf("format = %q", format)
	}
	if len(list) != 1 {
		t.Fatalf("want a single synthetic conversation, got %d", len(list))
	}
	if items := asSlice(list[0]["items"]); len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}
}

func TestDetectFormatUnknown(t *testing.T) {
	r := NewRegistry()
	_, _, err := r.DetectFormat([]any{map[string]any{"foo": "bar"}})
	var unknown *chatvault.ErrUnknownFormat
	if !errors.As(err, &unknown) {
		t.Fatalf("err = %v, want ErrUnknownFormat", err)
	}
	if len(unknown.Available) != 6 {
		t.Fatalf("Available = %v", unknown.Available)
	}
}

func TestExtractFileUnknownExtension(t *testing.T) {
	r := NewRegistry()
	_, _, err := r.ExtractFile([]byte("hi"), "notes.txt")
	var unknown *chatvault.ErrUnknownFormat
	if !errors.As(err, &unknown) {
		t.Fatalf("err = %v, want ErrUnknownFormat", err)
	}
}
