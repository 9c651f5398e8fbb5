package discord

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/jholhewres/mkvbot/pkg/mkvbot/channels"
)

func TestComponentRegistry_Resolve(t *testing.T) {
	t.Parallel()

	r := NewComponentRegistry(time.Minute, nil)
	defer r.Stop()

	id := r.Register("u1", "act:extract")
	if data, ok := r.Resolve(id, "u1"); !ok || data != "act:extract" {
		t.Errorf("Resolve() = %q, %v", data, ok)
	}
	if _, ok := r.Resolve(id, "u2"); ok {
		t.Error("another user resolved a scoped component")
	}
	if _, ok := r.Resolve("unknown", "u1"); ok {
		t.Error("unknown custom_id resolved")
	}

	open := r.Register("", "cancel")
	if _, ok := r.Resolve(open, "anyone"); !ok {
		t.Error("unscoped component not resolved")
	}
}

func TestComponentRegistry_Expiry(t *testing.T) {
	t.Parallel()

	r := NewComponentRegistry(time.Minute, nil)
	defer r.Stop()
	now := time.Now()
	r.now = func() time.Time { return now }

	id := r.Register("u1", "go")
	now = now.Add(2 * time.Minute)
	if _, ok := r.Resolve(id, "u1"); ok {
		t.Error("expired component resolved")
	}
	r.cleanupExpired()
	if r.Len() != 0 {
		t.Errorf("Len() = %d after cleanup", r.Len())
	}
}

func TestBuildComponents_Layout(t *testing.T) {
	t.Parallel()

	r := NewComponentRegistry(time.Minute, nil)
	defer r.Stop()

	// A language picker: 9 rows of 3 plus a final row.
	var rows [][]channels.Button
	for i := 0; i < 9; i++ {
		var row []channels.Button
		for j := 0; j < 3; j++ {
			n := i*3 + j
			row = append(row, channels.Button{Text: fmt.Sprintf("L%d", n), Data: fmt.Sprintf("setlang:0:%d", n)})
		}
		rows = append(rows, row)
	}
	rows = append(rows, []channels.Button{{Text: "Undetermined", Data: "setlang:0:und"}, {Text: "Back", Data: "back"}})

	comps := r.buildComponents("u1", rows)
	if len(comps) != maxRows {
		t.Fatalf("rows = %d, want %d", len(comps), maxRows)
	}
	last := comps[maxRows-1].(discordgo.ActionsRow).Components
	menu, ok := last[0].(discordgo.SelectMenu)
	if !ok {
		t.Fatalf("last row = %T, want SelectMenu", last[0])
	}
	// 4 rows of 3 buttons, the remaining 17 in the select.
	if len(menu.Options) != 29-12 {
		t.Errorf("select options = %d", len(menu.Options))
	}
	data, ok := r.Resolve(menu.Options[len(menu.Options)-1].Value, "u1")
	if !ok || data != "back" {
		t.Errorf("last option resolves to %q, %v", data, ok)
	}

	wide := r.buildComponents("u1", [][]channels.Button{make([]channels.Button, 7)})
	if len(wide) != 2 {
		t.Errorf("7 buttons in one row became %d rows, want 2", len(wide))
	}
}

func TestConvertMessage(t *testing.T) {
	t.Parallel()

	author := &discordgo.User{ID: "7", Username: "ana"}
	tests := []struct {
		name    string
		msg     *discordgo.Message
		want    channels.MessageType
		content string
	}{
		{"command", &discordgo.Message{Author: author, Content: "/start now"}, channels.MessageCommand, "start"},
		{"bang command", &discordgo.Message{Author: author, Content: "!cancel"}, channels.MessageCommand, "cancel"},
		{"text", &discordgo.Message{Author: author, Content: "My Title"}, channels.MessageText, "My Title"},
		{"attachment", &discordgo.Message{Author: author, Attachments: []*discordgo.MessageAttachment{
			{URL: "https://cdn/movie.mkv", Filename: "movie.mkv", Size: 1024},
		}}, channels.MessageDocument, ""},
	}
	for _, tt := range tests {
		got := convertMessage(tt.msg)
		if got == nil || got.Type != tt.want || got.Content != tt.content {
			t.Errorf("%s: convertMessage() = %+v", tt.name, got)
		}
	}
	if got := convertMessage(&discordgo.Message{Author: author, Content: "  "}); got != nil {
		t.Errorf("blank message converted to %+v", got)
	}
	doc := convertMessage(tests[3].msg)
	if doc.Media.Ref != "https://cdn/movie.mkv" || doc.Media.Size != 1024 {
		t.Errorf("media = %+v", doc.Media)
	}
}

func TestSplitMessage(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("línea\n", 500)
	chunks := splitMessage(text, 2000)
	if strings.Join(chunks, "") != text {
		t.Error("chunks do not reassemble the text")
	}
	for _, c := range chunks {
		if len(c) > 2000 {
			t.Errorf("chunk of %d bytes", len(c))
		}
	}
}
