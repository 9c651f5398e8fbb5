package workflow

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"github.com/dustin/go-humanize"

	"github.com/jholhewres/mkvbot/pkg/mkvbot/mkvtoolnix"
	"github.com/jholhewres/mkvbot/pkg/mkvbot/session"
)

const maxFreeTextRunes = 256

func itoa(i int) string { return strconv.Itoa(i) }

func displayExt(name string) string {
	if ext := filepath.Ext(name); ext != "" {
		return ext
	}
	return "(none)"
}

// freeTextProblem describes why s cannot be used as a title or track name,
// or returns "".
func freeTextProblem(s string) string {
	if strings.IndexFunc(s, unicode.IsControl) >= 0 {
		return "The text must be a single line."
	}
	if len([]rune(s)) > maxFreeTextRunes {
		return fmt.Sprintf("The text is longer than %d characters.", maxFreeTextRunes)
	}
	return ""
}

var (
	cancelChoice = Choice{Label: "❌ Cancel", Data: dataCancel}
	backChoice   = Choice{Label: "⬅️ Back", Data: dataBack}
)

// actionMenu is the menu of AwaitingAction. The offered actions depend on
// the file set.
func actionMenu(s *session.Session, replace bool) Menu {
	var rows [][]Choice
	if len(s.Files) == 1 {
		f := s.Files[0]
		if isMatroska(f) {
			rows = append(rows, []Choice{{Label: "Extract Tracks", Data: dataExtract}})
		}
		if f.Kind == session.KindVideo {
			rows = append(rows, []Choice{{Label: "Add/Edit Metadata", Data: dataEdit}})
		}
	}
	rows = append(rows,
		[]Choice{{Label: "Mux (Combine Files)", Data: dataMux}},
		[]Choice{{Label: "Merge (Append Files)", Data: dataMerge}},
		[]Choice{{Label: "Add Another File", Data: dataAdd}, {Label: "View Added Files", Data: dataFiles}},
		[]Choice{{Label: "Remove Last File", Data: dataRemoveLast}, {Label: "Cancel", Data: dataCancel}},
	)

	var b strings.Builder
	b.WriteString("📁 Choose an action:\n")
	for i, f := range s.Files {
		fmt.Fprintf(&b, "\n%d. %s (%s)", i+1, f.Name, humanize.Bytes(uint64(f.Size)))
	}
	return Menu{Text: b.String(), Rows: rows, Replace: replace}
}

// filesMenu lists the uploaded files.
func filesMenu(s *session.Session, replace bool) Menu {
	var b strings.Builder
	b.WriteString("📁 Added files:\n")
	for i, f := range s.Files {
		fmt.Fprintf(&b, "\n%d. %s", i+1, f.Name)
		if f.Language != "" {
			fmt.Fprintf(&b, " (Language: %s)", LanguageName(f.Language))
		}
		fmt.Fprintf(&b, "\n    %s, %s", f.Kind, humanize.Bytes(uint64(f.Size)))
		if f.Probe != nil {
			fmt.Fprintf(&b, ", %s, %d track(s)", f.Probe.Container, len(f.Probe.Tracks))
		}
	}

	var rows [][]Choice
	if s.State == session.StateAwaitingAction {
		rows = [][]Choice{{{Label: "Back", Data: dataBack}}}
	}
	return Menu{Text: b.String(), Rows: rows, Replace: replace}
}

// paramsMenu renders the parameter screen of the selected action.
func paramsMenu(s *session.Session, replace bool) Menu {
	m := actionParamsMenu(s)
	if s.Params.OptionsFor >= 0 {
		m = trackOptionsMenu(s, s.Params.OptionsFor)
	}
	m.Replace = replace
	return m
}

func actionParamsMenu(s *session.Session) Menu {
	var m Menu
	switch s.Action {
	case session.ActionExtract:
		m = extractMenu(s)
	case session.ActionMux:
		m = muxMenu(s)
	case session.ActionMerge:
		m = mergeMenu(s)
	case session.ActionEdit:
		m = editMenu(s)
	}
	return m
}

func extractMenu(s *session.Session) Menu {
	f := s.Files[0]
	var rows [][]Choice
	for _, t := range f.Probe.Tracks {
		lang := s.Params.Languages[t.ID]
		rows = append(rows, []Choice{
			{Label: checkMark(s.Params.Selected(t.ID)) + " " + trackLabel(t, ""), Data: prefixTrack + itoa(t.ID)},
			{Label: "🌐 " + lang, Data: prefixLanguage + itoa(t.ID)},
		})
	}
	rows = append(rows,
		[]Choice{{Label: "Extract All", Data: dataAllTracks}},
		[]Choice{{Label: "▶️ Extract Selected", Data: dataGo}, backChoice, cancelChoice},
	)

	text := "Select tracks to extract:\n\n" + f.Name
	if n := len(s.Params.Tracks); n > 0 {
		text += fmt.Sprintf("\n%d track(s) selected.", n)
	}
	return Menu{Text: text, Rows: rows}
}

func muxMenu(s *session.Session) Menu {
	var b strings.Builder
	b.WriteString("Configure muxing options:\n")
	var rows [][]Choice
	for i, f := range s.Files {
		lang := s.Params.Languages[i]
		shown := lang
		if shown == "" {
			shown = "keep"
		}
		fmt.Fprintf(&b, "\n%d. %s [%s]", i+1, f.Name, shown)
		var row []Choice
		if f.Kind != session.KindVideo || hasTaggableTracks(f) {
			row = append(row, Choice{
				Label: fmt.Sprintf("🌐 %d. %s: %s", i+1, shortName(f.Name), shown),
				Data:  prefixLanguage + itoa(i),
			})
		}
		if f.Probe != nil && len(f.Probe.Tracks) > 0 {
			row = append(row, Choice{Label: "🎚 Tracks", Data: prefixOptions + itoa(i)})
		}
		if len(row) > 0 {
			rows = append(rows, row)
		}
	}
	fmt.Fprintf(&b, "\n\nTitle: %s", orDash(s.Params.Title))
	rows = append(rows,
		[]Choice{{Label: "Set Output Title", Data: dataTitle}},
		[]Choice{{Label: "▶️ Start Muxing", Data: dataGo}, backChoice, cancelChoice},
	)
	return Menu{Text: b.String(), Rows: rows}
}

func mergeMenu(s *session.Session) Menu {
	var b strings.Builder
	b.WriteString("Configure merging options:\n\nFiles are appended in this order:")
	for i, f := range s.Files {
		fmt.Fprintf(&b, "\n%d. %s", i+1, f.Name)
	}
	fmt.Fprintf(&b, "\n\nTitle: %s", orDash(s.Params.Title))
	rows := [][]Choice{{{Label: "Set Output Title", Data: dataTitle}}}
	if f := s.Files[0]; f.Probe != nil && len(f.Probe.Tracks) > 0 {
		rows = append(rows, []Choice{{Label: "🎚 Track Options", Data: prefixOptions + "0"}})
	}
	rows = append(rows, []Choice{{Label: "▶️ Start Merging", Data: dataGo}, backChoice, cancelChoice})
	return Menu{Text: b.String(), Rows: rows}
}

func editMenu(s *session.Session) Menu {
	f := s.Files[0]
	var b strings.Builder
	b.WriteString("Select metadata to edit:\n\n")
	current := ""
	if f.Probe != nil {
		current = f.Probe.Title
	}
	fmt.Fprintf(&b, "Title: %s", orDash(current))
	if s.Params.Title != "" {
		fmt.Fprintf(&b, " → %s", s.Params.Title)
	}

	rows := [][]Choice{{{Label: "Change Title", Data: dataTitle}}}
	if f.Probe != nil {
		for _, t := range f.Probe.Tracks {
			ref := session.TrackRef{File: 0, Track: t.ID}
			lang := t.Language
			if l, ok := s.Params.Languages[t.ID]; ok {
				lang = l
			}
			fmt.Fprintf(&b, "\n%s", trackLabel(t, lang))
			writeTrackDetails(&b, s, ref, t)
			rows = append(rows,
				[]Choice{
					{Label: "🌐 " + trackLabel(t, lang), Data: prefixLanguage + itoa(t.ID)},
					{Label: "🏷 Name", Data: prefixTrackName + refData(ref)},
				},
				flagChoices(s, ref, t),
			)
		}
	}
	rows = append(rows, []Choice{{Label: "▶️ Apply Changes", Data: dataGo}, backChoice, cancelChoice})
	return Menu{Text: b.String(), Rows: rows}
}

// trackOptionsMenu renames tracks and sets their flags for one file of a
// mux or merge.
func trackOptionsMenu(s *session.Session, file int) Menu {
	f := s.Files[file]
	var b strings.Builder
	fmt.Fprintf(&b, "🎚 Track options for %s:\n", f.Name)

	var rows [][]Choice
	for _, t := range f.Probe.Tracks {
		ref := session.TrackRef{File: file, Track: t.ID}
		fmt.Fprintf(&b, "\n%s", trackLabel(t, ""))
		writeTrackDetails(&b, s, ref, t)
		rows = append(rows, append(
			[]Choice{{Label: "🏷 " + itoa(t.ID), Data: prefixTrackName + refData(ref)}},
			flagChoices(s, ref, t)...,
		))
	}
	rows = append(rows, []Choice{backChoice, cancelChoice})
	return Menu{Text: b.String(), Rows: rows}
}

// writeTrackDetails appends the name and flags a track will have.
func writeTrackDetails(b *strings.Builder, s *session.Session, ref session.TrackRef, t mkvtoolnix.Track) {
	name := t.Name
	if n, ok := s.Params.TrackNames[ref]; ok {
		name = n
	}
	if name != "" {
		fmt.Fprintf(b, " %q", name)
	}
	flags := s.Params.FlagsOf(ref, t)
	if flags.Default {
		b.WriteString(" [default]")
	}
	if flags.Forced {
		b.WriteString(" [forced]")
	}
}

func flagChoices(s *session.Session, ref session.TrackRef, t mkvtoolnix.Track) []Choice {
	flags := s.Params.FlagsOf(ref, t)
	return []Choice{
		{Label: checkMark(flags.Default) + " Default", Data: prefixDefault + refData(ref)},
		{Label: checkMark(flags.Forced) + " Forced", Data: prefixForced + refData(ref)},
	}
}

func refData(ref session.TrackRef) string { return itoa(ref.File) + ":" + itoa(ref.Track) }

func checkMark(on bool) string {
	if on {
		return "✅"
	}
	return "⬜"
}

// languageMenu is the language picker for a track or file.
func languageMenu(s *session.Session, id int) Menu {
	var target string
	switch s.Action {
	case session.ActionMux:
		if f, ok := s.File(id); ok {
			target = "file " + itoa(id+1) + " (" + f.Name + ")"
		}
	default:
		if t, ok := s.Files[0].Probe.Track(id); ok {
			target = "track " + trackLabel(t, "")
		}
	}

	var rows [][]Choice
	var row []Choice
	for _, l := range Languages {
		label := l.Name
		if s.Params.Languages[id] == l.Code {
			label = "✅ " + label
		}
		row = append(row, Choice{Label: label, Data: fmt.Sprintf("%s%d:%s", prefixSetLang, id, l.Code)})
		if len(row) == 3 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	rows = append(rows, []Choice{
		{Label: "Undetermined", Data: fmt.Sprintf("%s%d:%s", prefixSetLang, id, UndeterminedLanguage)},
		backChoice,
	})
	return Menu{Text: "🌐 Choose the language for " + target + ":", Rows: rows, Replace: true}
}

func hasTaggableTracks(f session.File) bool {
	if f.Probe == nil {
		return false
	}
	return len(f.Probe.TracksOf(mkvtoolnix.TrackAudio))+len(f.Probe.TracksOf(mkvtoolnix.TrackSubtitles)) > 0
}

func shortName(name string) string {
	const max = 24
	r := []rune(name)
	if len(r) <= max {
		return name
	}
	return string(r[:max-1]) + "…"
}

func orDash(s string) string {
	if s == "" {
		return "—"
	}
	return s
}

// progressBar renders "▰▰▰▱▱▱▱▱▱▱ 30%".
func progressBar(pct int) string {
	const width = 10
	pct = min(max(pct, 0), 100)
	filled := pct * width / 100
	return strings.Repeat("▰", filled) + strings.Repeat("▱", width-filled) + " " + itoa(pct) + "%"
}
