package workflow

import (
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"github.com/jholhewres/mkvbot/pkg/mkvbot/mkvtoolnix"
	"github.com/jholhewres/mkvbot/pkg/mkvbot/session"
)

// UndeterminedLanguage is the Matroska code for an unknown language.
const UndeterminedLanguage = "und"

// Language is one entry of the language picker.
type Language struct {
	// Code is the ISO 639-2 code passed to mkvmerge.
	Code string
	Name string
	// Aliases are matched against file name tokens.
	Aliases []string
}

// Languages is the language table, in picker order.
var Languages = []Language{
	{"eng", "English", []string{"en", "eng", "english"}},
	{"hin", "Hindi", []string{"hi", "hin", "hindi"}},
	{"tam", "Tamil", []string{"ta", "tam", "tamil"}},
	{"ben", "Bengali", []string{"bn", "ben", "bengali", "bangla"}},
	{"mar", "Marathi", []string{"mr", "mar", "marathi"}},
	{"guj", "Gujarati", []string{"gu", "guj", "gujarati"}},
	{"kan", "Kannada", []string{"kn", "kan", "kannada"}},
	{"mal", "Malayalam", []string{"ml", "mal", "malayalam"}},
	{"tel", "Telugu", []string{"te", "tel", "telugu"}},
	{"pan", "Punjabi", []string{"pa", "pan", "punjabi"}},
	{"ori", "Odia", []string{"or", "ori", "odia", "oriya"}},
	{"asm", "Assamese", []string{"as", "asm", "assamese"}},
	{"nep", "Nepali", []string{"ne", "nep", "nepali"}},
	{"san", "Sanskrit", []string{"sa", "san", "sanskrit"}},
	{"urd", "Urdu", []string{"ur", "urd", "urdu"}},
	{"spa", "Spanish", []string{"es", "spa", "spanish"}},
	{"fre", "French", []string{"fr", "fre", "fra", "french"}},
	{"ger", "German", []string{"de", "ger", "deu", "german"}},
	{"ita", "Italian", []string{"it", "ita", "italian"}},
	{"por", "Portuguese", []string{"pt", "por", "portuguese"}},
	{"rus", "Russian", []string{"ru", "rus", "russian"}},
	{"jpn", "Japanese", []string{"ja", "jpn", "japanese"}},
	{"kor", "Korean", []string{"ko", "kor", "korean"}},
	{"chi", "Chinese", []string{"zh", "chi", "zho", "chinese"}},
	{"ara", "Arabic", []string{"ar", "ara", "arabic"}},
}

var (
	lower = cases.Lower(language.Und)
	title = cases.Title(language.English)
)

// LanguageName returns the display name of a code, or the code itself.
func LanguageName(code string) string {
	if code == "" || code == UndeterminedLanguage {
		return "Undetermined"
	}
	for _, l := range Languages {
		if l.Code == code {
			return l.Name
		}
	}
	return code
}

// knownLanguage reports whether code is in the table or "und".
func knownLanguage(code string) bool {
	if code == UndeterminedLanguage {
		return true
	}
	for _, l := range Languages {
		if l.Code == code {
			return true
		}
	}
	return false
}

// DetectLanguage looks for a language in the tokens of a file name and
// returns its ISO 639-2 code, or "" when none matches. Names and three
// letter codes match any token; two letter codes only match the last token
// of the stem, since short codes like "as" or "or" are ordinary words.
func DetectLanguage(filename string) string {
	stem := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	stem = lower.String(norm.NFKC.String(stem))
	tokens := strings.FieldsFunc(stem, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	for i := len(tokens) - 1; i >= 0; i-- {
		tok := tokens[i]
		if len(tok) < 2 || (len(tok) == 2 && i != len(tokens)-1) {
			continue
		}
		for _, l := range Languages {
			for _, alias := range l.Aliases {
				if tok == alias {
					return l.Code
				}
			}
		}
	}
	return ""
}

// suggestLanguage picks the language pre-filled for a track: its own
// language when known, else the one detected from the file name, else "und".
func suggestLanguage(t mkvtoolnix.Track, f session.File) string {
	if t.Language != "" && t.Language != UndeterminedLanguage {
		return t.Language
	}
	if f.Language != "" {
		return f.Language
	}
	return UndeterminedLanguage
}

// trackLabel renders "Audio 1: AAC [hin]".
func trackLabel(t mkvtoolnix.Track, lang string) string {
	kind := title.String(string(t.Type))
	if t.Type == mkvtoolnix.TrackSubtitles {
		kind = "Subtitle"
	}
	codec := t.Codec
	if codec == "" {
		codec = t.CodecID
	}
	label := kind + " " + itoa(t.ID)
	if codec != "" {
		label += ": " + codec
	}
	if lang != "" {
		label += " [" + lang + "]"
	}
	return label
}
