package mkvtoolnix

import (
	"fmt"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

// languagePattern accepts ISO 639-1/639-2 codes and simple BCP 47 tags.
var languagePattern = regexp.MustCompile(`^[a-z]{2,3}(-[A-Za-z0-9]{1,8})*$`)

// codecExtensions maps Matroska codec ID prefixes to the file extension
// mkvextract output should carry. Longer prefixes are listed first.
var codecExtensions = []struct {
	prefix string
	ext    string
}{
	{"V_MPEG4/ISO/AVC", ".h264"},
	{"V_MPEGH/ISO/HEVC", ".h265"},
	{"V_MPEG1", ".mpg"},
	{"V_MPEG2", ".mpg"},
	{"V_AV1", ".ivf"},
	{"V_VP8", ".ivf"},
	{"V_VP9", ".ivf"},
	{"V_MS/VFW/FOURCC", ".avi"},
	{"A_AAC", ".aac"},
	{"A_EAC3", ".eac3"},
	{"A_AC3", ".ac3"},
	{"A_TRUEHD", ".thd"},
	{"A_DTS", ".dts"},
	{"A_OPUS", ".opus"},
	{"A_FLAC", ".flac"},
	{"A_VORBIS", ".ogg"},
	{"A_MPEG/L3", ".mp3"},
	{"A_MPEG/L2", ".mp2"},
	{"A_PCM", ".wav"},
	{"S_TEXT/UTF8", ".srt"},
	{"S_TEXT/ASCII", ".srt"},
	{"S_TEXT/ASS", ".ass"},
	{"S_TEXT/SSA", ".ssa"},
	{"S_ASS", ".ass"},
	{"S_SSA", ".ssa"},
	{"S_TEXT/WEBVTT", ".vtt"},
	{"S_HDMV/PGS", ".sup"},
	{"S_VOBSUB", ".sub"},
}

// ExtensionForCodec returns the output extension for a codec ID, ".bin" when unknown.
func ExtensionForCodec(codecID string) string {
	for _, c := range codecExtensions {
		if strings.HasPrefix(codecID, c.prefix) {
			return c.ext
		}
	}
	return ".bin"
}

// ValidLanguage reports whether code can be passed to --language.
func ValidLanguage(code string) bool {
	return languagePattern.MatchString(code)
}

// ExtractTrack selects one track for extraction.
type ExtractTrack struct {
	ID       int
	CodecID  string
	Language string
}

// ExtractOutputName returns the file name mkvextract writes for a track:
// <stem>.track<id>.<lang>.<ext>.
func ExtractOutputName(input string, t ExtractTrack) string {
	stem := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	lang := t.Language
	if lang == "" {
		lang = "und"
	}
	return fmt.Sprintf("%s.track%d.%s%s", stem, t.ID, lang, ExtensionForCodec(t.CodecID))
}

// BuildExtract builds `mkvextract <in> tracks <id>:<out>...`.
func BuildExtract(input, outDir string, tracks []ExtractTrack) (*JobRequest, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}
	if err := validateDir(outDir); err != nil {
		return nil, err
	}
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: no tracks selected", ErrInvalidJob)
	}

	sorted := slices.Clone(tracks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	args := []string{input, "tracks"}
	var outputs []string
	for i, t := range sorted {
		if t.ID < 0 {
			return nil, fmt.Errorf("%w: negative track id %d", ErrInvalidJob, t.ID)
		}
		if i > 0 && sorted[i-1].ID == t.ID {
			return nil, fmt.Errorf("%w: track %d selected twice", ErrInvalidJob, t.ID)
		}
		if t.Language != "" && !ValidLanguage(t.Language) {
			return nil, fmt.Errorf("%w: invalid language %q", ErrInvalidJob, t.Language)
		}
		out := filepath.Join(outDir, ExtractOutputName(input, t))
		args = append(args, strconv.Itoa(t.ID)+":"+out)
		outputs = append(outputs, out)
		if strings.HasPrefix(t.CodecID, "S_VOBSUB") {
			// VobSub is written as an .idx/.sub pair.
			outputs = append(outputs, strings.TrimSuffix(out, ".sub")+".idx")
		}
	}

	return NewJobRequest(ToolMKVExtract, args, []string{input}, outputs, outDir), nil
}

// TrackFlags are the default and forced display flags of one track.
type TrackFlags struct {
	Default bool
	Forced  bool
}

// TrackEdits are per-track metadata overrides keyed by track ID. Tracks
// without an entry keep their source values.
type TrackEdits struct {
	Languages map[int]string
	Names     map[int]string
	Flags     map[int]TrackFlags
}

// args renders the mkvmerge options of the edits, ordered by track ID.
func (e TrackEdits) args() ([]string, error) {
	ids := slices.Concat(mapKeys(e.Languages), mapKeys(e.Names), mapKeys(e.Flags))
	sort.Ints(ids)
	ids = slices.Compact(ids)

	var args []string
	for _, id := range ids {
		if id < 0 {
			return nil, fmt.Errorf("%w: negative track id %d", ErrInvalidJob, id)
		}
		if lang := e.Languages[id]; lang != "" {
			if !ValidLanguage(lang) {
				return nil, fmt.Errorf("%w: invalid language %q", ErrInvalidJob, lang)
			}
			args = append(args, "--language", fmt.Sprintf("%d:%s", id, lang))
		}
		if name := e.Names[id]; name != "" {
			if err := validateText("track name", name); err != nil {
				return nil, err
			}
			args = append(args, "--track-name", fmt.Sprintf("%d:%s", id, name))
		}
		if f, ok := e.Flags[id]; ok {
			args = append(args,
				"--default-track-flag", fmt.Sprintf("%d:%s", id, flagValue(f.Default)),
				"--forced-display-flag", fmt.Sprintf("%d:%s", id, flagValue(f.Forced)),
			)
		}
	}
	return args, nil
}

func flagValue(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func mapKeys[V any](m map[int]V) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	return ids
}

// MuxInput is one source file for a mux job. Language is applied to every
// track listed in TrackIDs; TrackNames and Flags are keyed by track ID.
type MuxInput struct {
	Path       string
	Language   string
	TrackIDs   []int
	TrackNames map[int]string
	Flags      map[int]TrackFlags
}

// BuildMux builds `mkvmerge -o <out> [--title T] ([--language tid:lang] [track options]... <file>)...`.
func BuildMux(output, title string, inputs []MuxInput) (*JobRequest, error) {
	if err := validateOutput(output); err != nil {
		return nil, err
	}
	if err := validateText("title", title); err != nil {
		return nil, err
	}
	if len(inputs) < 2 {
		return nil, fmt.Errorf("%w: mux needs at least two files", ErrInvalidJob)
	}

	args := []string{"-o", output}
	if title != "" {
		args = append(args, "--title", title)
	}
	paths := make([]string, 0, len(inputs))
	for _, in := range inputs {
		if err := validateInput(in.Path); err != nil {
			return nil, err
		}
		if in.Path == output {
			return nil, fmt.Errorf("%w: output overwrites input", ErrInvalidJob)
		}
		if in.Language != "" {
			if !ValidLanguage(in.Language) {
				return nil, fmt.Errorf("%w: invalid language %q", ErrInvalidJob, in.Language)
			}
			for _, id := range in.TrackIDs {
				args = append(args, "--language", fmt.Sprintf("%d:%s", id, in.Language))
			}
		}
		opts, err := TrackEdits{Names: in.TrackNames, Flags: in.Flags}.args()
		if err != nil {
			return nil, err
		}
		args = append(args, opts...)
		args = append(args, in.Path)
		paths = append(paths, in.Path)
	}

	return NewJobRequest(ToolMKVMerge, args, paths, []string{output}, filepath.Dir(output)), nil
}

// BuildMerge builds `mkvmerge -o <out> [--title T] [track options] <f1> + <f2> + ...`.
// The output tracks take their properties from the first file, so first
// applies to its tracks.
func BuildMerge(output, title string, inputs []string, first TrackEdits) (*JobRequest, error) {
	if err := validateOutput(output); err != nil {
		return nil, err
	}
	if err := validateText("title", title); err != nil {
		return nil, err
	}
	if len(inputs) < 2 {
		return nil, fmt.Errorf("%w: merge needs at least two files", ErrInvalidJob)
	}

	args := []string{"-o", output}
	if title != "" {
		args = append(args, "--title", title)
	}
	for i, in := range inputs {
		if err := validateInput(in); err != nil {
			return nil, err
		}
		if in == output {
			return nil, fmt.Errorf("%w: output overwrites input", ErrInvalidJob)
		}
		if i > 0 {
			args = append(args, "+")
		} else {
			opts, err := first.args()
			if err != nil {
				return nil, err
			}
			args = append(args, opts...)
		}
		args = append(args, in)
	}

	return NewJobRequest(ToolMKVMerge, args, inputs, []string{output}, filepath.Dir(output)), nil
}

// EditOptions are the metadata changes of an edit job. Empty values keep
// the source metadata.
type EditOptions struct {
	Title      string
	Languages  map[int]string
	TrackNames map[int]string
	Flags      map[int]TrackFlags
}

// BuildEdit builds `mkvmerge -o <out> [--title T] ([--language id:lang]
// [--track-name id:name] [--default-track-flag id:0|1 --forced-display-flag id:0|1])... <in>`.
func BuildEdit(input, output string, opts EditOptions) (*JobRequest, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}
	if err := validateOutput(output); err != nil {
		return nil, err
	}
	if input == output {
		return nil, fmt.Errorf("%w: output overwrites input", ErrInvalidJob)
	}
	if err := validateText("title", opts.Title); err != nil {
		return nil, err
	}

	args := []string{"-o", output}
	if opts.Title != "" {
		args = append(args, "--title", opts.Title)
	}
	edits, err := TrackEdits{Languages: opts.Languages, Names: opts.TrackNames, Flags: opts.Flags}.args()
	if err != nil {
		return nil, err
	}
	args = append(args, edits...)
	args = append(args, input)

	return NewJobRequest(ToolMKVMerge, args, []string{input}, []string{output}, filepath.Dir(output)), nil
}

func validateInput(path string) error {
	if path == "" || !filepath.IsAbs(path) {
		return fmt.Errorf("%w: input path must be absolute: %q", ErrInvalidJob, path)
	}
	// A leading dash would be read as an option.
	if strings.HasPrefix(filepath.Base(path), "-") {
		return fmt.Errorf("%w: input name starts with '-': %q", ErrInvalidJob, path)
	}
	return nil
}

func validateOutput(path string) error {
	if path == "" || !filepath.IsAbs(path) {
		return fmt.Errorf("%w: output path must be absolute: %q", ErrInvalidJob, path)
	}
	return nil
}

func validateDir(dir string) error {
	if dir == "" || !filepath.IsAbs(dir) {
		return fmt.Errorf("%w: output directory must be absolute: %q", ErrInvalidJob, dir)
	}
	return nil
}

func validateText(field, s string) error {
	if strings.IndexFunc(s, unicode.IsControl) >= 0 {
		return fmt.Errorf("%w: %s contains control characters", ErrInvalidJob, field)
	}
	return nil
}
