package workflow

import (
	"path/filepath"
	"strings"

	"github.com/jholhewres/mkvbot/pkg/mkvbot/session"
)

// supportedExtensions lists the accepted upload extensions per kind.
var supportedExtensions = map[session.FileKind][]string{
	session.KindVideo:    {".mkv", ".mp4", ".avi", ".webm", ".mov"},
	session.KindAudio:    {".aac", ".ac3", ".dts", ".mp3", ".opus", ".flac", ".wav"},
	session.KindSubtitle: {".srt", ".ass", ".ssa", ".vtt", ".pgs", ".sub"},
}

const supportedFormatsText = "Supported formats:\n" +
	"- Video: MKV, MP4, AVI, WebM, MOV\n" +
	"- Audio: AAC, AC3, DTS, MP3, Opus, FLAC, WAV\n" +
	"- Subtitles: SRT, ASS, SSA, VTT, PGS, SUB"

// ClassifyFile returns the kind of a file by its extension.
func ClassifyFile(name string) (session.FileKind, bool) {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return "", false
	}
	for kind, exts := range supportedExtensions {
		for _, e := range exts {
			if e == ext {
				return kind, true
			}
		}
	}
	return "", false
}

// isMatroska reports whether a probed file can be read by mkvextract.
func isMatroska(f session.File) bool {
	if f.Probe == nil {
		return false
	}
	switch strings.ToLower(f.Probe.Container) {
	case "matroska", "webm":
		return true
	}
	return false
}
