package mkvtoolnix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// probeOutputBytes bounds the captured identification output. Probe output
// must not be truncated or the JSON would not parse.
const probeOutputBytes = 8 << 20

// TrackType is the kind of an elementary stream.
type TrackType string

const (
	TrackVideo     TrackType = "video"
	TrackAudio     TrackType = "audio"
	TrackSubtitles TrackType = "subtitles"
)

// Track is one elementary stream of a container.
type Track struct {
	// ID is the track ID used by mkvmerge and mkvextract.
	ID       int       `json:"id"`
	Type     TrackType `json:"type"`
	Codec    string    `json:"codec"`
	CodecID  string    `json:"codec_id"`
	Language string    `json:"language"`
	Name     string    `json:"name,omitempty"`
	Default  bool      `json:"default"`
	Forced   bool      `json:"forced"`
}

// ProbeResult is the read-only listing of a media file.
type ProbeResult struct {
	Container string        `json:"container"`
	Title     string        `json:"title,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Tracks    []Track       `json:"tracks"`
}

// Track returns the track with the given ID.
func (p *ProbeResult) Track(id int) (Track, bool) {
	if p == nil {
		return Track{}, false
	}
	for _, t := range p.Tracks {
		if t.ID == id {
			return t, true
		}
	}
	return Track{}, false
}

// TracksOf returns the tracks of one type.
func (p *ProbeResult) TracksOf(kind TrackType) []Track {
	if p == nil {
		return nil
	}
	var out []Track
	for _, t := range p.Tracks {
		if t.Type == kind {
			out = append(out, t)
		}
	}
	return out
}

// Probe lists the container metadata and tracks of path with the configured
// probe tool. It never writes any file.
func (r *Runner) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	if err := validateInput(path); err != nil {
		return nil, err
	}

	tool := ToolMKVMerge
	args := []string{"-J", path}
	if r.cfg.ProbeTool == string(ToolMKVInfo) {
		tool = ToolMKVInfo
		args = []string{"--ui-language", "en_US", path}
	}

	probeRunner := *r
	probeRunner.cfg.MaxOutputBytes = probeOutputBytes
	probeRunner.cfg.AcceptWarnings = true

	req := NewJobRequest(tool, args, []string{path}, nil, "")
	res, err := probeRunner.execute(ctx, req, func(Progress) {})
	if err != nil {
		var pe *ProcessError
		if errors.As(err, &pe) && tool == ToolMKVMerge && res != nil {
			// mkvmerge reports unreadable files inside the JSON document.
			if _, perr := ParseIdentify([]byte(res.Stdout)); perr != nil {
				return nil, fmt.Errorf("probing %s: %w", path, errors.Join(err, perr))
			}
		}
		return nil, fmt.Errorf("probing %s: %w", path, err)
	}

	if tool == ToolMKVInfo {
		return ParseInfo(res.Stdout)
	}
	return ParseIdentify([]byte(res.Stdout))
}

// identification mirrors the parts of `mkvmerge -J` output the bot uses.
type identification struct {
	Container struct {
		Recognized bool   `json:"recognized"`
		Supported  bool   `json:"supported"`
		Type       string `json:"type"`
		Properties struct {
			Title    string `json:"title"`
			Duration int64  `json:"duration"`
		} `json:"properties"`
	} `json:"container"`
	Errors []string `json:"errors"`
	Tracks []struct {
		ID         int    `json:"id"`
		Type       string `json:"type"`
		Codec      string `json:"codec"`
		Properties struct {
			CodecID      string `json:"codec_id"`
			Language     string `json:"language"`
			LanguageIETF string `json:"language_ietf"`
			TrackName    string `json:"track_name"`
			DefaultTrack bool   `json:"default_track"`
			ForcedTrack  bool   `json:"forced_track"`
		} `json:"properties"`
	} `json:"tracks"`
}

// ParseIdentify parses the JSON identification printed by `mkvmerge -J`.
func ParseIdentify(data []byte) (*ProbeResult, error) {
	var id identification
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("decoding mkvmerge identification: %w", err)
	}
	if len(id.Errors) > 0 {
		return nil, fmt.Errorf("mkvmerge: %s", strings.Join(id.Errors, "; "))
	}
	if !id.Container.Recognized && id.Container.Type == "" {
		return nil, errors.New("mkvmerge: container not recognized")
	}

	res := &ProbeResult{
		Container: id.Container.Type,
		Title:     id.Container.Properties.Title,
		Duration:  time.Duration(id.Container.Properties.Duration),
	}
	for _, t := range id.Tracks {
		lang := t.Properties.Language
		if lang == "" {
			lang = "und"
		}
		res.Tracks = append(res.Tracks, Track{
			ID:       t.ID,
			Type:     TrackType(t.Type),
			Codec:    t.Codec,
			CodecID:  t.Properties.CodecID,
			Language: lang,
			Name:     t.Properties.TrackName,
			Default:  t.Properties.DefaultTrack,
			Forced:   t.Properties.ForcedTrack,
		})
	}
	return res, nil
}

var trackNumberPattern = regexp.MustCompile(`track ID for mkvmerge & mkvextract:\s*(\d+)`)

// ParseInfo parses the tree printed by mkvinfo. Elements are nested by their
// position of the '+' marker:
//
//	|+ Tracks
//	| + Track
//	|  + Track number: 1 (track ID for mkvmerge & mkvextract: 0)
//	|  + Track type: video
func ParseInfo(out string) (*ProbeResult, error) {
	res := &ProbeResult{Container: "Matroska"}

	var (
		section    string
		track      *Track
		trackDepth = -1
	)
	flush := func() {
		if track != nil {
			if track.Language == "" {
				track.Language = "eng" // Matroska default when the element is absent.
			}
			res.Tracks = append(res.Tracks, *track)
			track = nil
			trackDepth = -1
		}
	}

	for _, raw := range strings.Split(out, "\n") {
		raw = strings.TrimRight(raw, "\r")
		depth := strings.IndexByte(raw, '+')
		if depth < 0 {
			continue
		}
		content := strings.TrimSpace(raw[depth+1:])

		if track != nil && depth <= trackDepth {
			flush()
		}
		if depth == 1 {
			section = content
		}

		if content == "Track" || content == "A track" {
			flush()
			track = &Track{Default: true}
			trackDepth = depth
			continue
		}

		key, value, ok := strings.Cut(content, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)

		if track == nil {
			switch {
			case key == "Document type" && value == "webm":
				res.Container = "WebM"
			case key == "Title" && strings.HasPrefix(section, "Segment information"):
				res.Title = value
			}
			continue
		}

		if depth != trackDepth+1 {
			continue
		}
		switch key {
		case "Track number":
			m := trackNumberPattern.FindStringSubmatch(value)
			if m == nil {
				// Old mkvinfo versions print only the number, which is one based.
				n, err := strconv.Atoi(strings.TrimSpace(strings.SplitN(value, " ", 2)[0]))
				if err != nil || n < 1 {
					return nil, fmt.Errorf("mkvinfo: bad track number %q", value)
				}
				track.ID = n - 1
				continue
			}
			track.ID, _ = strconv.Atoi(m[1])
		case "Track type":
			track.Type = TrackType(value)
		case "Codec ID":
			track.CodecID = value
			track.Codec = value
		case "Language":
			track.Language = value
		case "Name":
			track.Name = value
		case `"Default track" flag`, `"Default flag"`, "Default flag":
			track.Default = value == "1"
		case `"Forced display" flag`, `"Forced track" flag`, "Forced flag":
			track.Forced = value == "1"
		}
	}
	flush()

	if len(res.Tracks) == 0 && res.Title == "" {
		return nil, errors.New("mkvinfo: no segment information found")
	}
	return res, nil
}
