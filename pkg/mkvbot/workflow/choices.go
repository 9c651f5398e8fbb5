package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jholhewres/mkvbot/pkg/mkvbot/mkvtoolnix"
	"github.com/jholhewres/mkvbot/pkg/mkvbot/session"
)

// Callback data understood by HandleChoice.
const (
	dataExtract    = "act:extract"
	dataMux        = "act:mux"
	dataMerge      = "act:merge"
	dataEdit       = "act:edit"
	dataAdd        = "act:add"
	dataFiles      = "act:files"
	dataRemoveLast = "act:remove_last"
	dataBack       = "back"
	dataAllTracks  = "trk:all"
	dataTitle      = "title"
	dataGo         = "go"
	dataCancel     = "cancel"

	prefixTrack     = "trk:"
	prefixLanguage  = "lang:"
	prefixSetLang   = "setlang:"
	prefixTrackName = "tname:"
	prefixDefault   = "dflt:"
	prefixForced    = "frcd:"
	prefixOptions   = "opts:"
)

// HandleChoice handles a button press.
func (c *Controller) HandleChoice(ctx context.Context, u session.User, data string) error {
	key := u.Key()
	s, ok := c.store.Get(key)
	if !ok {
		return c.sessionError(ctx, u, session.ErrNoSession)
	}

	if data == dataCancel {
		c.discard(key)
		c.emitMenu(ctx, u, Menu{Text: "Operation cancelled.", Replace: true})
		return nil
	}
	if s.Busy() {
		c.emitConflict(ctx, u, s, true)
		return ErrSessionConflict
	}

	switch {
	case data == dataExtract, data == dataEdit, data == dataMux, data == dataMerge:
		return c.chooseAction(ctx, u, session.Action(strings.TrimPrefix(data, "act:")))

	case data == dataAdd:
		if s.State != session.StateAwaitingAction {
			return c.sessionError(ctx, u, ErrStaleMenu)
		}
		if len(s.Files) >= c.cfg.MaxFiles {
			c.emitAlert(ctx, u, fmt.Sprintf("You can add at most %d files.", c.cfg.MaxFiles))
			return fmt.Errorf("%w: file limit reached", ErrValidation)
		}
		c.emitAlert(ctx, u, "Please send the next file.")
		return nil

	case data == dataFiles:
		if len(s.Files) == 0 {
			return c.sessionError(ctx, u, ErrStaleMenu)
		}
		c.emitMenu(ctx, u, filesMenu(s, true))
		return nil

	case data == dataRemoveLast:
		return c.removeLast(ctx, u)

	case data == dataBack:
		return c.back(ctx, u)

	case data == dataGo:
		return c.start(ctx, u)

	case data == dataTitle:
		return c.prompt(ctx, u, session.PromptTitle, session.TrackRef{})

	case strings.HasPrefix(data, prefixTrackName):
		ref, ok := parseTrackRef(strings.TrimPrefix(data, prefixTrackName))
		if !ok {
			return c.sessionError(ctx, u, ErrStaleMenu)
		}
		return c.prompt(ctx, u, session.PromptTrackName, ref)

	case strings.HasPrefix(data, prefixDefault), strings.HasPrefix(data, prefixForced):
		forced := strings.HasPrefix(data, prefixForced)
		ref, ok := parseTrackRef(data[len(prefixDefault):])
		if !ok {
			return c.sessionError(ctx, u, ErrStaleMenu)
		}
		return c.toggleFlag(ctx, u, ref, forced)

	case strings.HasPrefix(data, prefixOptions):
		file, err := strconv.Atoi(strings.TrimPrefix(data, prefixOptions))
		if err != nil {
			return c.sessionError(ctx, u, ErrStaleMenu)
		}
		return c.openTrackOptions(ctx, u, file)

	case data == dataAllTracks || strings.HasPrefix(data, prefixTrack):
		return c.toggleTrack(ctx, u, strings.TrimPrefix(data, prefixTrack))

	case strings.HasPrefix(data, prefixLanguage):
		id, err := strconv.Atoi(strings.TrimPrefix(data, prefixLanguage))
		if err != nil {
			return c.sessionError(ctx, u, ErrStaleMenu)
		}
		return c.openLanguagePicker(ctx, u, id)

	case strings.HasPrefix(data, prefixSetLang):
		idStr, code, found := strings.Cut(strings.TrimPrefix(data, prefixSetLang), ":")
		id, err := strconv.Atoi(idStr)
		if !found || err != nil {
			return c.sessionError(ctx, u, ErrStaleMenu)
		}
		return c.setLanguage(ctx, u, id, code)

	default:
		c.emitAlert(ctx, u, "Unknown action.")
		return fmt.Errorf("%w: unknown choice %q", ErrValidation, data)
	}
}

// chooseAction moves AwaitingAction to AwaitingParameters(action).
func (c *Controller) chooseAction(ctx context.Context, u session.User, action session.Action) error {
	var reject string
	updated, err := c.store.Update(u.Key(), func(s *session.Session) error {
		if s.State != session.StateAwaitingAction {
			return ErrStaleMenu
		}
		switch action {
		case session.ActionExtract:
			if len(s.Files) != 1 || !isMatroska(s.Files[0]) {
				reject = "Please send a single Matroska (MKV) file first."
				return ErrValidation
			}
		case session.ActionEdit:
			if len(s.Files) != 1 || s.Files[0].Kind != session.KindVideo {
				reject = "Please send a single video file first."
				return ErrValidation
			}
		case session.ActionMux:
			if len(s.Files) < 2 {
				reject = "Please send at least 2 files to mux."
				return ErrValidation
			}
		case session.ActionMerge:
			if len(s.Files) < 2 {
				reject = "Please send at least 2 files to merge."
				return ErrValidation
			}
		}

		s.ResetParams()
		s.Action = action
		s.State = session.StateAwaitingParameters
		prefillLanguages(s)
		return nil
	})
	if err != nil {
		if reject != "" {
			c.emitAlert(ctx, u, reject)
		}
		return c.sessionError(ctx, u, err)
	}

	c.logger.Debug("action selected", "user", u.Key(), "action", action)
	c.emitMenu(ctx, u, paramsMenu(updated, true))
	return nil
}

// prefillLanguages stores the suggested language per track (extract, edit)
// or per file (mux).
func prefillLanguages(s *session.Session) {
	switch s.Action {
	case session.ActionExtract:
		f := s.Files[0]
		if f.Probe == nil {
			return
		}
		for _, t := range f.Probe.Tracks {
			s.Params.Languages[t.ID] = suggestLanguage(t, f)
		}
	case session.ActionEdit:
		// Only unknown languages are changed by default.
		f := s.Files[0]
		if f.Probe == nil {
			return
		}
		for _, t := range f.Probe.Tracks {
			if t.Type == mkvtoolnix.TrackVideo {
				continue
			}
			if lang := suggestLanguage(t, f); lang != t.Language && lang != UndeterminedLanguage {
				s.Params.Languages[t.ID] = lang
			}
		}
	case session.ActionMux:
		for i, f := range s.Files {
			if f.Language != "" {
				s.Params.Languages[i] = f.Language
			}
		}
	}
}

func (c *Controller) toggleTrack(ctx context.Context, u session.User, arg string) error {
	updated, err := c.store.Update(u.Key(), func(s *session.Session) error {
		if s.State != session.StateAwaitingParameters || s.Action != session.ActionExtract {
			return ErrStaleMenu
		}
		tracks := s.Files[0].Probe.Tracks

		if arg == "all" {
			if len(s.Params.Tracks) == len(tracks) {
				s.Params.Tracks = nil
				return nil
			}
			s.Params.Tracks = s.Params.Tracks[:0]
			for _, t := range tracks {
				s.Params.Tracks = append(s.Params.Tracks, t.ID)
			}
			return nil
		}

		id, err := strconv.Atoi(arg)
		if err != nil {
			return ErrStaleMenu
		}
		if _, ok := s.Files[0].Probe.Track(id); !ok {
			return ErrStaleMenu
		}
		if s.Params.Selected(id) {
			kept := s.Params.Tracks[:0]
			for _, t := range s.Params.Tracks {
				if t != id {
					kept = append(kept, t)
				}
			}
			s.Params.Tracks = kept
		} else {
			s.Params.Tracks = append(s.Params.Tracks, id)
		}
		return nil
	})
	if err != nil {
		return c.sessionError(ctx, u, err)
	}
	c.emitMenu(ctx, u, paramsMenu(updated, true))
	return nil
}

func (c *Controller) openLanguagePicker(ctx context.Context, u session.User, id int) error {
	updated, err := c.store.Update(u.Key(), func(s *session.Session) error {
		if s.State != session.StateAwaitingParameters || !languageTarget(s, id) {
			return ErrStaleMenu
		}
		s.Params.LanguageFor = id
		s.Params.Prompt = session.PromptNone
		return nil
	})
	if err != nil {
		return c.sessionError(ctx, u, err)
	}
	c.emitMenu(ctx, u, languageMenu(updated, id))
	return nil
}

func (c *Controller) setLanguage(ctx context.Context, u session.User, id int, code string) error {
	if !knownLanguage(code) {
		c.emitAlert(ctx, u, "Unknown language.")
		return fmt.Errorf("%w: unknown language %q", ErrValidation, code)
	}
	updated, err := c.store.Update(u.Key(), func(s *session.Session) error {
		if s.State != session.StateAwaitingParameters || s.Params.LanguageFor != id {
			return ErrStaleMenu
		}
		s.Params.Languages[id] = code
		s.Params.LanguageFor = -1
		return nil
	})
	if err != nil {
		return c.sessionError(ctx, u, err)
	}
	c.emitMenu(ctx, u, paramsMenu(updated, true))
	return nil
}

// languageTarget reports whether id names a track (extract, edit) or a
// file (mux) of the session.
func languageTarget(s *session.Session, id int) bool {
	switch s.Action {
	case session.ActionExtract, session.ActionEdit:
		_, ok := s.Files[0].Probe.Track(id)
		return ok
	case session.ActionMux:
		return id >= 0 && id < len(s.Files)
	}
	return false
}

// parseTrackRef parses "<file>:<track>".
func parseTrackRef(arg string) (session.TrackRef, bool) {
	fs, ts, found := strings.Cut(arg, ":")
	file, err1 := strconv.Atoi(fs)
	track, err2 := strconv.Atoi(ts)
	if !found || err1 != nil || err2 != nil {
		return session.TrackRef{}, false
	}
	return session.TrackRef{File: file, Track: track}, true
}

// trackTarget returns the probed track ref points at when the action can
// rename it or change its flags. Mux accepts any file, edit and merge only
// the first one.
func trackTarget(s *session.Session, ref session.TrackRef) (mkvtoolnix.Track, bool) {
	switch s.Action {
	case session.ActionEdit, session.ActionMerge:
		if ref.File != 0 {
			return mkvtoolnix.Track{}, false
		}
	case session.ActionMux:
		if ref.File < 0 || ref.File >= len(s.Files) {
			return mkvtoolnix.Track{}, false
		}
	default:
		return mkvtoolnix.Track{}, false
	}
	f := s.Files[ref.File]
	if f.Probe == nil {
		return mkvtoolnix.Track{}, false
	}
	return f.Probe.Track(ref.Track)
}

// optionsTarget reports whether the track options screen can open for file.
func optionsTarget(s *session.Session, file int) bool {
	switch s.Action {
	case session.ActionMux:
		return file >= 0 && file < len(s.Files) && s.Files[file].Probe != nil
	case session.ActionMerge:
		return file == 0 && s.Files[0].Probe != nil
	}
	return false
}

func (c *Controller) openTrackOptions(ctx context.Context, u session.User, file int) error {
	updated, err := c.store.Update(u.Key(), func(s *session.Session) error {
		if s.State != session.StateAwaitingParameters || !optionsTarget(s, file) {
			return ErrStaleMenu
		}
		s.Params.OptionsFor = file
		s.Params.LanguageFor = -1
		s.Params.Prompt = session.PromptNone
		return nil
	})
	if err != nil {
		return c.sessionError(ctx, u, err)
	}
	c.emitMenu(ctx, u, paramsMenu(updated, true))
	return nil
}

// toggleFlag flips the default or forced flag of a track. An override equal
// to what the file already carries is dropped.
func (c *Controller) toggleFlag(ctx context.Context, u session.User, ref session.TrackRef, forced bool) error {
	updated, err := c.store.Update(u.Key(), func(s *session.Session) error {
		if s.State != session.StateAwaitingParameters {
			return ErrStaleMenu
		}
		t, ok := trackTarget(s, ref)
		if !ok {
			return ErrStaleMenu
		}
		flags := s.Params.FlagsOf(ref, t)
		if forced {
			flags.Forced = !flags.Forced
		} else {
			flags.Default = !flags.Default
		}
		if flags == (mkvtoolnix.TrackFlags{Default: t.Default, Forced: t.Forced}) {
			delete(s.Params.Flags, ref)
		} else {
			s.Params.Flags[ref] = flags
		}
		return nil
	})
	if err != nil {
		return c.sessionError(ctx, u, err)
	}
	c.emitMenu(ctx, u, paramsMenu(updated, true))
	return nil
}

func (c *Controller) prompt(ctx context.Context, u session.User, p session.Prompt, ref session.TrackRef) error {
	updated, err := c.store.Update(u.Key(), func(s *session.Session) error {
		if s.State != session.StateAwaitingParameters || s.Action == session.ActionExtract {
			return ErrStaleMenu
		}
		if p == session.PromptTrackName {
			if _, ok := trackTarget(s, ref); !ok {
				return ErrStaleMenu
			}
		}
		s.Params.Prompt = p
		s.Params.PromptTrack = ref
		s.Params.LanguageFor = -1
		return nil
	})
	if err != nil {
		return c.sessionError(ctx, u, err)
	}

	switch {
	case p == session.PromptTitle:
		c.emitText(ctx, u, "✏️ Send the output title as a message. Send - to clear it.")
	case updated.Action == session.ActionMux:
		c.emitText(ctx, u, fmt.Sprintf("✏️ Send the new name for track %d of %s. Send - to keep the current one.",
			ref.Track, updated.Files[ref.File].Name))
	default:
		c.emitText(ctx, u, fmt.Sprintf("✏️ Send the new name for track %d. Send - to keep the current one.", ref.Track))
	}
	return nil
}

// back closes the language picker or the track options, or returns to the
// action menu.
func (c *Controller) back(ctx context.Context, u session.User) error {
	updated, err := c.store.Update(u.Key(), func(s *session.Session) error {
		switch s.State {
		case session.StateAwaitingParameters:
			if s.Params.LanguageFor >= 0 {
				s.Params.LanguageFor = -1
				return nil
			}
			if s.Params.OptionsFor >= 0 {
				s.Params.OptionsFor = -1
				return nil
			}
			s.ResetParams()
			s.State = session.StateAwaitingAction
			return nil
		case session.StateAwaitingAction:
			return nil
		default:
			return ErrStaleMenu
		}
	})
	if err != nil {
		return c.sessionError(ctx, u, err)
	}
	if updated.State == session.StateAwaitingParameters {
		c.emitMenu(ctx, u, paramsMenu(updated, true))
		return nil
	}
	c.emitMenu(ctx, u, actionMenu(updated, true))
	return nil
}

func (c *Controller) removeLast(ctx context.Context, u session.User) error {
	var removed session.File
	updated, err := c.store.Update(u.Key(), func(s *session.Session) error {
		if s.State != session.StateAwaitingAction {
			return ErrStaleMenu
		}
		if len(s.Files) == 0 {
			return fmt.Errorf("%w: no files", ErrValidation)
		}
		removed = s.Files[len(s.Files)-1]
		s.Files = s.Files[:len(s.Files)-1]
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrValidation) && !errors.Is(err, ErrStaleMenu) {
			c.emitAlert(ctx, u, "No files to remove.")
		}
		return c.sessionError(ctx, u, err)
	}

	if err := os.Remove(removed.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.logger.Warn("failed to delete removed file", "path", removed.Path, "error", err)
	}
	c.emitAlert(ctx, u, "Removed: "+removed.Name)

	if len(updated.Files) == 0 {
		c.discard(u.Key())
		c.emitMenu(ctx, u, Menu{Text: "All files removed. Send a file to start again.", Replace: true})
		return nil
	}
	c.emitMenu(ctx, u, actionMenu(updated, true))
	return nil
}
