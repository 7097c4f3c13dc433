package history

import (
	"context"

	"github.com/voxlocal/kokorod/internal/speech"
)

// Record implements speech.Recorder on top of the store.
func (s *Store) Record(ctx context.Context, rec speech.GenerationRecord) error {
	return s.Insert(ctx, Entry{
		ID:                rec.ID,
		Mode:              rec.Mode,
		Voice:             rec.Voice,
		RequestedVoice:    rec.RequestedVoice,
		Language:          rec.Language,
		RequestedLanguage: rec.RequestedLanguage,
		Speed:             rec.Speed,
		Device:            rec.Device,
		TextChars:         rec.TextChars,
		Segments:          rec.Segments,
		DurationMS:        rec.Duration.Milliseconds(),
		Outcome:           rec.Outcome,
	})
}
