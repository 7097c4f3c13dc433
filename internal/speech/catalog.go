// Package speech is the request orchestrator: it validates and resolves
// generation parameters, drives the pipeline cache, and shapes the
// aggregated audio for delivery.
package speech

// Defaults substituted for unknown request parameters. Substitution instead
// of rejection is a deliberate leniency policy: browser-addon clients ship
// voice lists that drift out of date, and a wrong voice beats a hard error.
const (
	DefaultVoice    = "af_heart"
	DefaultLanguage = "a"
)

// Voice describes one entry of the fixed voice set.
type Voice struct {
	ID     string `json:"voice_id"`
	Name   string `json:"name"`
	Gender string `json:"gender"`
	Accent string `json:"accent"`
}

// voices is the fixed known set; the model ships exactly these.
var voices = []Voice{
	{ID: "af_heart", Name: "Heart", Gender: "female", Accent: "american"},
	{ID: "af_sarah", Name: "Sarah", Gender: "female", Accent: "american"},
	{ID: "af_sky", Name: "Sky", Gender: "female", Accent: "american"},
	{ID: "am_adam", Name: "Adam", Gender: "male", Accent: "american"},
	{ID: "am_michael", Name: "Michael", Gender: "male", Accent: "american"},
	{ID: "bf_emma", Name: "Emma", Gender: "female", Accent: "british"},
	{ID: "bf_isabella", Name: "Isabella", Gender: "female", Accent: "british"},
	{ID: "bm_george", Name: "George", Gender: "male", Accent: "british"},
	{ID: "bm_lewis", Name: "Lewis", Gender: "male", Accent: "british"},
}

// languages is the fixed set of pipeline language codes.
var languages = []string{"a", "b", "e", "f", "h", "i", "j", "p", "z"}

// Voices returns the voice catalog.
func Voices() []Voice {
	out := make([]Voice, len(voices))
	copy(out, voices)
	return out
}

// VoiceIDs returns the known voice identifiers in catalog order.
func VoiceIDs() []string {
	out := make([]string, len(voices))
	for i, v := range voices {
		out[i] = v.ID
	}
	return out
}

// Languages returns the known language codes.
func Languages() []string {
	out := make([]string, len(languages))
	copy(out, languages)
	return out
}

func knownVoice(id string) bool {
	for _, v := range voices {
		if v.ID == id {
			return true
		}
	}
	return false
}

func knownLanguage(code string) bool {
	for _, l := range languages {
		if l == code {
			return true
		}
	}
	return false
}
