package voicevox

type Style struct {
	Name string `json:"name"` // Name is the style name, e.g. "ノーマル"
	ID   uint32 `json:"id"`   // ID is the speaker id passed to synthesis calls
}

type Speaker struct {
	Name        string  `json:"name"`         // Name is the character name
	SpeakerUUID string  `json:"speaker_uuid"` // SpeakerUUID identifies the character across styles
	Version     string  `json:"version"`      // Version is the model version
	Styles      []Style `json:"styles"`       // Styles lists the voice styles of the character
}

type SupportedDevices struct {
	CPU  bool `json:"cpu"`
	CUDA bool `json:"cuda"`
	DML  bool `json:"dml"`
}

// FindStyle returns the speaker and style owning style id.
func FindStyle(speakers []Speaker, id uint32) (Speaker, Style, bool) {
	for _, sp := range speakers {
		for _, st := range sp.Styles {
			if st.ID == id {
				return sp, st, true
			}
		}
	}
	return Speaker{}, Style{}, false
}
