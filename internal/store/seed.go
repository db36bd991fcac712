package store

import (
	"context"
	"time"

	"github.com/parlay-labs/interp-core/internal/lang"
)

type seedVoice struct {
	voiceID  string
	provider string
	name     string
	gender   string
	accent   string
	language lang.Tag
}

// One voice per (language, gender) pair at minimum. Catalog updates do not
// require a coordinator restart; the table is read per request.
var seedCatalog = []seedVoice{
	{"aura-apollo-en", "http", "Apollo", "male", "american", lang.English},
	{"aura-asteria-en", "http", "Asteria", "female", "american", lang.English},
	{"aura-celeste-es", "http", "Celeste", "female", "latin-american", lang.Spanish},
	{"aura-mateo-es", "http", "Mateo", "male", "latin-american", lang.Spanish},
	{"aura-camille-fr", "http", "Camille", "female", "parisian", lang.French},
	{"aura-luc-fr", "http", "Luc", "male", "parisian", lang.French},
	{"aura-greta-de", "http", "Greta", "female", "standard", lang.German},
	{"aura-felix-de", "http", "Felix", "male", "standard", lang.German},
	{"aura-ines-pt", "http", "Ines", "female", "brazilian", lang.Portuguese},
	{"aura-thiago-pt", "http", "Thiago", "male", "brazilian", lang.Portuguese},
	{"aura-adunni-yo", "http", "Adunni", "female", "nigerian", lang.Yoruba},
	{"aura-femi-yo", "http", "Femi", "male", "nigerian", lang.Yoruba},
	{"aura-amina-ha", "http", "Amina", "female", "nigerian", lang.Hausa},
	{"aura-sani-ha", "http", "Sani", "male", "nigerian", lang.Hausa},
	{"aura-chidinma-ig", "http", "Chidinma", "female", "nigerian", lang.Igbo},
	{"aura-emeka-ig", "http", "Emeka", "male", "nigerian", lang.Igbo},
}

// SeedVoices inserts missing catalog entries; existing rows are untouched.
func (s *Store) SeedVoices(ctx context.Context) error {
	now := s.clock().UTC().Format(time.RFC3339Nano)
	for _, v := range seedCatalog {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO voice_avatars(voice_id, provider, name, gender, accent, description, language, created_at, updated_at)
			 VALUES(?, ?, ?, ?, ?, '', ?, ?, ?)
			 ON CONFLICT(voice_id) DO NOTHING`,
			v.voiceID, v.provider, v.name, v.gender, v.accent, string(v.language), now, now)
		if err != nil {
			return err
		}
	}
	return nil
}
