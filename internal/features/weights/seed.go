package weights

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"serotonyl.ru/reputation/internal/models"
)

// seedFile — формат файла с начальными профилями:
//
//	profiles:
//	  - name: discussion_heavy
//	    vote_weight: 1
//	    comment_weight: 5
//	    favorite_weight: 1
//	    view_weight: 0.5
type seedFile struct {
	Profiles []models.WeightProfile `yaml:"profiles"`
}

// LoadSeedFile читает профили из YAML.
func LoadSeedFile(path string) ([]models.WeightProfile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("чтение %s: %w", path, err)
	}
	var f seedFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("разбор %s: %w", path, err)
	}
	for _, p := range f.Profiles {
		if err := Validate(p); err != nil {
			return nil, fmt.Errorf("%s, профиль %q: %w", path, p.Name, err)
		}
	}
	return f.Profiles, nil
}
