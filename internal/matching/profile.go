package matching

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// LoadProfile reads matching options from a YAML profile file. Omitted
// values fall back to DefaultOptions. The file carries a top-level
// "matching" key:
//
//	matching:
//	  weights:
//	    name: 40
//	    address: 30
//	    distance: 20
//	    category: 10
//	  max_distance_meters: 1000
//	  min_confidence_score: 30
//	  strict_mode: false
func LoadProfile(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, eris.Wrapf(err, "matching: read profile %s", path)
	}

	var wrapper struct {
		Matching Options `yaml:"matching"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return Options{}, eris.Wrap(err, "matching: parse profile")
	}

	opts := wrapper.Matching.withDefaults()
	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}
