package main

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"
)

// tablesConfig names the tables which must be published and policy-clean
// before the streamer starts. It supplements the publication's own
// membership with an operator-declared expectation.
type tablesConfig struct {
	Tables []string `yaml:"tables"`
}

func loadTablesConfig(path string) (*tablesConfig, error) {
	var raw, err = os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading tables config %s", path)
	}
	var cfg tablesConfig
	if err = yaml.UnmarshalStrict(raw, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing tables config %s", path)
	}
	for _, t := range cfg.Tables {
		if t == "" || strings.Count(t, ".") > 1 {
			return nil, errors.Errorf("malformed table name %q", t)
		}
	}
	return &cfg, nil
}
