package config

import (
	"fmt"
	"os"

	"github.com/rchdaemon/rchd/pkg/log"
	"github.com/rchdaemon/rchd/pkg/types"
	"gopkg.in/yaml.v3"
)

// workerFile is the on-disk shape of the worker fleet file.
type workerFile struct {
	Workers []types.WorkerConfig `yaml:"workers"`
}

// LoadWorkerConfigs reads the declarative worker fleet file at path.
// A missing identity file on a worker is reported in the returned
// warnings slice but never prevents the daemon from starting — only a
// malformed YAML document or an unreadable file is a hard error.
func LoadWorkerConfigs(path string) ([]types.WorkerConfig, []string, error) {
	data, err := os.ReadFile(expandHome(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("reading worker config file %s: %w", path, err)
	}

	var doc workerFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("parsing worker config file %s: %w", path, err)
	}

	var warnings []string
	logger := log.WithComponent("config")
	for i := range doc.Workers {
		w := &doc.Workers[i]
		if w.TotalSlots <= 0 {
			w.TotalSlots = 1
		}
		if w.IdentityFile == "" {
			continue
		}
		expanded := expandHome(w.IdentityFile)
		w.IdentityFile = expanded
		if _, err := os.Stat(expanded); err != nil {
			msg := fmt.Sprintf("worker %s: identity file %s not found", w.ID, expanded)
			warnings = append(warnings, msg)
			logger.Warn().Str("worker_id", w.ID).Str("identity_file", expanded).Msg("identity file missing")
		}
	}

	return doc.Workers, warnings, nil
}
