package controlplane

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// clusterFile is the boot-time cluster topology document:
//
//	clusters:
//	  macro: [macro_watcher, rates_watcher]
//	  flow:  [etf_flows, options_flow]
type clusterFile struct {
	Clusters map[string][]string `yaml:"clusters"`
}

// LoadClusters reads the static agent->cluster partition. An empty path
// means no clustering, which disables weight substitution.
func LoadClusters(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cluster map %s: %w", path, err)
	}

	var doc clusterFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse cluster map %s: %w", path, err)
	}

	out := make(map[string]string)
	for cluster, agents := range doc.Clusters {
		for _, agent := range agents {
			if existing, ok := out[agent]; ok && existing != cluster {
				return nil, fmt.Errorf("agent %s assigned to both %s and %s", agent, existing, cluster)
			}
			out[agent] = cluster
		}
	}
	return out, nil
}
