// Package clusterseed imports cluster credentials from a YAML file at
// startup, so deployments can pre-provision clusters without touching the
// API.
package clusterseed

import (
	"fmt"
	"log"
	"os"

	"github.com/dbharbor/dbharbor/internal/crypto"
	"github.com/dbharbor/dbharbor/internal/database"
	"github.com/dbharbor/dbharbor/internal/logutil"
	"gopkg.in/yaml.v3"
)

// Entry is one seed-file cluster. Kubeconfig may be given inline or as a
// path; inline wins when both are set.
type Entry struct {
	Name           string `yaml:"name"`
	Context        string `yaml:"context"`
	Kubeconfig     string `yaml:"kubeconfig"`
	KubeconfigPath string `yaml:"kubeconfig_path"`
}

type seedFile struct {
	Clusters []Entry `yaml:"clusters"`
}

// Load reads the seed file and creates every cluster not already present by
// name. Existing clusters are left alone; the seed never overwrites. A
// missing file is not an error.
func Load(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read seed file %s: %w", path, err)
	}

	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse seed file %s: %w", path, err)
	}

	created := 0
	for _, e := range f.Clusters {
		if e.Name == "" {
			return fmt.Errorf("seed file %s: entry without name", path)
		}
		if _, err := database.GetClusterByName(e.Name); err == nil {
			continue
		}

		blob := e.Kubeconfig
		if blob == "" && e.KubeconfigPath != "" {
			raw, err := os.ReadFile(e.KubeconfigPath)
			if err != nil {
				return fmt.Errorf("seed cluster %s: read kubeconfig %s: %w",
					logutil.SanitizeForLog(e.Name), e.KubeconfigPath, err)
			}
			blob = string(raw)
		}

		cluster := database.Cluster{Name: e.Name, Context: e.Context}
		if blob != "" {
			enc, err := crypto.Encrypt(blob)
			if err != nil {
				return fmt.Errorf("seed cluster %s: %w", logutil.SanitizeForLog(e.Name), err)
			}
			cluster.Kubeconfig = enc
		}
		if err := database.DB.Create(&cluster).Error; err != nil {
			return fmt.Errorf("seed cluster %s: %w", logutil.SanitizeForLog(e.Name), err)
		}
		created++
	}

	if created > 0 {
		log.Printf("[seed] created %d cluster(s) from %s", created, path)
	}
	return nil
}
