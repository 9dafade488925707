package export

import (
	"path/filepath"

	"github.com/Sumatoshi-tech/tabrecon/pkg/persist"
)

const manifestName = "manifest.json"

// LoadManifest reads the manifest for an export directory.
func LoadManifest(dir string) (Manifest, error) {
	var m Manifest

	loadErr := persist.Load(filepath.Join(dir, manifestName), &m)
	if loadErr != nil {
		return Manifest{}, loadErr
	}

	return m, nil
}

func saveManifest(dir string, m *Manifest) error {
	return persist.Save(filepath.Join(dir, manifestName), m)
}
