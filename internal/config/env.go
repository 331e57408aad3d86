package config

import (
	"errors"
	"io/fs"
	"os"
	"regexp"

	"github.com/joho/godotenv"
)

// LoadEnvFiles loads KEY=VALUE files into the process environment.
// Missing files are skipped; variables already set are not overridden.
func LoadEnvFiles(paths ...string) error {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

var reEnvRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${NAME} references with environment values.
// Bare $NAME is left alone so texts may contain dollar signs.
func expandEnv(b []byte) []byte {
	return reEnvRef.ReplaceAllFunc(b, func(m []byte) []byte {
		name := reEnvRef.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}
