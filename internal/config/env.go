package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// dotEnvPaths lists the .env files consulted by Load, nearest first.
func dotEnvPaths(dataDir string) []string {
	paths := []string{".env", filepath.Join(dataDir, ".env")}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "donorscan", ".env"))
	}
	return paths
}

// loadDotEnv exports the variables of every existing file in paths.
// Variables already present in the environment, or set by an earlier
// file, are left alone.
func loadDotEnv(paths ...string) error {
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		v := viper.New()
		v.SetConfigFile(path)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		for key, value := range v.AllSettings() {
			name := strings.ToUpper(key)
			if _, set := os.LookupEnv(name); set {
				continue
			}
			os.Setenv(name, fmt.Sprint(value))
		}
	}
	return nil
}

// Short names for the external tools, as set by tesseract and poppler
// packaging.
var envAliases = map[string][]string{
	"DONORSCAN_OCR_BINARY":             {"TESSERACT_BIN", "TESSERACT_PATH"},
	"DONORSCAN_OCR_LANGUAGE":           {"TESSERACT_LANG"},
	"DONORSCAN_PIPELINE_PDFTOPPM_PATH": {"PDFTOPPM_PATH"},
	"DONORSCAN_SERVER_PORT":            {"PORT"},
}

// lookupEnv returns key, or the first of its aliases that is set.
func lookupEnv(key string) string {
	for _, name := range append([]string{key}, envAliases[key]...) {
		if val := os.Getenv(name); val != "" {
			return val
		}
	}
	return ""
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
