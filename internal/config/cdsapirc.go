package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

// Credentials are the CDS API endpoint and key, in the format the cdsapi
// client reads from ~/.cdsapirc.
type Credentials struct {
	URL string `yaml:"url"`
	Key string `yaml:"key"`
}

// DefaultCredentialsPath is ~/.cdsapirc.
func DefaultCredentialsPath() string {
	path, err := homedir.Expand("~/.cdsapirc")
	if err != nil {
		return ".cdsapirc"
	}
	return path
}

// ReadCredentials loads a credentials file.
func ReadCredentials(path string) (Credentials, error) {
	var creds Credentials
	data, err := os.ReadFile(path)
	if err != nil {
		return creds, fmt.Errorf("failed to read credentials %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return creds, fmt.Errorf("failed to parse credentials %s: %w", path, err)
	}
	creds.URL = strings.TrimSpace(creds.URL)
	creds.Key = strings.TrimSpace(creds.Key)
	return creds, nil
}

// WriteCredentials writes creds to path readable by the owner only.
func WriteCredentials(path string, creds Credentials) error {
	creds.Key = strings.TrimSpace(creds.Key)
	if creds.Key == "" {
		return fmt.Errorf("token cannot be empty")
	}
	if creds.URL == "" {
		creds.URL = DefaultCDSURL
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	content := fmt.Sprintf("url: %s\nkey: %s\n", creds.URL, creds.Key)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write credentials %s: %w", path, err)
	}
	// WriteFile keeps the mode of an existing file.
	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("failed to restrict credentials %s: %w", path, err)
	}
	return nil
}

// ResolveCredentials prefers explicit URL and key from c and falls back to the
// credentials file for whatever is missing.
func (c *Config) ResolveCredentials() (Credentials, error) {
	creds := Credentials{URL: c.CDS.URL, Key: c.CDS.Key}
	if creds.Key == "" || creds.URL == "" {
		fromFile, err := ReadCredentials(c.CDS.Credentials)
		if err != nil && creds.Key == "" {
			return creds, fmt.Errorf("no CDS API key configured (run 'weather configure --token ...'): %w", err)
		}
		if creds.Key == "" {
			creds.Key = fromFile.Key
		}
		if creds.URL == "" {
			creds.URL = fromFile.URL
		}
	}
	if creds.URL == "" {
		creds.URL = DefaultCDSURL
	}
	if creds.Key == "" {
		return creds, fmt.Errorf("CDS API key is empty in %s", c.CDS.Credentials)
	}
	return creds, nil
}
