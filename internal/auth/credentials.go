package auth

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Credentials maps a username to its stored secret. The secret is either the
// clear password or a bcrypt hash of it.
type Credentials map[string]string

type credentialsFile struct {
	Users map[string]string `yaml:"users"`
}

// LoadCredentials reads a users file. Files ending in .yaml or .yml hold a
// "users" mapping; anything else uses one "username:secret" pair per line,
// with blank lines and '#' comments ignored.
func LoadCredentials(path string, log *zap.Logger) (Credentials, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return loadYAMLCredentials(path)
	default:
		return loadLineCredentials(path, log)
	}
}

func loadYAMLCredentials(path string) (Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read users file: %w", err)
	}
	var f credentialsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse users file %s: %w", path, err)
	}
	creds := make(Credentials, len(f.Users))
	for user, secret := range f.Users {
		if user == "" || secret == "" {
			continue
		}
		creds[user] = secret
	}
	return creds, nil
}

func loadLineCredentials(path string, log *zap.Logger) (Credentials, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open users file: %w", err)
	}
	defer file.Close()

	creds := make(Credentials)
	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		// bcrypt hashes never contain ':', so splitting on the first one is safe.
		user, secret, ok := strings.Cut(line, ":")
		if !ok || user == "" || secret == "" {
			log.Warn("Malformed line in users file", zap.String("file", path), zap.Int("line", lineNo))
			continue
		}
		creds[user] = secret
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read users file: %w", err)
	}
	return creds, nil
}
