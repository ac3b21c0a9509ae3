package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LoadOrSetup loads path, or walks the operator through the initial setup
// when the file does not exist yet and saves the answers.
func LoadOrSetup(path string, in io.Reader, out io.Writer) (Config, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		cfg, err := Setup(in, out)
		if err != nil {
			return cfg, err
		}
		if err := Save(path, cfg); err != nil {
			return cfg, fmt.Errorf("save config: %w", err)
		}
		fmt.Fprintln(out, "Configuration saved.")
	}
	return Load(path)
}

// Setup asks for the values that have no sensible default.
func Setup(in io.Reader, out io.Writer) (Config, error) {
	cfg := Default()
	reader := bufio.NewReader(in)

	ask := func(prompt, def string) (string, error) {
		if def != "" {
			fmt.Fprintf(out, "%s (default: %s): ", prompt, def)
		} else {
			fmt.Fprintf(out, "%s: ", prompt)
		}
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			return def, nil
		}
		return line, nil
	}

	fmt.Fprintln(out, "--- Initial Setup ---")
	steps := []struct {
		prompt string
		dst    *string
	}{
		{"Enter API URL", &cfg.Backend.APIURL},
		{"Enter WebSocket URL", &cfg.Backend.WSURL},
		{"Enter Server API Key", &cfg.Backend.APIKey},
		{"Enter Location", &cfg.Location},
		{"Enter Printer IP", &cfg.Printer.Host},
		{"Enter Device class (printer-adjacent, tablet, desktop)", &cfg.Terminal.Device},
		{"Enter Network locality (lan, loopback, public, auto)", &cfg.Terminal.Locality},
	}
	for _, s := range steps {
		v, err := ask(s.prompt, *s.dst)
		if err != nil {
			return cfg, err
		}
		*s.dst = v
	}
	return cfg, nil
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
