package utils

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
)

// --- Raster renderer preflight ---

// EnvChromePath points at a browser binary and skips the search.
const EnvChromePath = "CHROME_PATH"

var ErrChromeNotFound = errors.New("chrome/chromium not found")

var chromeBinaries = []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser"}

// FindChrome returns the browser used to render raster receipts. It checks
// CHROME_PATH, then PATH, then the install locations of the given OS.
func FindChrome(goos string) (string, error) {
	if p := os.Getenv(EnvChromePath); p != "" {
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("%s=%s: %w", EnvChromePath, p, err)
		}
		return p, nil
	}
	for _, bin := range chromeBinaries {
		if p, err := exec.LookPath(bin); err == nil {
			return p, nil
		}
	}
	for _, p := range chromeInstallPaths[goos] {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w; %s", ErrChromeNotFound, installHint(goos))
}

// RequireChrome is FindChrome for the running OS.
func RequireChrome() (string, error) {
	p, err := FindChrome(runtime.GOOS)
	if err != nil {
		return "", fmt.Errorf("printer.raster is enabled: %w", err)
	}
	return p, nil
}

var chromeInstallPaths = map[string][]string{
	"darwin": {
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
		"/Applications/Chromium.app/Contents/MacOS/Chromium",
	},
	"linux": {
		"/usr/bin/google-chrome-stable",
		"/usr/bin/chromium",
		"/snap/bin/chromium",
	},
	"windows": {
		`C:\Program Files\Google\Chrome\Application\chrome.exe`,
		`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
	},
}

func installHint(goos string) string {
	switch goos {
	case "linux":
		return "install chromium with your package manager or set " + EnvChromePath
	case "darwin":
		return "brew install --cask google-chrome, or set " + EnvChromePath
	case "windows":
		return "install Chrome from https://www.google.com/chrome/ or set " + EnvChromePath
	}
	return "install Chrome or Chromium, or set " + EnvChromePath
}

// ChromeVersion runs the browser with --version; "unknown" when that fails.
func ChromeVersion(path string) string {
	out, err := exec.Command(path, "--version").Output()
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(string(out))
}
