package scopesim

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// expandHome replaces one "$HOME" in path with the user's home directory.
func expandHome(path string) (string, error) {
	if !strings.Contains(path, "$HOME") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return strings.Replace(path, "$HOME", home, 1), nil
}

// makeCaptureDirectory creates a directory of the form basepath/20060102/0000
// where the 4-digit subdirectory counts separate capture occasions, and
// returns its name.
func makeCaptureDirectory(basepath string) (string, error) {
	if len(basepath) == 0 {
		return "", errors.New("capture directory is the empty string")
	}
	basepath, err := expandHome(basepath)
	if err != nil {
		return "", err
	}
	today := time.Now().Format("20060102")
	todayDir := filepath.Join(basepath, today)
	if err := os.MkdirAll(todayDir, 0755); err != nil {
		return "", err
	}
	for i := range 10000 {
		thisDir := filepath.Join(todayDir, fmt.Sprintf("%4.4d", i))
		if _, err := os.Stat(thisDir); os.IsNotExist(err) {
			if err2 := os.Mkdir(thisDir, 0755); err2 != nil {
				return "", err2
			}
			return thisDir, nil
		}
	}
	return "", fmt.Errorf("out of 4-digit ID numbers for today in %s", todayDir)
}
