package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// ExecutablePath returns the office launcher inside an installation
// directory for the given GOOS.
func ExecutablePath(officeHome, goos string) string {
	switch goos {
	case "darwin":
		return filepath.Join(officeHome, "MacOS", "soffice")
	case "windows":
		return filepath.Join(officeHome, "program", "soffice.exe")
	default:
		return filepath.Join(officeHome, "program", "soffice")
	}
}

func officeHomeCandidates(goos string) []string {
	switch goos {
	case "darwin":
		return []string{"/Applications/LibreOffice.app/Contents"}
	case "windows":
		var dirs []string
		for _, env := range []string{"ProgramFiles", "ProgramFiles(x86)"} {
			if root := os.Getenv(env); root != "" {
				dirs = append(dirs, filepath.Join(root, "LibreOffice"))
			}
		}
		return dirs
	case "freebsd":
		return []string{"/usr/local/lib/libreoffice"}
	default:
		dirs := []string{
			"/usr/lib/libreoffice",
			"/usr/lib64/libreoffice",
			"/usr/local/lib/libreoffice",
			"/snap/libreoffice/current/lib/libreoffice",
		}
		// Vendor builds install versioned dirs such as /opt/libreoffice7.6.
		if matches, err := filepath.Glob("/opt/libreoffice*"); err == nil {
			dirs = append(dirs, matches...)
		}
		return dirs
	}
}

// DetectOfficeHome returns the first well-known installation directory that
// contains an office executable, or "".
func DetectOfficeHome() string {
	return detectOfficeHome(runtime.GOOS, officeHomeCandidates(runtime.GOOS))
}

func detectOfficeHome(goos string, candidates []string) string {
	for _, dir := range candidates {
		if info, err := os.Stat(ExecutablePath(dir, goos)); err == nil && !info.IsDir() {
			return dir
		}
	}
	return ""
}
