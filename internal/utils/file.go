package utils

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
)

// OutputSuffix marks files written by the redactor
const OutputSuffix = "_redacted"

var imageExts = []string{"jpg", "jpeg", "png", "gif", "bmp", "tiff", "tif", "webp"}

// EnsureDir creates a directory if it doesn't exist
func EnsureDir(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0755)
	}
	return nil
}

// GetFileExtension returns the lower-cased file extension without the dot
func GetFileExtension(filename string) string {
	ext := filepath.Ext(filename)
	if len(ext) > 0 {
		return strings.ToLower(ext[1:])
	}
	return ""
}

// IsImageFile checks if a file has an image extension
func IsImageFile(filename string) bool {
	return slices.Contains(imageExts, GetFileExtension(filename))
}

// IsProcessedOutput reports whether filename was produced by OutputPath
func IsProcessedOutput(filename string) bool {
	base := filepath.Base(filename)
	return strings.HasSuffix(strings.TrimSuffix(base, filepath.Ext(base)), OutputSuffix)
}

// IsURL reports whether input is an http(s) URL rather than a path
func IsURL(input string) bool {
	return strings.HasPrefix(input, "http://") || strings.HasPrefix(input, "https://")
}

// stem is the input's base name without extension. For URLs the last path
// segment is used, ignoring the query.
func stem(input string) string {
	base := filepath.Base(input)
	if IsURL(input) {
		base = "image"
		if u, err := url.Parse(input); err == nil {
			if b := path.Base(u.Path); b != "/" && b != "." {
				base = b
			}
		}
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// OutputPath returns <outputDir>/<name>_redacted.<format> for inputFile
func OutputPath(inputFile, outputDir, format string) string {
	if format == "" {
		format = "png"
	}
	return filepath.Join(outputDir, fmt.Sprintf("%s%s.%s", stem(inputFile), OutputSuffix, format))
}

// DebugPath returns the debug overlay path for inputFile
func DebugPath(inputFile, outputDir string) string {
	return filepath.Join(outputDir, stem(inputFile)+"_debug.png")
}

// ListImageFiles recursively lists all image files in a directory, skipping
// earlier outputs
func ListImageFiles(dir string) ([]string, error) {
	var files []string

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && IsImageFile(path) && !IsProcessedOutput(path) {
			files = append(files, path)
		}
		return nil
	})

	return files, err
}

// ExpandInputs resolves files and directories to a sorted, de-duplicated
// list of image files. URLs are kept as given.
func ExpandInputs(inputs []string) ([]string, error) {
	seen := make(map[string]bool)
	var files []string

	for _, in := range inputs {
		var found []string
		switch {
		case IsURL(in):
			if !seen[in] {
				seen[in] = true
				files = append(files, in)
			}
			continue
		case DirExists(in):
			list, err := ListImageFiles(in)
			if err != nil {
				return nil, fmt.Errorf("failed to list %s: %w", in, err)
			}
			found = list
		case FileExists(in):
			found = []string{in}
		default:
			return nil, fmt.Errorf("input not found: %s", in)
		}

		for _, f := range found {
			clean := filepath.Clean(f)
			if !seen[clean] {
				seen[clean] = true
				files = append(files, clean)
			}
		}
	}

	slices.Sort(files)
	return files, nil
}

// FileExists checks if a file exists and is not a directory
func FileExists(filename string) bool {
	info, err := os.Stat(filename)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// DirExists checks if a directory exists
func DirExists(dirname string) bool {
	info, err := os.Stat(dirname)
	if err != nil {
		return false
	}
	return info.IsDir()
}

// FormatFileSize formats file size in human-readable format
func FormatFileSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}

	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}
