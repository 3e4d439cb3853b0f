package storage

import (
	"path"
	"strings"
)

const (
	isoDirectoryIdentifierMax = 31
	isoFileIdentifierMax      = 30
)

// isoCharacters is the D-string alphabet the iso9660 writer keeps; anything
// else becomes an underscore.
const isoCharacters = "abcdefghijklmnopqrstuvwxyz0123456789_!\"%&'()*+,-./:;<=>?"

// iso9660RelativePath returns where the writer places a file stored at rel, so
// exported manifests point at names that exist inside the image.
func iso9660RelativePath(rel string) string {
	var segments []string
	for _, segment := range strings.Split(rel, "/") {
		if segment != "" {
			segments = append(segments, segment)
		}
	}
	if len(segments) == 0 {
		return ""
	}
	last := len(segments) - 1
	for i := range segments[:last] {
		segments[i] = isoDString(segments[i], isoDirectoryIdentifierMax)
	}
	segments[last] = strings.TrimSuffix(isoFileName(segments[last]), ";1")
	return path.Join(segments...)
}

func isoFileName(input string) string {
	parts := strings.Split(strings.ToLower(input), ".")

	filename := parts[0]
	extension := ""
	if len(parts) > 1 {
		filename = strings.Join(parts[:len(parts)-1], "_")
		extension = isoDString(parts[len(parts)-1], 8)
	}

	// room for ";1"
	limit := isoFileIdentifierMax - 2
	if extension != "" {
		limit -= 1 + len(extension)
	}
	filename = isoDString(filename, limit)

	if extension != "" {
		return filename + "." + extension + ";1"
	}
	return filename + ";1"
}

func isoDString(input string, maxLen int) string {
	input = strings.ToLower(input)
	var b strings.Builder
	for i := 0; i < len(input) && b.Len() < maxLen; i++ {
		if strings.IndexByte(isoCharacters, input[i]) >= 0 {
			b.WriteByte(input[i])
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
