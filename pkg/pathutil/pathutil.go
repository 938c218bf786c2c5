// Package pathutil provides the small set of path and string helpers
// shared by the binary log, replayer and textual sink: UTF-16LE/UTF-8
// conversion for the wide strings the binary log format carries, and
// {pid}/{process}/{date}-style output-path templating.
//
// Grounded on the rabbitstack-fibratus pkg/util/utf16 package for
// keeping UTF-16 conversion as a small standalone helper rather than
// folding it into whichever package happens to need it first, and on
// the teacher's pkg/config path handling for output-path resolution.
package pathutil

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"
)

// EncodeUTF16 converts a UTF-8 Go string into UTF-16LE code units, the
// encoding every wide string in the binary log format uses.
func EncodeUTF16(s string) []uint16 {
	return utf16.Encode([]rune(s))
}

// DecodeUTF16 converts UTF-16LE code units back into a UTF-8 Go string.
func DecodeUTF16(units []uint16) string {
	return string(utf16.Decode(units))
}

// UTF16ByteLen returns the number of bytes units encodes to on disk
// (2 bytes per code unit, no NUL terminator in the binary log format).
func UTF16ByteLen(units []uint16) int {
	return len(units) * 2
}

// RuneCountInUTF16 reports how many UTF-16 code units s encodes to,
// the unit the binary log format's *_length fields are expressed in
// for wide strings.
func RuneCountInUTF16(s string) int {
	return len(EncodeUTF16(s))
}

// ExpandTemplate substitutes {pid}, {process} and {date} tokens in a
// path template, grounded on the teacher's config OutputTemplate
// default of "{process}-{pid}-{date}.hsl". processPath is always a
// Windows-style debuggee path, so its last component is found on '\\'
// rather than the host's native filepath separator.
func ExpandTemplate(template string, pid uint32, processPath string, when time.Time) string {
	base := processPath
	if i := strings.LastIndexByte(base, '\\'); i >= 0 {
		base = base[i+1:]
	}
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	process := strings.TrimSuffix(base, filepath.Ext(base))
	r := strings.NewReplacer(
		"{pid}", strconv.FormatUint(uint64(pid), 10),
		"{process}", process,
		"{date}", when.Format("20060102-150405"),
	)
	return r.Replace(template)
}

// AbsPath resolves path to an absolute, cleaned form, used whenever a
// module or output path is recorded so that binary logs are
// comparable across working directories.
func AbsPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", path, err)
	}
	return filepath.Clean(abs), nil
}
