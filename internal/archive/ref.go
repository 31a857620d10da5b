package archive

import (
	"fmt"
	"strconv"
	"strings"
)

// RecordRef locates one record inside an archive file.
type RecordRef struct {
	File   string
	Offset int64
	Length int64
}

// String renders the reference as file:offset:length.
func (r RecordRef) String() string {
	return fmt.Sprintf("%s:%d:%d", r.File, r.Offset, r.Length)
}

// ParseRecordRef is the inverse of RecordRef.String. File names may contain colons.
func ParseRecordRef(s string) (RecordRef, error) {
	rest, lengthStr, ok := cutLast(s)
	if !ok {
		return RecordRef{}, fmt.Errorf("malformed record ref %q", s)
	}
	file, offsetStr, ok := cutLast(rest)
	if !ok || file == "" {
		return RecordRef{}, fmt.Errorf("malformed record ref %q", s)
	}
	offset, err := strconv.ParseInt(offsetStr, 10, 64)
	if err != nil || offset < 0 {
		return RecordRef{}, fmt.Errorf("record ref %q: bad offset", s)
	}
	length, err := strconv.ParseInt(lengthStr, 10, 64)
	if err != nil || length <= 0 {
		return RecordRef{}, fmt.Errorf("record ref %q: bad length", s)
	}
	return RecordRef{File: file, Offset: offset, Length: length}, nil
}

func cutLast(s string) (string, string, bool) {
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}
