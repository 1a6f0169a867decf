package archive

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

const blockSize = 512

// Entry type flags.
const (
	TypeReg     byte = '0'
	TypeLink    byte = '1'
	TypeSymlink byte = '2'
	TypeDir     byte = '5'

	typeRegA       byte = 0
	typeContiguous byte = '7'
	typeGNULong    byte = 'L'
	typeGNULink    byte = 'K'
	typePAX        byte = 'x'
	typePAXGlobal  byte = 'g'
)

// maxLongName bounds GNU long-name records.
const maxLongName = 64 * 1024

// Entry is one archive member header.
type Entry struct {
	Name     string
	Mode     int64
	UID      int
	GID      int
	Uname    string
	Gname    string
	Size     int64
	ModTime  time.Time
	Type     byte
	Linkname string
}

func (e *Entry) IsDir() bool     { return e.Type == TypeDir }
func (e *Entry) IsSymlink() bool { return e.Type == TypeSymlink }

func (e *Entry) IsRegular() bool {
	return e.Type == TypeReg || e.Type == typeRegA || e.Type == typeContiguous
}

// Writer streams members into a tar archive. Names longer than the header
// field are written with a GNU long-name record.
type Writer struct {
	tw *tar.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{tw: tar.NewWriter(w)}
}

// WriteHeader starts a member; for regular files exactly e.Size bytes must
// follow through Write.
func (w *Writer) WriteHeader(e *Entry) error {
	hdr := &tar.Header{
		Name:     e.Name,
		Mode:     e.Mode,
		Uid:      e.UID,
		Gid:      e.GID,
		Uname:    e.Uname,
		Gname:    e.Gname,
		Size:     e.Size,
		ModTime:  e.ModTime.Truncate(time.Second),
		Typeflag: e.Type,
		Linkname: e.Linkname,
		Format:   tar.FormatGNU,
	}
	if !e.IsRegular() {
		hdr.Size = 0
	}
	if e.IsDir() && !strings.HasSuffix(hdr.Name, "/") {
		hdr.Name += "/"
	}
	return w.tw.WriteHeader(hdr)
}

func (w *Writer) Write(p []byte) (int, error) {
	return w.tw.Write(p)
}

// AddBytes writes a regular member holding data.
func (w *Writer) AddBytes(name string, data []byte, mtime time.Time) error {
	if err := w.WriteHeader(&Entry{Name: name, Mode: 0o600, Size: int64(len(data)), ModTime: mtime, Type: TypeReg}); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// Close writes the end-of-archive marker.
func (w *Writer) Close() error {
	return w.tw.Close()
}

// Reader walks a tar stream, verifying every header checksum. GNU long
// names are honoured; pax extended headers are skipped without being
// applied.
type Reader struct {
	r         io.Reader
	label     string
	block     [blockSize]byte
	cur       string
	remaining int64
	pad       int64
	done      bool
}

// NewReader reads from r; label names the archive in errors.
func NewReader(r io.Reader, label string) *Reader {
	return &Reader{r: r, label: label}
}

func (r *Reader) corrupt(entry, format string, args ...interface{}) error {
	return &IntegrityError{Archive: r.label, Entry: entry, Reason: fmt.Sprintf(format, args...)}
}

// readBlock returns io.EOF only when no byte of the block was read.
func (r *Reader) readBlock() error {
	_, err := io.ReadFull(r.r, r.block[:])
	return err
}

// Next advances to the next member. It returns io.EOF after the
// end-of-archive marker.
func (r *Reader) Next() (*Entry, error) {
	if r.done {
		return nil, io.EOF
	}
	if err := r.skip(r.remaining + r.pad); err != nil {
		return nil, err
	}
	r.remaining, r.pad = 0, 0

	var longName, longLink string
	for {
		if err := r.readBlock(); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, r.corrupt("", "truncated archive: missing end-of-archive marker")
			}
			return nil, err
		}
		if isZeroBlock(r.block[:]) {
			return nil, r.finish()
		}
		if err := verifyChecksum(r.block[:]); err != nil {
			return nil, r.corrupt(parseString(r.block[0:100]), "%v", err)
		}
		e, err := parseHeader(r.block[:])
		if err != nil {
			return nil, r.corrupt(parseString(r.block[0:100]), "%v", err)
		}

		switch e.Type {
		case typeGNULong, typeGNULink:
			data, err := r.payload(e)
			if err != nil {
				return nil, err
			}
			if e.Type == typeGNULong {
				longName = data
			} else {
				longLink = data
			}
			continue
		case typePAX, typePAXGlobal:
			if err := r.skip(e.Size + padding(e.Size)); err != nil {
				return nil, err
			}
			continue
		}

		if longName != "" {
			e.Name = longName
		}
		if longLink != "" {
			e.Linkname = longLink
		}
		r.cur = e.Name
		r.remaining = e.Size
		r.pad = padding(e.Size)
		return e, nil
	}
}

// finish consumes the second zero block of the end marker.
func (r *Reader) finish() error {
	err := r.readBlock()
	switch {
	case errors.Is(err, io.EOF):
		// A lone zero block at the very end is accepted.
	case err != nil:
		return r.corrupt("", "truncated end-of-archive marker")
	case !isZeroBlock(r.block[:]):
		return r.corrupt("", "data after a zero block")
	}
	r.done = true
	return io.EOF
}

func (r *Reader) payload(e *Entry) (string, error) {
	if e.Size <= 0 || e.Size > maxLongName {
		return "", r.corrupt(e.Name, "invalid long name record of %d bytes", e.Size)
	}
	buf := make([]byte, e.Size)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return "", r.corrupt(e.Name, "truncated long name record")
	}
	if err := r.skip(padding(e.Size)); err != nil {
		return "", err
	}
	return parseString(buf), nil
}

func (r *Reader) skip(n int64) error {
	if n <= 0 {
		return nil
	}
	copied, err := io.CopyN(io.Discard, r.r, n)
	if copied < n {
		if err == nil || errors.Is(err, io.EOF) {
			return r.corrupt(r.cur, "truncated archive: %d of %d bytes missing", n-copied, n)
		}
		return err
	}
	return nil
}

// Read reads the data of the current member.
func (r *Reader) Read(p []byte) (int, error) {
	if r.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > r.remaining {
		p = p[:r.remaining]
	}
	n, err := r.r.Read(p)
	r.remaining -= int64(n)
	if errors.Is(err, io.EOF) {
		if r.remaining > 0 {
			return n, r.corrupt(r.cur, "truncated archive: %d bytes of data missing", r.remaining)
		}
		err = nil
	}
	return n, err
}

func padding(size int64) int64 {
	if rem := size % blockSize; rem != 0 {
		return blockSize - rem
	}
	return 0
}

func isZeroBlock(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// verifyChecksum compares the stored checksum with the sum of the header
// bytes taken with the checksum field as spaces. Both the unsigned and
// the historical signed sums are accepted.
func verifyChecksum(b []byte) error {
	stored, err := parseNumeric(b[148:156])
	if err != nil {
		return fmt.Errorf("invalid checksum field: %w", err)
	}
	var unsigned, signed int64
	for i, c := range b[:blockSize] {
		if i >= 148 && i < 156 {
			c = ' '
		}
		unsigned += int64(c)
		signed += int64(int8(c))
	}
	if stored != unsigned && stored != signed {
		return fmt.Errorf("header checksum mismatch: stored %d, computed %d", stored, unsigned)
	}
	return nil
}

func parseHeader(b []byte) (*Entry, error) {
	e := &Entry{
		Name:     parseString(b[0:100]),
		Type:     b[156],
		Linkname: parseString(b[157:257]),
	}
	fields := []struct {
		name string
		raw  []byte
		dst  *int64
	}{
		{"mode", b[100:108], &e.Mode},
		{"size", b[124:136], &e.Size},
	}
	for _, f := range fields {
		v, err := parseNumeric(f.raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s field: %w", f.name, err)
		}
		*f.dst = v
	}
	if e.Size < 0 {
		return nil, errors.New("negative size")
	}
	uid, err := parseNumeric(b[108:116])
	if err != nil {
		return nil, fmt.Errorf("invalid uid field: %w", err)
	}
	gid, err := parseNumeric(b[116:124])
	if err != nil {
		return nil, fmt.Errorf("invalid gid field: %w", err)
	}
	mtime, err := parseNumeric(b[136:148])
	if err != nil {
		return nil, fmt.Errorf("invalid mtime field: %w", err)
	}
	e.UID, e.GID = int(uid), int(gid)
	e.ModTime = time.Unix(mtime, 0)

	magic := b[257:263]
	switch {
	case bytes.Equal(magic, []byte("ustar\x00")):
		e.Uname = parseString(b[265:297])
		e.Gname = parseString(b[297:329])
		if prefix := parseString(b[345:500]); prefix != "" {
			e.Name = prefix + "/" + e.Name
		}
	case bytes.Equal(magic, []byte("ustar ")):
		// GNU: the prefix area holds access and change times.
		e.Uname = parseString(b[265:297])
		e.Gname = parseString(b[297:329])
	}
	return e, nil
}

func parseString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// parseNumeric decodes an octal field, or a base-256 field when the high
// bit of the first byte is set.
func parseNumeric(b []byte) (int64, error) {
	if len(b) > 0 && b[0]&0x80 != 0 {
		if b[0]&0x40 != 0 {
			return 0, errors.New("negative base-256 value")
		}
		var v int64
		for i, c := range b {
			if i == 0 {
				c &= 0x7f
			}
			if v>>55 != 0 {
				return 0, errors.New("base-256 value overflows")
			}
			v = v<<8 | int64(c)
		}
		return v, nil
	}
	s := strings.Trim(string(b), " \x00")
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 8, 64)
}
