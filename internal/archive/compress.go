package archive

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
	"filippo.io/age/agessh"
	"github.com/dsnet/compress/bzip2"
	"github.com/ulikunitz/xz"

	"github.com/tis24dev/cmsfleet/internal/types"
)

const encryptedExt = ".age"

// Compressor wraps a byte stream in one compression format. It is chosen
// once when an archive is opened.
type Compressor interface {
	Kind() types.CompressionType
	// Extension is appended after ".tar", e.g. ".gz"; empty for none.
	Extension() string
	NewWriter(w io.Writer) (io.WriteCloser, error)
	NewReader(r io.Reader) (io.ReadCloser, error)
}

// CompressorFor returns the compressor for kind. level is 1..9; other
// values select the format default.
func CompressorFor(kind types.CompressionType, level int) (Compressor, error) {
	switch kind {
	case types.CompressionGzip:
		return gzipCompressor{level: level}, nil
	case types.CompressionBzip2:
		return bzip2Compressor{level: level}, nil
	case types.CompressionXZ:
		return xzCompressor{}, nil
	case types.CompressionNone, "":
		return noCompressor{}, nil
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", kind)
	}
}

// DetectCompressor picks the compressor from an archive file name and
// reports whether the file is age encrypted.
func DetectCompressor(name string) (Compressor, bool, error) {
	encrypted := strings.HasSuffix(name, encryptedExt)
	name = strings.TrimSuffix(name, encryptedExt)
	for _, kind := range []types.CompressionType{types.CompressionGzip, types.CompressionBzip2, types.CompressionXZ} {
		c, _ := CompressorFor(kind, 0)
		if strings.HasSuffix(name, ".tar"+c.Extension()) {
			return c, encrypted, nil
		}
	}
	if strings.HasSuffix(name, ".tar") {
		return noCompressor{}, encrypted, nil
	}
	return nil, false, fmt.Errorf("cannot tell the archive format of %s", name)
}

type gzipCompressor struct{ level int }

func (gzipCompressor) Kind() types.CompressionType { return types.CompressionGzip }
func (gzipCompressor) Extension() string           { return ".gz" }

func (g gzipCompressor) NewWriter(w io.Writer) (io.WriteCloser, error) {
	level := g.level
	if level < gzip.BestSpeed || level > gzip.BestCompression {
		level = gzip.DefaultCompression
	}
	return gzip.NewWriterLevel(w, level)
}

func (gzipCompressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	return gzip.NewReader(r)
}

type bzip2Compressor struct{ level int }

func (bzip2Compressor) Kind() types.CompressionType { return types.CompressionBzip2 }
func (bzip2Compressor) Extension() string           { return ".bz2" }

func (b bzip2Compressor) NewWriter(w io.Writer) (io.WriteCloser, error) {
	level := b.level
	if level < bzip2.BestSpeed || level > bzip2.BestCompression {
		level = bzip2.DefaultCompression
	}
	return bzip2.NewWriter(w, &bzip2.WriterConfig{Level: level})
}

func (bzip2Compressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	return bzip2.NewReader(r, nil)
}

type xzCompressor struct{}

func (xzCompressor) Kind() types.CompressionType { return types.CompressionXZ }
func (xzCompressor) Extension() string           { return ".xz" }

func (xzCompressor) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return xz.NewWriter(w)
}

func (xzCompressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	xr, err := xz.NewReader(r)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(xr), nil
}

type noCompressor struct{}

func (noCompressor) Kind() types.CompressionType { return types.CompressionNone }
func (noCompressor) Extension() string           { return "" }

func (noCompressor) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return nopWriteCloser{w}, nil
}

func (noCompressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(r), nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// ParseRecipients parses age X25519 and SSH public key recipients.
func ParseRecipients(values []string) ([]age.Recipient, error) {
	parsed := make([]age.Recipient, 0, len(values))
	seen := make(map[string]bool, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" || seen[value] {
			continue
		}
		seen[value] = true
		var (
			r   age.Recipient
			err error
		)
		switch {
		case strings.HasPrefix(value, "age1"):
			r, err = age.ParseX25519Recipient(value)
		case strings.HasPrefix(strings.ToLower(value), "ssh-"):
			r, err = agessh.ParseRecipient(value)
		default:
			err = fmt.Errorf("unsupported AGE recipient format: %s", value)
		}
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, r)
	}
	return parsed, nil
}

// LoadIdentities reads an age identity file, or an unencrypted SSH
// private key.
func LoadIdentities(path string) ([]age.Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity file: %w", err)
	}
	if bytes.Contains(data, []byte("AGE-SECRET-KEY-")) {
		return age.ParseIdentities(bytes.NewReader(data))
	}
	id, err := agessh.ParseIdentity(data)
	if err != nil {
		return nil, fmt.Errorf("parse identity file: %w", err)
	}
	return []age.Identity{id}, nil
}

// layered closes a writer or reader stack innermost first.
type layered struct {
	closers []func() error
}

func (l *layered) push(fn func() error) { l.closers = append(l.closers, fn) }

func (l *layered) Close() error {
	var first error
	for i := len(l.closers) - 1; i >= 0; i-- {
		if err := l.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	l.closers = nil
	return first
}

type layeredWriter struct {
	io.Writer
	*layered
}

type layeredReader struct {
	io.Reader
	*layered
}

// createStream opens path for writing through age (when recipients are
// given) and the compressor.
func createStream(path string, comp Compressor, recipients []age.Recipient) (io.WriteCloser, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, err
	}
	stack := &layered{}
	stack.push(f.Close)
	var w io.Writer = f
	if len(recipients) > 0 {
		ew, err := age.Encrypt(w, recipients...)
		if err != nil {
			stack.Close()
			return nil, fmt.Errorf("initialize age encryption: %w", err)
		}
		stack.push(ew.Close)
		w = ew
	}
	cw, err := comp.NewWriter(w)
	if err != nil {
		stack.Close()
		return nil, fmt.Errorf("initialize %s compression: %w", comp.Kind(), err)
	}
	stack.push(cw.Close)
	return layeredWriter{Writer: cw, layered: stack}, nil
}

// openStream opens an archive file for reading, decrypting when the name
// ends in .age.
func openStream(path string, identities []age.Identity) (io.ReadCloser, error) {
	comp, encrypted, err := DetectCompressor(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	stack := &layered{}
	stack.push(f.Close)
	var r io.Reader = f
	if encrypted {
		if len(identities) == 0 {
			stack.Close()
			return nil, fmt.Errorf("%s is encrypted and no AGE identity is configured", path)
		}
		dr, err := age.Decrypt(r, identities...)
		if err != nil {
			stack.Close()
			return nil, fmt.Errorf("decrypt %s: %w", path, err)
		}
		r = dr
	}
	cr, err := comp.NewReader(r)
	if err != nil {
		stack.Close()
		return nil, &IntegrityError{Archive: path, Reason: fmt.Sprintf("invalid %s stream: %v", comp.Kind(), err)}
	}
	stack.push(cr.Close)
	return layeredReader{Reader: cr, layered: stack}, nil
}
