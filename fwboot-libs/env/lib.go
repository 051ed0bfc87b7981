package env

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
)

var ErrNotSet = errors.New("environment variable not set")
var ErrBadCRC = errors.New("environment crc mismatch")

type Config struct {
	// "text" (key=value lines) or "blob" (U-Boot binary environment).
	Format string `json:"format"`
	Path   string `json:"path"`
	// Blob size including the crc header.
	Size   int64             `json:"size"`
	Offset int64             `json:"offset"`
	Values map[string]string `json:"values"`
}

// Env is the bootloader environment. Values set at runtime stay in memory
// until Save is called.
type Env struct {
	mu     sync.Mutex
	values map[string]string
	config *Config
}

func New(values map[string]string) *Env {
	e := &Env{values: make(map[string]string)}
	for k, v := range values {
		e.values[k] = v
	}
	return e
}

func Load(c *Config) (*Env, error) {
	e := New(nil)
	e.config = c

	switch c.Format {
	case "", "inline":
	case "text":
		data, err := os.ReadFile(c.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
		for k, v := range ParseText(data) {
			e.values[k] = v
		}
	case "blob":
		f, err := os.Open(c.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open environment: %w", err)
		}
		defer f.Close()
		blob := make([]byte, c.Size)
		if _, err := f.ReadAt(blob, c.Offset); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
		values, err := DecodeBlob(blob)
		if err != nil {
			return nil, err
		}
		e.values = values
	default:
		return nil, fmt.Errorf("unknown environment format %q", c.Format)
	}

	// configured values override the stored ones
	for k, v := range c.Values {
		e.values[k] = v
	}
	return e, nil
}

func (e *Env) Get(name string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.values[name]
	return v, ok
}

func (e *Env) Set(name, value string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if value == "" {
		delete(e.values, name)
		return
	}
	e.values[name] = value
}

// Hex parses a variable the way simple_strtoul(s, NULL, 16) does, with an
// optional 0x prefix.
func (e *Env) Hex(name string) (uint64, error) {
	v, ok := e.Get(name)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotSet, name)
	}
	n, err := ParseHex(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return n, nil
}

func ParseHex(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return strconv.ParseUint(s, 16, 64)
}

func (e *Env) Names() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.values))
	for k := range e.values {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (e *Env) Snapshot() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]string, len(e.values))
	for k, v := range e.values {
		out[k] = v
	}
	return out
}

// Expand replaces ${name} and $name references.
func (e *Env) Expand(s string) string {
	return os.Expand(s, func(name string) string {
		v, _ := e.Get(name)
		return v
	})
}

func (e *Env) Save() error {
	if e.config == nil || e.config.Path == "" {
		return errors.New("environment has no backing store")
	}
	snapshot := e.Snapshot()

	switch e.config.Format {
	case "text":
		return os.WriteFile(e.config.Path, EncodeText(snapshot), 0644)
	case "blob":
		blob, err := EncodeBlob(snapshot, e.config.Size)
		if err != nil {
			return err
		}
		f, err := os.OpenFile(e.config.Path, os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = f.WriteAt(blob, e.config.Offset)
		return err
	default:
		return fmt.Errorf("environment format %q can't be saved", e.config.Format)
	}
}

func ParseText(data []byte) map[string]string {
	values := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		values[k] = v
	}
	return values
}

func EncodeText(values map[string]string) []byte {
	var buf bytes.Buffer
	for _, k := range sortedKeys(values) {
		fmt.Fprintf(&buf, "%s=%s\n", k, values[k])
	}
	return buf.Bytes()
}

// DecodeBlob parses a U-Boot environment: little-endian crc32 of the data
// area followed by NUL-terminated key=value entries.
func DecodeBlob(blob []byte) (map[string]string, error) {
	if len(blob) < crc32.Size+1 {
		return nil, fmt.Errorf("environment blob too short (%d bytes)", len(blob))
	}
	data := blob[crc32.Size:]
	expected := binary.LittleEndian.Uint32(blob[:crc32.Size])
	if actual := crc32.ChecksumIEEE(data); actual != expected {
		return nil, fmt.Errorf("%w: stored 0x%08x, computed 0x%08x", ErrBadCRC, expected, actual)
	}

	values := make(map[string]string)
	for _, entry := range bytes.Split(data, []byte{0}) {
		if len(entry) == 0 {
			break
		}
		k, v, ok := strings.Cut(string(entry), "=")
		if ok {
			values[k] = v
		}
	}
	return values, nil
}

func EncodeBlob(values map[string]string, size int64) ([]byte, error) {
	blob := make([]byte, size)
	off := crc32.Size
	for _, k := range sortedKeys(values) {
		entry := k + "=" + values[k]
		if int64(off+len(entry)+2) > size {
			return nil, fmt.Errorf("environment does not fit in %d bytes", size)
		}
		copy(blob[off:], entry)
		off += len(entry) + 1
	}
	binary.LittleEndian.PutUint32(blob[:crc32.Size], crc32.ChecksumIEEE(blob[crc32.Size:]))
	return blob, nil
}

func sortedKeys(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
