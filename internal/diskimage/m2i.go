package diskimage

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// M2I implements FileOps over an "M2I" index: a plain-ASCII text file
// whose lines each describe one entry (type, sibling filename on the
// host filesystem, PETSCII label, size) as spec.md §4.6.6 describes.
// Unlike D64/D71/D81 there is no fixed geometry or BAM; file bodies are
// ordinary sibling files next to the index, addressed by name.
//
// Line format (one entry per line, '|'-delimited, trailing fields
// optional): TYPE|SIBLING|LABEL|SIZE
//   TYPE    single character: P=PRG, S=SEQ, U=USR, R=REL, D=directory-ish marker (unused)
//   SIBLING the host filename holding the file's bytes
//   LABEL   the 16-char (padded/truncated) PETSCII name shown in the directory
//   SIZE    decimal byte count, authoritative for block-count rounding
type M2I struct {
	path    string
	dir     string
	label   string
	id      string
	entries []m2iEntry
}

type m2iEntry struct {
	kind    byte // 'P','S','U','R'
	sibling string
	label   string
	size    int64
}

const m2iLabelWidth = 16

func OpenM2I(path string) (*M2I, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m := &M2I{path: path, dir: filepath.Dir(path)}
	sc := bufio.NewScanner(f)
	first := true
	for sc.Scan() {
		line := sc.Text()
		if first {
			first = false
			label, id, ok := parseM2IHeader(line)
			if ok {
				m.label, m.id = label, id
				continue
			}
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		e, err := parseM2IEntry(line)
		if err != nil {
			continue // skip malformed lines, matches the original's tolerant parser
		}
		m.entries = append(m.entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

// parseM2IHeader recognizes an optional leading "LABEL|ID" header line,
// distinguishing it from an entry line by the absence of a type code.
func parseM2IHeader(line string) (label, id string, ok bool) {
	parts := strings.SplitN(line, "|", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	if len(parts[0]) == 1 && strings.ContainsRune("PSURD", rune(parts[0][0])) {
		return "", "", false
	}
	return padM2ILabel(parts[0]), strings.TrimSpace(parts[1]), true
}

func parseM2IEntry(line string) (m2iEntry, error) {
	parts := strings.Split(line, "|")
	if len(parts) < 2 {
		return m2iEntry{}, errors.Errorf("malformed M2I entry: %q", line)
	}
	if len(parts[0]) != 1 {
		return m2iEntry{}, errors.Errorf("malformed M2I type field: %q", line)
	}
	e := m2iEntry{kind: parts[0][0], sibling: parts[1]}
	if len(parts) > 2 {
		e.label = padM2ILabel(parts[2])
	} else {
		e.label = padM2ILabel(parts[1])
	}
	if len(parts) > 3 {
		if n, err := strconv.ParseInt(strings.TrimSpace(parts[3]), 10, 64); err == nil {
			e.size = n
		}
	}
	return e, nil
}

func padM2ILabel(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) > m2iLabelWidth {
		return s[:m2iLabelWidth]
	}
	return s
}

func m2iFileType(kind byte) FileType {
	switch kind {
	case 'S':
		return FileSEQ
	case 'U':
		return FileUSR
	case 'R':
		return FileREL
	case 'D':
		return FileDIR
	default:
		return FilePRG
	}
}

func m2iKindByte(ft FileType) byte {
	switch ft {
	case FileSEQ:
		return 'S'
	case FileUSR:
		return 'U'
	case FileREL:
		return 'R'
	case FileDIR:
		return 'D'
	default:
		return 'P'
	}
}

func (m *M2I) Type() ImageType { return TypeM2I }

func (m *M2I) entrySize(e m2iEntry) int64 {
	if e.size > 0 {
		return e.size
	}
	if fi, err := os.Stat(filepath.Join(m.dir, e.sibling)); err == nil {
		return fi.Size()
	}
	return 0
}

func (m *M2I) toDirEntry(e m2iEntry) DirEntry {
	size := m.entrySize(e)
	return DirEntry{
		Name:   e.label,
		Type:   m2iFileType(e.kind),
		Blocks: uint16((size + DataBytesPerSector - 1) / DataBytesPerSector),
		Path:   e.sibling,
	}
}

func (m *M2I) ReadDir() ([]DirEntry, error) {
	out := make([]DirEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, m.toDirEntry(e))
	}
	return out, nil
}

func (m *M2I) Lookup(name string) (DirEntry, bool, error) {
	key := strings.ToUpper(strings.TrimSpace(name))
	for _, e := range m.entries {
		if e.label == key {
			return m.toDirEntry(e), true, nil
		}
	}
	return DirEntry{}, false, nil
}

func (m *M2I) Glob(pattern string) ([]DirEntry, error) {
	pat := strings.ToUpper(pattern)
	var out []DirEntry
	for _, e := range m.entries {
		if GlobMatch(pat, e.label) {
			out = append(out, m.toDirEntry(e))
		}
	}
	return out, nil
}

func (m *M2I) OpenRead(name string) (OpenFile, error) {
	e, ok, err := m.Lookup(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Errorf("file not found: %s", name)
	}
	f, err := os.Open(filepath.Join(m.dir, e.Path))
	if err != nil {
		return nil, err
	}
	return &m2iFile{f: f}, nil
}

type m2iFile struct{ f *os.File }

func (m *m2iFile) Read(p []byte) (int, error)          { return m.f.Read(p) }
func (m *m2iFile) Seek(o int64, w int) (int64, error)   { return m.f.Seek(o, w) }
func (m *m2iFile) Write(p []byte) (int, error)          { return m.f.Write(p) }
func (m *m2iFile) Truncate(size int64) error            { return m.f.Truncate(size) }
func (m *m2iFile) Close() error                         { return m.f.Close() }

// OpenWrite appends a new entry to the index and creates the sibling
// file on the host filesystem (spec.md §4.6.6: "new files get a
// generated 8.3 sibling name"). The index is rewritten atomically.
func (m *M2I) OpenWrite(name string, ft FileType, replace bool) (OpenFile, error) {
	key := strings.ToUpper(strings.TrimSpace(name))
	if key == "" {
		return nil, errors.New("empty filename")
	}
	if idx := m.indexOf(key); idx >= 0 {
		if !replace {
			return nil, errors.New("file exists")
		}
		if err := m.removeSibling(m.entries[idx].sibling); err != nil {
			return nil, err
		}
		m.entries = append(m.entries[:idx], m.entries[idx+1:]...)
	}
	sibling := m.generateSiblingName(key)
	f, err := os.Create(filepath.Join(m.dir, sibling))
	if err != nil {
		return nil, err
	}
	m.entries = append(m.entries, m2iEntry{kind: m2iKindByte(ft), sibling: sibling, label: key})
	if err := m.rewrite(); err != nil {
		f.Close()
		return nil, err
	}
	return &m2iFile{f: f}, nil
}

func (m *M2I) indexOf(key string) int {
	for i, e := range m.entries {
		if e.label == key {
			return i
		}
	}
	return -1
}

func (m *M2I) removeSibling(name string) error {
	err := os.Remove(filepath.Join(m.dir, name))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// generateSiblingName picks an unused 8.3-safe host filename derived
// from the PETSCII label, falling back to a numbered stub on collision.
func (m *M2I) generateSiblingName(label string) string {
	base := sanitizeM2ISibling(label)
	candidate := base
	for n := 1; m.siblingInUse(candidate); n++ {
		prefix := strconv.Itoa(n) + "_"
		keep := 8 - len(prefix)
		if keep < 0 {
			keep = 0
		}
		stem := base
		if len(stem) > keep {
			stem = stem[:keep]
		}
		candidate = prefix + stem
	}
	return candidate
}

func (m *M2I) siblingInUse(name string) bool {
	for _, e := range m.entries {
		if strings.EqualFold(e.sibling, name) {
			return true
		}
	}
	return false
}

func sanitizeM2ISibling(label string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(label) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	s := b.String()
	if s == "" {
		s = "file"
	}
	if len(s) > 8 {
		s = s[:8]
	}
	return s
}

func (m *M2I) Rename(oldName, newName string) error {
	idx := m.indexOf(strings.ToUpper(strings.TrimSpace(oldName)))
	if idx < 0 {
		return errors.New("file not found")
	}
	newKey := strings.ToUpper(strings.TrimSpace(newName))
	if m.indexOf(newKey) >= 0 {
		return errors.New("file exists")
	}
	m.entries[idx].label = newKey
	return m.rewrite()
}

func (m *M2I) Scratch(pattern string) (int, error) {
	pat := strings.ToUpper(pattern)
	var kept []m2iEntry
	count := 0
	for _, e := range m.entries {
		if GlobMatch(pat, e.label) {
			if err := m.removeSibling(e.sibling); err != nil {
				return count, err
			}
			count++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	if count > 0 {
		if err := m.rewrite(); err != nil {
			return count, err
		}
	}
	return count, nil
}

func (m *M2I) Mkdir(string) error { return errors.New("SYNTAX ERROR: M2I has no subdirectories") }
func (m *M2I) Rmdir(string) error { return errors.New("SYNTAX ERROR: M2I has no subdirectories") }

// FreeBlocks has no real meaning for M2I (backed by the host filesystem)
// so it reports the conventional "plenty free" value the original uses
// to keep DOS status displays happy.
func (m *M2I) FreeBlocks() (uint32, error) { return 65535, nil }

func (m *M2I) Label() (string, string, error) {
	if m.label == "" {
		return "M2I", "2I", nil
	}
	return m.label, m.id, nil
}

func (m *M2I) Format(label, id string) error {
	m.entries = nil
	m.label = padM2ILabel(label)
	m.id = strings.ToUpper(strings.TrimSpace(id))
	return m.rewrite()
}

// rewrite atomically regenerates the index file from m.entries, the
// only place M2I content is written back to disk.
func (m *M2I) rewrite() error {
	var b strings.Builder
	if m.label != "" {
		b.WriteString(m.label)
		b.WriteByte('|')
		b.WriteString(m.id)
		b.WriteByte('\n')
	}
	for _, e := range m.entries {
		b.WriteByte(e.kind)
		b.WriteByte('|')
		b.WriteString(e.sibling)
		b.WriteByte('|')
		b.WriteString(e.label)
		b.WriteByte('|')
		b.WriteString(strconv.FormatInt(m.entrySize(e), 10))
		b.WriteByte('\n')
	}
	return writeFileAtomic(m.path, []byte(b.String()), 0o644)
}
