package chanbuf

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sd2iec/sd2iec/internal/diskimage"
)

// PartitionResolver is the subset of doscmd.Partitions an Opener needs:
// the active partition's FileOps, and the ability to switch for a
// "<part>:" prefix on the OPEN name (spec.md §4.7).
type PartitionResolver interface {
	Current() *diskimage.Partition
	Switch(n int) error
}

// Opener implements OPEN (spec.md §4.7): the `$`/`#`/`@` prefixes, the
// `<part>:`/`,T,M`/`,L,<len>` fragments, and wildcard matching for read,
// binding the resulting Backend to the buffer the caller already
// allocated for this secondary.
type Opener struct {
	Partitions PartitionResolver
}

// Open resolves name against the active partition and installs a Backend
// on b (spec.md §9: "the buffer owns its private state as part of the
// same variant").
func (o *Opener) Open(b *Buffer, secondary int, name []byte) error {
	raw := string(name)

	switch {
	case strings.HasPrefix(raw, "$"):
		return o.openDirectory(b, raw[1:])
	case strings.HasPrefix(raw, "#"):
		return o.openRawBuffer(b)
	}

	replace := false
	if strings.HasPrefix(raw, "@") {
		replace = true
		raw = raw[1:]
	}

	raw = o.splitPartitionPrefix(raw)

	fields := strings.Split(raw, ",")
	filename := strings.TrimSpace(fields[0])

	ft := diskimage.FileSEQ
	write := secondary == 1
	if secondary == 0 {
		ft = diskimage.FilePRG
	}
	recordLen := -1
	for i := 1; i < len(fields); i++ {
		f := strings.TrimSpace(fields[i])
		if f == "" {
			continue
		}
		switch f[0] {
		case 'L':
			if n, err := strconv.Atoi(strings.TrimPrefix(f, "L")); err == nil {
				recordLen = n
			}
		case 'D':
			ft = diskimage.FileDEL
		case 'S':
			ft = diskimage.FileSEQ
		case 'P':
			ft = diskimage.FilePRG
		case 'U':
			ft = diskimage.FileUSR
		case 'R':
			if f == "R" {
				ft = diskimage.FileREL
			} else {
				write = false
			}
		case 'W':
			write = true
		case 'A':
			write = true
		}
	}
	_ = recordLen // REL record length is parsed, no REL I/O path yet

	p := o.Partitions.Current()
	if p == nil || p.Ops == nil {
		return fmt.Errorf("drive not ready")
	}

	if filename == "" {
		return fmt.Errorf("missing filename")
	}

	if write {
		if strings.ContainsAny(filename, "*?") {
			return fmt.Errorf("wildcard not allowed on write")
		}
		f, err := p.Ops.OpenWrite(filename, ft, replace)
		if err != nil {
			return err
		}
		b.WriteOpen = true
		b.Backend = &fileBackend{file: f, write: true}
		b.Private = filename
		return nil
	}

	resolved := filename
	if strings.ContainsAny(filename, "*?") {
		matches, err := p.Ops.Glob(filename)
		if err != nil {
			return err
		}
		if len(matches) == 0 {
			return fmt.Errorf("file not found: %s", filename)
		}
		resolved = matches[0].Name
	}
	f, err := p.Ops.OpenRead(resolved)
	if err != nil {
		return err
	}
	b.ReadOpen = true
	backend := &fileBackend{file: f, write: false}
	b.Backend = backend
	b.Private = resolved
	return backend.Refill(b)
}

// splitPartitionPrefix strips a leading "<digits>:" drive/partition spec,
// switching the active partition as a side effect (spec.md §4.7:
// "Parsing also splits the leading <part>: drive/partition spec").
func (o *Opener) splitPartitionPrefix(raw string) string {
	idx := strings.IndexByte(raw, ':')
	if idx < 0 {
		return raw
	}
	prefix := raw[:idx]
	if prefix == "" {
		return raw[idx+1:]
	}
	if n, err := strconv.Atoi(prefix); err == nil {
		_ = o.Partitions.Switch(n)
		return raw[idx+1:]
	}
	return raw
}

func (o *Opener) openRawBuffer(b *Buffer) error {
	b.ReadOpen = true
	b.WriteOpen = true
	b.Backend = nil
	return nil
}

func (o *Opener) openDirectory(b *Buffer, arg string) error {
	p := o.Partitions.Current()
	if p == nil || p.Ops == nil {
		return fmt.Errorf("drive not ready")
	}
	pattern := strings.TrimSpace(arg)
	if pattern != "" && pattern[0] >= '0' && pattern[0] <= '9' {
		// leading drive-number digit before an optional ':' pattern, per
		// the 1541's "$0" / "$0:pattern" forms.
		if i := strings.IndexByte(pattern, ':'); i >= 0 {
			pattern = pattern[i+1:]
		} else {
			pattern = ""
		}
	}
	pattern = strings.TrimPrefix(pattern, ":")

	entries, err := p.Ops.ReadDir()
	if err != nil {
		return err
	}
	if pattern != "" {
		entries, err = p.Ops.Glob(pattern)
		if err != nil {
			return err
		}
	}
	label, id, err := p.Ops.Label()
	if err != nil {
		label, id = "", ""
	}
	free, err := p.Ops.FreeBlocks()
	if err != nil {
		free = 0
	}

	b.ReadOpen = true
	backend := &dirBackend{entries: entries, label: label, id: id, free: free}
	b.Backend = backend
	return backend.Refill(b)
}
