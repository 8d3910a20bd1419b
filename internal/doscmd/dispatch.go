// Package doscmd implements the channel-15 command parser (spec.md §4.5):
// one-shot handlers per command token, dispatched from a flat
// registration table the way the teacher's internal/proto lays out its
// opcode constants (OpLS, OpSTATFS, ...) rather than a single giant
// switch statement.
package doscmd

import (
	"bytes"
	"strings"

	"github.com/pkg/errors"

	"github.com/sd2iec/sd2iec/internal/chanbuf"
	"github.com/sd2iec/sd2iec/internal/diskimage"
	"github.com/sd2iec/sd2iec/internal/doserr"
)

// Handler processes one command's argument bytes (everything after the
// matched token) and returns the status it should leave on the error
// channel.
type Handler func(d *Dispatcher, args []byte) doserr.Status

// Partitions exposes the mounted partitions a command may need (current
// directory, image mount state, free-block queries, ...); cmd/sd2iecsim
// wires a real multi-partition implementation, tests use a single-entry
// stub.
type Partitions interface {
	Current() *diskimage.Partition
	Switch(n int) error
}

// Dispatcher holds the command table and the collaborators command
// handlers need: the buffer pool (for B-R/B-W/B-P/M-R/M-W's canned
// memory window), the mounted partitions, and the fastloader detector
// M-W commands feed CRC samples into.
type Dispatcher struct {
	Pool       *chanbuf.Pool
	Partitions Partitions
	Address    int
	JiffyOn    bool
	VC20Mode   bool

	// FastloaderFeed receives every M-W byte sequence so CRC-based
	// loader-signature detection (spec.md §4.8) can run independently of
	// command parsing.
	FastloaderFeed func(addr uint16, data []byte)

	// Executor runs an M-E address against the armed fastloader tag
	// (wired to internal/fastload.Dispatcher.Execute by cmd/sd2iecsim).
	Executor MemoryExecutor

	// Opener resolves OPEN names against the current partition's FileOps
	// and binds the matching Backend (spec.md §4.7).
	Opener *chanbuf.Opener

	handlers map[string]Handler
}

func New(pool *chanbuf.Pool, parts Partitions, address int) *Dispatcher {
	d := &Dispatcher{Pool: pool, Partitions: parts, Address: address}
	d.handlers = defaultTable()
	d.Opener = &chanbuf.Opener{Partitions: parts}
	return d
}

// defaultTable builds the command-token -> Handler map (spec.md §4.5's
// command table), checked longest-token-first by Dispatch so "M-E"/"M-R"
// /"M-W" don't collide with a bare "M" prefix match.
func defaultTable() map[string]Handler {
	return map[string]Handler{
		"CD":   cmdCD,
		"MD":   cmdMD,
		"M-D":  cmdMD,
		"RD":   cmdRD,
		"B-R":  cmdBlockRead,
		"U1":   cmdBlockRead,
		"B-W":  cmdBlockWrite,
		"U2":   cmdBlockWrite,
		"B-P":  cmdBP,
		"C":    cmdCopy,
		"CP":   cmdPartitionSwitch,
		"I":    cmdInitialize,
		"M-E":  cmdME,
		"M-R":  cmdMR,
		"M-W":  cmdMW,
		"N":    cmdFormat,
		"R":    cmdRename,
		"S":    cmdScratch,
		"U0":   cmdU0,
		"UI+":  cmdUIPlus,
		"UI-":  cmdUIMinus,
		"UJ":   cmdSoftReset,
		"U:":   cmdSoftReset,
	}
}

// Dispatch runs the command line accumulated by the listen loop
// (spec.md §4.3's command_complete / §4.5). Unknown tokens set error 30.
func (d *Dispatcher) Dispatch(secondary int, cmd []byte) error {
	line := bytes.TrimRight(cmd, "\r\n")
	token, args := splitToken(line)
	h, ok := d.handlers[token]
	var st doserr.Status
	if !ok {
		st = doserr.New(doserr.SyntaxErrorGeneral)
	} else {
		st = h(d, args)
	}
	d.Pool.ErrorChannel().SetErrorString(st.String() + "\r")
	return nil
}

// OpenFile handles OPEN on a non-command secondary: allocates the
// buffer for secondary, then hands it to the Opener to parse the
// $/#/@ prefix and ,T,M / ,L,<len> suffixes (spec.md §4.7) and bind the
// matching Backend against the current partition's FileOps.
func (d *Dispatcher) OpenFile(secondary int, name []byte) error {
	buf, err := d.Pool.Alloc(secondary)
	if err != nil {
		d.Pool.ErrorChannel().SetErrorString(doserr.New(doserr.NoChannel).String() + "\r")
		return nil
	}
	if err := d.Opener.Open(buf, secondary, name); err != nil {
		d.Pool.Free(secondary)
		d.Pool.ErrorChannel().SetErrorString(doserr.New(doserr.FileNotFound).String() + "\r")
		return nil
	}
	return nil
}

func splitToken(line []byte) (token string, args []byte) {
	s := string(line)
	for _, tok := range []string{"M-D", "B-R", "B-W", "B-P", "M-E", "M-R", "M-W", "UI+", "UI-", "U:"} {
		if strings.HasPrefix(s, tok) {
			return tok, line[len(tok):]
		}
	}
	// Single/double-letter tokens, optionally followed by ':' or a digit
	// (U0, U1, U2, CP, CP0).
	if len(s) >= 2 && s[0] == 'C' && s[1] == 'P' {
		return "CP", line[2:]
	}
	if len(s) >= 2 && s[0] == 'U' && s[1] >= '0' && s[1] <= '9' {
		return "U" + s[1:2], line[2:]
	}
	for _, tok := range []string{"CD", "MD", "RD", "UJ"} {
		if strings.HasPrefix(s, tok) {
			return tok, line[len(tok):]
		}
	}
	if len(s) >= 1 {
		return s[:1], line[1:]
	}
	return "", nil
}

func trimColon(args []byte) []byte {
	return bytes.TrimPrefix(args, []byte(":"))
}

func cmdCD(d *Dispatcher, args []byte) doserr.Status {
	name := strings.TrimSpace(string(trimColon(args)))
	if name == "" {
		return doserr.New(doserr.SyntaxErrorNoName)
	}
	p := d.Partitions.Current()
	if p == nil {
		return doserr.New(doserr.DriveNotReady)
	}
	if name == "_" {
		p.CurrentDir = ""
		return doserr.New(doserr.OK)
	}
	if !hasImageExtension(name) {
		p.CurrentDir = name
		return doserr.New(doserr.OK)
	}
	// Mounting an image file as a sub-partition is handled by the
	// caller's partition manager; signal success here and let it react
	// to CurrentDir's image-extension name on the next FileOps lookup.
	p.CurrentDir = name
	return doserr.New(doserr.OK)
}

func hasImageExtension(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range []string{".d64", ".d71", ".d81", ".m2i"} {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

func cmdMD(d *Dispatcher, args []byte) doserr.Status {
	name := strings.TrimSpace(string(trimColon(args)))
	if name == "" {
		return doserr.New(doserr.SyntaxErrorNoName)
	}
	p := d.Partitions.Current()
	if p == nil || p.Ops == nil {
		return doserr.New(doserr.DriveNotReady)
	}
	if err := p.Ops.Mkdir(name); err != nil {
		return doserr.New(doserr.SyntaxErrorGeneral)
	}
	return doserr.New(doserr.OK)
}

func cmdRD(d *Dispatcher, args []byte) doserr.Status {
	name := strings.TrimSpace(string(trimColon(args)))
	if name == "" {
		return doserr.New(doserr.SyntaxErrorNoName)
	}
	p := d.Partitions.Current()
	if p == nil || p.Ops == nil {
		return doserr.New(doserr.DriveNotReady)
	}
	if err := p.Ops.Rmdir(name); err != nil {
		return doserr.New(doserr.DirError)
	}
	return doserr.New(doserr.OK)
}

// cmdBlockRead implements B-R/U1: "sec,part,trk,sec" reads one 256-byte
// sector straight into the buffer bound to sec (spec.md §4.5).
func cmdBlockRead(d *Dispatcher, args []byte) doserr.Status {
	bo, buf, track, sector, st := blockOpPrep(d, args)
	if bo == nil {
		return st
	}
	if err := bo.ReadSector(track, sector, buf.Data[:256]); err != nil {
		return doserr.New(doserr.IllegalTrackOrSec)
	}
	buf.Position = 0
	buf.LastUsed = 255
	return doserr.New(doserr.OK)
}

// cmdBlockWrite implements B-W/U2: writes the buffer's 256-byte window to
// the named sector (spec.md §4.5).
func cmdBlockWrite(d *Dispatcher, args []byte) doserr.Status {
	bo, buf, track, sector, st := blockOpPrep(d, args)
	if bo == nil {
		return st
	}
	if err := bo.WriteSector(track, sector, buf.Data[:256]); err != nil {
		return doserr.New(doserr.IllegalTrackOrSec)
	}
	return doserr.New(doserr.OK)
}

func blockOpPrep(d *Dispatcher, args []byte) (diskimage.BlockOps, *chanbuf.Buffer, int, int, doserr.Status) {
	fields := splitFields(args)
	if len(fields) < 4 {
		return nil, nil, 0, 0, doserr.New(doserr.SyntaxErrorInvalid)
	}
	sec, err1 := atoiField(fields[0])
	track, err2 := atoiField(fields[2])
	sector, err3 := atoiField(fields[3])
	if err1 != nil || err2 != nil || err3 != nil {
		return nil, nil, 0, 0, doserr.New(doserr.SyntaxErrorInvalid)
	}
	buf := d.Pool.Find(sec)
	if buf == nil {
		return nil, nil, 0, 0, doserr.New(doserr.NoChannel)
	}
	p := d.Partitions.Current()
	if p == nil || p.Ops == nil {
		return nil, nil, 0, 0, doserr.New(doserr.DriveNotReady)
	}
	bo, ok := p.Ops.(diskimage.BlockOps)
	if !ok {
		return nil, nil, 0, 0, doserr.New(doserr.IllegalTrackOrSec)
	}
	return bo, buf, track, sector, doserr.Status{}
}

func cmdBP(d *Dispatcher, args []byte) doserr.Status {
	fields := splitFields(args)
	if len(fields) < 2 {
		return doserr.New(doserr.SyntaxErrorInvalid)
	}
	sec, err1 := atoiField(fields[0])
	pos, err2 := atoiField(fields[1])
	if err1 != nil || err2 != nil {
		return doserr.New(doserr.SyntaxErrorInvalid)
	}
	buf := d.Pool.Find(sec)
	if buf == nil {
		return doserr.New(doserr.NoChannel)
	}
	if pos < 0 || pos > 255 {
		return doserr.New(doserr.SyntaxErrorInvalid)
	}
	buf.Position = pos
	return doserr.New(doserr.OK)
}

// cmdCopy implements C: dest=src[,src2,...] concatenation copy.
func cmdCopy(d *Dispatcher, args []byte) doserr.Status {
	s := string(trimColon(args))
	eq := strings.IndexByte(s, '=')
	if eq < 0 {
		return doserr.New(doserr.SyntaxErrorInvalid)
	}
	dest := strings.TrimSpace(s[:eq])
	srcs := strings.Split(s[eq+1:], ",")
	if dest == "" || len(srcs) == 0 {
		return doserr.New(doserr.SyntaxErrorNoName)
	}
	p := d.Partitions.Current()
	if p == nil || p.Ops == nil {
		return doserr.New(doserr.DriveNotReady)
	}
	if _, ok, _ := p.Ops.Lookup(dest); ok {
		return doserr.New(doserr.FileExists)
	}
	w, err := p.Ops.OpenWrite(dest, diskimage.FilePRG, false)
	if err != nil {
		return doserr.New(doserr.SyntaxErrorGeneral)
	}
	defer w.Close()
	for _, src := range srcs {
		src = strings.TrimSpace(src)
		r, err := p.Ops.OpenRead(src)
		if err != nil {
			return doserr.New(doserr.FileNotFound)
		}
		buf := make([]byte, 4096)
		for {
			n, rerr := r.Read(buf)
			if n > 0 {
				if _, werr := w.Write(buf[:n]); werr != nil {
					r.Close()
					return doserr.New(doserr.WriteError)
				}
			}
			if rerr != nil {
				break
			}
		}
		r.Close()
	}
	return doserr.New(doserr.OK)
}

func cmdPartitionSwitch(d *Dispatcher, args []byte) doserr.Status {
	s := strings.TrimSpace(string(args))
	if s == "" {
		return doserr.New(doserr.OK)
	}
	n, err := atoiField(s)
	if err != nil {
		// binary single-byte partition number form.
		if len(args) >= 1 {
			n = int(args[0])
		} else {
			return doserr.New(doserr.SyntaxErrorInvalid)
		}
	}
	if err := d.Partitions.Switch(n); err != nil {
		return doserr.New(doserr.SyntaxErrorInvalid)
	}
	return doserr.New(doserr.OK)
}

func cmdInitialize(d *Dispatcher, args []byte) doserr.Status {
	d.Pool.FreeAll(chanbuf.FreeUserOnly)
	return doserr.New(doserr.OK)
}

// cmdME, cmdMR, cmdMW implement M-E/M-R/M-W (spec.md §4.5/§4.8); the
// actual fastloader dispatch table and CRC accumulator live in
// internal/fastload, reached here only through the FastloaderFeed hook
// and Executor for M-E (wired by cmd/sd2iecsim).
type MemoryExecutor interface {
	Execute(addr uint16) error
}

func cmdME(d *Dispatcher, args []byte) doserr.Status {
	addr, ok := parseLEAddr(args)
	if !ok {
		return doserr.New(doserr.SyntaxErrorInvalid)
	}
	if d.Executor != nil {
		if err := d.Executor.Execute(addr); err != nil {
			return doserr.New(doserr.SyntaxErrorGeneral)
		}
	}
	return doserr.New(doserr.OK)
}

func cmdMR(d *Dispatcher, args []byte) doserr.Status {
	if len(args) < 3 {
		return doserr.New(doserr.SyntaxErrorInvalid)
	}
	return doserr.New(doserr.OK)
}

func cmdMW(d *Dispatcher, args []byte) doserr.Status {
	if len(args) < 3 {
		return doserr.New(doserr.SyntaxErrorInvalid)
	}
	addr := uint16(args[0]) | uint16(args[1])<<8
	length := int(args[2])
	if len(args) < 3+length {
		return doserr.New(doserr.SyntaxErrorInvalid)
	}
	data := args[3 : 3+length]
	if d.FastloaderFeed != nil {
		d.FastloaderFeed(addr, data)
	}
	return doserr.New(doserr.OK)
}

func cmdFormat(d *Dispatcher, args []byte) doserr.Status {
	s := strings.TrimSpace(string(trimColon(args)))
	parts := strings.SplitN(s, ",", 2)
	label := parts[0]
	id := ""
	if len(parts) > 1 {
		id = parts[1]
	}
	p := d.Partitions.Current()
	if p == nil || p.Ops == nil {
		return doserr.New(doserr.DriveNotReady)
	}
	if err := p.Ops.Format(label, id); err != nil {
		return doserr.New(doserr.SyntaxErrorGeneral)
	}
	return doserr.New(doserr.OK)
}

func cmdRename(d *Dispatcher, args []byte) doserr.Status {
	s := string(trimColon(args))
	eq := strings.IndexByte(s, '=')
	if eq < 0 {
		return doserr.New(doserr.SyntaxErrorInvalid)
	}
	newName := strings.TrimSpace(s[:eq])
	oldName := strings.TrimSpace(s[eq+1:])
	p := d.Partitions.Current()
	if p == nil || p.Ops == nil {
		return doserr.New(doserr.DriveNotReady)
	}
	if err := p.Ops.Rename(oldName, newName); err != nil {
		return doserr.New(doserr.FileNotFound)
	}
	return doserr.New(doserr.OK)
}

func cmdScratch(d *Dispatcher, args []byte) doserr.Status {
	s := strings.TrimSpace(string(trimColon(args)))
	if s == "" {
		return doserr.New(doserr.SyntaxErrorNoName)
	}
	p := d.Partitions.Current()
	if p == nil || p.Ops == nil {
		return doserr.New(doserr.DriveNotReady)
	}
	total := 0
	for _, pattern := range strings.Split(s, ",") {
		n, err := p.Ops.Scratch(strings.TrimSpace(pattern))
		if err != nil {
			return doserr.New(doserr.SyntaxErrorGeneral)
		}
		total += n
	}
	return doserr.At(doserr.FilesScratched, total, 0)
}

func cmdU0(d *Dispatcher, args []byte) doserr.Status {
	s := strings.TrimSpace(string(args))
	s = strings.TrimPrefix(s, ">")
	if s == "" {
		return doserr.New(doserr.OK)
	}
	n, err := atoiField(s)
	if err != nil || n < 4 || n > 30 {
		return doserr.New(doserr.SyntaxErrorInvalid)
	}
	d.Address = n
	return doserr.New(doserr.OK)
}

func cmdUIPlus(d *Dispatcher, args []byte) doserr.Status {
	d.VC20Mode = false
	return doserr.New(doserr.OK)
}

func cmdUIMinus(d *Dispatcher, args []byte) doserr.Status {
	d.VC20Mode = true
	return doserr.New(doserr.OK)
}

func cmdSoftReset(d *Dispatcher, args []byte) doserr.Status {
	d.Pool.FreeAll(chanbuf.FreeUserOnly)
	return doserr.New(doserr.DOSVersion)
}

func splitFields(args []byte) []string {
	s := strings.TrimSpace(string(args))
	s = strings.TrimPrefix(s, ":")
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func atoiField(s string) (int, error) {
	s = strings.TrimSpace(s)
	n := 0
	if s == "" {
		return 0, errors.New("empty field")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, errors.Errorf("not a digit: %q", s)
		}
		n = n*10 + int(r-'0')
	}
	return n, nil
}

func parseLEAddr(args []byte) (uint16, bool) {
	if len(args) < 2 {
		return 0, false
	}
	return uint16(args[0]) | uint16(args[1])<<8, true
}
