// Package doserr is the DOS status-channel error table (spec.md §4.5, §7):
// the code/message/track/sector the command channel reports, plus the
// compact abbreviation-token encoding spec.md §4.5 calls for.
//
// Modeled the way wicos64-server/internal/proto represents wire status
// codes as a flat byte-constant block (proto.Status*) rather than a Go
// error type hierarchy — the DOS error channel is a string, not an
// exception, so a Code is a value, not something callers type-switch on.
package doserr

import "fmt"

// Code is a DOS error-channel code (the "NN" in "NN,MESSAGE,TT,SS").
type Code int

const (
	OK                 Code = 0
	FilesScratched     Code = 1
	ReadErrorBlockHdr  Code = 20
	ReadErrorNoSync    Code = 21
	ReadErrorDataBlock Code = 22
	ReadErrorDecode    Code = 23
	ReadErrorByteDec   Code = 24
	WriteErrorVerify   Code = 25
	WriteProtectOn     Code = 26
	ReadErrorChecksum  Code = 27
	WriteError         Code = 28
	DiskIDMismatch     Code = 29
	SyntaxErrorGeneral Code = 30
	SyntaxErrorInvalid Code = 31
	SyntaxErrorTooLong Code = 32
	SyntaxErrorPattern Code = 33
	SyntaxErrorNoName  Code = 34
	RecordNotPresent   Code = 51
	OverflowInRecord   Code = 50
	RecordOverflow     Code = 51
	FileTooLarge       Code = 52
	WriteFileOpen      Code = 60
	FileNotOpen        Code = 61
	FileNotFound       Code = 62
	FileExists         Code = 63
	FileTypeMismatch   Code = 64
	NoBlock            Code = 65
	IllegalTrackSector Code = 66
	IllegalTrackOrSec  Code = 67
	NoChannel          Code = 70
	DirError           Code = 71
	DiskFull           Code = 72
	DOSVersion         Code = 73
	DriveNotReady      Code = 74
)

var messages = map[Code]string{
	OK:                 " OK",
	FilesScratched:     "FILES SCRATCHED",
	ReadErrorBlockHdr:  "READ ERROR",
	ReadErrorNoSync:    "READ ERROR",
	ReadErrorDataBlock: "READ ERROR",
	ReadErrorDecode:    "READ ERROR",
	ReadErrorByteDec:   "READ ERROR",
	WriteErrorVerify:   "WRITE ERROR",
	WriteProtectOn:     "WRITE PROTECT ON",
	ReadErrorChecksum:  "READ ERROR",
	WriteError:         "WRITE ERROR",
	DiskIDMismatch:     "DISK ID MISMATCH",
	SyntaxErrorGeneral: "SYNTAX ERROR",
	SyntaxErrorInvalid: "SYNTAX ERROR",
	SyntaxErrorTooLong: "SYNTAX ERROR",
	SyntaxErrorPattern: "SYNTAX ERROR",
	SyntaxErrorNoName:  "SYNTAX ERROR",
	RecordOverflow:     "RECORD OVERFLOW (OR NOT PRESENT)",
	FileTooLarge:       "FILE TOO LARGE",
	WriteFileOpen:      "WRITE FILE OPEN",
	FileNotOpen:        "FILE NOT OPEN",
	FileNotFound:       "FILE NOT FOUND",
	FileExists:         "FILE EXISTS",
	FileTypeMismatch:   "FILE TYPE MISMATCH",
	NoBlock:            "NO BLOCK",
	IllegalTrackSector: "ILLEGAL TRACK OR SECTOR",
	IllegalTrackOrSec:  "ILLEGAL TRACK OR SECTOR",
	NoChannel:          "NO CHANNEL",
	DirError:           "DIR ERROR",
	DiskFull:           "DISK FULL",
	DOSVersion:         "SD2IEC V1.0",
	DriveNotReady:       "DRIVE NOT READY",
}

// Status is the fully formatted "NN,MESSAGE,TT,SS" error-channel payload.
type Status struct {
	Code    Code
	Track   int
	Sector  int
}

// String renders the classic four-field status line (spec.md §6.3).
func (s Status) String() string {
	msg, ok := messages[s.Code]
	if !ok {
		msg = "UNKNOWN ERROR"
	}
	return fmt.Sprintf("%02d,%s,%02d,%02d", int(s.Code), msg, s.Track, s.Sector)
}

// Initial is the power-up / "initialize" error-channel contents.
func Initial() Status { return Status{Code: OK} }

// BlinksDirty reports whether this status should trigger the dirty-LED
// blink attractor (spec.md §7: "errors >= 20" except the version string).
func (s Status) BlinksDirty() bool {
	return s.Code >= 20 && s.Code != DOSVersion
}

// New is a convenience constructor for a code with no track/sector
// context (e.g. syntax errors).
func New(c Code) Status { return Status{Code: c} }

// At attaches track/sector context (media and protocol errors).
func At(c Code, track, sector int) Status { return Status{Code: c, Track: track, Sector: sector} }

// abbrevTable is the single-byte abbreviation-token table spec.md §4.5
// mentions ("tokens 0..31 expanding to common phrases"). Nothing in this
// repository calls Abbrev, and the wire status string above never uses
// the table (hosts expect the expanded text).
var abbrevTable = [...]string{
	0:  "OK",
	1:  "FILES SCRATCHED",
	2:  "READ ERROR",
	3:  "WRITE ERROR",
	4:  "WRITE PROTECT ON",
	5:  "SYNTAX ERROR",
	6:  "FILE NOT FOUND",
	7:  "FILE EXISTS",
	8:  "FILE TYPE MISMATCH",
	9:  "NO BLOCK",
	10: "ILLEGAL TRACK OR SECTOR",
	11: "NO CHANNEL",
	12: "DIR ERROR",
	13: "DISK FULL",
	14: "DRIVE NOT READY",
	15: "RECORD OVERFLOW (OR NOT PRESENT)",
}

// Abbrev returns the expanded phrase for an abbreviation token, or "" if
// the token is unused.
func Abbrev(tok int) string {
	if tok < 0 || tok >= len(abbrevTable) {
		return ""
	}
	return abbrevTable[tok]
}
