package pulsegen

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/snksoft/crc"
)

// telegrams are encoded as [COMMAND]*[CRC]
// where CRC is the CRC-16/XMODEM of COMMAND as four upper case hex digits.
// The link appends and strips the carriage return terminator.

const crcSep = '*'

var (
	crcTable = crc.NewTable(crc.XMODEM)

	// ErrBadCRC is returned when a reply fails its checksum
	ErrBadCRC = errors.New("reply CRC mismatch")

	// ErrMalformed is returned when a reply has no checksum field
	ErrMalformed = errors.New("malformed reply")
)

// Rejected is the instrument refusing a command
type Rejected struct {
	Cmd string
	Msg string
}

func (r Rejected) Error() string {
	return fmt.Sprintf("pulse generator rejected %q: %s", r.Cmd, r.Msg)
}

func checksum(b []byte) string {
	c := crcTable.InitCrc()
	c = crcTable.UpdateCrc(c, b)
	return fmt.Sprintf("%04X", crcTable.CRC16(c))
}

// Encode frames a command for transmission
func Encode(cmd string) []byte {
	out := make([]byte, 0, len(cmd)+5)
	out = append(out, cmd...)
	out = append(out, crcSep)
	out = append(out, checksum([]byte(cmd))...)
	return out
}

// Decode verifies the checksum of a telegram and returns its payload
func Decode(tele []byte) (string, error) {
	idx := bytes.LastIndexByte(tele, crcSep)
	if idx == -1 {
		return "", fmt.Errorf("%w: %q", ErrMalformed, tele)
	}
	payload, sum := tele[:idx], string(tele[idx+1:])
	if !strings.EqualFold(sum, checksum(payload)) {
		return "", fmt.Errorf("%w: %q", ErrBadCRC, tele)
	}
	return string(payload), nil
}

// parseReply turns an OK / ERR <msg> payload into an error
func parseReply(cmd, payload string) error {
	switch {
	case payload == "OK":
		return nil
	case strings.HasPrefix(payload, "ERR"):
		return Rejected{Cmd: cmd, Msg: strings.TrimSpace(strings.TrimPrefix(payload, "ERR"))}
	default:
		return fmt.Errorf("%w: unexpected reply %q to %q", ErrMalformed, payload, cmd)
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
