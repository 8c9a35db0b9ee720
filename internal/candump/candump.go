// Package candump reads and writes the log format of candump -L:
//
//	(1436509052.249713) can0 1FA#0000000000000E
//
// Blank lines and lines starting with '#' are ignored. Identifiers of eight
// hex digits are extended; three digits are standard. CAN FD and remote
// frames are rejected.
package candump

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

const maxStandardID = 0x7FF

type Record struct {
	Time      time.Time
	Interface string
	ID        uint32
	Extended  bool
	Data      []byte
}

type Reader struct {
	s    *bufio.Scanner
	line int
}

func NewReader(r io.Reader) *Reader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Reader{s: s}
}

// Line is the number of the last line read.
func (rr *Reader) Line() int { return rr.line }

// Next returns the next record, or io.EOF at the end of the log.
func (rr *Reader) Next() (Record, error) {
	for rr.s.Scan() {
		rr.line++
		line := strings.TrimSpace(rr.s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rec, err := ParseLine(line)
		if err != nil {
			return Record{}, fmt.Errorf("line %d: %w", rr.line, err)
		}
		return rec, nil
	}
	if err := rr.s.Err(); err != nil {
		return Record{}, err
	}
	return Record{}, io.EOF
}

func (rr *Reader) ReadAll() ([]Record, error) {
	var recs []Record
	for {
		rec, err := rr.Next()
		if errors.Is(err, io.EOF) {
			return recs, nil
		}
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
}

// ParseLine parses one log line.
func ParseLine(line string) (Record, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return Record{}, fmt.Errorf("invalid candump line (want 3 fields): %q", line)
	}
	ts, err := parseTime(fields[0])
	if err != nil {
		return Record{}, err
	}
	rec := Record{Time: ts, Interface: fields[1]}

	frame := fields[2]
	hash := strings.IndexByte(frame, '#')
	if hash < 0 {
		return Record{}, fmt.Errorf("invalid candump frame (missing '#'): %q", frame)
	}
	idStr, payload := frame[:hash], frame[hash+1:]
	if strings.HasPrefix(payload, "#") {
		return Record{}, fmt.Errorf("CAN FD frame not supported: %q", frame)
	}
	if strings.HasPrefix(payload, "R") {
		return Record{}, fmt.Errorf("remote frame not supported: %q", frame)
	}
	switch len(idStr) {
	case 3:
	case 8:
		rec.Extended = true
	default:
		return Record{}, fmt.Errorf("invalid candump identifier %q", idStr)
	}
	id, err := strconv.ParseUint(idStr, 16, 32)
	if err != nil {
		return Record{}, fmt.Errorf("invalid candump identifier %q: %w", idStr, err)
	}
	if rec.Extended && id > 0x1FFFFFFF {
		return Record{}, fmt.Errorf("extended identifier out of range: %s", idStr)
	}
	if !rec.Extended && id > maxStandardID {
		return Record{}, fmt.Errorf("standard identifier out of range: %s", idStr)
	}
	rec.ID = uint32(id)

	rec.Data, err = hex.DecodeString(payload)
	if err != nil {
		return Record{}, fmt.Errorf("invalid candump payload %q: %w", payload, err)
	}
	if len(rec.Data) > 8 {
		return Record{}, fmt.Errorf("payload of %d bytes exceeds 8", len(rec.Data))
	}
	return rec, nil
}

func parseTime(s string) (time.Time, error) {
	if len(s) < 3 || s[0] != '(' || s[len(s)-1] != ')' {
		return time.Time{}, fmt.Errorf("invalid candump timestamp %q", s)
	}
	s = s[1 : len(s)-1]
	secStr, fracStr, _ := strings.Cut(s, ".")
	sec, err := strconv.ParseInt(secStr, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid candump timestamp %q: %w", s, err)
	}
	var nsec int64
	if fracStr != "" {
		if len(fracStr) > 9 {
			fracStr = fracStr[:9]
		}
		frac, err := strconv.ParseInt(fracStr, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid candump timestamp %q: %w", s, err)
		}
		for i := len(fracStr); i < 9; i++ {
			frac *= 10
		}
		nsec = frac
	}
	return time.Unix(sec, nsec).UTC(), nil
}

// FormatLine renders rec in candump -L form with microsecond timestamps.
func FormatLine(rec Record) string {
	id := fmt.Sprintf("%03X", rec.ID)
	if rec.Extended || rec.ID > maxStandardID {
		id = fmt.Sprintf("%08X", rec.ID)
	}
	return fmt.Sprintf("(%d.%06d) %s %s#%s",
		rec.Time.Unix(), rec.Time.Nanosecond()/1000,
		rec.Interface, id, strings.ToUpper(hex.EncodeToString(rec.Data)))
}

type Writer struct {
	w *bufio.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriterSize(w, 64*1024)}
}

func (ww *Writer) Write(rec Record) error {
	if rec.Interface == "" {
		rec.Interface = "can0"
	}
	_, err := ww.w.WriteString(FormatLine(rec) + "\n")
	return err
}

func (ww *Writer) Flush() error { return ww.w.Flush() }

type Sleeper interface {
	Sleep(d time.Duration)
}

type realSleeper struct{}

func (realSleeper) Sleep(d time.Duration) { time.Sleep(d) }

// Play hands every record to cb, waiting between records for the logged
// interval divided by speed. A speed of zero replays without waiting.
func Play(recs []Record, speed float64, sleeper Sleeper, cb func(Record) error) error {
	if speed < 0 {
		return fmt.Errorf("speed must be >= 0")
	}
	if cb == nil {
		return errors.New("callback is nil")
	}
	if sleeper == nil {
		sleeper = realSleeper{}
	}
	for i, rec := range recs {
		if i > 0 && speed > 0 {
			wait := rec.Time.Sub(recs[i-1].Time)
			if wait > 0 {
				sleeper.Sleep(time.Duration(float64(wait) / speed))
			}
		}
		if err := cb(rec); err != nil {
			return err
		}
	}
	return nil
}
