/*
DESCRIPTION
  rfid.go provides Reader, which polls an MFRC522 for MIFARE Classic identity
  tags and decodes the name, role and allegiance stored on them.

AUTHORS
  The Australian Ocean Laboratory (AusOcean)

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package rfid provides an identity tag reader for the booth.
package rfid

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kidoman/embd"
	"github.com/pkg/errors"

	"github.com/ausocean/booth/booth"
	"github.com/ausocean/booth/metrics"
	"github.com/ausocean/utils/logging"
)

// Used to indicate package in logging.
const pkg = "rfid: "

// Reader defaults.
const (
	ResetPin      = 22
	SPISpeed      = 1000000
	PollInterval  = 50 * time.Millisecond
	DebounceTime  = 10 * time.Second
	factionGroups = 31
)

// Fallback values for unreadable tag fields.
const (
	DefaultRole = "bounty"
	DefaultText = "Unknown"
)

// DefaultKey is the factory key A of MIFARE Classic sectors written by the
// tag provisioning tool.
var DefaultKey = []byte{0xA0, 0xA1, 0xA2, 0xA3, 0xA4, 0xA5}

// field locates a text field on a tag.
type field struct {
	sector, block byte
}

func (f field) addr() byte { return f.sector*4 + f.block }

// Tag fields.
var (
	fieldRole       = field{1, 0}
	fieldName       = field{39, 0}
	fieldAllegiance = field{39, 1}
)

// tag is the set of tag operations used by Reader.
type tag interface {
	Request() error
	Anticoll() ([]byte, error)
	Select(uid []byte) error
	Auth(block byte, key []byte, uid []byte) error
	Read(block byte) ([]byte, error)
	StopCrypto() error
}

// Reader reads identities from tags. It implements booth.Scanner.
type Reader struct {
	log  logging.Logger
	t    tag
	key  []byte
	slog *ScanLog

	// now and sleep are replaced in tests.
	now   func() time.Time
	sleep func(context.Context, time.Duration) error

	mu       sync.Mutex
	lastID   string
	lastSeen time.Time

	close func() error
}

// NewReader returns a Reader using t. slog may be nil.
func NewReader(t tag, slog *ScanLog, l logging.Logger) *Reader {
	return &Reader{
		log:   l,
		t:     t,
		key:   DefaultKey,
		slog:  slog,
		now:   time.Now,
		sleep: sleep,
		close: func() error { return nil },
	}
}

// Open initialises an MFRC522 on SPI channel and returns a Reader for it.
// Scans are appended to the log at scanLog if it is not empty. embd.InitGPIO
// must have been called.
func Open(l logging.Logger, channel byte, scanLog string) (*Reader, error) {
	rst, err := embd.NewDigitalPin(ResetPin)
	if err != nil {
		return nil, errors.Wrap(err, "could not open reset pin")
	}
	err = rst.SetDirection(embd.Out)
	if err != nil {
		return nil, errors.Wrap(err, "could not set reset pin direction")
	}
	err = rst.Write(embd.High)
	if err != nil {
		return nil, errors.Wrap(err, "could not release reset")
	}

	err = embd.InitSPI()
	if err != nil {
		return nil, errors.Wrap(err, "could not initialise spi")
	}
	bus := embd.NewSPIBus(embd.SPIMode0, channel, SPISpeed, 8, 0)
	m := NewMFRC522(bus)
	err = m.Init()
	if err != nil {
		bus.Close()
		embd.CloseSPI()
		return nil, errors.Wrap(err, "could not initialise mfrc522")
	}
	v, err := m.Version()
	if err == nil {
		l.Info(pkg+"reader initialised", "version", fmt.Sprintf("%#x", v), "channel", channel)
	}

	var slog *ScanLog
	if scanLog != "" {
		slog = NewScanLog(scanLog)
	}
	r := NewReader(m, slog, l)
	r.close = func() error {
		err := m.Close()
		embd.CloseSPI()
		rst.Close()
		return err
	}
	return r, nil
}

// Close releases the reader hardware.
func (r *Reader) Close() error { return r.close() }

// Scan polls for a tag until one is read, timeout elapses or ctx is
// cancelled. A tag already read within DebounceTime is ignored.
func (r *Reader) Scan(ctx context.Context, timeout time.Duration) (booth.Identity, error) {
	deadline := r.now().Add(timeout)
	for {
		id, ok := r.poll()
		if ok {
			return id, nil
		}
		if !r.now().Before(deadline) {
			return booth.Identity{}, booth.ErrScanTimeout
		}
		err := r.sleep(ctx, PollInterval)
		if err != nil {
			return booth.Identity{}, err
		}
	}
}

// poll makes one attempt to read a tag.
func (r *Reader) poll() (booth.Identity, bool) {
	if r.t.Request() != nil {
		return booth.Identity{}, false
	}
	uid, err := r.t.Anticoll()
	if err != nil {
		r.log.Debug(pkg+"anticollision failed", "error", err)
		return booth.Identity{}, false
	}
	id := NeoID(uid)
	if !r.fresh(id) {
		return booth.Identity{}, false
	}

	err = r.t.Select(uid)
	if err != nil {
		r.log.Warning(pkg+"could not select tag", "id", id, "error", err)
		return booth.Identity{}, false
	}
	ident := booth.Identity{
		ID:          id,
		Role:        r.text(uid, fieldRole, DefaultRole),
		Name:        r.text(uid, fieldName, DefaultText),
		Affiliation: r.text(uid, fieldAllegiance, DefaultText),
		Faction:     Faction(uid),
	}
	if err := r.t.StopCrypto(); err != nil {
		r.log.Debug(pkg+"could not stop crypto", "error", err)
	}

	metrics.ScanTotal.Inc()
	r.log.Info(pkg+"tag read", "id", ident.ID, "name", ident.Name, "role", ident.Role, "faction", ident.Faction)
	if r.slog != nil {
		err = r.slog.Append(r.now(), ident)
		if err != nil {
			r.log.Warning(pkg+"could not log scan", "error", err)
		}
	}
	return ident, true
}

// fresh reports whether id should be read, recording it if so.
func (r *Reader) fresh(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if id == r.lastID && now.Sub(r.lastSeen) < DebounceTime {
		return false
	}
	r.lastID, r.lastSeen = id, now
	return true
}

// text reads the field f, returning def if it cannot be read or is empty.
func (r *Reader) text(uid []byte, f field, def string) string {
	err := r.t.Auth(f.addr(), r.key, uid)
	if err != nil {
		r.log.Debug(pkg+"could not authenticate", "sector", f.sector, "block", f.block, "error", err)
		return def
	}
	b, err := r.t.Read(f.addr())
	if err != nil {
		r.log.Debug(pkg+"could not read", "sector", f.sector, "block", f.block, "error", err)
		return def
	}
	s := Text(b)
	if s == "" {
		return def
	}
	return s
}

// NeoID returns the printable form of uid, lowercase hex bytes joined by
// hyphens.
func NeoID(uid []byte) string {
	parts := make([]string, len(uid))
	for i, b := range uid {
		parts[i] = hex.EncodeToString([]byte{b})
	}
	return strings.Join(parts, "-")
}

// Faction returns the faction assigned to uid.
func Faction(uid []byte) string {
	if len(uid) == 0 {
		return ""
	}
	return fmt.Sprintf("faction%d", int(uid[0])%factionGroups+1)
}

// Text decodes a block of tag data as text.
func Text(b []byte) string {
	s := strings.ReplaceAll(string(b), "\x00", "")
	return strings.TrimSpace(strings.ToValidUTF8(s, ""))
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
