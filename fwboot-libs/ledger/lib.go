package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"github.com/losfair/fwboot/fwboot-libs/env"
	"github.com/losfair/fwboot/fwboot-libs/flash"
	"go.uber.org/zap"
)

// BlankRevision is what an erased record slot reads as.
const BlankRevision = 0xFFFFFFFF

const (
	RecordSize       = 12
	LegacyRecordSize = 8
)

var (
	ErrAlreadyPresent   = errors.New("image record already present")
	ErrBlank            = errors.New("image record is blank")
	ErrRevisionMismatch = errors.New("image revision does not match its predecessor")
	ErrUnknownImage     = errors.New("unknown image")
	ErrImageTooLong     = errors.New("image length exceeds its partition")
	ErrCRCMismatch      = errors.New("image crc mismatch")
)

var DefaultImages = []string{"fpga", "kern", "rootfs", "romfs", "settingsfs", "fdt"}

type Record struct {
	Revision uint32 `json:"revision"`
	Length   uint32 `json:"length"`
	CRC      uint32 `json:"crc"`
}

func (r Record) Blank() bool {
	return r.Revision == BlankRevision
}

func (r Record) String() string {
	return fmt.Sprintf("{revision: 0x%08x, length: %d, crc: 0x%08x}", r.Revision, r.Length, r.CRC)
}

type Config struct {
	// Images in ledger slot order.
	Images []string `json:"images"`
	// 12, or 8 for ledgers without the length word.
	RecordSize int `json:"record_size"`
	// Bus address of flash offset 0. Environment addresses are relative to it.
	FlashBase uint64 `json:"flash_base"`
}

type Ledger struct {
	logger *zap.Logger
	dev    flash.Device
	env    *env.Env
	config Config

	// Serializes commits. A slot is checked blank and written under it.
	commitMu sync.Mutex
}

func New(logger *zap.Logger, dev flash.Device, e *env.Env, config Config) *Ledger {
	if len(config.Images) == 0 {
		config.Images = DefaultImages
	}
	if config.RecordSize == 0 {
		config.RecordSize = RecordSize
	}
	return &Ledger{
		logger: logger.With(zap.String("component", "ledger")),
		dev:    dev,
		env:    e,
		config: config,
	}
}

func (l *Ledger) Images() []string {
	return l.config.Images
}

func (l *Ledger) RecordSize() int {
	return l.config.RecordSize
}

func (l *Ledger) Index(name string) (int, error) {
	for i, x := range l.config.Images {
		if x == name {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %q", ErrUnknownImage, name)
}

func (l *Ledger) Name(index int) (string, error) {
	if index < 0 || index >= len(l.config.Images) {
		return "", fmt.Errorf("%w: index %d", ErrUnknownImage, index)
	}
	return l.config.Images[index], nil
}

func (l *Ledger) Encode(r Record) []byte {
	buf := make([]byte, l.config.RecordSize)
	binary.BigEndian.PutUint32(buf[0:4], r.Revision)
	if l.config.RecordSize == LegacyRecordSize {
		binary.BigEndian.PutUint32(buf[4:8], r.CRC)
	} else {
		binary.BigEndian.PutUint32(buf[4:8], r.Length)
		binary.BigEndian.PutUint32(buf[8:12], r.CRC)
	}
	return buf
}

func (l *Ledger) Decode(buf []byte) Record {
	r := Record{Revision: binary.BigEndian.Uint32(buf[0:4])}
	if l.config.RecordSize == LegacyRecordSize {
		r.CRC = binary.BigEndian.Uint32(buf[4:8])
	} else {
		r.Length = binary.BigEndian.Uint32(buf[4:8])
		r.CRC = binary.BigEndian.Uint32(buf[8:12])
	}
	return r
}

// offset converts an environment bus address into a flash offset.
func (l *Ledger) offset(addr uint64) (int64, error) {
	if addr < l.config.FlashBase || addr-l.config.FlashBase >= uint64(l.dev.Size()) {
		return 0, fmt.Errorf("address 0x%08x is outside the flash window", addr)
	}
	return int64(addr - l.config.FlashBase), nil
}

// SlotAddress is the bus address of an image's record.
func (l *Ledger) SlotAddress(index int) (uint64, error) {
	if _, err := l.Name(index); err != nil {
		return 0, err
	}
	base, err := l.env.Hex("imagecrcsstart")
	if err != nil {
		return 0, err
	}
	return base + uint64(index*l.config.RecordSize), nil
}

func (l *Ledger) Read(index int) (Record, error) {
	addr, err := l.SlotAddress(index)
	if err != nil {
		return Record{}, err
	}
	off, err := l.offset(addr)
	if err != nil {
		return Record{}, err
	}
	buf := make([]byte, l.config.RecordSize)
	if _, err := l.dev.ReadAt(buf, off); err != nil {
		return Record{}, fmt.Errorf("failed to read image record %d: %w", index, err)
	}
	return l.Decode(buf), nil
}

// Commit writes a record into a blank slot. The slot is re-read right
// before writing; a non-blank slot is never overwritten.
func (l *Ledger) Commit(index int, r Record) error {
	l.commitMu.Lock()
	defer l.commitMu.Unlock()

	current, err := l.Read(index)
	if err != nil {
		return err
	}
	if !current.Blank() {
		return fmt.Errorf("%w: slot %d holds revision 0x%08x", ErrAlreadyPresent, index, current.Revision)
	}

	addr, _ := l.SlotAddress(index)
	off, _ := l.offset(addr)
	size := int64(l.config.RecordSize)

	if err := l.dev.Protect(off, size, false); err != nil {
		return fmt.Errorf("failed to unprotect image record: %w", err)
	}
	_, werr := l.dev.WriteAt(l.Encode(r), off)
	if err := l.dev.Protect(off, size, true); err != nil {
		l.logger.Warn("failed to re-protect image record", zap.Error(err))
	}
	if werr != nil {
		return fmt.Errorf("failed to write image record (is image CRC partition erased?): %w", werr)
	}

	name, _ := l.Name(index)
	l.logger.Info("committed image record", zap.String("image", name), zap.String("address", fmt.Sprintf("0x%08x", addr)), zap.Stringer("record", r))
	return nil
}

// CheckCoherence returns nil when every image has a record and all of them
// carry the same revision.
func (l *Ledger) CheckCoherence() error {
	var last uint32
	for i, name := range l.config.Images {
		r, err := l.Read(i)
		if err != nil {
			return err
		}
		if r.Blank() {
			l.logger.Warn("image is missing (has a blank revision entry)", zap.String("image", name))
			return fmt.Errorf("%w: %s", ErrBlank, name)
		}
		if i > 0 && r.Revision != last {
			prev := l.config.Images[i-1]
			l.logger.Warn("image revisions disagree",
				zap.String("image", name), zap.String("revision", fmt.Sprintf("0x%08x", r.Revision)),
				zap.String("previous", prev), zap.String("previous_revision", fmt.Sprintf("0x%08x", last)))
			return fmt.Errorf("%w: %s 0x%08x, %s 0x%08x", ErrRevisionMismatch, name, r.Revision, prev, last)
		}
		l.logger.Debug("image record good", zap.String("image", name), zap.Stringer("record", r))
		last = r.Revision
	}
	return nil
}

// Partition returns the bus address and size of an image from
// <name>start and <name>size.
func (l *Ledger) Partition(name string) (uint64, uint64, error) {
	start, err := l.env.Hex(name + "start")
	if err != nil {
		return 0, 0, err
	}
	size, err := l.env.Hex(name + "size")
	if err != nil {
		return 0, 0, err
	}
	return start, size, nil
}

// ImageCRC computes the crc32 of length bytes of flash at a bus address.
func (l *Ledger) ImageCRC(addr uint64, length uint32) (uint32, error) {
	off, err := l.offset(addr)
	if err != nil {
		return 0, err
	}
	h := crc32.NewIEEE()
	if _, err := io.Copy(h, io.NewSectionReader(l.dev, off, int64(length))); err != nil {
		return 0, fmt.Errorf("failed to read image at 0x%08x: %w", addr, err)
	}
	return h.Sum32(), nil
}

// CheckCRCs verifies each recorded image against its flash contents. All
// images are checked; failures are collected.
func (l *Ledger) CheckCRCs() error {
	var result error
	for i, name := range l.config.Images {
		if err := l.checkCRC(i, name); err != nil {
			l.logger.Warn("image crc check failed", zap.String("image", name), zap.Error(err))
			result = multierror.Append(result, fmt.Errorf("%s: %w", name, err))
			continue
		}
		l.logger.Info("image crc ok", zap.String("image", name))
	}
	return result
}

func (l *Ledger) checkCRC(index int, name string) error {
	r, err := l.Read(index)
	if err != nil {
		return err
	}
	if r.Blank() {
		return ErrBlank
	}
	start, size, err := l.Partition(name)
	if err != nil {
		return err
	}
	length := r.Length
	if l.config.RecordSize == LegacyRecordSize {
		length = uint32(size)
	}
	if uint64(length) > size {
		return fmt.Errorf("%w: %d > %d", ErrImageTooLong, length, size)
	}
	crc, err := l.ImageCRC(start, length)
	if err != nil {
		return err
	}
	if crc != r.CRC {
		return fmt.Errorf("%w: computed 0x%08x, recorded 0x%08x", ErrCRCMismatch, crc, r.CRC)
	}
	return nil
}

// Fabricate records an image already present in flash, computing its CRC
// from the flash contents.
func (l *Ledger) Fabricate(name string, revision uint32, length uint32) (Record, error) {
	index, err := l.Index(name)
	if err != nil {
		return Record{}, err
	}
	start, size, err := l.Partition(name)
	if err != nil {
		return Record{}, err
	}
	if uint64(length) > size {
		return Record{}, fmt.Errorf("%w: length (%d) exceeds maximum of %d for image %q", ErrImageTooLong, length, size, name)
	}

	crc, err := l.ImageCRC(start, length)
	if err != nil {
		return Record{}, err
	}
	r := Record{Revision: revision, Length: length, CRC: crc}
	if err := l.Commit(index, r); err != nil {
		return Record{}, err
	}
	l.logger.Info("image record created using calculated crc",
		zap.String("image", name), zap.String("crc", fmt.Sprintf("0x%08x", crc)), zap.String("length", humanize.IBytes(uint64(length))))
	return r, nil
}

type Entry struct {
	Index  int    `json:"index"`
	Name   string `json:"name"`
	Record Record `json:"record"`
}

func (l *Ledger) Dump() ([]Entry, error) {
	entries := make([]Entry, 0, len(l.config.Images))
	for i, name := range l.config.Images {
		r, err := l.Read(i)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Index: i, Name: name, Record: r})
	}
	return entries, nil
}
