package shell

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/losfair/fwboot/fwboot-libs/env"
	"github.com/losfair/fwboot/fwboot-libs/flash"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	macRecordSize   = 8
	macPrefixLen    = 2
	macSlotStride   = 0x10
	otpMACBase      = 0x114
	otpLockBase     = 0x112
	maxOTPMACOffset = 32
)

var (
	ErrMACLocked  = errors.New("mac otp region is locked")
	ErrBadMAC     = errors.New("invalid mac address, use format xx:xx:xx:xx:xx:xx")
	ErrBadPort    = errors.New("interface exceeds number of available ports")
	ErrMACVerify  = errors.New("mac readback does not match")
	ErrInvalidMAC = errors.New("stored mac is not valid")
)

type MACConfig struct {
	// Flash offset of the per-port MAC records.
	Region int64 `json:"region"`
	Ports  int   `json:"ports"`
	// Store MACs in the flash OTP area instead of the array.
	OTP bool `json:"otp"`
}

// MACStore keeps one 8-byte record per Ethernet port: two zero bytes
// followed by the address.
type MACStore struct {
	logger *zap.Logger
	dev    flash.Device
	env    *env.Env
	config MACConfig
}

func NewMACStore(logger *zap.Logger, dev flash.Device, e *env.Env, config MACConfig) *MACStore {
	if config.Ports == 0 {
		config.Ports = 1
	}
	return &MACStore{
		logger: logger.With(zap.String("component", "mac")),
		dev:    dev,
		env:    e,
		config: config,
	}
}

// ParsePort accepts "eth1" or "1".
func (s *MACStore) ParsePort(name string) (int, error) {
	port, err := strconv.Atoi(strings.TrimPrefix(name, "eth"))
	if err != nil {
		return 0, fmt.Errorf("bad interface %q", name)
	}
	if port < 0 || port >= s.config.Ports {
		return 0, fmt.Errorf("%w: eth%d", ErrBadPort, port)
	}
	return port, nil
}

// ValidMAC reports whether an 8-byte record holds a programmed address.
func ValidMAC(record []byte) bool {
	if len(record) != macRecordSize || record[0] != 0 || record[1] != 0 {
		return false
	}
	for _, b := range record[macPrefixLen:] {
		if b != 0x00 && b != 0xFF {
			return true
		}
	}
	return false
}

func (s *MACStore) otpSlot() int {
	raw, ok := s.env.Get("base_otp_reg")
	if !ok {
		return 0
	}
	slot, err := strconv.ParseInt(raw, 0, 32)
	if err != nil || slot < 0 || slot > maxOTPMACOffset {
		s.logger.Warn("base_otp_reg out of range, using offset 0", zap.String("base_otp_reg", raw))
		return 0
	}
	return int(slot)
}

func (s *MACStore) otp() (flash.OTP, error) {
	otp, ok := s.dev.(flash.OTP)
	if !ok {
		return nil, flash.ErrNoOTP
	}
	return otp, nil
}

func (s *MACStore) read(port int) ([]byte, error) {
	record := make([]byte, macRecordSize)
	if s.config.OTP {
		otp, err := s.otp()
		if err != nil {
			return nil, err
		}
		off := int64(otpMACBase + (s.otpSlot()+port)*macSlotStride)
		return record, otp.ReadOTP(off, record)
	}
	_, err := s.dev.ReadAt(record, s.config.Region+int64(port*macSlotStride))
	return record, err
}

// Write programs mac for port and reads it back.
func (s *MACStore) Write(port int, text string) error {
	if port < 0 || port >= s.config.Ports {
		return fmt.Errorf("%w: eth%d", ErrBadPort, port)
	}
	mac, err := net.ParseMAC(text)
	if err != nil || len(mac) != 6 || len(text) != 17 {
		return ErrBadMAC
	}
	record := append([]byte{0, 0}, mac...)

	if s.config.OTP {
		if err := s.writeOTP(port, record); err != nil {
			return err
		}
	} else {
		if _, err := s.dev.WriteAt(record, s.config.Region+int64(port*macSlotStride)); err != nil {
			return fmt.Errorf("failed to write mac record: %w", err)
		}
	}

	stored, err := s.read(port)
	if err != nil {
		return err
	}
	if string(stored) != string(record) {
		return ErrMACVerify
	}
	s.logger.Info("programmed mac address", zap.Int("port", port), zap.Stringer("mac", mac), zap.Bool("otp", s.config.OTP))
	return nil
}

func (s *MACStore) writeOTP(port int, record []byte) error {
	otp, err := s.otp()
	if err != nil {
		return err
	}
	slot := s.otpSlot() + port
	lockOff := int64(otpLockBase + slot>>3)
	lockMask := byte(1) << (slot & 7)

	lock := make([]byte, 1)
	if err := otp.ReadOTP(lockOff, lock); err != nil {
		return err
	}
	if lock[0]&lockMask == 0 {
		return fmt.Errorf("%w: eth%d", ErrMACLocked, port)
	}
	if err := otp.WriteOTP(int64(otpMACBase+slot*macSlotStride), record); err != nil {
		return fmt.Errorf("failed to write mac to otp: %w", err)
	}
	if err := otp.WriteOTP(lockOff, []byte{lock[0] &^ lockMask}); err != nil {
		return fmt.Errorf("failed to lock otp mac region: %w", err)
	}
	return nil
}

// Read returns the address stored for port. ErrInvalidMAC means the slot is
// blank or does not carry the identification prefix.
func (s *MACStore) Read(port int) (net.HardwareAddr, error) {
	if port < 0 || port >= s.config.Ports {
		return nil, fmt.Errorf("%w: eth%d", ErrBadPort, port)
	}
	record, err := s.read(port)
	if err != nil {
		return nil, err
	}
	mac := net.HardwareAddr(record[macPrefixLen:])
	if !ValidMAC(record) {
		return mac, ErrInvalidMAC
	}
	return mac, nil
}

// ApplyEthaddr copies the first port's stored address into ethaddr.
func (s *MACStore) ApplyEthaddr() bool {
	mac, err := s.Read(0)
	if err != nil {
		s.logger.Info("no valid mac stored, leaving ethaddr", zap.Error(err))
		return false
	}
	s.env.Set("ethaddr", mac.String())
	s.logger.Info("set ethaddr from stored mac", zap.Stringer("mac", mac))
	return true
}

func (in *Interpreter) macCommands() []*cobra.Command {
	setmac := leaf("setmac <interface> <xx:xx:xx:xx:xx:xx>", "store the MAC address of an interface", cobra.ExactArgs(2), func(cmd *cobra.Command, args []string) error {
		if in.opts.MACs == nil {
			return errors.New("no mac store configured")
		}
		port, err := in.opts.MACs.ParsePort(args[0])
		if err != nil {
			return err
		}
		if err := in.opts.MACs.Write(port, args[1]); err != nil {
			return err
		}
		in.printf(cmd, "Successfully programmed MAC address for eth%d\n", port)
		return nil
	})

	readmac := leaf("readmac <interface>", "print the stored MAC address of an interface", cobra.ExactArgs(1), func(cmd *cobra.Command, args []string) error {
		if in.opts.MACs == nil {
			return errors.New("no mac store configured")
		}
		port, err := in.opts.MACs.ParsePort(args[0])
		if err != nil {
			return err
		}
		mac, err := in.opts.MACs.Read(port)
		if mac != nil {
			in.printf(cmd, "eth%d MAC: %s\n", port, mac)
		}
		if err != nil {
			return err
		}
		if port == 0 {
			in.opts.MACs.ApplyEthaddr()
		}
		return nil
	})

	return []*cobra.Command{setmac, readmac}
}
