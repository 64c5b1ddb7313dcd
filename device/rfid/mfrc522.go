/*
DESCRIPTION
  mfrc522.go provides a driver for the MFRC522 contactless reader IC over
  SPI, sufficient to select a MIFARE tag, authenticate and read blocks.

AUTHORS
  The Australian Ocean Laboratory (AusOcean)

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package rfid

import (
	"time"

	"github.com/pkg/errors"
)

// MFRC522 registers.
const (
	regCommand    = 0x01
	regComIEn     = 0x02
	regComIrq     = 0x04
	regDivIrq     = 0x05
	regError      = 0x06
	regStatus2    = 0x08
	regFIFOData   = 0x09
	regFIFOLevel  = 0x0A
	regControl    = 0x0C
	regBitFraming = 0x0D
	regMode       = 0x11
	regTxControl  = 0x14
	regTxASK      = 0x15
	regCRCResultH = 0x21
	regCRCResultL = 0x22
	regTMode      = 0x2A
	regTPrescaler = 0x2B
	regTReloadH   = 0x2C
	regTReloadL   = 0x2D
	regVersion    = 0x37
)

// MFRC522 commands.
const (
	cmdIdle       = 0x00
	cmdCalcCRC    = 0x03
	cmdTransceive = 0x0C
	cmdMFAuthent  = 0x0E
	cmdSoftReset  = 0x0F
)

// Tag (PICC) commands.
const (
	piccReqIdl    = 0x26
	piccAnticoll  = 0x93
	piccAuthA     = 0x60
	piccRead      = 0x30
	piccHalt      = 0x50
	piccSelectNVB = 0x70
	piccAnticoNVB = 0x20
)

// Loop bounds when polling interrupt registers.
const (
	irqPolls = 2000
	crcPolls = 255
)

// Tag errors.
var (
	errNoTag   = errors.New("no tag in field")
	errTagIO   = errors.New("tag communication error")
	errBadUID  = errors.New("uid checksum mismatch")
	errNoAuth  = errors.New("tag authentication failed")
	errBadRead = errors.New("unexpected block length")
)

// Bus is an SPI bus connected to the MFRC522.
type Bus interface {
	TransferAndReceiveData(buf []uint8) error
	Close() error
}

// MFRC522 is an MFRC522 reader.
type MFRC522 struct {
	bus Bus
}

// NewMFRC522 returns an MFRC522 on bus. Init must be called before use.
func NewMFRC522(bus Bus) *MFRC522 { return &MFRC522{bus: bus} }

// Init resets the reader, configures its timer and enables the antenna.
func (m *MFRC522) Init() error {
	err := m.write(regCommand, cmdSoftReset)
	if err != nil {
		return errors.Wrap(err, "could not reset")
	}
	time.Sleep(50 * time.Millisecond)

	for _, rv := range [][2]byte{
		{regTMode, 0x8D},
		{regTPrescaler, 0x3E},
		{regTReloadL, 30},
		{regTReloadH, 0},
		{regTxASK, 0x40},
		{regMode, 0x3D},
	} {
		err = m.write(rv[0], rv[1])
		if err != nil {
			return errors.Wrapf(err, "could not configure register %#x", rv[0])
		}
	}
	return m.antennaOn()
}

// Version returns the chip version register.
func (m *MFRC522) Version() (byte, error) { return m.read(regVersion) }

func (m *MFRC522) antennaOn() error {
	v, err := m.read(regTxControl)
	if err != nil {
		return errors.Wrap(err, "could not read tx control")
	}
	if v&0x03 == 0x03 {
		return nil
	}
	return m.setBits(regTxControl, 0x03)
}

// Request probes for an idle tag.
func (m *MFRC522) Request() error {
	err := m.write(regBitFraming, 0x07)
	if err != nil {
		return err
	}
	_, bits, err := m.toCard(cmdTransceive, []byte{piccReqIdl})
	if err != nil {
		return err
	}
	if bits != 0x10 {
		return errNoTag
	}
	return nil
}

// Anticoll returns the UID of the tag in the field, including its check
// byte.
func (m *MFRC522) Anticoll() ([]byte, error) {
	err := m.write(regBitFraming, 0x00)
	if err != nil {
		return nil, err
	}
	back, _, err := m.toCard(cmdTransceive, []byte{piccAnticoll, piccAnticoNVB})
	if err != nil {
		return nil, err
	}
	if len(back) != 5 {
		return nil, errors.Wrapf(errTagIO, "uid length %d", len(back))
	}
	var bcc byte
	for _, b := range back[:4] {
		bcc ^= b
	}
	if bcc != back[4] {
		return nil, errBadUID
	}
	return back, nil
}

// Select selects the tag with uid.
func (m *MFRC522) Select(uid []byte) error {
	buf := append([]byte{piccAnticoll, piccSelectNVB}, uid[:5]...)
	crc, err := m.crc(buf)
	if err != nil {
		return err
	}
	_, bits, err := m.toCard(cmdTransceive, append(buf, crc...))
	if err != nil {
		return errors.Wrap(err, "select failed")
	}
	if bits != 0x18 {
		return errors.Wrapf(errTagIO, "select returned %d bits", bits)
	}
	return nil
}

// Auth authenticates block with key A.
func (m *MFRC522) Auth(block byte, key []byte, uid []byte) error {
	buf := append([]byte{piccAuthA, block}, key...)
	buf = append(buf, uid[:4]...)
	_, _, err := m.toCard(cmdMFAuthent, buf)
	if err != nil {
		return errors.Wrapf(err, "could not authenticate block %d", block)
	}
	st, err := m.read(regStatus2)
	if err != nil {
		return err
	}
	if st&0x08 == 0 {
		return errors.Wrapf(errNoAuth, "block %d", block)
	}
	return nil
}

// StopCrypto ends an authenticated session.
func (m *MFRC522) StopCrypto() error { return m.clearBits(regStatus2, 0x08) }

// Read returns the 16 bytes of block.
func (m *MFRC522) Read(block byte) ([]byte, error) {
	buf := []byte{piccRead, block}
	crc, err := m.crc(buf)
	if err != nil {
		return nil, err
	}
	back, _, err := m.toCard(cmdTransceive, append(buf, crc...))
	if err != nil {
		return nil, errors.Wrapf(err, "could not read block %d", block)
	}
	if len(back) != 16 {
		return nil, errors.Wrapf(errBadRead, "block %d: %d bytes", block, len(back))
	}
	return back, nil
}

// Halt puts the selected tag to sleep.
func (m *MFRC522) Halt() error {
	buf := []byte{piccHalt, 0}
	crc, err := m.crc(buf)
	if err != nil {
		return err
	}
	m.toCard(cmdTransceive, append(buf, crc...))
	return nil
}

// Close releases the bus.
func (m *MFRC522) Close() error { return m.bus.Close() }

// toCard runs cmd with data through the FIFO and returns the response and
// its length in bits.
func (m *MFRC522) toCard(cmd byte, data []byte) ([]byte, int, error) {
	var irqEn, waitIRq byte
	switch cmd {
	case cmdMFAuthent:
		irqEn, waitIRq = 0x12, 0x10
	case cmdTransceive:
		irqEn, waitIRq = 0x77, 0x30
	}

	steps := []func() error{
		func() error { return m.write(regComIEn, irqEn|0x80) },
		func() error { return m.clearBits(regComIrq, 0x80) },
		func() error { return m.setBits(regFIFOLevel, 0x80) },
		func() error { return m.write(regCommand, cmdIdle) },
	}
	for _, s := range steps {
		if err := s(); err != nil {
			return nil, 0, err
		}
	}
	for _, b := range data {
		if err := m.write(regFIFOData, b); err != nil {
			return nil, 0, err
		}
	}
	if err := m.write(regCommand, cmd); err != nil {
		return nil, 0, err
	}
	if cmd == cmdTransceive {
		if err := m.setBits(regBitFraming, 0x80); err != nil {
			return nil, 0, err
		}
	}

	var n byte
	var err error
	i := irqPolls
	for ; i > 0; i-- {
		n, err = m.read(regComIrq)
		if err != nil {
			return nil, 0, err
		}
		if n&0x01 != 0 || n&waitIRq != 0 {
			break
		}
	}
	if err := m.clearBits(regBitFraming, 0x80); err != nil {
		return nil, 0, err
	}
	if i == 0 {
		return nil, 0, errNoTag
	}

	e, err := m.read(regError)
	if err != nil {
		return nil, 0, err
	}
	if e&0x1B != 0 {
		return nil, 0, errors.Wrapf(errTagIO, "error register %#x", e)
	}
	if n&irqEn&0x01 != 0 {
		return nil, 0, errNoTag
	}
	if cmd != cmdTransceive {
		return nil, 0, nil
	}

	level, err := m.read(regFIFOLevel)
	if err != nil {
		return nil, 0, err
	}
	last, err := m.read(regControl)
	if err != nil {
		return nil, 0, err
	}
	last &= 0x07
	bits := int(level) * 8
	if last != 0 {
		bits = (int(level)-1)*8 + int(last)
	}
	if level == 0 {
		level = 1
	}
	if level > 16 {
		level = 16
	}

	back := make([]byte, level)
	for j := range back {
		back[j], err = m.read(regFIFOData)
		if err != nil {
			return nil, 0, err
		}
	}
	return back, bits, nil
}

// crc computes the ISO 14443 CRC of data using the coprocessor.
func (m *MFRC522) crc(data []byte) ([]byte, error) {
	if err := m.clearBits(regDivIrq, 0x04); err != nil {
		return nil, err
	}
	if err := m.setBits(regFIFOLevel, 0x80); err != nil {
		return nil, err
	}
	for _, b := range data {
		if err := m.write(regFIFOData, b); err != nil {
			return nil, err
		}
	}
	if err := m.write(regCommand, cmdCalcCRC); err != nil {
		return nil, err
	}
	for i := 0; i < crcPolls; i++ {
		n, err := m.read(regDivIrq)
		if err != nil {
			return nil, err
		}
		if n&0x04 != 0 {
			break
		}
	}
	lo, err := m.read(regCRCResultL)
	if err != nil {
		return nil, err
	}
	hi, err := m.read(regCRCResultH)
	if err != nil {
		return nil, err
	}
	return []byte{lo, hi}, nil
}

func (m *MFRC522) write(addr, v byte) error {
	err := m.bus.TransferAndReceiveData([]uint8{(addr << 1) & 0x7E, v})
	if err != nil {
		return errors.Wrapf(err, "spi write to %#x", addr)
	}
	return nil
}

func (m *MFRC522) read(addr byte) (byte, error) {
	buf := []uint8{((addr << 1) & 0x7E) | 0x80, 0}
	err := m.bus.TransferAndReceiveData(buf)
	if err != nil {
		return 0, errors.Wrapf(err, "spi read from %#x", addr)
	}
	return buf[1], nil
}

func (m *MFRC522) setBits(addr, mask byte) error {
	v, err := m.read(addr)
	if err != nil {
		return err
	}
	return m.write(addr, v|mask)
}

func (m *MFRC522) clearBits(addr, mask byte) error {
	v, err := m.read(addr)
	if err != nil {
		return err
	}
	return m.write(addr, v&^mask)
}
