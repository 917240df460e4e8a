package icm20948

import (
	"fmt"
	"math"
	"time"

	"fallwatch/internal/i2c"
)

var sleep = time.Sleep

// ICM-20948 driver with the on-package AK09916 magnetometer reached through
// I2C bypass. Readings are in SI units: m/s^2, rad/s and uT.

const (
	addrDefault = 0x68
	addrMag     = 0x0C

	standardGravity = 9.80665

	regWhoAmI  = 0x00
	whoAmIVal  = 0xEA
	regBankSel = 0x7F

	// Bank 0.
	regUserCtrl   = 0x03
	regPwrMgmt1   = 0x06
	regPwrMgmt2   = 0x07
	regIntPinCfg  = 0x0F
	regIntEnable1 = 0x11
	regIntStatus1 = 0x1A
	regAccelXoutH = 0x2D // accel, gyro and temperature are contiguous

	bitReset      = 0x80
	clkAuto       = 0x01
	bitBypassEn   = 0x02
	bitAnyRdClear = 0x10
	bitRawDataRdy = 0x01

	// Bank 2.
	bank2           = 2
	regGyroSmplrt   = 0x00
	regGyroConfig1  = 0x01
	regAccelSmplrt2 = 0x11
	regAccelConfig  = 0x14

	// FS_SEL lives in bits [2:1]; bit 0 enables the DLPF.
	fsGyro2000dps = 0x06 | 0x01
	fsAccel16g    = 0x06 | 0x01

	baseRateHz = 1125

	// AK09916.
	magRegWIA2  = 0x01
	magWIA2Val  = 0x09
	magRegST1   = 0x10
	magRegHXL   = 0x11
	magRegCNTL2 = 0x31
	magRegCNTL3 = 0x32

	magContinuous100Hz = 0x08
	magST1DataReady    = 0x01
	magST2Overflow     = 0x08
	magScaleUT         = 0.15
)

// Reading is one synchronized sample of all three sensors.
type Reading struct {
	Time  time.Time
	Accel [3]float32 // m/s^2
	Gyro  [3]float32 // rad/s
	Mag   [3]float32 // uT
	// MagOK is false when the magnetometer had no fresh data or overflowed.
	MagOK bool
}

type Device struct {
	dev regIO
	mag regIO

	curBank    byte
	scaleAccel float64
	scaleGyro  float64
}

type regIO interface {
	ReadRegU8(reg byte) (byte, error)
	ReadReg(reg byte, dst []byte) error
	WriteReg(reg, value byte) error
}

type Options struct {
	// RateHz is the accel/gyro output data rate.
	RateHz int
	// DataReadyInterrupt routes RAW_DATA_0_RDY to the INT pin.
	DataReadyInterrupt bool
}

func DefaultAddress() uint16 { return addrDefault }

func MagnetometerAddress() uint16 { return addrMag }

// New probes the IMU. mag may be nil, in which case readings never carry a
// magnetic field.
func New(dev, mag *i2c.Dev, opts Options) (*Device, error) {
	if dev == nil {
		return nil, fmt.Errorf("icm20948: dev is nil")
	}
	var m regIO
	if mag != nil {
		m = mag
	}
	return newWithIO(dev, m, opts)
}

func newWithIO(dev, mag regIO, opts Options) (*Device, error) {
	if dev == nil {
		return nil, fmt.Errorf("icm20948: dev is nil")
	}
	if opts.RateHz <= 0 {
		opts.RateHz = 100
	}
	d := &Device{dev: dev, curBank: 0xFF}

	who, err := d.dev.ReadRegU8(regWhoAmI)
	if err != nil {
		return nil, fmt.Errorf("icm20948: whoami read failed: %w", err)
	}
	if who != whoAmIVal {
		return nil, fmt.Errorf("icm20948: whoami=0x%02X want 0x%02X", who, whoAmIVal)
	}
	if err := d.init(opts); err != nil {
		return nil, err
	}
	if mag != nil {
		if err := initMag(mag); err != nil {
			return nil, err
		}
		d.mag = mag
	}
	return d, nil
}

func (d *Device) init(opts Options) error {
	if err := d.setBank(0); err != nil {
		return err
	}
	if err := d.dev.WriteReg(regPwrMgmt1, bitReset); err != nil {
		return fmt.Errorf("icm20948: reset failed: %w", err)
	}
	sleep(100 * time.Millisecond)
	// Reset returns the bank select to 0.
	d.curBank = 0

	if err := d.dev.WriteReg(regPwrMgmt1, clkAuto); err != nil {
		return fmt.Errorf("icm20948: wake failed: %w", err)
	}
	sleep(10 * time.Millisecond)
	if err := d.dev.WriteReg(regPwrMgmt2, 0x00); err != nil {
		return fmt.Errorf("icm20948: enable sensors failed: %w", err)
	}

	// Bypass needs the internal I2C master off.
	if err := d.dev.WriteReg(regUserCtrl, 0x00); err != nil {
		return fmt.Errorf("icm20948: user ctrl failed: %w", err)
	}
	if err := d.dev.WriteReg(regIntPinCfg, bitBypassEn|bitAnyRdClear); err != nil {
		return fmt.Errorf("icm20948: int pin config failed: %w", err)
	}
	var intEn byte
	if opts.DataReadyInterrupt {
		intEn = bitRawDataRdy
	}
	if err := d.dev.WriteReg(regIntEnable1, intEn); err != nil {
		return fmt.Errorf("icm20948: int enable failed: %w", err)
	}

	if err := d.setBank(bank2); err != nil {
		return err
	}
	div := rateDivider(opts.RateHz)
	if err := d.dev.WriteReg(regGyroSmplrt, div); err != nil {
		return fmt.Errorf("icm20948: gyro rate failed: %w", err)
	}
	if err := d.dev.WriteReg(regAccelSmplrt2, div); err != nil {
		return fmt.Errorf("icm20948: accel rate failed: %w", err)
	}
	if err := d.dev.WriteReg(regGyroConfig1, fsGyro2000dps); err != nil {
		return fmt.Errorf("icm20948: gyro config failed: %w", err)
	}
	if err := d.dev.WriteReg(regAccelConfig, fsAccel16g); err != nil {
		return fmt.Errorf("icm20948: accel config failed: %w", err)
	}
	if err := d.setBank(0); err != nil {
		return err
	}

	d.scaleAccel = 16.0 * standardGravity / 32768.0
	d.scaleGyro = 2000.0 / 32768.0 * math.Pi / 180.0
	return nil
}

// rateDivider maps a requested rate onto ODR = 1125/(1+div).
func rateDivider(hz int) byte {
	div := baseRateHz/hz - 1
	if div < 0 {
		div = 0
	}
	if div > 0xFF {
		div = 0xFF
	}
	return byte(div)
}

func initMag(mag regIO) error {
	wia, err := mag.ReadRegU8(magRegWIA2)
	if err != nil {
		return fmt.Errorf("ak09916: whoami read failed: %w", err)
	}
	if wia != magWIA2Val {
		return fmt.Errorf("ak09916: whoami=0x%02X want 0x%02X", wia, magWIA2Val)
	}
	if err := mag.WriteReg(magRegCNTL3, 0x01); err != nil {
		return fmt.Errorf("ak09916: reset failed: %w", err)
	}
	sleep(10 * time.Millisecond)
	if err := mag.WriteReg(magRegCNTL2, magContinuous100Hz); err != nil {
		return fmt.Errorf("ak09916: mode failed: %w", err)
	}
	return nil
}

func (d *Device) setBank(bank byte) error {
	if d.curBank == bank {
		return nil
	}
	if err := d.dev.WriteReg(regBankSel, bank<<4); err != nil {
		return fmt.Errorf("icm20948: set bank %d failed: %w", bank, err)
	}
	d.curBank = bank
	return nil
}

// DataReady reports whether a new accel/gyro sample is latched.
func (d *Device) DataReady() (bool, error) {
	if err := d.setBank(0); err != nil {
		return false, err
	}
	st, err := d.dev.ReadRegU8(regIntStatus1)
	if err != nil {
		return false, fmt.Errorf("icm20948: int status read failed: %w", err)
	}
	return st&bitRawDataRdy != 0, nil
}

func (d *Device) HasMagnetometer() bool { return d != nil && d.mag != nil }

func (d *Device) Read() (Reading, error) {
	if d == nil {
		return Reading{}, fmt.Errorf("icm20948: device is nil")
	}
	if err := d.setBank(0); err != nil {
		return Reading{}, err
	}

	var buf [12]byte
	if err := d.dev.ReadReg(regAccelXoutH, buf[:]); err != nil {
		return Reading{}, fmt.Errorf("icm20948: read sensors failed: %w", err)
	}
	r := Reading{Time: time.Now()}
	for i := range 3 {
		a := int16(buf[2*i])<<8 | int16(buf[2*i+1])
		g := int16(buf[6+2*i])<<8 | int16(buf[6+2*i+1])
		r.Accel[i] = float32(float64(a) * d.scaleAccel)
		r.Gyro[i] = float32(float64(g) * d.scaleGyro)
	}

	if d.mag != nil {
		m, ok, err := d.readMag()
		if err != nil {
			return r, err
		}
		r.Mag, r.MagOK = m, ok
	}
	return r, nil
}

// readMag returns ok=false when no new measurement is ready. Reading ST2
// releases the data registers for the next measurement.
func (d *Device) readMag() ([3]float32, bool, error) {
	st1, err := d.mag.ReadRegU8(magRegST1)
	if err != nil {
		return [3]float32{}, false, fmt.Errorf("ak09916: st1 read failed: %w", err)
	}
	if st1&magST1DataReady == 0 {
		return [3]float32{}, false, nil
	}
	// HXL..HZH, TMPS, ST2.
	var buf [8]byte
	if err := d.mag.ReadReg(magRegHXL, buf[:]); err != nil {
		return [3]float32{}, false, fmt.Errorf("ak09916: data read failed: %w", err)
	}
	if buf[7]&magST2Overflow != 0 {
		return [3]float32{}, false, nil
	}
	var raw [3]float64
	for i := range 3 {
		raw[i] = float64(int16(buf[2*i+1])<<8|int16(buf[2*i])) * magScaleUT
	}
	// The AK09916 Y and Z axes point opposite to the accelerometer's.
	return [3]float32{float32(raw[0]), float32(-raw[1]), float32(-raw[2])}, true, nil
}
