package preboot

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/hashicorp/go-multierror"
	"github.com/losfair/fwboot/fwboot-libs/env"
	"go.uber.org/zap"
)

// MaxPartitionSize bounds any partition named in the environment.
const MaxPartitionSize = 0x800000

var (
	ErrSizeNotSet   = errors.New("partition size not set")
	ErrExuberant    = errors.New("exuberant sizes")
	ErrEmptyImage   = errors.New("image header declares zero length")
	ErrDataMismatch = errors.New("image data crc mismatch")
)

// Image locates a uImage-wrapped partition through environment variables.
// An inline header sits at the start of the partition with the payload
// right after it.
type Image struct {
	Label  string
	Start  string
	Size   string
	Header string
	Inline bool
}

var GoldenImages = []Image{
	{Label: "Boot FPGA", Start: "bootfpgastart", Size: "bootfpgasize", Header: "bootfpgahdr"},
	{Label: "Golden FDT", Start: "goldenfdtstart", Size: "goldenfdtsize", Header: "goldenfdthdr"},
	{Label: "U-Boot", Start: "bootstart", Size: "bootsize", Header: "boothdr"},
	{Label: "Golden Kernel", Start: "goldenkernstart", Size: "goldenkernsize", Inline: true},
	{Label: "Golden Root FS", Start: "goldenrootfsstart", Size: "goldenrootfssize", Header: "goldenrootfshdr"},
	{Label: "Golden ROM FS", Start: "goldenromfsstart", Size: "goldenromfssize", Header: "goldenromfshdr"},
}

var RuntimeImages = []Image{
	{Label: "FPGA", Start: "fpgastart", Size: "fpgasize", Header: "fpgahdr"},
	{Label: "FDT", Start: "fdtstart", Size: "fdtsize", Header: "fdthdr"},
	{Label: "Kernel", Start: "kernstart", Size: "kernsize", Inline: true},
	{Label: "Root FS", Start: "rootfsstart", Size: "rootfssize", Header: "rootfshdr"},
	{Label: "ROM FS", Start: "romfsstart", Size: "romfssize", Header: "romfshdr"},
}

// Checker verifies partitions against the data CRC in their uImage
// headers. Addresses are bus addresses read through mem.
type Checker struct {
	logger *zap.Logger
	mem    io.ReaderAt
	env    *env.Env

	Golden  []Image
	Runtime []Image
}

func NewChecker(logger *zap.Logger, mem io.ReaderAt, e *env.Env) *Checker {
	return &Checker{
		logger:  logger.With(zap.String("component", "crc")),
		mem:     mem,
		env:     e,
		Golden:  GoldenImages,
		Runtime: RuntimeImages,
	}
}

func (c *Checker) CheckGolden(ctx context.Context) error {
	return c.Check(ctx, c.Golden)
}

func (c *Checker) CheckRuntime(ctx context.Context) error {
	return c.Check(ctx, c.Runtime)
}

// Check verifies every image in the list. A partition whose start or
// header location is not in the environment is skipped.
func (c *Checker) Check(ctx context.Context, images []Image) error {
	var result error
	for _, img := range images {
		if err := ctx.Err(); err != nil {
			return err
		}
		logger := c.logger.With(zap.String("image", img.Label))

		start, err := c.env.Hex(img.Start)
		if err != nil {
			logger.Warn("partition start not set, skipping", zap.Error(err))
			continue
		}
		hdr, data := start, start+HeaderSize
		if !img.Inline {
			hdr, err = c.env.Hex(img.Header)
			if err != nil {
				logger.Warn("header location not set, skipping", zap.Error(err))
				continue
			}
			data = start
		}
		size, err := c.env.Hex(img.Size)
		if err != nil {
			logger.Warn("partition size not set", zap.Error(err))
			result = multierror.Append(result, fmt.Errorf("%s: %w", img.Label, ErrSizeNotSet))
			continue
		}

		if err := c.checkImage(hdr, data, size); err != nil {
			logger.Warn("crc check failed", zap.Error(err))
			result = multierror.Append(result, fmt.Errorf("%s: %w", img.Label, err))
			continue
		}
		logger.Info("crc ok")
	}
	return result
}

func (c *Checker) checkImage(hdrAddr, dataAddr, size uint64) error {
	buf := make([]byte, HeaderSize)
	if _, err := c.mem.ReadAt(buf, int64(hdrAddr)); err != nil {
		return fmt.Errorf("failed to read header at 0x%08x: %w", hdrAddr, err)
	}
	h, err := ParseHeader(buf)
	if err != nil {
		return err
	}
	if size > MaxPartitionSize || uint64(h.Size) > size {
		return fmt.Errorf("%w: partition 0x%x, image 0x%x", ErrExuberant, size, h.Size)
	}
	if h.Size == 0 {
		return ErrEmptyImage
	}

	sum := crc32.NewIEEE()
	if _, err := io.Copy(sum, io.NewSectionReader(c.mem, int64(dataAddr), int64(h.Size))); err != nil {
		return fmt.Errorf("failed to read image at 0x%08x: %w", dataAddr, err)
	}
	if got := sum.Sum32(); got != h.DataCRC {
		return fmt.Errorf("%w: computed 0x%08x, header 0x%08x", ErrDataMismatch, got, h.DataCRC)
	}
	return nil
}
