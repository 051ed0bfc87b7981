package main

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log"

	"github.com/losfair/fwboot/fwboot-libs/mmio"
)

// On-chip RAM the FPGA design leaves untouched across reconfiguration.
// Holds sha256(config) || config || NUL.
const scratchStart = 0x8FFE_0000
const scratchEnd = 0x9000_0000

func loadConfigFromScratch() ([]byte, bool) {
	m, err := mmio.Map(scratchStart, scratchEnd-scratchStart)
	if err != nil {
		log.Printf("can't map scratch ram: %v", err)
		return nil, false
	}
	defer m.Close()

	return takeConfig(m.Bytes())
}

// takeConfig extracts a stashed config and erases the area so it is only
// used once.
func takeConfig(scratch []byte) ([]byte, bool) {
	if len(scratch) < 33 {
		return nil, false
	}
	expectedConfigHash := append([]byte(nil), scratch[:32]...)
	config := scratch[32:]

	dataLen := bytes.IndexByte(config, 0)
	if dataLen <= 0 {
		return nil, false
	}
	config = append([]byte(nil), config[:dataLen]...)

	for i := range scratch {
		scratch[i] = 0
	}

	actualConfigHash := sha256.Sum256(config)
	if !bytes.Equal(expectedConfigHash, actualConfigHash[:]) {
		return nil, false
	}
	return config, true
}

func writeConfigToScratch(config []byte) error {
	m, err := mmio.Map(scratchStart, scratchEnd-scratchStart)
	if err != nil {
		return err
	}
	defer m.Close()

	return stashConfig(m.Bytes(), config)
}

func stashConfig(scratch []byte, config []byte) error {
	if 32+len(config)+1 > len(scratch) {
		return fmt.Errorf("config is too big")
	}
	configHash := sha256.Sum256(config)
	copy(scratch[:32], configHash[:])
	copy(scratch[32:32+len(config)], config)
	scratch[32+len(config)] = 0
	return nil
}
