package main

import (
	"github.com/losfair/fwboot/fwboot-libs/board"
	"github.com/losfair/fwboot/fwboot-libs/classify"
	"github.com/losfair/fwboot/fwboot-libs/env"
	"github.com/losfair/fwboot/fwboot-libs/flash"
	"github.com/losfair/fwboot/fwboot-libs/icap"
	"github.com/losfair/fwboot/fwboot-libs/ledger"
	"github.com/losfair/fwboot/fwboot-libs/mailbox"
	"github.com/losfair/fwboot/fwboot-libs/netload"
	"github.com/losfair/fwboot/fwboot-libs/preboot"
	"github.com/losfair/fwboot/fwboot-libs/shell"
)

type InitConfig struct {
	Hostname    string `json:"hostname"`
	LogKafkaUrl string `json:"log_kafka_url"`

	// Board preset name; Layout overrides it when set.
	Board  string        `json:"board"`
	Layout *board.Layout `json:"layout"`
	GPIO   *GPIOConfig   `json:"gpio"`

	ICAP     ICAPConfig       `json:"icap"`
	Classify classify.Config  `json:"classify"`
	Mailbox  MailboxConfig    `json:"mailbox"`
	Flash    FlashConfig      `json:"flash"`
	Env      env.Config       `json:"env"`
	Ledger   ledger.Config    `json:"ledger"`
	Staging  StagingConfig    `json:"staging"`
	MAC      shell.MACConfig  `json:"mac"`
	Preboot  *preboot.Config  `json:"preboot"`
	Netload  netload.Config   `json:"netload"`
	Exec     *ExecConfig      `json:"exec"`
	Api      *ApiServerConfig `json:"api_server"`
}

type GPIOConfig struct {
	Phys   uint64 `json:"phys"`
	Offset uint32 `json:"offset"`
}

type ICAPConfig struct {
	icap.Config
	// "hwicap" or "fsl".
	Transport string `json:"transport"`
	Phys      uint64 `json:"phys"`
	// FSL register bridge layout.
	DataOffset    uint32 `json:"data_offset"`
	ControlOffset uint32 `json:"control_offset"`
	ResultOffset  uint32 `json:"result_offset"`
}

type MailboxConfig struct {
	LabX     uint64                `json:"labx_phys"`
	SPI      uint64                `json:"spi_phys"`
	Serial   *mailbox.SerialConfig `json:"serial"`
	Capacity int                   `json:"capacity"`
}

type FlashConfig struct {
	flash.FileConfig
	// Bus address of the memory-mapped flash window.
	Base uint64 `json:"base"`
}

type StagingConfig struct {
	Base uint64 `json:"base"`
	Size int    `json:"size"`
}

// ExecConfig switches activation commands from the built-in interpreter to
// a host shell.
type ExecConfig struct {
	Shell string   `json:"shell"`
	Env   []string `json:"env"`
}
