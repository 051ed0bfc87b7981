package update

import "fmt"

// ErrorCode is the status word of a mailbox response.
type ErrorCode uint16

const (
	Success ErrorCode = iota
	InvalidServiceCode
	InvalidAttributeCode
	UpdateAlreadyInProgress
	UpdateNotInProgress
	CorruptImage
	ImageAlreadyPresent
	NotExecuted
	ImageTooLarge
)

var errorCodeNames = map[ErrorCode]string{
	Success:                 "success",
	InvalidServiceCode:      "invalid-service-code",
	InvalidAttributeCode:    "invalid-attribute-code",
	UpdateAlreadyInProgress: "update-already-in-progress",
	UpdateNotInProgress:     "update-not-in-progress",
	CorruptImage:            "corrupt-image",
	ImageAlreadyPresent:     "image-already-present",
	NotExecuted:             "not-executed",
	ImageTooLarge:           "image-too-large",
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("error-code(%d)", uint16(c))
}

const (
	ClassAvbSystem      uint16 = 1
	ClassFirmwareUpdate uint16 = 128
)

const (
	ServiceGetAttribute        uint16 = 0x0001
	ServiceSetAttribute        uint16 = 0x0002
	ServiceStartFirmwareUpdate uint16 = 0x1000
	ServiceSendDataPacket      uint16 = 0x1001
	ServiceSendCommand         uint16 = 0x1002
	ServiceRemainInBootloader  uint16 = 0x1003
	ServiceRequestBootDelay    uint16 = 0x1004
)

const (
	AttrExecutingImageType uint16 = 0x8000
	AttrEventQueueEnabled  uint16 = 0x8001
	AttrNextQueuedEvent    uint16 = 0x8002
)

// Values of the ExecutingImageType attribute.
const (
	CodeImageBoot    uint32 = 0
	CodeImageRuntime uint32 = 1
)

const (
	NullEvent           uint32 = 0x00000000
	FirmwareUpdateEvent uint32 = 0x846C034D
)
